package baseline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
)

// InputHash fingerprints the observations an optimisation ran on, including
// their hourly temperatures. It is used as a result cache key.
func InputHash(observations []models.Observation) string {
	h := sha256.New()
	var buf [8]byte
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}

	for _, obs := range observations {
		h.Write([]byte(obs.Date()))
		putFloat(obs.Temperature)
		putFloat(obs.TotalEnergy)
		binary.LittleEndian.PutUint64(buf[:], uint64(len(obs.HourlyTemperatures)))
		h.Write(buf[:])
		for _, t := range obs.HourlyTemperatures {
			putFloat(t)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
