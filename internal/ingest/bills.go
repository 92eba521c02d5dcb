package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/vertriqe/vertriqe-dashboard-sub000/internal/models"
)

// BillImporter reads utility bill exports dropped on an FTP server, one CSV
// per site at <dir>/<siteID>.csv.
type BillImporter struct {
	addr     string
	user     string
	password string
	dir      string
	timeout  time.Duration
}

func NewBillImporter(addr, user, password, dir string) *BillImporter {
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	return &BillImporter{
		addr:     addr,
		user:     user,
		password: password,
		dir:      dir,
		timeout:  30 * time.Second,
	}
}

// Path returns the remote file for a site.
func (b *BillImporter) Path(siteID string) string {
	return path.Join(b.dir, siteID+".csv")
}

// Fetch downloads the site's bill export.
func (b *BillImporter) Fetch(siteID string) ([]byte, error) {
	conn, err := ftp.Dial(b.addr, ftp.DialWithTimeout(b.timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(b.user, b.password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(b.Path(siteID))
	if err != nil {
		return nil, fmt.Errorf("ftp retr %s: %w", b.Path(siteID), err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

var billColumns = []string{"period", "total_kwh", "avg_temp_c"}

// ParseBillsCSV parses a bill export with a header row naming period,
// total_kwh and avg_temp_c (any order, extra columns ignored). Rows that fail
// to parse are skipped and counted in skipped; a missing column is an error.
func ParseBillsCSV(siteID string, r io.Reader) (obs []models.Observation, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, 0, errors.New("empty bill export")
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range billColumns {
		if _, ok := idx[col]; !ok {
			return nil, 0, fmt.Errorf("bill export missing %q column", col)
		}
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read row: %w", err)
		}

		o, ok := parseBillRow(siteID, rec, idx)
		if !ok {
			skipped++
			continue
		}
		obs = append(obs, o)
	}
	return obs, skipped, nil
}

func parseBillRow(siteID string, rec []string, idx map[string]int) (models.Observation, bool) {
	field := func(col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	period, err := models.ParsePeriod(field("period"))
	if err != nil {
		return models.Observation{}, false
	}
	total, err := strconv.ParseFloat(field("total_kwh"), 64)
	if err != nil {
		return models.Observation{}, false
	}
	temp, err := strconv.ParseFloat(field("avg_temp_c"), 64)
	if err != nil {
		return models.Observation{}, false
	}

	return models.Observation{
		SiteID:      siteID,
		Period:      period,
		Temperature: temp,
		TotalEnergy: total,
		Source:      "ftp",
	}, true
}
