package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// SavePayload keeps a gzipped copy of the body fetched by run so an import
// can be replayed. A body already kept for the same site and source is not
// stored again and returns id 0.
func (s *Store) SavePayload(run *IngestRun, body []byte) (int64, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return 0, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("gzip payload: %w", err)
	}
	sum := sha256.Sum256(body)

	res, err := s.db.Exec(`
		INSERT INTO raw_payloads (ingest_run_id, site_id, source, fetched_at, body_gzip, sha256)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, source, sha256) DO NOTHING
	`, run.ID, run.SiteID, run.Source, time.Now().UTC().Format(timeLayout), buf.Bytes(), hex.EncodeToString(sum[:]))
	if err != nil {
		return 0, fmt.Errorf("insert payload: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, nil
	}
	return res.LastInsertId()
}

// Payload returns a kept body, or nil if id is unknown.
func (s *Store) Payload(id int64) ([]byte, error) {
	var gz []byte
	err := s.db.QueryRow(`SELECT body_gzip FROM raw_payloads WHERE id = ?`, id).Scan(&gz)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("open payload %d: %w", id, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// PrunePayloads deletes bodies fetched more than maxAge ago.
func (s *Store) PrunePayloads(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeLayout)
	res, err := s.db.Exec(`DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
