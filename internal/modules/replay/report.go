package replay

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/shelfops/internal/tenant"
)

// ManifestFile describes one hashed input file.
type ManifestFile struct {
	Name   string `json:"name"`
	Rows   int    `json:"rows"`
	SHA256 string `json:"sha256"`
}

// Manifest is the partition record, serialized as partition_manifest.json.
type Manifest struct {
	RunID          string         `json:"run_id"`
	TrainEnd       string         `json:"train_end"`
	HoldoutStart   string         `json:"holdout_start"`
	HoldoutEnd     string         `json:"holdout_end"`
	Pairs          int            `json:"pairs"`
	TrainTxnRows   int            `json:"train_txn_rows"`
	HoldoutTxnRows int            `json:"holdout_txn_rows"`
	Files          []ManifestFile `json:"files,omitempty"`
}

// report buffers the daily log and writes the three run files. All content is
// derived from the dataset, never from the wall clock, so identical inputs
// produce identical bytes.
type report struct {
	dir   string
	runID string
	daily bytes.Buffer
}

func newReport(baseDir, runID string) *report {
	return &report{dir: filepath.Join(baseDir, runID), runID: runID}
}

func (r *report) logLine(format string, args ...any) {
	if r == nil {
		return
	}
	fmt.Fprintf(&r.daily, format+"\n", args...)
}

func (r *report) writeManifest(db *sql.DB, h tenant.Handle, cfg Config,
	trainEnd, maxDate time.Time, pairs [][2]string) error {

	manifest := Manifest{
		RunID:        r.runID,
		TrainEnd:     trainEnd.Format("2006-01-02"),
		HoldoutStart: trainEnd.AddDate(0, 0, 1).Format("2006-01-02"),
		HoldoutEnd:   maxDate.Format("2006-01-02"),
		Pairs:        len(pairs),
	}

	boundary := trainEnd.Format("2006-01-02")
	if err := db.QueryRow(`SELECT COUNT(*) FROM transactions
		WHERE tenant_id = ? AND DATE(ts) <= ?`, h.ID(), boundary).
		Scan(&manifest.TrainTxnRows); err != nil {
		return fmt.Errorf("failed to count training rows: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM transactions
		WHERE tenant_id = ? AND DATE(ts) > ?`, h.ID(), boundary).
		Scan(&manifest.HoldoutTxnRows); err != nil {
		return fmt.Errorf("failed to count holdout rows: %w", err)
	}

	for _, path := range cfg.DataFiles {
		entry, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, entry)
	}

	return r.writeJSON("partition_manifest.json", manifest)
}

func (r *report) writeSummary(s *Summary) error {
	return r.writeJSON("summary.json", s)
}

func (r *report) flushDailyLog() error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	path := filepath.Join(r.dir, "daily_log.txt")
	if err := os.WriteFile(path, r.daily.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write daily log: %w", err)
	}
	return nil
}

func (r *report) writeJSON(name string, v any) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(r.dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func hashFile(path string) (ManifestFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("failed to open manifest input %s: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	rows := 0
	scanner := bufio.NewScanner(io.TeeReader(f, hash))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		rows++
	}
	if err := scanner.Err(); err != nil {
		return ManifestFile{}, fmt.Errorf("failed to read manifest input %s: %w", path, err)
	}
	if rows > 0 {
		rows-- // Header line
	}
	return ManifestFile{
		Name:   filepath.Base(path),
		Rows:   rows,
		SHA256: fmt.Sprintf("%x", hash.Sum(nil)),
	}, nil
}
