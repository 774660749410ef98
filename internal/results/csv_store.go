package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"run_id", "school_name", "state", "city", "school_url",
	"district_name", "district_url", "status", "matched",
	"terms", "match_count", "matched_pages", "pages_with_terms",
	"school_terms", "school_pages", "school_match_count", "school_pages_with_terms",
	"district_terms", "district_pages", "district_match_count", "district_pages_with_terms",
	"snippets", "summary", "pages_scanned", "scanned_at",
}

// CSVStore appends records to a CSV file, flushing after every row so a
// killed run loses at most the row in flight.
type CSVStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
}

// NewCSVStore opens (or creates) the CSV at path. The header is written
// only when the file starts empty, so appending across resumed runs is
// safe.
func NewCSVStore(path string) (*CSVStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create results dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat results csv: %w", err)
	}

	s := &CSVStore{path: path, file: f, writer: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.writer.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Save appends one record.
func (s *CSVStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		rec.RunID,
		rec.SchoolName,
		rec.State,
		rec.City,
		rec.SchoolURL,
		rec.DistrictName,
		rec.DistrictURL,
		string(rec.Status),
		strconv.FormatBool(rec.Matched()),
		joinList(rec.Terms),
		strconv.Itoa(rec.MatchCount),
		joinList(rec.MatchedPages),
		strconv.Itoa(rec.PagesWithTerms),
		joinList(rec.SchoolTerms),
		joinList(rec.SchoolPages),
		strconv.Itoa(rec.SchoolMatchCount),
		strconv.Itoa(rec.SchoolPagesWithTerms),
		joinList(rec.DistrictTerms),
		joinList(rec.DistrictPages),
		strconv.Itoa(rec.DistrictMatchCount),
		strconv.Itoa(rec.DistrictPagesWithTerms),
		joinList(rec.Snippets),
		rec.Summary,
		strconv.Itoa(rec.PagesScanned),
		rec.ScannedAt.UTC().Format(time.RFC3339),
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("write result row: %w", err)
	}
	s.writer.Flush()
	return s.writer.Error()
}

// ListProcessedIdentities reads back the identities already written to the
// file, including rows from earlier runs.
func (s *CSVStore) ListProcessedIdentities(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	s.writer.Flush()
	err := s.writer.Error()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ReadIdentities(s.path)
}

// Close flushes and closes the file.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// ReadIdentities returns the "name|state" keys already present in the CSV
// at path, for resume skipping. A missing file is an empty set.
func ReadIdentities(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read results csv: %w", err)
	}

	ids := make(map[string]struct{})
	if len(rows) == 0 {
		return ids, nil
	}
	nameIdx, stateIdx := -1, -1
	for i, h := range rows[0] {
		switch h {
		case "school_name":
			nameIdx = i
		case "state":
			stateIdx = i
		}
	}
	if nameIdx < 0 || stateIdx < 0 {
		return ids, nil
	}
	for _, row := range rows[1:] {
		if nameIdx >= len(row) || stateIdx >= len(row) {
			continue
		}
		ids[identityKey(row[nameIdx], row[stateIdx])] = struct{}{}
	}
	return ids, nil
}

func identityKey(name, state string) string {
	return normalizeLower(name) + "|" + normalizeUpper(state)
}
