package results

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createResultsTable = `
CREATE TABLE IF NOT EXISTS scan_results (
    run_id                    TEXT        NOT NULL,
    school_name               TEXT        NOT NULL,
    state                     TEXT        NOT NULL,
    city                      TEXT        NOT NULL DEFAULT '',
    school_url                TEXT        NOT NULL DEFAULT '',
    district_name             TEXT        NOT NULL DEFAULT '',
    district_url              TEXT        NOT NULL DEFAULT '',
    status                    TEXT        NOT NULL,
    matched                   BOOLEAN     NOT NULL,
    terms                     TEXT[]      NOT NULL DEFAULT '{}',
    match_count               INTEGER     NOT NULL DEFAULT 0,
    matched_pages             TEXT[]      NOT NULL DEFAULT '{}',
    pages_with_terms          INTEGER     NOT NULL DEFAULT 0,
    school_terms              TEXT[]      NOT NULL DEFAULT '{}',
    school_pages              TEXT[]      NOT NULL DEFAULT '{}',
    school_match_count        INTEGER     NOT NULL DEFAULT 0,
    school_pages_with_terms   INTEGER     NOT NULL DEFAULT 0,
    district_terms            TEXT[]      NOT NULL DEFAULT '{}',
    district_pages            TEXT[]      NOT NULL DEFAULT '{}',
    district_match_count      INTEGER     NOT NULL DEFAULT 0,
    district_pages_with_terms INTEGER     NOT NULL DEFAULT 0,
    snippets                  TEXT[]      NOT NULL DEFAULT '{}',
    summary                   TEXT        NOT NULL DEFAULT '',
    pages_scanned             INTEGER     NOT NULL DEFAULT 0,
    scanned_at                TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (run_id, school_name, state)
)`

const insertResult = `
INSERT INTO scan_results (
    run_id, school_name, state, city, school_url,
    district_name, district_url, status, matched,
    terms, match_count, matched_pages, pages_with_terms,
    school_terms, school_pages, school_match_count, school_pages_with_terms,
    district_terms, district_pages, district_match_count, district_pages_with_terms,
    snippets, summary, pages_scanned, scanned_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
ON CONFLICT (run_id, school_name, state) DO NOTHING`

const selectIdentities = `SELECT DISTINCT school_name, state FROM scan_results`

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore writes records to a scan_results table. Re-saving a record
// for the same run and school is a no-op.
type PostgresStore struct {
	db    pgxExecutor
	close func()
}

// NewPostgresStore connects to dsn and ensures the results table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PostgresStore{db: pool, close: pool.Close}
	if err := store.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStoreWithDB(db pgxExecutor) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createResultsTable); err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	return nil
}

// Save inserts one record.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.Exec(ctx, insertResult,
		rec.RunID,
		rec.SchoolName,
		rec.State,
		rec.City,
		rec.SchoolURL,
		rec.DistrictName,
		rec.DistrictURL,
		string(rec.Status),
		rec.Matched(),
		rec.Terms,
		rec.MatchCount,
		rec.MatchedPages,
		rec.PagesWithTerms,
		rec.SchoolTerms,
		rec.SchoolPages,
		rec.SchoolMatchCount,
		rec.SchoolPagesWithTerms,
		rec.DistrictTerms,
		rec.DistrictPages,
		rec.DistrictMatchCount,
		rec.DistrictPagesWithTerms,
		rec.Snippets,
		rec.Summary,
		rec.PagesScanned,
		rec.ScannedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert result for %s: %w", rec.SchoolName, err)
	}
	return nil
}

// ListProcessedIdentities returns the identities of every school with a
// record, across all runs.
func (s *PostgresStore) ListProcessedIdentities(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, selectIdentities)
	if err != nil {
		return nil, fmt.Errorf("list processed identities: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var name, state string
		if err := rows.Scan(&name, &state); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		ids[identityKey(name, state)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processed identities: %w", err)
	}
	return ids, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.close()
	return nil
}
