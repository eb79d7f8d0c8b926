// Package resultdb records finished runs in Postgres.
package resultdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"flowsnap/internal/job"
)

// Row is one outcome of a run.
type Row struct {
	RunID     string
	Kind      string
	Index     int
	OrigX     float64
	OrigY     float64
	X         float64
	Y         float64
	Traveled  int
	Status    string
	DownLabel int64
	Props     map[string]any
}

// RowsFromReport flattens a report, one row per input point, using the
// moved position and attributes.
func RowsFromReport(runID string, r *job.Report) []Row {
	if r == nil {
		return nil
	}
	moved := r.Moved()
	out := make([]Row, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = Row{
			RunID:     runID,
			Kind:      string(r.Kind),
			Index:     o.Index,
			OrigX:     o.OrigX,
			OrigY:     o.OrigY,
			X:         moved[i].X,
			Y:         moved[i].Y,
			Traveled:  o.Distance(),
			Status:    o.Status.String(),
			DownLabel: o.DownLabel,
			Props:     moved[i].Props.Map(),
		}
	}
	return out
}

type Store struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("resultdb: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("resultdb: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS flowsnap_outlets (
  run_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  point_index INTEGER NOT NULL,
  orig_x DOUBLE PRECISION NOT NULL,
  orig_y DOUBLE PRECISION NOT NULL,
  x DOUBLE PRECISION NOT NULL,
  y DOUBLE PRECISION NOT NULL,
  traveled INTEGER NOT NULL,
  status TEXT NOT NULL,
  down_label BIGINT NOT NULL DEFAULT -1,
  props JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
  PRIMARY KEY (run_id, point_index)
);
CREATE INDEX IF NOT EXISTS idx_flowsnap_outlets_kind ON flowsnap_outlets (kind);
`)
	})
	return s.schemaErr
}

// SaveRun replaces every row of the run in one transaction.
func (s *Store) SaveRun(ctx context.Context, runID string, rows []Row) error {
	if s == nil || s.db == nil {
		return nil
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("resultdb: run id is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return fmt.Errorf("resultdb: schema: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM flowsnap_outlets WHERE run_id = $1`, runID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO flowsnap_outlets (
  run_id, kind, point_index, orig_x, orig_y, x, y, traveled, status, down_label, props
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		props, err := json.Marshal(r.Props)
		if err != nil {
			return fmt.Errorf("resultdb: point %d props: %w", r.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, runID, r.Kind, r.Index, r.OrigX, r.OrigY, r.X, r.Y, r.Traveled, r.Status, r.DownLabel, string(props)); err != nil {
			return fmt.Errorf("resultdb: insert point %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// ListRun returns the rows of a run ordered by point index.
func (s *Store) ListRun(ctx context.Context, runID string) ([]Row, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("resultdb: schema: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, kind, point_index, orig_x, orig_y, x, y, traveled, status, down_label, props
FROM flowsnap_outlets WHERE run_id = $1 ORDER BY point_index`, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Row, 0, 64)
	for rows.Next() {
		var (
			r   Row
			raw []byte
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.Index, &r.OrigX, &r.OrigY, &r.X, &r.Y, &r.Traveled, &r.Status, &r.DownLabel, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Props); err != nil {
				return nil, fmt.Errorf("resultdb: point %d props: %w", r.Index, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
