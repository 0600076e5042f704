package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gkobilansky/abengine/internal/experiment"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    component TEXT NOT NULL DEFAULT '',
    target_metric TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    variants TEXT NOT NULL,
    start_date INTEGER,
    end_date INTEGER,
    significance REAL NOT NULL DEFAULT 0,
    winner TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS variant_counters (
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    exposures INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (experiment_id, variant_id)
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    experiment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    visitor_id TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(experiment_id, visitor_id, event_type);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);

INSERT OR IGNORE INTO settings (key, value) VALUES ('revision', 0);
`

// variantRecord is the JSON shape of a variant definition inside the
// experiments row. Counters live in variant_counters.
type variantRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Traffic     int    `json:"traffic"`
	IsControl   bool   `json:"is_control"`
	IsActive    bool   `json:"is_active"`
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serialises writers, so a transaction is an exclusive
	// per-experiment lock as far as other writers are concerned.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Create(ctx context.Context, exp *experiment.Experiment) (*experiment.Experiment, error) {
	if err := experiment.Validate(exp); err != nil {
		return nil, err
	}

	now := s.now()
	created := exp.Clone()
	created.Status = experiment.StatusDraft
	created.Significance = 0
	created.Winner = ""
	created.EndDate = nil
	created.CreatedAt = time.Unix(now.Unix(), 0)
	created.UpdatedAt = created.CreatedAt
	for i := range created.Variants {
		created.Variants[i].Exposures = 0
		created.Variants[i].Conversions = 0
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE id = ?`, created.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check experiment id: %w", err)
		}
		if exists > 0 {
			return &experiment.ValidationError{
				Invariant: experiment.InvariantUniqueIDs,
				Detail:    fmt.Sprintf("experiment id %q already exists", created.ID),
			}
		}

		variantsJSON, err := marshalVariants(created.Variants)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO experiments (id, name, description, component, target_metric, status, variants,
			     start_date, end_date, significance, winner, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, NULL, ?, ?)`,
			created.ID, created.Name, created.Description, created.Component, created.TargetMetric,
			string(created.Status), variantsJSON, nullableTime(created.StartDate), now.Unix(), now.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert experiment: %w", err)
		}

		if err := syncCounters(ctx, tx, created.ID, created.Variants); err != nil {
			return err
		}
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	return getExperiment(ctx, s.db, id)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, component, target_metric, status, variants,
		        start_date, end_date, significance, winner, created_at, updated_at
		 FROM experiments ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	var experiments []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	rows.Close()

	// Counters are loaded after the cursor is closed; the pool has a single
	// connection.
	for _, exp := range experiments {
		if err := loadCounters(ctx, s.db, exp); err != nil {
			return nil, err
		}
	}

	return experiments, nil
}

// Update applies patch inside a transaction. Status changes are checked against
// the lifecycle table, structural edits against the draft-only rule, and the
// result against every invariant; on any error nothing is written.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch experiment.Patch) (*experiment.Experiment, error) {
	var updated *experiment.Experiment

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getExperiment(ctx, tx, id)
		if err != nil {
			return err
		}

		next, err := experiment.Apply(current, patch, s.now())
		if err != nil {
			return err
		}

		variantsJSON, err := marshalVariants(next.Variants)
		if err != nil {
			return err
		}

		var winner sql.NullString
		if next.Winner != "" {
			winner = sql.NullString{String: next.Winner, Valid: true}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE experiments SET name = ?, description = ?, component = ?, target_metric = ?, status = ?,
			     variants = ?, start_date = ?, end_date = ?, significance = ?, winner = ?, updated_at = ?
			 WHERE id = ?`,
			next.Name, next.Description, next.Component, next.TargetMetric, string(next.Status),
			variantsJSON, nullableTime(next.StartDate), nullableTime(next.EndDate), next.Significance,
			winner, next.UpdatedAt.Unix(), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update experiment: %w", err)
		}

		if patch.Variants != nil {
			if err := syncCounters(ctx, tx, id, next.Variants); err != nil {
				return err
			}
		}

		updated = next
		return bumpRevision(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// First delete related events and counters
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE experiment_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM variant_counters WHERE experiment_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete counters: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete experiment: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return &experiment.NotFoundError{Kind: "experiment", ID: id}
		}
		return bumpRevision(ctx, tx)
	})
}

// Revision increases with every committed change to an experiment definition,
// from any process sharing the database. Events do not change it.
func (s *SQLiteStore) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'revision'`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE settings SET value = value + 1 WHERE key = 'revision'`); err != nil {
		return fmt.Errorf("failed to bump revision: %w", err)
	}
	return nil
}

// RecordEvent appends ev to the event log and bumps the matching counter. A
// repeated (experiment, visitor, type) is ignored and reported as false. The
// experiment's stored status must accept the event type; otherwise an
// *experiment.InvalidStateError is returned and nothing is written.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev experiment.Record) (bool, error) {
	column := "exposures"
	switch ev.Type {
	case experiment.EventExposure:
	case experiment.EventConversion:
		column = "conversions"
	default:
		return false, fmt.Errorf("unknown event type %q", ev.Type)
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var recorded bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM experiments WHERE id = ?`, ev.ExperimentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return &experiment.NotFoundError{Kind: "experiment", ID: ev.ExperimentID}
		}
		if err != nil {
			return fmt.Errorf("failed to read experiment status: %w", err)
		}
		if st := experiment.Status(status); !st.Accepts(ev.Type) {
			return &experiment.InvalidStateError{ExperimentID: ev.ExperimentID, Status: st, Op: "record " + string(ev.Type) + "s for"}
		}

		// Use INSERT OR IGNORE for deduplication via unique index
		result, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (experiment_id, variant_id, event_type, visitor_id, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			ev.ExperimentID, ev.VariantID, string(ev.Type), ev.VisitorID, createdAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to record event: %w", err)
		}

		inserted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if inserted == 0 {
			return nil
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE variant_counters SET `+column+` = `+column+` + 1
			 WHERE experiment_id = ? AND variant_id = ?`,
			ev.ExperimentID, ev.VariantID,
		)
		if err != nil {
			return fmt.Errorf("failed to increment %s: %w", column, err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return &experiment.NotFoundError{Kind: "variant", ID: ev.VariantID}
		}

		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return recorded, nil
}

func (s *SQLiteStore) Events(ctx context.Context, experimentID string) ([]*experiment.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, variant_id, event_type, visitor_id, created_at
		 FROM events WHERE experiment_id = ? ORDER BY created_at, id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*experiment.Record
	for rows.Next() {
		var e experiment.Record
		var eventType string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ExperimentID, &e.VariantID, &eventType, &e.VisitorID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = experiment.EventType(eventType)
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	var status, variantsJSON string
	var startDate, endDate sql.NullInt64
	var winner sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&exp.ID, &exp.Name, &exp.Description, &exp.Component, &exp.TargetMetric, &status,
		&variantsJSON, &startDate, &endDate, &exp.Significance, &winner, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	exp.Status = experiment.Status(status)
	exp.Winner = winner.String
	exp.StartDate = timeFromNull(startDate)
	exp.EndDate = timeFromNull(endDate)
	exp.CreatedAt = time.Unix(createdAt, 0)
	exp.UpdatedAt = time.Unix(updatedAt, 0)

	var records []variantRecord
	if err := json.Unmarshal([]byte(variantsJSON), &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	exp.Variants = make([]experiment.Variant, len(records))
	for i, r := range records {
		exp.Variants[i] = experiment.Variant{
			ID:          r.ID,
			Name:        r.Name,
			Description: r.Description,
			Traffic:     r.Traffic,
			IsControl:   r.IsControl,
			IsActive:    r.IsActive,
		}
	}

	return &exp, nil
}

func getExperiment(ctx context.Context, q querier, id string) (*experiment.Experiment, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, description, component, target_metric, status, variants,
		        start_date, end_date, significance, winner, created_at, updated_at
		 FROM experiments WHERE id = ?`, id,
	)

	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &experiment.NotFoundError{Kind: "experiment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	if err := loadCounters(ctx, q, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func loadCounters(ctx context.Context, q querier, exp *experiment.Experiment) error {
	rows, err := q.QueryContext(ctx,
		`SELECT variant_id, exposures, conversions FROM variant_counters WHERE experiment_id = ?`, exp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load counters: %w", err)
	}
	defer rows.Close()

	index := make(map[string]int, len(exp.Variants))
	for i, v := range exp.Variants {
		index[v.ID] = i
	}

	for rows.Next() {
		var variantID string
		var exposures, conversions int64
		if err := rows.Scan(&variantID, &exposures, &conversions); err != nil {
			return fmt.Errorf("failed to scan counters: %w", err)
		}
		if i, ok := index[variantID]; ok {
			exp.Variants[i].Exposures = exposures
			exp.Variants[i].Conversions = conversions
		}
	}

	return rows.Err()
}

// syncCounters makes variant_counters hold exactly one row per variant,
// keeping existing counts.
func syncCounters(ctx context.Context, tx *sql.Tx, experimentID string, variants []experiment.Variant) error {
	ids := make([]any, 0, len(variants)+1)
	ids = append(ids, experimentID)
	placeholders := ""
	for i, v := range variants {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		ids = append(ids, v.ID)

		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO variant_counters (experiment_id, variant_id) VALUES (?, ?)`,
			experimentID, v.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert counters: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx,
		`DELETE FROM variant_counters WHERE experiment_id = ? AND variant_id NOT IN (`+placeholders+`)`,
		ids...,
	)
	if err != nil {
		return fmt.Errorf("failed to prune counters: %w", err)
	}
	return nil
}

func marshalVariants(variants []experiment.Variant) (string, error) {
	records := make([]variantRecord, len(variants))
	for i, v := range variants {
		records[i] = variantRecord{
			ID:          v.ID,
			Name:        v.Name,
			Description: v.Description,
			Traffic:     v.Traffic,
			IsControl:   v.IsControl,
			IsActive:    v.IsActive,
		}
	}

	b, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to marshal variants: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
