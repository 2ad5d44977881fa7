package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gammadia/towerlaunch/tower"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrBatchNotFound = errors.New("batch not found")

// Store is the local ledger of launched batches and runs.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Batch struct {
	ID           string
	Name         string
	DatasetsFile string
	Stages       []string
	CreatedAt    time.Time
}

type Run struct {
	BatchID    string
	RunID      string
	RunName    string
	Dataset    string
	Stage      string
	Status     tower.Status
	LaunchedAt time.Time
	UpdatedAt  time.Time
}

// Open opens (creating it if needed) the ledger at path and brings its schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// runs are recorded from concurrent chains; sqlite has a single writer anyway
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateBatch(ctx context.Context, name string, datasetsFile string, stages []string) (*Batch, error) {
	batch := &Batch{
		ID:           uuid.NewString(),
		Name:         name,
		DatasetsFile: datasetsFile,
		Stages:       stages,
		CreatedAt:    s.now(),
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, name, datasets_file, stages, created_at) VALUES (?, ?, ?, ?, ?)`,
		batch.ID, batch.Name, batch.DatasetsFile, strings.Join(stages, ","), formatTime(batch.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return batch, nil
}

// RecordLaunch adds a run to a batch. Recording the same run twice only refreshes it.
func (s *Store) RecordLaunch(ctx context.Context, batchID string, dataset string, stage string, runID string, runName string) error {
	now := formatTime(s.now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (batch_id, run_id, run_name, dataset, stage, launched_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, run_id) DO UPDATE SET updated_at = excluded.updated_at`,
		batchID, runID, runName, dataset, stage, now, now,
	); err != nil {
		return fmt.Errorf("record launch of '%s': %w", runID, err)
	}
	return nil
}

// RecordStatus updates the status of a run in every batch it belongs to.
func (s *Store) RecordStatus(ctx context.Context, runID string, status tower.Status) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		string(status), formatTime(s.now()), runID,
	); err != nil {
		return fmt.Errorf("record status of '%s': %w", runID, err)
	}
	return nil
}

// ListBatches returns the most recent batches first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, datasets_file, stages, created_at FROM batches ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	return batches, rows.Err()
}

// FindBatch looks a batch up by name or ID prefix.
func (s *Store) FindBatch(ctx context.Context, ref string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, datasets_file, stages, created_at FROM batches
		WHERE name = ? OR id LIKE ? || '%'
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		ref, ref,
	)

	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: '%s'", ErrBatchNotFound, ref)
	}
	return batch, err
}

func (s *Store) ListRuns(ctx context.Context, batchID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, run_id, run_name, dataset, stage, status, launched_at, updated_at FROM runs
		WHERE batch_id = ? ORDER BY launched_at, rowid`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var status, launchedAt, updatedAt string
		if err := rows.Scan(&run.BatchID, &run.RunID, &run.RunName, &run.Dataset, &run.Stage, &status, &launchedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = tower.ParseStatus(status)
		run.LaunchedAt = parseTime(launchedAt)
		run.UpdatedAt = parseTime(updatedAt)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*Batch, error) {
	var batch Batch
	var stages, createdAt string
	if err := row.Scan(&batch.ID, &batch.Name, &batch.DatasetsFile, &stages, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	batch.Stages = strings.Split(stages, ",")
	batch.CreatedAt = parseTime(createdAt)
	return &batch, nil
}

// timestamps are stored with a fixed width so that they sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
