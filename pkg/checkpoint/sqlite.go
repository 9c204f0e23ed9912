package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/reinit/pkg/models"
)

// SQLiteRegistry is a SQLite-backed Registry. It survives process restarts,
// which is what makes a replaced rank's durable checkpoint discoverable
// after its process is gone.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry opens (or creates) the registry database at dbPath.
func NewSQLiteRegistry(dbPath string) (*SQLiteRegistry, error) {
	// WAL + busy timeout for concurrent access; single writer to avoid
	// SQLITE_BUSY under contention.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	r := &SQLiteRegistry{db: db}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRegistry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS replicas (
		rank INTEGER NOT NULL,
		holder INTEGER NOT NULL,
		step INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (rank, holder)
	);

	CREATE TABLE IF NOT EXISTS durable (
		rank INTEGER PRIMARY KEY,
		step INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *SQLiteRegistry) RecordReplica(holder, rank int, step models.Step) error {
	_, err := r.db.Exec(
		`INSERT INTO replicas (rank, holder, step, recorded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(rank, holder) DO UPDATE SET step = excluded.step, recorded_at = excluded.recorded_at`,
		rank, holder, uint64(step), time.Now())
	return err
}

func (r *SQLiteRegistry) RecordDurable(rank int, step models.Step) error {
	_, err := r.db.Exec(
		`INSERT INTO durable (rank, step, recorded_at) VALUES (?, ?, ?)
		 ON CONFLICT(rank) DO UPDATE SET step = excluded.step, recorded_at = excluded.recorded_at`,
		rank, uint64(step), time.Now())
	return err
}

func (r *SQLiteRegistry) HoldsReplica(holder, rank int) (models.Step, bool, error) {
	var step uint64
	err := r.db.QueryRow(`SELECT step FROM replicas WHERE rank = ? AND holder = ?`, rank, holder).Scan(&step)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return models.Step(step), true, nil
}

func (r *SQLiteRegistry) ReplicaAvailable(rank int) (bool, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM replicas WHERE rank = ?`, rank).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteRegistry) DurableAvailable(rank int) (bool, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM durable WHERE rank = ?`, rank).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteRegistry) RecoveredStep(rank int) (models.Step, error) {
	// MAX over an empty set scans as NULL.
	var best sql.NullInt64
	if err := r.db.QueryRow(`SELECT MAX(step) FROM replicas WHERE rank = ?`, rank).Scan(&best); err != nil {
		return 0, err
	}
	if best.Valid {
		return models.Step(best.Int64), nil
	}
	var step uint64
	err := r.db.QueryRow(`SELECT step FROM durable WHERE rank = ?`, rank).Scan(&step)
	if err == sql.ErrNoRows {
		return 0, ErrNoCheckpoint
	}
	if err != nil {
		return 0, err
	}
	return models.Step(step), nil
}

func (r *SQLiteRegistry) Forget(rank int) error {
	if _, err := r.db.Exec(`DELETE FROM replicas WHERE rank = ?`, rank); err != nil {
		return err
	}
	_, err := r.db.Exec(`DELETE FROM durable WHERE rank = ?`, rank)
	return err
}

// Close closes the underlying database.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}
