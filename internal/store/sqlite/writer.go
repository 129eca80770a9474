// Package sqlite keeps a local history of the reference conversion rate.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"trading-valuation/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultKeep is how many rate samples Prune retains.
const DefaultKeep = 10000

// Config configures the SQLite rate store.
type Config struct {
	DBPath string // e.g. "data/rates.db"
	Keep   int    // samples retained by Prune, default DefaultKeep
}

// RateStore implements model.RateStore on a rate_history table. Every
// successful refresh appends a row; LoadRate returns the newest.
type RateStore struct {
	db   *sql.DB
	keep int
}

// Open opens the database in WAL mode and creates the schema.
func Open(cfg Config) (*RateStore, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	keep := cfg.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	log.Printf("[sqlite] opened rate store at %s", cfg.DBPath)
	return &RateStore{db: db, keep: keep}, nil
}

// DB returns the underlying handle for health checks.
func (s *RateStore) DB() *sql.DB { return s.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			value      REAL    NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rate_history_updated ON rate_history (updated_at);
	`)
	return err
}

// SaveRate appends a sample and trims the table to the retention limit in
// the same transaction.
func (s *RateStore) SaveRate(ctx context.Context, r model.ExchangeRate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_history (value, updated_at) VALUES (?, ?)`,
		r.Value, r.UpdatedAt.UnixMilli(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: insert rate: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_history WHERE id <= (SELECT MAX(id) FROM rate_history) - ?`,
		s.keep,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite: trim rates: %w", err)
	}
	return tx.Commit()
}

// LoadRate returns the newest sample, or a zero value when the table is empty.
func (s *RateStore) LoadRate(ctx context.Context) (model.ExchangeRate, error) {
	var (
		v  float64
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM rate_history ORDER BY id DESC LIMIT 1`,
	).Scan(&v, &ms)
	if err == sql.ErrNoRows {
		return model.ExchangeRate{}, nil
	}
	if err != nil {
		return model.ExchangeRate{}, fmt.Errorf("sqlite: load rate: %w", err)
	}
	return model.ExchangeRate{Value: v, UpdatedAt: time.UnixMilli(ms).UTC()}, nil
}

// Close closes the database.
func (s *RateStore) Close() error {
	return s.db.Close()
}
