// Package database provides the PostgreSQL persistence of the track record engine.
//
// This package includes:
//   - Connection management using GORM over a lib/pq connection pool
//   - A SQLite mode (same models) for local runs and tests
//   - LedgerRepository, the storage.LedgerWriter and storage.ChainReader
//     implementation whose appends run in serializable transactions
//
// Key Concepts:
//   - ledger_events rows are append-only; (instance_id, seq_no) is unique
//   - ledger_states holds one aggregate row per instance, rewritten per append
//   - Lost write races surface as retryable *ledger.ConflictError values
//
// Data Models:
//
//	All data models are defined in the models_pkg package to avoid circular
//	import dependencies.
package database

import (
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	models "track-record-engine/database/models_pkg"
)

// Database holds the GORM database connection and provides access to the underlying DB instance.
type Database struct {
	db *gorm.DB
}

// DB returns the underlying GORM database instance for direct access when needed.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Connect establishes a PostgreSQL connection. The pool is opened with lib/pq
// and handed to GORM.
func Connect(cfg Config) (*Database, error) {
	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	return &Database{db: db}, nil
}

// OpenSQLite opens a SQLite database file. SQLite has a single writer, so the
// pool is limited to one connection.
func OpenSQLite(path string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sqlite pool")
	}
	sqlDB.SetMaxOpenConns(1)
	return &Database{db: db}, nil
}

// InitSchema creates or migrates every table.
func (d *Database) InitSchema() error {
	err := d.db.AutoMigrate(
		&Instance{},
		&Event{},
		&State{},
		&Checkpoint{},
		&ProofBundle{},
		&SigningKey{},
		&BacktestEvidence{},
		&HealthScore{},
	)
	return errors.Wrap(err, "auto-migrate")
}

// Ping checks if the database connection is alive
func (d *Database) Ping() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) isPostgres() bool {
	return d.db.Dialector.Name() == "postgres"
}

// Core data models - type aliases so callers need not import models_pkg.
type Instance = models.Instance
type Event = models.Event
type State = models.State
type Checkpoint = models.Checkpoint
type ProofBundle = models.ProofBundle
type SigningKey = models.SigningKey
type BacktestEvidence = models.BacktestEvidence
type HealthScore = models.HealthScore
