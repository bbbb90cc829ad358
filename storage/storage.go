// Package storage defines the persistence contracts of the track record engine.
//
// The write path (LedgerWriter/LedgerTx) runs every append inside one serializable
// transaction. The read side (ChainReader) only ever sees committed events, so
// readers never block writers. The gorm implementation lives in package database.
//
// # Error Types
//
//   - ErrNotFound: a requested record is missing.
//   - *ledger.ConflictError with Kind ConflictSerialization: a concurrent writer won
//     the transaction; the caller may retry.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Instance is one deployed strategy, the unit of chain partitioning.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// InstanceStore persists instance metadata.
type InstanceStore interface {
	CreateInstance(ctx context.Context, instance Instance) error
	GetInstance(ctx context.Context, id string) (Instance, error)
}

// LedgerTx is the view of the store inside one append transaction.
type LedgerTx interface {
	LoadState(ctx context.Context, instanceID string) (ledger.State, bool, error)
	EventHashAt(ctx context.Context, instanceID string, seqNo int64) (string, bool, error)
	AppendEvent(ctx context.Context, event ledger.Event) error
	SaveState(ctx context.Context, state ledger.State, created bool) error
	SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error
}

// LedgerWriter runs appends atomically. WithinTx commits only when fn returns
// nil; any error rolls back every write fn made.
type LedgerWriter interface {
	GetInstance(ctx context.Context, id string) (Instance, error)
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// ChainReader reads committed chain data.
type ChainReader interface {
	GetState(ctx context.Context, instanceID string) (ledger.State, bool, error)
	CountEvents(ctx context.Context, instanceID string) (int64, error)
	ListEvents(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]ledger.Event, error)
	LatestCheckpoint(ctx context.Context, instanceID string) (checkpoint.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, instanceID string) ([]checkpoint.Checkpoint, error)
}

// StoredBundle is a generated proof bundle kept for public sharing.
type StoredBundle struct {
	ID          string          `json:"id"`
	InstanceID  string          `json:"instanceId"`
	Body        json.RawMessage `json:"body"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	AccessCount int64           `json:"accessCount"`
}

// BundleStore persists shared proof bundles. Deleting a bundle revokes the
// share; it never touches the chain.
type BundleStore interface {
	SaveBundle(ctx context.Context, bundle StoredBundle) error
	OpenBundle(ctx context.Context, id string) (StoredBundle, error)
	DeleteBundle(ctx context.Context, id string) error
}

// Key statuses.
const (
	KeyStatusActive  = "active"
	KeyStatusRetired = "retired"
)

// SigningKey is a published public key of the bundle signing key registry.
type SigningKey struct {
	Version   string     `json:"version"`
	Algorithm string     `json:"algorithm"`
	PublicKey string     `json:"publicKey"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	RetiredAt *time.Time `json:"retiredAt,omitempty"`
}

// KeyStore persists the public key registry.
type KeyStore interface {
	UpsertSigningKey(ctx context.Context, key SigningKey) error
	ListSigningKeys(ctx context.Context) ([]SigningKey, error)
}

// BacktestEvidence is externally supplied backtest quality data.
type BacktestEvidence struct {
	InstanceID         string    `json:"instanceId"`
	HealthScore        float64   `json:"healthScore"`
	MonteCarloSurvival float64   `json:"monteCarloSurvival"`
	TradeCount         int64     `json:"tradeCount"`
	RecordedAt         time.Time `json:"recordedAt"`
}

// HealthScore is one live health evaluation result.
type HealthScore struct {
	InstanceID string    `json:"instanceId"`
	SeqNo      int64     `json:"seqNo"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recordedAt"`
}

// HealthSummary condenses the live health history of an instance.
type HealthSummary struct {
	Latest  float64 `json:"latest"`
	Minimum float64 `json:"minimum"`
	Count   int64   `json:"count"`
}

// EvidenceStore persists the evidence the trust ladder consumes.
type EvidenceStore interface {
	SaveBacktestEvidence(ctx context.Context, evidence BacktestEvidence) error
	GetBacktestEvidence(ctx context.Context, instanceID string) (BacktestEvidence, error)
	RecordHealthScore(ctx context.Context, score HealthScore) error
	GetHealthSummary(ctx context.Context, instanceID string) (HealthSummary, error)
}
