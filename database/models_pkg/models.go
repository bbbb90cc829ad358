package models

import (
	"time"

	"gorm.io/datatypes"
)

// Instance is a registered strategy deployment. Its creation time bounds the
// timestamps the ledger accepts for it.
type Instance struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for Instance
func (Instance) TableName() string {
	return "ledger_instances"
}

// Event is one stored chain link. Rows are inserted once and never updated.
//
// Key Fields:
//   - (InstanceID, SeqNo): unique, the chain position
//   - PrevHash/EventHash: 64 hex characters each
//   - Payload: the submitted JSON, hashed in canonical form
type Event struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string         `gorm:"size:64;not null;uniqueIndex:idx_ledger_events_instance_seq,priority:1" json:"instance_id"`
	SeqNo      int64          `gorm:"not null;uniqueIndex:idx_ledger_events_instance_seq,priority:2" json:"seq_no"`
	EventType  string         `gorm:"size:32;not null" json:"event_type"`
	Timestamp  int64          `gorm:"not null" json:"timestamp"`
	Payload    datatypes.JSON `gorm:"not null" json:"payload"`
	PrevHash   string         `gorm:"size:64;not null" json:"prev_hash"`
	EventHash  string         `gorm:"size:64;not null;index" json:"event_hash"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TableName specifies the table name for Event
func (Event) TableName() string {
	return "ledger_events"
}

// State is the single mutable aggregate row per instance.
type State struct {
	InstanceID      string    `gorm:"primaryKey;size:64" json:"instance_id"`
	LastSeqNo       int64     `gorm:"not null" json:"last_seq_no"`
	LastEventHash   string    `gorm:"size:64;not null" json:"last_event_hash"`
	Balance         float64   `json:"balance"`
	Equity          float64   `json:"equity"`
	HighWaterMark   float64   `json:"high_water_mark"`
	MaxDrawdown     float64   `json:"max_drawdown"`
	MaxDrawdownPct  float64   `json:"max_drawdown_pct"`
	TotalTrades     int64     `json:"total_trades"`
	TotalProfit     float64   `json:"total_profit"`
	TotalSwap       float64   `json:"total_swap"`
	TotalCommission float64   `json:"total_commission"`
	WinCount        int64     `json:"win_count"`
	LossCount       int64     `json:"loss_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName specifies the table name for State
func (State) TableName() string {
	return "ledger_states"
}

// Checkpoint is an HMAC-signed copy of the aggregate at SeqNo.
type Checkpoint struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string         `gorm:"size:64;not null;uniqueIndex:idx_ledger_checkpoints_instance_seq,priority:1" json:"instance_id"`
	SeqNo      int64          `gorm:"not null;uniqueIndex:idx_ledger_checkpoints_instance_seq,priority:2" json:"seq_no"`
	State      datatypes.JSON `gorm:"not null" json:"state"`
	KeyID      string         `gorm:"size:64;not null" json:"key_id"`
	HMAC       string         `gorm:"column:hmac;size:64;not null" json:"hmac"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for Checkpoint
func (Checkpoint) TableName() string {
	return "ledger_checkpoints"
}

// ProofBundle is a generated bundle shared by id.
type ProofBundle struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	InstanceID  string         `gorm:"size:64;not null;index" json:"instance_id"`
	Body        datatypes.JSON `gorm:"not null" json:"body"`
	AccessCount int64          `gorm:"not null;default:0" json:"access_count"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

// TableName specifies the table name for ProofBundle
func (ProofBundle) TableName() string {
	return "proof_bundles"
}

// SigningKey is a published bundle verification key.
type SigningKey struct {
	Version   string     `gorm:"primaryKey;size:32" json:"version"`
	Algorithm string     `gorm:"size:16;not null" json:"algorithm"`
	PublicKey string     `gorm:"size:128;not null" json:"public_key"`
	Status    string     `gorm:"size:16;not null;index" json:"status"` // active, retired
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// TableName specifies the table name for SigningKey
func (SigningKey) TableName() string {
	return "signing_keys"
}

// BacktestEvidence is the latest backtest report for an instance.
type BacktestEvidence struct {
	InstanceID         string    `gorm:"primaryKey;size:64" json:"instance_id"`
	HealthScore        float64   `gorm:"not null" json:"health_score"`
	MonteCarloSurvival float64   `gorm:"not null" json:"monte_carlo_survival"`
	TradeCount         int64     `gorm:"not null" json:"trade_count"`
	RecordedAt         time.Time `gorm:"not null" json:"recorded_at"`
}

// TableName specifies the table name for BacktestEvidence
func (BacktestEvidence) TableName() string {
	return "backtest_evidence"
}

// HealthScore is one live health evaluation.
type HealthScore struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string    `gorm:"size:64;not null;index:idx_health_scores_instance_time,priority:1" json:"instance_id"`
	SeqNo      int64     `gorm:"not null" json:"seq_no"`
	Score      float64   `gorm:"not null" json:"score"`
	RecordedAt time.Time `gorm:"not null;index:idx_health_scores_instance_time,priority:2" json:"recorded_at"`
}

// TableName specifies the table name for HealthScore
func (HealthScore) TableName() string {
	return "health_scores"
}
