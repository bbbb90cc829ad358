package ingest

import (
	"context"

	"track-record-engine/ledger"
)

// HealthTask asks the downstream evaluator to rescore an instance after a
// closed trade. It is emitted only after the append has committed.
type HealthTask struct {
	InstanceID string  `json:"instanceId"`
	SeqNo      int64   `json:"seqNo"`
	EventHash  string  `json:"eventHash"`
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	NetProfit  float64 `json:"netProfit"`
	Balance    float64 `json:"balance"`
	EnqueuedAt int64   `json:"enqueuedAt"`
}

// Outbox receives health tasks. Enqueue errors are logged and counted; they
// never fail an ingestion.
type Outbox interface {
	Enqueue(ctx context.Context, task HealthTask) error
}

// Observer is notified of every committed append, in commit order per instance.
type Observer interface {
	EventAccepted(e ledger.Event, state ledger.State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e ledger.Event, state ledger.State)

// EventAccepted calls f.
func (f ObserverFunc) EventAccepted(e ledger.Event, state ledger.State) {
	f(e, state)
}
