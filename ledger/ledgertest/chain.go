// Package ledgertest builds valid event chains for tests.
package ledgertest

import (
	"testing"

	"track-record-engine/ledger"
)

// BaseTimestamp is the unix time of the first generated event.
const BaseTimestamp int64 = 1767225600 // 2026-01-01T00:00:00Z

// Builder appends sealed events to a chain for one instance.
type Builder struct {
	t          testing.TB
	instanceID string
	events     []ledger.Event
	prevHash   string
	timestamp  int64
}

// NewBuilder starts an empty chain.
func NewBuilder(t testing.TB, instanceID string) *Builder {
	t.Helper()
	return &Builder{t: t, instanceID: instanceID, prevHash: ledger.GenesisHash, timestamp: BaseTimestamp}
}

// Add seals p as the next event and returns it.
func (b *Builder) Add(p ledger.Payload) ledger.Event {
	b.t.Helper()
	raw, err := ledger.EncodePayload(p)
	if err != nil {
		b.t.Fatalf("encode payload: %v", err)
	}
	e, err := ledger.Seal(ledger.Event{
		InstanceID: b.instanceID,
		SeqNo:      int64(len(b.events)) + 1,
		EventType:  p.EventType(),
		Timestamp:  b.timestamp,
		Payload:    raw,
		PrevHash:   b.prevHash,
	})
	if err != nil {
		b.t.Fatalf("seal event: %v", err)
	}
	b.events = append(b.events, e)
	b.prevHash = e.EventHash
	b.timestamp += 60
	return e
}

// Close appends a TRADE_CLOSE with the given profit.
func (b *Builder) Close(ticket int64, profit float64) ledger.Event {
	b.t.Helper()
	return b.Add(ledger.TradeClose{Ticket: ticket, Symbol: "EURUSD", Volume: 0.1, ClosePrice: 1.1, Profit: profit})
}

// Open appends a TRADE_OPEN.
func (b *Builder) Open(ticket int64) ledger.Event {
	b.t.Helper()
	return b.Add(ledger.TradeOpen{Ticket: ticket, Symbol: "EURUSD", Side: "BUY", Volume: 0.1, OpenPrice: 1.1})
}

// Events returns a copy of the chain.
func (b *Builder) Events() []ledger.Event {
	out := make([]ledger.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Head returns the hash of the last event, or the genesis hash.
func (b *Builder) Head() string {
	return b.prevHash
}

// ClosesChain builds a chain of TRADE_CLOSE events, one per profit.
func ClosesChain(t testing.TB, instanceID string, profits ...float64) []ledger.Event {
	t.Helper()
	b := NewBuilder(t, instanceID)
	for i, p := range profits {
		b.Close(int64(i+1), p)
	}
	return b.Events()
}
