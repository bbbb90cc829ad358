// Package ledger holds the hash-chained event model of a strategy instance's live
// track record: the event and payload types, the chain verifier and the state
// fold that derives balance, drawdown and trade statistics from the chain.
//
// Everything here is pure. Persistence and the write path live in the database
// and ingest packages.
package ledger

import (
	"encoding/json"
	"strings"

	"track-record-engine/canonical"
)

// GenesisHash is the prevHash of the first event of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// EventType is the closed set of facts a terminal can record.
type EventType string

const (
	EventTradeOpen        EventType = "TRADE_OPEN"
	EventTradeClose       EventType = "TRADE_CLOSE"
	EventPartialClose     EventType = "PARTIAL_CLOSE"
	EventTradeModify      EventType = "TRADE_MODIFY"
	EventSnapshot         EventType = "SNAPSHOT"
	EventSessionStart     EventType = "SESSION_START"
	EventSessionEnd       EventType = "SESSION_END"
	EventChainRecovery    EventType = "CHAIN_RECOVERY"
	EventCashflow         EventType = "CASHFLOW"
	EventExternalEvidence EventType = "EXTERNAL_EVIDENCE"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventTradeOpen, EventTradeClose, EventPartialClose, EventTradeModify, EventSnapshot,
	EventSessionStart, EventSessionEnd, EventChainRecovery, EventCashflow, EventExternalEvidence,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is one immutable fact in an instance's chain. Payload keeps the exact
// JSON the terminal submitted because the event hash is computed over it.
type Event struct {
	InstanceID string          `json:"instanceId"`
	SeqNo      int64           `json:"seqNo"`
	EventType  EventType       `json:"eventType"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prevHash"`
	EventHash  string          `json:"eventHash"`
}

// ComputeEventHash derives the hash of e from its content fields. The stored
// EventHash is ignored.
func ComputeEventHash(e Event) (string, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return canonical.HashValue(map[string]interface{}{
		"seqNo":      e.SeqNo,
		"eventType":  string(e.EventType),
		"instanceId": e.InstanceID,
		"prevHash":   e.PrevHash,
		"payload":    payload,
		"timestamp":  e.Timestamp,
	})
}

// Seal sets e.EventHash to its computed value. Used by clients and tests that
// build chains.
func Seal(e Event) (Event, error) {
	hash, err := ComputeEventHash(e)
	if err != nil {
		return Event{}, err
	}
	e.EventHash = hash
	return e, nil
}

// Validate checks the shape of e: identifiers, hash formats and a payload that
// decodes into the variant of its event type. It does not check chain linkage.
func (e Event) Validate() error {
	if strings.TrimSpace(e.InstanceID) == "" {
		return NewValidationError("instanceId", "is required")
	}
	if e.SeqNo < 1 {
		return NewValidationErrorWithValue("seqNo", "must be a positive integer", e.SeqNo)
	}
	if !e.EventType.Valid() {
		return NewValidationErrorWithValue("eventType", "unknown event type", e.EventType)
	}
	if !IsHexHash(e.PrevHash) {
		return NewValidationErrorWithValue("prevHash", "must be 64 lowercase hex characters", e.PrevHash)
	}
	if !IsHexHash(e.EventHash) {
		return NewValidationErrorWithValue("eventHash", "must be 64 lowercase hex characters", e.EventHash)
	}
	if e.Timestamp <= 0 {
		return NewValidationErrorWithValue("timestamp", "must be positive unix seconds", e.Timestamp)
	}
	if _, err := DecodePayload(e.EventType, e.Payload); err != nil {
		return err
	}
	return nil
}

// IsHexHash reports whether s looks like a SHA-256 hex digest.
func IsHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
