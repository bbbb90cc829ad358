package ingest

import (
	"encoding/json"

	"track-record-engine/ledger"
)

// Submission is the wire shape a terminal sends for one event. The instance is
// not part of it: the caller's authentication layer resolves it.
type Submission struct {
	EventType ledger.EventType `json:"eventType"`
	SeqNo     int64            `json:"seqNo"`
	PrevHash  string           `json:"prevHash"`
	EventHash string           `json:"eventHash"`
	Timestamp int64            `json:"timestamp"`
	Payload   json.RawMessage  `json:"payload"`
}

// Event binds the submission to an instance.
func (s Submission) Event(instanceID string) ledger.Event {
	return ledger.Event{
		InstanceID: instanceID,
		SeqNo:      s.SeqNo,
		EventType:  s.EventType,
		Timestamp:  s.Timestamp,
		Payload:    s.Payload,
		PrevHash:   s.PrevHash,
		EventHash:  s.EventHash,
	}
}

// SubmissionFrom is the inverse of Submission.Event.
func SubmissionFrom(e ledger.Event) Submission {
	return Submission{
		EventType: e.EventType,
		SeqNo:     e.SeqNo,
		PrevHash:  e.PrevHash,
		EventHash: e.EventHash,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
}
