package ledger

import (
	"fmt"
	"sort"
)

// ChainResult summarizes a chain verification. On failure BreakAtSeqNo names
// the first event that could not be verified; it and every later event are
// untrustworthy (UnverifiedCount).
type ChainResult struct {
	Valid           bool   `json:"valid"`
	ChainLength     int64  `json:"chainLength"`
	FirstEventHash  string `json:"firstEventHash,omitempty"`
	LastEventHash   string `json:"lastEventHash,omitempty"`
	Error           string `json:"error,omitempty"`
	BreakAtSeqNo    int64  `json:"breakAtSeqNo,omitempty"`
	VerifiedThrough int64  `json:"verifiedThrough"`
	UnverifiedCount int64  `json:"unverifiedCount,omitempty"`
}

// Err returns the failure as an *IntegrityError, or nil for a valid chain.
func (r ChainResult) Err() error {
	if r.Valid {
		return nil
	}
	return &IntegrityError{SeqNo: r.BreakAtSeqNo, Reason: r.Error}
}

// VerifyChain checks that events form an unbroken chain from genesis for
// instanceID. An empty sequence is valid with length zero.
func VerifyChain(events []Event, instanceID string) ChainResult {
	return VerifyChainFrom(events, instanceID, 0, GenesisHash)
}

// VerifyChainFrom checks that events continue a chain whose last trusted event
// is anchorSeqNo with hash anchorHash (a checkpoint, or genesis with 0).
// Verification stops at the first failure.
func VerifyChainFrom(events []Event, instanceID string, anchorSeqNo int64, anchorHash string) ChainResult {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SeqNo < ordered[j].SeqNo })

	result := ChainResult{ChainLength: int64(len(ordered)), VerifiedThrough: anchorSeqNo}
	if len(ordered) > 0 {
		result.FirstEventHash = ordered[0].EventHash
		result.LastEventHash = ordered[len(ordered)-1].EventHash
	}

	expectedSeq := anchorSeqNo + 1
	prevHash := anchorHash
	for i, e := range ordered {
		if reason := checkLink(e, instanceID, expectedSeq, prevHash); reason != "" {
			result.Error = reason
			result.BreakAtSeqNo = expectedSeq
			result.UnverifiedCount = int64(len(ordered) - i)
			return result
		}
		prevHash = e.EventHash
		expectedSeq++
		result.VerifiedThrough = e.SeqNo
	}
	result.Valid = true
	return result
}

// VerifySingleEvent checks one new event against the last accepted head of its
// chain, so the write path never needs to load the full history.
func VerifySingleEvent(e Event, lastSeqNo int64, lastEventHash string) error {
	if reason := checkLink(e, e.InstanceID, lastSeqNo+1, lastEventHash); reason != "" {
		return &IntegrityError{SeqNo: e.SeqNo, Reason: reason}
	}
	return nil
}

// checkLink returns an empty string when e is the valid successor of prevHash
// at expectedSeq, otherwise a human readable reason.
func checkLink(e Event, instanceID string, expectedSeq int64, prevHash string) string {
	if e.InstanceID != instanceID {
		return fmt.Sprintf("event belongs to instance %q, expected %q", e.InstanceID, instanceID)
	}
	if e.SeqNo != expectedSeq {
		return fmt.Sprintf("sequence gap: expected seq %d, found %d", expectedSeq, e.SeqNo)
	}
	computed, err := ComputeEventHash(e)
	if err != nil {
		return fmt.Sprintf("cannot hash event: %v", err)
	}
	if computed != e.EventHash {
		return "event hash mismatch: event content was altered after hashing"
	}
	if e.PrevHash != prevHash {
		if expectedSeq == 1 {
			return "first event does not link to the genesis hash"
		}
		return "prev hash mismatch: an event was inserted, removed or reordered"
	}
	return ""
}
