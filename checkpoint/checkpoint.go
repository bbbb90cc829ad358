// Package checkpoint materializes HMAC-signed snapshots of ledger state so a
// verifier that holds the server secret only has to check the chain segment
// after the latest checkpoint.
package checkpoint

import (
	"fmt"
	"time"

	"track-record-engine/canonical"
	"track-record-engine/ledger"
)

// DefaultInterval is the sequence distance between periodic checkpoints.
const DefaultInterval int64 = 100

// Policy decides when an accepted event also writes a checkpoint.
type Policy struct {
	Interval      int64
	BoundaryTypes []ledger.EventType
}

// DefaultPolicy checkpoints every DefaultInterval events and at session
// boundaries and chain recoveries.
func DefaultPolicy() Policy {
	return Policy{
		Interval:      DefaultInterval,
		BoundaryTypes: []ledger.EventType{ledger.EventSessionStart, ledger.EventSessionEnd, ledger.EventChainRecovery},
	}
}

// ShouldCreate reports whether the event at seqNo triggers a checkpoint.
func (p Policy) ShouldCreate(eventType ledger.EventType, seqNo int64) bool {
	if p.Interval > 0 && seqNo%p.Interval == 0 {
		return true
	}
	for _, t := range p.BoundaryTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Checkpoint is a signed copy of the aggregate state at State.LastSeqNo.
type Checkpoint struct {
	InstanceID string       `json:"instanceId"`
	SeqNo      int64        `json:"seqNo"`
	State      ledger.State `json:"state"`
	KeyID      string       `json:"keyId,omitempty"`
	HMAC       string       `json:"hmac,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Build captures state as an unsigned checkpoint.
func Build(instanceID string, state ledger.State, now time.Time) Checkpoint {
	return Checkpoint{
		InstanceID: instanceID,
		SeqNo:      state.LastSeqNo,
		State:      state,
		CreatedAt:  now.UTC(),
	}
}

// SignedBytes returns the canonical bytes the HMAC covers: the instance, the
// sequence number and the full aggregate.
func (c Checkpoint) SignedBytes() ([]byte, error) {
	return canonical.Canonicalize(map[string]interface{}{
		"instanceId": c.InstanceID,
		"seqNo":      c.SeqNo,
		"state":      c.State,
	})
}

// Signer computes and checks checkpoint MACs. Implementations hold the secret;
// it is injected at construction and never read from globals.
type Signer interface {
	Sign(instanceID string, data []byte) (mac string, keyID string, err error)
	Verify(instanceID string, data []byte, mac string, keyID string) error
}

// Seal computes the HMAC of c with signer.
func Seal(signer Signer, c Checkpoint) (Checkpoint, error) {
	if signer == nil {
		return c, fmt.Errorf("checkpoint signer is not configured")
	}
	data, err := c.SignedBytes()
	if err != nil {
		return c, err
	}
	mac, keyID, err := signer.Sign(c.InstanceID, data)
	if err != nil {
		return c, err
	}
	c.HMAC = mac
	c.KeyID = keyID
	return c, nil
}

// VerifyHMAC recomputes the HMAC of c and compares it with the stored value.
func VerifyHMAC(signer Signer, c Checkpoint) error {
	if signer == nil {
		return fmt.Errorf("checkpoint signer is not configured")
	}
	data, err := c.SignedBytes()
	if err != nil {
		return err
	}
	if err := signer.Verify(c.InstanceID, data, c.HMAC, c.KeyID); err != nil {
		return &ledger.IntegrityError{SeqNo: c.SeqNo, Reason: "checkpoint hmac: " + err.Error()}
	}
	return nil
}

// Consistent reports whether replayed matches the state captured in c.
func Consistent(c Checkpoint, replayed ledger.State) bool {
	return c.SeqNo == replayed.LastSeqNo && c.State == replayed
}
