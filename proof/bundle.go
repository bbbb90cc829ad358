// Package proof exports signed, self-contained proof bundles and verifies them
// offline with nothing but the published public keys.
package proof

import (
	"time"

	"track-record-engine/canonical"
	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/storage"
)

// BundleVersion is the current bundle format.
const BundleVersion = 1

// Key statuses.
const (
	StatusActive  = storage.KeyStatusActive
	StatusRetired = storage.KeyStatusRetired
)

// PublicKey is one entry of the published key registry.
type PublicKey struct {
	Version   string     `json:"version"`
	Algorithm string     `json:"algorithm"`
	Key       string     `json:"publicKey"`
	Status    string     `json:"status"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	RetiredAt *time.Time `json:"retiredAt,omitempty"`
}

// Signature is the detached signature over the canonical bundle body.
type Signature struct {
	KeyVersion string `json:"keyVersion"`
	Algorithm  string `json:"algorithm"`
	Value      string `json:"value"`
}

// Bundle is the portable proof artifact. Everything except Signature is
// covered by the signature.
type Bundle struct {
	BundleID    string                  `json:"bundleId"`
	Version     int                     `json:"version"`
	InstanceID  string                  `json:"instanceId"`
	GeneratedAt string                  `json:"generatedAt"`
	Events      []ledger.Event          `json:"events"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	FinalState  ledger.State            `json:"finalState"`
	Signature   Signature               `json:"signature"`
}

// body is Bundle without its signature.
type body struct {
	BundleID    string                  `json:"bundleId"`
	Version     int                     `json:"version"`
	InstanceID  string                  `json:"instanceId"`
	GeneratedAt string                  `json:"generatedAt"`
	Events      []ledger.Event          `json:"events"`
	Checkpoints []checkpoint.Checkpoint `json:"checkpoints"`
	FinalState  ledger.State            `json:"finalState"`
}

// SignedBytes returns the canonical bytes the signature covers.
func (b Bundle) SignedBytes() ([]byte, error) {
	events := b.Events
	if events == nil {
		events = []ledger.Event{}
	}
	cps := b.Checkpoints
	if cps == nil {
		cps = []checkpoint.Checkpoint{}
	}
	return canonical.Canonicalize(body{
		BundleID:    b.BundleID,
		Version:     b.Version,
		InstanceID:  b.InstanceID,
		GeneratedAt: b.GeneratedAt,
		Events:      events,
		Checkpoints: cps,
		FinalState:  b.FinalState,
	})
}
