package proof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/metrics"
	"track-record-engine/storage"
)

// ErrExpired is returned when a shared bundle is past its expiry.
var ErrExpired = errors.New("proof bundle expired")

const defaultPageSize = 1000

// Generator assembles and signs bundles from committed chain data.
type Generator struct {
	reader   storage.ChainReader
	ring     *KeyRing
	bundles  storage.BundleStore
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	pageSize int
}

// NewGenerator creates a Generator. bundles may be nil when sharing is not used.
func NewGenerator(reader storage.ChainReader, ring *KeyRing, bundles storage.BundleStore, logger zerolog.Logger, m *metrics.Metrics) *Generator {
	return &Generator{
		reader:   reader,
		ring:     ring,
		bundles:  bundles,
		logger:   logger.With().Str("component", "proof").Logger(),
		metrics:  m,
		now:      time.Now,
		pageSize: defaultPageSize,
	}
}

// Generate builds a bundle of the chain as of the committed state row. Events
// appended concurrently are excluded, so the declared final state always
// matches the included events. A chain whose replay disagrees with the stored
// state is refused rather than signed.
func (g *Generator) Generate(ctx context.Context, instanceID string) (Bundle, error) {
	b, err := g.generate(ctx, instanceID)
	g.metrics.ObserveBundle("generate", err == nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("bundle generation failed")
		return Bundle{}, err
	}
	g.logger.Info().Str("instance_id", instanceID).Str("bundle_id", b.BundleID).Int("events", len(b.Events)).Msg("bundle generated")
	return b, nil
}

func (g *Generator) generate(ctx context.Context, instanceID string) (Bundle, error) {
	state, found, err := g.reader.GetState(ctx, instanceID)
	if err != nil {
		return Bundle{}, err
	}
	if !found {
		state = ledger.NewState(instanceID)
	}

	events := make([]ledger.Event, 0, state.LastSeqNo)
	after := int64(0)
	for after < state.LastSeqNo {
		page, err := g.reader.ListEvents(ctx, instanceID, after, g.pageSize)
		if err != nil {
			return Bundle{}, err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			if e.SeqNo > state.LastSeqNo {
				break
			}
			events = append(events, e)
		}
		after = page[len(page)-1].SeqNo
	}

	all, err := g.reader.ListCheckpoints(ctx, instanceID)
	if err != nil {
		return Bundle{}, err
	}
	cps := make([]checkpoint.Checkpoint, 0, len(all))
	for _, cp := range all {
		if cp.SeqNo <= state.LastSeqNo {
			cps = append(cps, cp)
		}
	}

	if result := ledger.VerifyChain(events, instanceID); !result.Valid {
		return Bundle{}, result.Err()
	}
	replayed, err := ledger.Replay(instanceID, events)
	if err != nil {
		return Bundle{}, err
	}
	if replayed != state {
		return Bundle{}, &ledger.IntegrityError{SeqNo: state.LastSeqNo, Reason: "stored state does not match chain replay"}
	}

	b := Bundle{
		BundleID:    uuid.NewString(),
		Version:     BundleVersion,
		InstanceID:  instanceID,
		GeneratedAt: g.now().UTC().Format(time.RFC3339),
		Events:      events,
		Checkpoints: cps,
		FinalState:  state,
	}
	data, err := b.SignedBytes()
	if err != nil {
		return Bundle{}, err
	}
	b.Signature = g.ring.Sign(data)
	return b, nil
}

// Share stores b for public retrieval. A ttl of zero means no expiry.
func (g *Generator) Share(ctx context.Context, b Bundle, ttl time.Duration) (storage.StoredBundle, error) {
	if g.bundles == nil {
		return storage.StoredBundle{}, fmt.Errorf("bundle sharing is not configured")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return storage.StoredBundle{}, err
	}
	now := g.now().UTC()
	stored := storage.StoredBundle{
		ID:         b.BundleID,
		InstanceID: b.InstanceID,
		Body:       data,
		CreatedAt:  now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		stored.ExpiresAt = &expires
	}
	if err := g.bundles.SaveBundle(ctx, stored); err != nil {
		return storage.StoredBundle{}, err
	}
	return stored, nil
}

// Open fetches a shared bundle and counts the access. Expired bundles return
// ErrExpired.
func (g *Generator) Open(ctx context.Context, id string) (Bundle, storage.StoredBundle, error) {
	if g.bundles == nil {
		return Bundle{}, storage.StoredBundle{}, storage.ErrNotFound
	}
	stored, err := g.bundles.OpenBundle(ctx, id)
	if err != nil {
		return Bundle{}, storage.StoredBundle{}, err
	}
	if stored.ExpiresAt != nil && !g.now().Before(*stored.ExpiresAt) {
		return Bundle{}, stored, ErrExpired
	}
	var b Bundle
	if err := json.Unmarshal(stored.Body, &b); err != nil {
		return Bundle{}, stored, fmt.Errorf("decode stored bundle %s: %w", id, err)
	}
	return b, stored, nil
}

// Revoke deletes a shared bundle. The chain is untouched.
func (g *Generator) Revoke(ctx context.Context, id string) error {
	if g.bundles == nil {
		return storage.ErrNotFound
	}
	return g.bundles.DeleteBundle(ctx, id)
}

// VerifyAndRecord runs Verify and counts the result.
func (g *Generator) VerifyAndRecord(b Bundle, keys []PublicKey) VerifyResult {
	res := Verify(b, keys)
	g.metrics.ObserveBundle("verify", res.Valid)
	return res
}
