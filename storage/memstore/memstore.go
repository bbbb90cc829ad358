// Package memstore is an in-memory implementation of the storage contracts,
// used by tests and by the engine's local mode. Transactions take one global
// lock, so they are trivially serializable.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/storage"
)

// Store holds everything in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	instances   map[string]storage.Instance
	events      map[string][]ledger.Event
	states      map[string]ledger.State
	checkpoints map[string][]checkpoint.Checkpoint
	bundles     map[string]storage.StoredBundle
	keys        map[string]storage.SigningKey
	backtests   map[string]storage.BacktestEvidence
	health      map[string][]storage.HealthScore

	// BeforeCommit, when set, runs inside WithinTx after fn succeeded. A
	// non-nil return aborts the transaction, which lets tests simulate
	// serialization failures.
	BeforeCommit func(instanceID string) error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		instances:   make(map[string]storage.Instance),
		events:      make(map[string][]ledger.Event),
		states:      make(map[string]ledger.State),
		checkpoints: make(map[string][]checkpoint.Checkpoint),
		bundles:     make(map[string]storage.StoredBundle),
		keys:        make(map[string]storage.SigningKey),
		backtests:   make(map[string]storage.BacktestEvidence),
		health:      make(map[string][]storage.HealthScore),
	}
}

// CreateInstance registers an instance.
func (s *Store) CreateInstance(_ context.Context, instance storage.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instance.ID]; ok {
		return &ledger.ConflictError{Kind: ledger.ConflictDuplicate, Reason: fmt.Sprintf("instance %s already exists", instance.ID)}
	}
	s.instances[instance.ID] = instance
	return nil
}

// GetInstance returns an instance or storage.ErrNotFound.
func (s *Store) GetInstance(_ context.Context, id string) (storage.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[id]
	if !ok {
		return storage.Instance{}, storage.ErrNotFound
	}
	return instance, nil
}

// WithinTx stages every write and applies them only when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if s.BeforeCommit != nil && tx.instanceID != "" {
		if err := s.BeforeCommit(tx.instanceID); err != nil {
			return err
		}
	}
	tx.commit()
	return nil
}

type memTx struct {
	store       *Store
	instanceID  string
	events      []ledger.Event
	state       *ledger.State
	checkpoints []checkpoint.Checkpoint
}

func (t *memTx) LoadState(_ context.Context, instanceID string) (ledger.State, bool, error) {
	t.instanceID = instanceID
	state, ok := t.store.states[instanceID]
	return state, ok, nil
}

func (t *memTx) EventHashAt(_ context.Context, instanceID string, seqNo int64) (string, bool, error) {
	for _, e := range t.store.events[instanceID] {
		if e.SeqNo == seqNo {
			return e.EventHash, true, nil
		}
	}
	return "", false, nil
}

func (t *memTx) AppendEvent(_ context.Context, e ledger.Event) error {
	for _, existing := range t.store.events[e.InstanceID] {
		if existing.SeqNo == e.SeqNo {
			return fmt.Errorf("event %s/%d already stored", e.InstanceID, e.SeqNo)
		}
	}
	t.events = append(t.events, e)
	return nil
}

func (t *memTx) SaveState(_ context.Context, state ledger.State, created bool) error {
	if _, exists := t.store.states[state.InstanceID]; exists == created {
		return fmt.Errorf("state row for %s: created=%t but exists=%t", state.InstanceID, created, exists)
	}
	t.state = &state
	return nil
}

func (t *memTx) SaveCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	t.checkpoints = append(t.checkpoints, cp)
	return nil
}

func (t *memTx) commit() {
	for _, e := range t.events {
		t.store.events[e.InstanceID] = append(t.store.events[e.InstanceID], e)
	}
	if t.state != nil {
		t.store.states[t.state.InstanceID] = *t.state
	}
	for _, cp := range t.checkpoints {
		t.store.checkpoints[cp.InstanceID] = append(t.store.checkpoints[cp.InstanceID], cp)
	}
}

// GetState returns the stored aggregate.
func (s *Store) GetState(_ context.Context, instanceID string) (ledger.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[instanceID]
	return state, ok, nil
}

// PutState overwrites the aggregate row. Tests use it to simulate corruption.
func (s *Store) PutState(state ledger.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.InstanceID] = state
}

// CountEvents returns the chain length.
func (s *Store) CountEvents(_ context.Context, instanceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[instanceID])), nil
}

// ListEvents returns up to limit events with seqNo > afterSeq in order.
func (s *Store) ListEvents(_ context.Context, instanceID string, afterSeq int64, limit int) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Event
	for _, e := range s.events[instanceID] {
		if e.SeqNo > afterSeq {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceEvent overwrites a stored event in place. Tests use it to tamper.
func (s *Store) ReplaceEvent(e ledger.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[e.InstanceID]
	for i := range events {
		if events[i].SeqNo == e.SeqNo {
			events[i] = e
		}
	}
}

// LatestCheckpoint returns the checkpoint with the highest seqNo.
func (s *Store) LatestCheckpoint(_ context.Context, instanceID string) (checkpoint.Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest checkpoint.Checkpoint
		found  bool
	)
	for _, cp := range s.checkpoints[instanceID] {
		if !found || cp.SeqNo > latest.SeqNo {
			latest, found = cp, true
		}
	}
	return latest, found, nil
}

// ListCheckpoints returns all checkpoints in seqNo order.
func (s *Store) ListCheckpoints(_ context.Context, instanceID string) ([]checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]checkpoint.Checkpoint(nil), s.checkpoints[instanceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	return out, nil
}

// SaveBundle stores a shared bundle.
func (s *Store) SaveBundle(_ context.Context, bundle storage.StoredBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundle.ID] = bundle
	return nil
}

// OpenBundle returns a bundle and counts the access.
func (s *Store) OpenBundle(_ context.Context, id string) (storage.StoredBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle, ok := s.bundles[id]
	if !ok {
		return storage.StoredBundle{}, storage.ErrNotFound
	}
	bundle.AccessCount++
	s.bundles[id] = bundle
	return bundle, nil
}

// DeleteBundle revokes a bundle.
func (s *Store) DeleteBundle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.bundles, id)
	return nil
}

// UpsertSigningKey publishes or updates a public key.
func (s *Store) UpsertSigningKey(_ context.Context, key storage.SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.Version] = key
	return nil
}

// ListSigningKeys returns keys ordered by creation time.
func (s *Store) ListSigningKeys(_ context.Context) ([]storage.SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Version < out[j].Version
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveBacktestEvidence replaces the backtest evidence of an instance.
func (s *Store) SaveBacktestEvidence(_ context.Context, evidence storage.BacktestEvidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evidence.RecordedAt.IsZero() {
		evidence.RecordedAt = time.Now().UTC()
	}
	s.backtests[evidence.InstanceID] = evidence
	return nil
}

// GetBacktestEvidence returns storage.ErrNotFound when nothing was recorded.
func (s *Store) GetBacktestEvidence(_ context.Context, instanceID string) (storage.BacktestEvidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evidence, ok := s.backtests[instanceID]
	if !ok {
		return storage.BacktestEvidence{}, storage.ErrNotFound
	}
	return evidence, nil
}

// RecordHealthScore appends a live health score.
func (s *Store) RecordHealthScore(_ context.Context, score storage.HealthScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[score.InstanceID] = append(s.health[score.InstanceID], score)
	return nil
}

// GetHealthSummary returns storage.ErrNotFound when no score was recorded.
func (s *Store) GetHealthSummary(_ context.Context, instanceID string) (storage.HealthSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := s.health[instanceID]
	if len(scores) == 0 {
		return storage.HealthSummary{}, storage.ErrNotFound
	}
	summary := storage.HealthSummary{Latest: scores[len(scores)-1].Score, Minimum: scores[0].Score, Count: int64(len(scores))}
	for _, sc := range scores {
		if sc.Score < summary.Minimum {
			summary.Minimum = sc.Score
		}
	}
	return summary, nil
}
