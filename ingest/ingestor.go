// Package ingest accepts events from remote terminals.
//
// Each call walks one event through RECEIVED, TIMESTAMP_VALIDATED and then one
// of ACCEPTED, DUPLICATE_ACCEPTED, DUPLICATE_REJECTED or CHAIN_INVALID. The
// read-verify-write sequence runs inside one serializable transaction; when the
// store reports a serialization failure the whole sequence is retried.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/metrics"
	"track-record-engine/storage"
)

// Status is the terminal state of one ingestion.
type Status string

const (
	StatusAccepted          Status = "ACCEPTED"
	StatusDuplicateAccepted Status = "DUPLICATE_ACCEPTED"
	StatusDuplicateRejected Status = "DUPLICATE_REJECTED"
	StatusChainInvalid      Status = "CHAIN_INVALID"
	StatusInvalid           Status = "INVALID"
	StatusRetry             Status = "RETRY"
	StatusError             Status = "ERROR"
)

// Defaults.
const (
	DefaultClockSkew         = 60 * time.Second
	DefaultCreationTolerance = 24 * time.Hour
	DefaultMaxAttempts       = 3
	outboxTimeout            = 2 * time.Second
)

// Outcome is what the terminal gets back. LastSeqNo and LastEventHash always
// describe the committed chain head, including on conflicts.
type Outcome struct {
	Status        Status `json:"status"`
	Success       bool   `json:"success"`
	LastSeqNo     int64  `json:"lastSeqNo"`
	LastEventHash string `json:"lastEventHash"`
	Checkpointed  bool   `json:"checkpointed,omitempty"`
}

// Ingestor runs the ingestion protocol against a storage.LedgerWriter.
type Ingestor struct {
	store       storage.LedgerWriter
	signer      checkpoint.Signer
	policy      checkpoint.Policy
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	outbox      Outbox
	observers   []Observer
	now         func() time.Time
	skew        time.Duration
	tolerance   time.Duration
	maxAttempts int
	backoff     time.Duration
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Ingestor) { i.logger = logger.With().Str("component", "ingest").Logger() }
}

// WithPolicy overrides the default checkpoint policy.
func WithPolicy(policy checkpoint.Policy) Option {
	return func(i *Ingestor) { i.policy = policy }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithTimestampWindow sets the allowed clock skew into the future and how far
// before instance creation a timestamp may lie.
func WithTimestampWindow(skew, creationTolerance time.Duration) Option {
	return func(i *Ingestor) {
		i.skew = skew
		i.tolerance = creationTolerance
	}
}

// WithMaxAttempts bounds serialization retries. Values below 1 mean 1.
func WithMaxAttempts(n int) Option {
	return func(i *Ingestor) {
		if n < 1 {
			n = 1
		}
		i.maxAttempts = n
	}
}

// WithRetryBackoff sets the base delay between retries; attempt k waits k*d.
func WithRetryBackoff(d time.Duration) Option {
	return func(i *Ingestor) { i.backoff = d }
}

// WithMetrics records outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithOutbox enables health tasks for closed trades.
func WithOutbox(o Outbox) Option {
	return func(i *Ingestor) { i.outbox = o }
}

// WithObserver adds a post-commit observer.
func WithObserver(o Observer) Option {
	return func(i *Ingestor) { i.observers = append(i.observers, o) }
}

// New creates an Ingestor. The checkpoint signer is required.
func New(store storage.LedgerWriter, signer checkpoint.Signer, opts ...Option) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if signer == nil {
		return nil, errors.New("ingest: checkpoint signer is required")
	}
	i := &Ingestor{
		store:       store,
		signer:      signer,
		policy:      checkpoint.DefaultPolicy(),
		logger:      zerolog.Nop(),
		now:         time.Now,
		skew:        DefaultClockSkew,
		tolerance:   DefaultCreationTolerance,
		maxAttempts: DefaultMaxAttempts,
		backoff:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Ingest runs one submission through the protocol. The returned error is a
// *ledger.ValidationError, a *ledger.ConflictError or an internal error; the
// Outcome is meaningful in every case.
func (i *Ingestor) Ingest(ctx context.Context, instanceID string, sub Submission) (Outcome, error) {
	start := i.now()
	e := sub.Event(instanceID)

	outcome, err := i.ingest(ctx, e)
	if err != nil {
		outcome.Status = statusOf(err)
		outcome.Success = false
	}

	i.metrics.ObserveIngest(string(outcome.Status), i.now().Sub(start))
	ev := i.logger.Info()
	if err != nil {
		ev = i.logger.Warn().Err(err)
	}
	ev.Str("instance_id", instanceID).
		Int64("seq_no", e.SeqNo).
		Str("event_type", string(e.EventType)).
		Str("outcome", string(outcome.Status)).
		Int64("last_seq_no", outcome.LastSeqNo).
		Msg("event ingested")
	return outcome, err
}

func (i *Ingestor) ingest(ctx context.Context, e ledger.Event) (Outcome, error) {
	if err := e.Validate(); err != nil {
		return Outcome{}, err
	}
	instance, err := i.store.GetInstance(ctx, e.InstanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, ledger.NewValidationErrorWithValue("instanceId", "unknown instance", e.InstanceID)
	}
	if err != nil {
		return Outcome{}, err
	}
	if err := i.checkTimestamp(e.Timestamp, instance.CreatedAt); err != nil {
		return Outcome{}, err
	}

	var (
		outcome Outcome
		next    ledger.State
	)
	for attempt := 1; ; attempt++ {
		outcome, next, err = i.apply(ctx, e)
		if err == nil || !ledger.IsRetryable(err) || attempt >= i.maxAttempts {
			break
		}
		i.logger.Debug().Err(err).Str("instance_id", e.InstanceID).Int("attempt", attempt).Msg("serialization conflict, retrying")
		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(time.Duration(attempt) * i.backoff):
		}
	}
	if err != nil {
		return outcome, err
	}
	if outcome.Status == StatusAccepted {
		i.afterCommit(ctx, e, next)
	}
	return outcome, nil
}

// checkTimestamp bounds ts to [created - tolerance, now + skew].
func (i *Ingestor) checkTimestamp(ts int64, created time.Time) error {
	at := time.Unix(ts, 0)
	if at.After(i.now().Add(i.skew)) {
		return ledger.NewValidationErrorWithValue("timestamp", "is in the future beyond allowed clock skew", ts)
	}
	if !created.IsZero() && at.Before(created.Add(-i.tolerance)) {
		return ledger.NewValidationErrorWithValue("timestamp", "predates instance creation", ts)
	}
	return nil
}

// apply is one transactional attempt.
func (i *Ingestor) apply(ctx context.Context, e ledger.Event) (Outcome, ledger.State, error) {
	var (
		outcome Outcome
		next    ledger.State
	)
	err := i.store.WithinTx(ctx, func(tx storage.LedgerTx) error {
		state, found, err := tx.LoadState(ctx, e.InstanceID)
		if err != nil {
			return err
		}
		if !found {
			state = ledger.NewState(e.InstanceID)
		}
		outcome = Outcome{LastSeqNo: state.LastSeqNo, LastEventHash: state.LastEventHash}

		if e.SeqNo <= state.LastSeqNo {
			stored, ok, err := tx.EventHashAt(ctx, e.InstanceID, e.SeqNo)
			if err != nil {
				return err
			}
			if ok && stored == e.EventHash {
				outcome.Status = StatusDuplicateAccepted
				outcome.Success = true
				return nil
			}
			return &ledger.ConflictError{
				Kind:          ledger.ConflictDuplicate,
				Reason:        "sequence number already used by a different event",
				LastSeqNo:     state.LastSeqNo,
				LastEventHash: state.LastEventHash,
			}
		}

		if err := ledger.VerifySingleEvent(e, state.LastSeqNo, state.LastEventHash); err != nil {
			return &ledger.ConflictError{
				Kind:          ledger.ConflictChainBreak,
				Reason:        err.Error(),
				LastSeqNo:     state.LastSeqNo,
				LastEventHash: state.LastEventHash,
				Err:           err,
			}
		}

		payload, err := ledger.DecodePayload(e.EventType, e.Payload)
		if err != nil {
			return err
		}
		next, err = ledger.ProcessEvent(state, e.EventType, e.EventHash, e.SeqNo, payload)
		if err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, e); err != nil {
			return err
		}
		if err := tx.SaveState(ctx, next, !found); err != nil {
			return err
		}
		if i.policy.ShouldCreate(e.EventType, e.SeqNo) {
			cp, err := checkpoint.Seal(i.signer, checkpoint.Build(e.InstanceID, next, i.now()))
			if err != nil {
				return err
			}
			if err := tx.SaveCheckpoint(ctx, cp); err != nil {
				return err
			}
			outcome.Checkpointed = true
		}
		outcome.Status = StatusAccepted
		outcome.Success = true
		outcome.LastSeqNo = next.LastSeqNo
		outcome.LastEventHash = next.LastEventHash
		return nil
	})
	if err != nil {
		var conflict *ledger.ConflictError
		if errors.As(err, &conflict) && conflict.Kind == ledger.ConflictSerialization {
			// The store cannot know the head; report the one read in this attempt.
			conflict.LastSeqNo = outcome.LastSeqNo
			conflict.LastEventHash = outcome.LastEventHash
		}
		outcome.Success = false
		outcome.Checkpointed = false
		return outcome, ledger.State{}, err
	}
	return outcome, next, nil
}

// afterCommit runs side effects that must never affect the append.
func (i *Ingestor) afterCommit(ctx context.Context, e ledger.Event, state ledger.State) {
	for _, o := range i.observers {
		o.EventAccepted(e, state)
	}
	if i.outbox == nil || e.EventType != ledger.EventTradeClose {
		return
	}
	payload, err := ledger.DecodePayload(e.EventType, e.Payload)
	if err != nil {
		return
	}
	closed := payload.(ledger.TradeClose)
	task := HealthTask{
		InstanceID: e.InstanceID,
		SeqNo:      e.SeqNo,
		EventHash:  e.EventHash,
		Ticket:     closed.Ticket,
		Symbol:     closed.Symbol,
		NetProfit:  closed.Profit + closed.Swap + closed.Commission,
		Balance:    state.Balance,
		EnqueuedAt: i.now().Unix(),
	}
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outboxTimeout)
	defer cancel()
	if err := i.outbox.Enqueue(octx, task); err != nil {
		i.metrics.ObserveHealthTask("dropped")
		i.logger.Warn().Err(err).Str("instance_id", e.InstanceID).Int64("seq_no", e.SeqNo).Msg("health task not enqueued")
		return
	}
	i.metrics.ObserveHealthTask("enqueued")
}

func statusOf(err error) Status {
	var (
		validation *ledger.ValidationError
		conflict   *ledger.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		return StatusInvalid
	case errors.As(err, &conflict):
		switch conflict.Kind {
		case ledger.ConflictDuplicate:
			return StatusDuplicateRejected
		case ledger.ConflictChainBreak:
			return StatusChainInvalid
		default:
			return StatusRetry
		}
	default:
		return StatusError
	}
}
