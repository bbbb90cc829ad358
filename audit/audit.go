// Package audit verifies stored chains on the read side. It never writes to
// the ledger and never repairs what it finds.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/metrics"
	"track-record-engine/storage"
)

// Verification modes.
const (
	ModeFull       = "full"
	ModeCheckpoint = "checkpoint"
)

// Defaults.
const (
	DefaultMaxChainLength = 50000
	DefaultPageSize       = 1000
)

// ChainSummary is the chain part of a Report.
type ChainSummary struct {
	Valid          bool   `json:"valid"`
	Length         int64  `json:"length"`
	FirstEventHash string `json:"firstEventHash,omitempty"`
	LastEventHash  string `json:"lastEventHash,omitempty"`
	Error          string `json:"error,omitempty"`
	BreakAtSeqNo   int64  `json:"breakAtSeqNo,omitempty"`
	// VerifiedFromSeqNo is the checkpoint anchor in checkpoint mode.
	VerifiedFromSeqNo int64 `json:"verifiedFromSeqNo,omitempty"`
}

// CheckpointSummary is the checkpoint part of a Report.
type CheckpointSummary struct {
	Count       int64  `json:"count"`
	Verified    bool   `json:"verified"`
	LatestSeqNo int64  `json:"latestSeqNo,omitempty"`
	HMACChecked bool   `json:"hmacChecked"`
	Consistent  bool   `json:"consistent"`
	Error       string `json:"error,omitempty"`
}

// Report is the answer of a verification.
type Report struct {
	InstanceID   string            `json:"instanceId"`
	Mode         string            `json:"mode"`
	Chain        ChainSummary      `json:"chain"`
	Checkpoints  CheckpointSummary `json:"checkpoints"`
	StateMatches bool              `json:"stateMatches"`
	Verified     bool              `json:"verified"`
	VerifiedAt   time.Time         `json:"verifiedAt"`
	Cached       bool              `json:"cached,omitempty"`
}

// ReportCache stores reports keyed by chain head.
type ReportCache interface {
	GetReport(ctx context.Context, key string) (Report, bool)
	SetReport(ctx context.Context, key string, report Report) error
}

// Service verifies instances.
type Service struct {
	reader    storage.ChainReader
	signer    checkpoint.Signer
	cache     ReportCache
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	maxLength int64
	pageSize  int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSigner enables checkpoint HMAC verification.
func WithSigner(signer checkpoint.Signer) Option {
	return func(s *Service) { s.signer = signer }
}

// WithCache enables report caching.
func WithCache(cache ReportCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "audit").Logger() }
}

// WithMetrics records verification results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxChainLength sets the direct verification ceiling.
func WithMaxChainLength(n int64) Option {
	return func(s *Service) { s.maxLength = n }
}

// WithPageSize sets how many events are loaded per store round trip.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(reader storage.ChainReader, opts ...Option) *Service {
	s := &Service{
		reader:    reader,
		logger:    zerolog.Nop(),
		maxLength: DefaultMaxChainLength,
		pageSize:  DefaultPageSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyInstance replays and verifies the whole chain, checks the latest
// checkpoint and compares the replayed state with the stored row. Chains
// longer than the ceiling fail with *ledger.CapacityError.
func (s *Service) VerifyInstance(ctx context.Context, instanceID string) (Report, error) {
	length, err := s.reader.CountEvents(ctx, instanceID)
	if err != nil {
		return Report{}, err
	}
	if s.maxLength > 0 && length > s.maxLength {
		return Report{}, &ledger.CapacityError{Length: length, Limit: s.maxLength}
	}

	stored, key, hit := s.cached(ctx, ModeFull, instanceID)
	if hit != nil {
		return *hit, nil
	}

	events, err := s.loadEvents(ctx, instanceID, 0, headOf(stored))
	if err != nil {
		return Report{}, err
	}
	result := ledger.VerifyChain(events, instanceID)
	report := Report{
		InstanceID: instanceID,
		Mode:       ModeFull,
		Chain:      summarize(result),
		VerifiedAt: s.now().UTC(),
	}

	if result.Valid {
		replayed, err := ledger.Replay(instanceID, events)
		if err != nil {
			return Report{}, err
		}
		report.StateMatches = stateMatches(stored, replayed) && rowCovers(stored, length)
		report.Checkpoints, err = s.checkCheckpoints(ctx, instanceID, events)
		if err != nil {
			return Report{}, err
		}
	}
	report.Verified = result.Valid && report.StateMatches && report.Checkpoints.Verified
	return s.finish(ctx, key, report), nil
}

// VerifyFromCheckpoint trusts the latest checkpoint whose HMAC verifies and
// only verifies the events after it. Without a signer or a checkpoint it
// falls back to VerifyInstance.
func (s *Service) VerifyFromCheckpoint(ctx context.Context, instanceID string) (Report, error) {
	if s.signer == nil {
		return s.VerifyInstance(ctx, instanceID)
	}
	cp, found, err := s.reader.LatestCheckpoint(ctx, instanceID)
	if err != nil {
		return Report{}, err
	}
	if !found {
		return s.VerifyInstance(ctx, instanceID)
	}

	length, err := s.reader.CountEvents(ctx, instanceID)
	if err != nil {
		return Report{}, err
	}
	stored, key, hit := s.cached(ctx, ModeCheckpoint, instanceID)
	if hit != nil {
		return *hit, nil
	}
	count, err := s.checkpointCount(ctx, instanceID)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		InstanceID: instanceID,
		Mode:       ModeCheckpoint,
		VerifiedAt: s.now().UTC(),
		Checkpoints: CheckpointSummary{
			Count:       count,
			LatestSeqNo: cp.SeqNo,
			HMACChecked: true,
		},
	}
	if err := checkpoint.VerifyHMAC(s.signer, cp); err != nil {
		report.Checkpoints.Error = err.Error()
		report.Chain = ChainSummary{Error: "checkpoint anchor is not authentic", BreakAtSeqNo: cp.SeqNo}
		return s.finish(ctx, key, report), nil
	}

	head := headOf(stored)
	if head < 0 {
		head = length
	}
	if s.maxLength > 0 && head-cp.SeqNo > s.maxLength {
		return Report{}, &ledger.CapacityError{Length: head - cp.SeqNo, Limit: s.maxLength}
	}
	tail, err := s.loadEvents(ctx, instanceID, cp.SeqNo, head)
	if err != nil {
		return Report{}, err
	}
	result := ledger.VerifyChainFrom(tail, instanceID, cp.SeqNo, cp.State.LastEventHash)
	report.Chain = summarize(result)
	report.Chain.VerifiedFromSeqNo = cp.SeqNo
	report.Chain.Length = cp.SeqNo + result.ChainLength
	// The anchor only vouches for state; the chain was verified when the checkpoint was written.
	report.Checkpoints.Consistent = cp.State.LastSeqNo == cp.SeqNo
	report.Checkpoints.Verified = report.Checkpoints.Consistent

	if result.Valid {
		replayed, err := ledger.ReplayFrom(cp.State, tail)
		if err != nil {
			return Report{}, err
		}
		report.StateMatches = stateMatches(stored, replayed) && rowCovers(stored, length)
	}
	report.Verified = result.Valid && report.StateMatches && report.Checkpoints.Verified
	return s.finish(ctx, key, report), nil
}

// checkCheckpoints verifies the latest checkpoint against the replayed prefix.
func (s *Service) checkCheckpoints(ctx context.Context, instanceID string, events []ledger.Event) (CheckpointSummary, error) {
	count, err := s.checkpointCount(ctx, instanceID)
	if err != nil {
		return CheckpointSummary{}, err
	}
	summary := CheckpointSummary{Count: count}
	if count == 0 {
		summary.Verified = true
		summary.Consistent = true
		return summary, nil
	}
	cp, _, err := s.reader.LatestCheckpoint(ctx, instanceID)
	if err != nil {
		return CheckpointSummary{}, err
	}
	summary.LatestSeqNo = cp.SeqNo

	prefix, err := ledger.ReplayUntil(instanceID, events, cp.SeqNo)
	if err != nil {
		return CheckpointSummary{}, err
	}
	summary.Consistent = checkpoint.Consistent(cp, prefix)
	if !summary.Consistent {
		summary.Error = fmt.Sprintf("checkpoint at seq %d does not match replayed state", cp.SeqNo)
	}
	if s.signer != nil {
		summary.HMACChecked = true
		if err := checkpoint.VerifyHMAC(s.signer, cp); err != nil {
			summary.Error = err.Error()
			return summary, nil
		}
	}
	summary.Verified = summary.Consistent
	return summary, nil
}

func (s *Service) checkpointCount(ctx context.Context, instanceID string) (int64, error) {
	cps, err := s.reader.ListCheckpoints(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return int64(len(cps)), nil
}

// loadEvents pages through committed events in (afterSeq, untilSeq]. A
// negative untilSeq reads to the end of the chain. Bounding the read by the
// head of the state row read earlier keeps events and state on one snapshot
// while appends continue.
func (s *Service) loadEvents(ctx context.Context, instanceID string, afterSeq, untilSeq int64) ([]ledger.Event, error) {
	var events []ledger.Event
	for untilSeq < 0 || afterSeq < untilSeq {
		page, err := s.reader.ListEvents(ctx, instanceID, afterSeq, s.pageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if untilSeq >= 0 && e.SeqNo > untilSeq {
				return events, nil
			}
			events = append(events, e)
		}
		if len(page) < s.pageSize {
			break
		}
		afterSeq = page[len(page)-1].SeqNo
	}
	return events, nil
}

// headOf is the last sequence number covered by a stored state, or -1 when
// there is no row.
func headOf(state *ledger.State) int64 {
	if state == nil {
		return -1
	}
	return state.LastSeqNo
}

// cached loads the stored state, derives the cache key from the chain head and
// returns a cached report when one exists.
func (s *Service) cached(ctx context.Context, mode, instanceID string) (*ledger.State, string, *Report) {
	state, found, err := s.reader.GetState(ctx, instanceID)
	if err != nil || !found {
		return nil, "", nil
	}
	key := CacheKey(mode, instanceID, state.LastSeqNo, state.LastEventHash)
	if s.cache == nil {
		return &state, key, nil
	}
	if report, ok := s.cache.GetReport(ctx, key); ok {
		report.Cached = true
		return &state, key, &report
	}
	return &state, key, nil
}

func (s *Service) finish(ctx context.Context, key string, report Report) Report {
	s.metrics.ObserveVerification(report.Mode, report.Verified)
	if !report.Verified {
		s.logger.Warn().
			Str("instance_id", report.InstanceID).
			Str("mode", report.Mode).
			Int64("break_at_seq", report.Chain.BreakAtSeqNo).
			Str("chain_error", report.Chain.Error).
			Str("checkpoint_error", report.Checkpoints.Error).
			Bool("state_matches", report.StateMatches).
			Msg("verification failed")
	}
	if s.cache != nil && key != "" {
		if err := s.cache.SetReport(ctx, key, report); err != nil {
			s.logger.Debug().Err(err).Msg("verify report not cached")
		}
	}
	return report
}

// CacheKey identifies a report by chain head, so any append invalidates it.
func CacheKey(mode, instanceID string, lastSeqNo int64, lastEventHash string) string {
	return fmt.Sprintf("verify:%s:%s:%d:%s", mode, instanceID, lastSeqNo, lastEventHash)
}

func summarize(r ledger.ChainResult) ChainSummary {
	return ChainSummary{
		Valid:          r.Valid,
		Length:         r.ChainLength,
		FirstEventHash: r.FirstEventHash,
		LastEventHash:  r.LastEventHash,
		Error:          r.Error,
		BreakAtSeqNo:   r.BreakAtSeqNo,
	}
}

// stateMatches compares the stored row with a replay. A missing row matches
// only an empty chain.
// rowCovers reports whether the state row reaches every event counted before
// it was read. Appends only grow the chain, so a count beyond the row's head
// means the row lags its events.
func rowCovers(stored *ledger.State, counted int64) bool {
	return stored == nil || counted <= stored.LastSeqNo
}

func stateMatches(stored *ledger.State, replayed ledger.State) bool {
	if stored == nil {
		return replayed.LastSeqNo == 0
	}
	return *stored == replayed
}
