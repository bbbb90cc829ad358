package ladder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"track-record-engine/audit"
	"track-record-engine/storage"
)

// IntegrityChecker reports whether an instance's chain verifies.
type IntegrityChecker interface {
	VerifyFromCheckpoint(ctx context.Context, instanceID string) (audit.Report, error)
}

// Result is the ladder answer for one instance.
type Result struct {
	InstanceID        string        `json:"instanceId"`
	Level             Tier          `json:"level"`
	Requirements      []Requirement `json:"requirements"`
	Blocking          []Requirement `json:"blocking,omitempty"`
	Input             Input         `json:"input"`
	ThresholdsVersion string        `json:"thresholdsVersion"`
	ComputedAt        time.Time     `json:"computedAt"`
}

// Service gathers ladder inputs from storage and evaluates them. It only reads.
type Service struct {
	evidence  storage.EvidenceStore
	reader    storage.ChainReader
	integrity IntegrityChecker
	registry  *Registry
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates a Service. A nil registry uses the default thresholds.
func NewService(evidence storage.EvidenceStore, reader storage.ChainReader, integrity IntegrityChecker, registry *Registry, logger zerolog.Logger) (*Service, error) {
	if registry == nil {
		var err error
		if registry, err = NewRegistry(); err != nil {
			return nil, err
		}
	}
	return &Service{
		evidence:  evidence,
		reader:    reader,
		integrity: integrity,
		registry:  registry,
		logger:    logger.With().Str("component", "ladder").Logger(),
		now:       time.Now,
	}, nil
}

// SetClock overrides time.Now.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Registry returns the threshold registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Evaluate computes the tier of an instance. An empty version uses the set
// currently in effect.
func (s *Service) Evaluate(ctx context.Context, instanceID, version string) (Result, error) {
	now := s.now().UTC()
	th := s.registry.Current(now)
	if version != "" {
		var ok bool
		if th, ok = s.registry.Get(version); !ok {
			return Result{}, fmt.Errorf("%w: threshold version %s", storage.ErrNotFound, version)
		}
	}

	in, err := s.gather(ctx, instanceID, th, now)
	if err != nil {
		return Result{}, err
	}
	reqs := BuildRequirements(in, th)
	res := Result{
		InstanceID:        instanceID,
		Level:             LevelOf(reqs),
		Requirements:      reqs,
		Blocking:          Blocking(reqs),
		Input:             in,
		ThresholdsVersion: th.Version,
		ComputedAt:        now,
	}
	s.logger.Debug().Str("instance_id", instanceID).Stringer("level", res.Level).Str("thresholds", th.Version).Msg("ladder evaluated")
	return res, nil
}

func (s *Service) gather(ctx context.Context, instanceID string, th Thresholds, now time.Time) (Input, error) {
	var in Input

	backtest, err := s.evidence.GetBacktestEvidence(ctx, instanceID)
	switch {
	case err == nil:
		in.BacktestHealth = backtest.HealthScore
		in.MonteCarloSurvival = backtest.MonteCarloSurvival
		in.BacktestTrades = backtest.TradeCount
	case !errors.Is(err, storage.ErrNotFound):
		return Input{}, err
	}

	health, err := s.evidence.GetHealthSummary(ctx, instanceID)
	switch {
	case err == nil:
		in.LiveHealth = health.Latest
		in.ScoreCollapsed = health.Count > 0 && health.Minimum < th.StabilityFloor
	case !errors.Is(err, storage.ErrNotFound):
		return Input{}, err
	}

	state, found, err := s.reader.GetState(ctx, instanceID)
	if err != nil {
		return Input{}, err
	}
	if !found || state.LastSeqNo == 0 {
		return in, nil
	}
	in.HasLiveChain = true
	in.LiveTrades = state.TotalTrades
	in.LiveMaxDrawdownPct = state.MaxDrawdownPct

	first, err := s.reader.ListEvents(ctx, instanceID, 0, 1)
	if err != nil {
		return Input{}, err
	}
	if len(first) == 1 {
		started := time.Unix(first[0].Timestamp, 0)
		in.LiveDays = math.Max(0, math.Floor(now.Sub(started).Hours()/24))
	}

	// An unverifiable chain counts as broken.
	if s.integrity != nil {
		report, err := s.integrity.VerifyFromCheckpoint(ctx, instanceID)
		if err != nil {
			s.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("integrity check failed, treating chain as broken")
		} else {
			in.ChainIntact = report.Verified
		}
	}
	return in, nil
}
