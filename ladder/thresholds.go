package ladder

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// DefaultVersion names the built-in threshold set.
const DefaultVersion = "2026-01"

// Thresholds is one immutable, versioned threshold set.
type Thresholds struct {
	Version        string    `json:"version"`
	EffectiveFrom  time.Time `json:"effectiveFrom"`
	StabilityFloor float64   `json:"stabilityFloor"`

	Validated struct {
		MinBacktestHealth     float64 `json:"minBacktestHealth"`
		MinMonteCarloSurvival float64 `json:"minMonteCarloSurvival"`
		MinBacktestTrades     int64   `json:"minBacktestTrades"`
	} `json:"validated"`

	Verified struct {
		MinLiveTrades int64   `json:"minLiveTrades"`
		MinLiveDays   float64 `json:"minLiveDays"`
		MinLiveHealth float64 `json:"minLiveHealth"`
	} `json:"verified"`

	Proven struct {
		MinLiveTrades  int64   `json:"minLiveTrades"`
		MinLiveDays    float64 `json:"minLiveDays"`
		MinLiveHealth  float64 `json:"minLiveHealth"`
		MaxDrawdownPct float64 `json:"maxDrawdownPct"` // percent, 25 means 25%
	} `json:"proven"`
}

// DefaultThresholds returns the built-in set.
func DefaultThresholds() Thresholds {
	var th Thresholds
	th.Version = DefaultVersion
	th.EffectiveFrom = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th.StabilityFloor = 40

	th.Validated.MinBacktestHealth = 60
	th.Validated.MinMonteCarloSurvival = 0.8
	th.Validated.MinBacktestTrades = 100

	th.Verified.MinLiveTrades = 30
	th.Verified.MinLiveDays = 14
	th.Verified.MinLiveHealth = 50

	th.Proven.MinLiveTrades = 100
	th.Proven.MinLiveDays = 90
	th.Proven.MinLiveHealth = 70
	th.Proven.MaxDrawdownPct = 25
	return th
}

// Validate rejects sets whose tiers would not be nested.
func (th Thresholds) Validate() error {
	if th.Version == "" {
		return fmt.Errorf("threshold version is required")
	}
	if th.Proven.MinLiveTrades < th.Verified.MinLiveTrades ||
		th.Proven.MinLiveDays < th.Verified.MinLiveDays ||
		th.Proven.MinLiveHealth < th.Verified.MinLiveHealth {
		return fmt.Errorf("thresholds %s: proven requirements must not be weaker than verified", th.Version)
	}
	if th.Validated.MinMonteCarloSurvival < 0 || th.Validated.MinMonteCarloSurvival > 1 {
		return fmt.Errorf("thresholds %s: monte carlo survival must be within [0,1]", th.Version)
	}
	return nil
}

// Registry keeps every threshold set ever in effect so historical verdicts
// can be recomputed.
type Registry struct {
	versions []Thresholds
}

// NewRegistry builds a registry. With no sets the default is used.
func NewRegistry(sets ...Thresholds) (*Registry, error) {
	if len(sets) == 0 {
		sets = []Thresholds{DefaultThresholds()}
	}
	seen := make(map[string]bool, len(sets))
	for _, th := range sets {
		if err := th.Validate(); err != nil {
			return nil, err
		}
		if seen[th.Version] {
			return nil, fmt.Errorf("duplicate threshold version %s", th.Version)
		}
		seen[th.Version] = true
	}
	versions := append([]Thresholds(nil), sets...)
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].EffectiveFrom.Before(versions[j].EffectiveFrom)
	})
	return &Registry{versions: versions}, nil
}

// LoadRegistry reads a JSON array of threshold sets and merges it over the
// built-in set. A file entry with the default version replaces the built-in
// one, any other version is added. An empty path yields the default registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder thresholds: %w", err)
	}
	var sets []Thresholds
	if err := json.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("parse ladder thresholds: %w", err)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("ladder thresholds file %s is empty", path)
	}
	return NewRegistry(mergeDefaults(sets)...)
}

func mergeDefaults(sets []Thresholds) []Thresholds {
	for _, th := range sets {
		if th.Version == DefaultVersion {
			return sets
		}
	}
	return append([]Thresholds{DefaultThresholds()}, sets...)
}

// Current returns the set with the latest EffectiveFrom not after now.
func (r *Registry) Current(now time.Time) Thresholds {
	current := r.versions[0]
	for _, th := range r.versions {
		if th.EffectiveFrom.After(now) {
			break
		}
		current = th
	}
	return current
}

// Get returns a set by version.
func (r *Registry) Get(version string) (Thresholds, bool) {
	for _, th := range r.versions {
		if th.Version == version {
			return th, true
		}
	}
	return Thresholds{}, false
}

// Versions lists every set, oldest first.
func (r *Registry) Versions() []Thresholds {
	return append([]Thresholds(nil), r.versions...)
}
