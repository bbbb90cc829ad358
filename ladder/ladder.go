// Package ladder computes the trust tier of a strategy instance from its live
// ledger aggregates and externally supplied backtest evidence. Tiers are
// derived on read and never stored.
package ladder

import (
	"fmt"
	"strings"
)

// Tier is an ordered trust level.
type Tier int

const (
	Unverified Tier = iota
	Validated
	Verified
	Proven
)

var tierNames = [...]string{"UNVERIFIED", "VALIDATED", "VERIFIED", "PROVEN"}

func (t Tier) String() string {
	if t < Unverified || t > Proven {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, n := range tierNames {
		if n == name {
			*t = Tier(i)
			return nil
		}
	}
	return fmt.Errorf("unknown tier %q", string(text))
}

// Input is everything the ladder looks at.
type Input struct {
	BacktestHealth     float64 `json:"backtestHealth"`
	MonteCarloSurvival float64 `json:"monteCarloSurvival"`
	BacktestTrades     int64   `json:"backtestTrades"`
	HasLiveChain       bool    `json:"hasLiveChain"`
	ChainIntact        bool    `json:"chainIntact"`
	LiveTrades         int64   `json:"liveTrades"`
	LiveDays           float64 `json:"liveDays"`
	LiveHealth         float64 `json:"liveHealth"`
	LiveMaxDrawdownPct float64 `json:"liveMaxDrawdownPct"` // percent, as in ledger.State
	ScoreCollapsed     bool    `json:"scoreCollapsed"`
}

// Requirement explains one criterion.
type Requirement struct {
	Key       string  `json:"key"`
	Tier      Tier    `json:"tier"`
	Label     string  `json:"label"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Operator  string  `json:"operator"`
	Met       bool    `json:"met"`
}

const (
	atLeast = ">="
	atMost  = "<="
)

type criterion struct {
	key       string
	tier      Tier
	label     string
	operator  string
	value     func(Input) float64
	threshold func(Thresholds) float64
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// criteria is the single rule table. Every tier requires its own criteria and
// all criteria of the tiers below it.
var criteria = []criterion{
	{"backtest_health", Validated, "Backtest health score", atLeast,
		func(in Input) float64 { return in.BacktestHealth },
		func(th Thresholds) float64 { return th.Validated.MinBacktestHealth }},
	{"monte_carlo_survival", Validated, "Monte Carlo survival rate", atLeast,
		func(in Input) float64 { return in.MonteCarloSurvival },
		func(th Thresholds) float64 { return th.Validated.MinMonteCarloSurvival }},
	{"backtest_trades", Validated, "Backtest trade count", atLeast,
		func(in Input) float64 { return float64(in.BacktestTrades) },
		func(th Thresholds) float64 { return float64(th.Validated.MinBacktestTrades) }},

	{"live_chain", Verified, "Live ledger connected", atLeast,
		func(in Input) float64 { return flag(in.HasLiveChain) },
		func(Thresholds) float64 { return 1 }},
	{"chain_intact", Verified, "Hash chain intact", atLeast,
		func(in Input) float64 { return flag(in.ChainIntact) },
		func(Thresholds) float64 { return 1 }},
	{"live_trades", Verified, "Live closed trades", atLeast,
		func(in Input) float64 { return float64(in.LiveTrades) },
		func(th Thresholds) float64 { return float64(th.Verified.MinLiveTrades) }},
	{"live_days", Verified, "Days live", atLeast,
		func(in Input) float64 { return in.LiveDays },
		func(th Thresholds) float64 { return th.Verified.MinLiveDays }},
	{"live_health", Verified, "Live health score", atLeast,
		func(in Input) float64 { return in.LiveHealth },
		func(th Thresholds) float64 { return th.Verified.MinLiveHealth }},

	{"proven_trades", Proven, "Live closed trades", atLeast,
		func(in Input) float64 { return float64(in.LiveTrades) },
		func(th Thresholds) float64 { return float64(th.Proven.MinLiveTrades) }},
	{"proven_days", Proven, "Days live", atLeast,
		func(in Input) float64 { return in.LiveDays },
		func(th Thresholds) float64 { return th.Proven.MinLiveDays }},
	{"proven_health", Proven, "Live health score", atLeast,
		func(in Input) float64 { return in.LiveHealth },
		func(th Thresholds) float64 { return th.Proven.MinLiveHealth }},
	{"max_drawdown", Proven, "Live max drawdown %", atMost,
		func(in Input) float64 { return in.LiveMaxDrawdownPct },
		func(th Thresholds) float64 { return th.Proven.MaxDrawdownPct }},
	{"score_stable", Proven, "Health never collapsed", atMost,
		func(in Input) float64 { return flag(in.ScoreCollapsed) },
		func(Thresholds) float64 { return 0 }},
}

func (c criterion) evaluate(in Input, th Thresholds) Requirement {
	value, threshold := c.value(in), c.threshold(th)
	met := value >= threshold
	if c.operator == atMost {
		met = value <= threshold
	}
	return Requirement{
		Key:       c.key,
		Tier:      c.tier,
		Label:     c.label,
		Value:     value,
		Threshold: threshold,
		Operator:  c.operator,
		Met:       met,
	}
}

// BuildRequirements evaluates every criterion, ordered by tier.
func BuildRequirements(in Input, th Thresholds) []Requirement {
	out := make([]Requirement, 0, len(criteria))
	for _, c := range criteria {
		out = append(out, c.evaluate(in, th))
	}
	return out
}

// LevelOf returns the highest tier whose criteria, and those of every lower
// tier, are all met.
func LevelOf(reqs []Requirement) Tier {
	lowestFailing := Proven + 1
	for _, r := range reqs {
		if !r.Met && r.Tier < lowestFailing {
			lowestFailing = r.Tier
		}
	}
	return lowestFailing - 1
}

// ComputeLevel returns the tier for in under th.
func ComputeLevel(in Input, th Thresholds) Tier {
	return LevelOf(BuildRequirements(in, th))
}

// Blocking returns the unmet criteria that hold the tier at its current level:
// those of the tier directly above it.
func Blocking(reqs []Requirement) []Requirement {
	next := LevelOf(reqs) + 1
	var out []Requirement
	for _, r := range reqs {
		if r.Tier == next && !r.Met {
			out = append(out, r)
		}
	}
	return out
}
