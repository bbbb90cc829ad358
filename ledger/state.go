package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// State is the running aggregate of one instance's chain. It is a pure fold over
// the events in seqNo order and can always be rebuilt by Replay.
//
// Equity follows reported equity at SNAPSHOT and SESSION_START events and is set
// to the realized balance by every money-moving event in between. HighWaterMark
// and drawdown are measured on that equity curve, so unrealized swings count
// only when a snapshot observed them.
type State struct {
	InstanceID      string  `json:"instanceId"`
	LastSeqNo       int64   `json:"lastSeqNo"`
	LastEventHash   string  `json:"lastEventHash"`
	Balance         float64 `json:"balance"`
	Equity          float64 `json:"equity"`
	HighWaterMark   float64 `json:"highWaterMark"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MaxDrawdownPct  float64 `json:"maxDrawdownPct"` // percent of the high-water mark, 0 to 100
	TotalTrades     int64   `json:"totalTrades"`
	TotalProfit     float64 `json:"totalProfit"`
	TotalSwap       float64 `json:"totalSwap"`
	TotalCommission float64 `json:"totalCommission"`
	WinCount        int64   `json:"winCount"`
	LossCount       int64   `json:"lossCount"`
}

// NewState returns the zero state of an instance with no events.
func NewState(instanceID string) State {
	return State{InstanceID: instanceID, LastEventHash: GenesisHash}
}

// ProcessEvent folds one validated event into state and returns the next state.
// The input state is not modified.
func ProcessEvent(state State, eventType EventType, eventHash string, seqNo int64, payload Payload) (State, error) {
	if payload == nil {
		return state, NewValidationError("payload", "is required")
	}
	if payload.EventType() != eventType {
		return state, NewValidationErrorWithValue("payload", "does not match event type "+string(eventType), payload.EventType())
	}

	next := state
	switch p := payload.(type) {
	case TradeClose:
		net := sum(p.Profit, p.Swap, p.Commission)
		next.Balance = sum(next.Balance, net)
		next.TotalProfit = sum(next.TotalProfit, p.Profit)
		next.TotalSwap = sum(next.TotalSwap, p.Swap)
		next.TotalCommission = sum(next.TotalCommission, p.Commission)
		next.TotalTrades++
		// judged on net, a zero net is neither
		switch {
		case net > 0:
			next.WinCount++
		case net < 0:
			next.LossCount++
		}
		next.markEquity(next.Balance)
	case PartialClose:
		next.Balance = sum(next.Balance, p.Profit, p.Swap, p.Commission)
		next.TotalProfit = sum(next.TotalProfit, p.Profit)
		next.TotalSwap = sum(next.TotalSwap, p.Swap)
		next.TotalCommission = sum(next.TotalCommission, p.Commission)
		next.markEquity(next.Balance)
	case Cashflow:
		amount := p.Amount
		if p.Kind == CashflowWithdrawal {
			amount = -amount
		}
		next.Balance = sum(next.Balance, amount)
		next.markEquity(next.Balance)
	case Snapshot:
		next.Balance = p.Balance
		next.markEquity(p.Equity)
	case SessionStart:
		if p.Balance != nil {
			next.Balance = *p.Balance
			equity := *p.Balance
			if p.Equity != nil {
				equity = *p.Equity
			}
			next.markEquity(equity)
		}
	case TradeOpen, TradeModify, SessionEnd, ChainRecovery, ExternalEvidence:
		// Recorded in the chain only.
	default:
		return state, fmt.Errorf("ledger: no state rule for payload %T", payload)
	}

	next.LastSeqNo = seqNo
	next.LastEventHash = eventHash
	return next, nil
}

// Apply decodes e's payload and folds it into state.
func Apply(state State, e Event) (State, error) {
	payload, err := DecodePayload(e.EventType, e.Payload)
	if err != nil {
		return state, err
	}
	return ProcessEvent(state, e.EventType, e.EventHash, e.SeqNo, payload)
}

// Replay folds events from genesis. Events must already be in seqNo order.
func Replay(instanceID string, events []Event) (State, error) {
	return ReplayFrom(NewState(instanceID), events)
}

// ReplayFrom continues folding events onto an existing state.
func ReplayFrom(state State, events []Event) (State, error) {
	for _, e := range events {
		next, err := Apply(state, e)
		if err != nil {
			return state, fmt.Errorf("replay seq %d: %w", e.SeqNo, err)
		}
		state = next
	}
	return state, nil
}

// ReplayUntil folds events with seqNo <= until.
func ReplayUntil(instanceID string, events []Event, until int64) (State, error) {
	state := NewState(instanceID)
	for _, e := range events {
		if e.SeqNo > until {
			break
		}
		next, err := Apply(state, e)
		if err != nil {
			return state, fmt.Errorf("replay seq %d: %w", e.SeqNo, err)
		}
		state = next
	}
	return state, nil
}

// markEquity records a new equity curve point. The high-water mark only rises;
// drawdown is measured against it once it is positive.
func (s *State) markEquity(equity float64) {
	s.Equity = equity
	if equity > s.HighWaterMark {
		s.HighWaterMark = equity
	}
	if s.HighWaterMark <= 0 {
		return
	}
	hwm := decimal.NewFromFloat(s.HighWaterMark)
	dd := hwm.Sub(decimal.NewFromFloat(equity))
	if !dd.IsPositive() {
		return
	}
	if abs := dd.InexactFloat64(); abs > s.MaxDrawdown {
		s.MaxDrawdown = abs
	}
	if pct := dd.Div(hwm).Mul(decimal.NewFromInt(100)).Round(6).InexactFloat64(); pct > s.MaxDrawdownPct {
		s.MaxDrawdownPct = pct
	}
}

// sum adds money amounts in decimal so repeated folds do not accumulate binary
// floating point error.
func sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.InexactFloat64()
}
