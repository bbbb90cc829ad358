package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is the typed body of an event. The set of implementations is closed:
// each event type has exactly one payload struct, and ProcessEvent switches over
// all of them.
type Payload interface {
	EventType() EventType
	validate() error
}

// TradeOpen records a newly opened position.
type TradeOpen struct {
	Ticket     int64    `json:"ticket"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Volume     float64  `json:"volume"`
	OpenPrice  float64  `json:"openPrice"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// TradeClose records a fully closed position and its realized result.
type TradeClose struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Volume     float64 `json:"volume"`
	ClosePrice float64 `json:"closePrice"`
	Profit     float64 `json:"profit"`
	Swap       float64 `json:"swap"`
	Commission float64 `json:"commission"`
}

// PartialClose records a reduction of an open position.
type PartialClose struct {
	Ticket          int64   `json:"ticket"`
	Symbol          string  `json:"symbol"`
	ClosedVolume    float64 `json:"closedVolume"`
	RemainingVolume float64 `json:"remainingVolume"`
	ClosePrice      float64 `json:"closePrice"`
	Profit          float64 `json:"profit"`
	Swap            float64 `json:"swap"`
	Commission      float64 `json:"commission"`
}

// TradeModify records a stop loss or take profit change.
type TradeModify struct {
	Ticket     int64    `json:"ticket"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

// Snapshot reconciles the account as the terminal sees it, including floating P/L.
type Snapshot struct {
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
	Margin        float64 `json:"margin,omitempty"`
	OpenPositions int     `json:"openPositions"`
}

// SessionStart marks a terminal (re)connecting. Balance and Equity, when
// present, reconcile state like a snapshot.
type SessionStart struct {
	Account       string   `json:"account"`
	Broker        string   `json:"broker"`
	TerminalBuild string   `json:"terminalBuild,omitempty"`
	Balance       *float64 `json:"balance,omitempty"`
	Equity        *float64 `json:"equity,omitempty"`
}

// SessionEnd marks an orderly terminal shutdown.
type SessionEnd struct {
	Reason string `json:"reason"`
}

// ChainRecovery marks a terminal resynchronizing after it lost its local head.
type ChainRecovery struct {
	Reason             string `json:"reason"`
	RecoveredFromSeqNo int64  `json:"recoveredFromSeqNo"`
	RecoveredFromHash  string `json:"recoveredFromHash"`
}

// Cashflow kinds.
const (
	CashflowDeposit    = "DEPOSIT"
	CashflowWithdrawal = "WITHDRAWAL"
)

// Cashflow records a deposit or withdrawal. Amount is always positive.
type Cashflow struct {
	Kind   string  `json:"kind"`
	Amount float64 `json:"amount"`
	Note   string  `json:"note,omitempty"`
}

// ExternalEvidence attaches a reference to an outside document, e.g. a broker
// statement, by digest.
type ExternalEvidence struct {
	Kind        string `json:"kind"`
	URI         string `json:"uri"`
	SHA256      string `json:"sha256"`
	Description string `json:"description,omitempty"`
}

func (TradeOpen) EventType() EventType        { return EventTradeOpen }
func (TradeClose) EventType() EventType       { return EventTradeClose }
func (PartialClose) EventType() EventType     { return EventPartialClose }
func (TradeModify) EventType() EventType      { return EventTradeModify }
func (Snapshot) EventType() EventType         { return EventSnapshot }
func (SessionStart) EventType() EventType     { return EventSessionStart }
func (SessionEnd) EventType() EventType       { return EventSessionEnd }
func (ChainRecovery) EventType() EventType    { return EventChainRecovery }
func (Cashflow) EventType() EventType         { return EventCashflow }
func (ExternalEvidence) EventType() EventType { return EventExternalEvidence }

func (p TradeOpen) validate() error {
	if p.Ticket <= 0 {
		return NewValidationErrorWithValue("payload.ticket", "must be positive", p.Ticket)
	}
	if strings.TrimSpace(p.Symbol) == "" {
		return NewValidationError("payload.symbol", "is required")
	}
	if p.Side != "BUY" && p.Side != "SELL" {
		return NewValidationErrorWithValue("payload.side", "must be BUY or SELL", p.Side)
	}
	if p.Volume <= 0 {
		return NewValidationErrorWithValue("payload.volume", "must be positive", p.Volume)
	}
	return nil
}

func (p TradeClose) validate() error {
	if p.Ticket <= 0 {
		return NewValidationErrorWithValue("payload.ticket", "must be positive", p.Ticket)
	}
	if p.Volume < 0 {
		return NewValidationErrorWithValue("payload.volume", "must not be negative", p.Volume)
	}
	return nil
}

func (p PartialClose) validate() error {
	if p.Ticket <= 0 {
		return NewValidationErrorWithValue("payload.ticket", "must be positive", p.Ticket)
	}
	if p.ClosedVolume <= 0 {
		return NewValidationErrorWithValue("payload.closedVolume", "must be positive", p.ClosedVolume)
	}
	if p.RemainingVolume < 0 {
		return NewValidationErrorWithValue("payload.remainingVolume", "must not be negative", p.RemainingVolume)
	}
	return nil
}

func (p TradeModify) validate() error {
	if p.Ticket <= 0 {
		return NewValidationErrorWithValue("payload.ticket", "must be positive", p.Ticket)
	}
	return nil
}

func (p Snapshot) validate() error {
	if p.OpenPositions < 0 {
		return NewValidationErrorWithValue("payload.openPositions", "must not be negative", p.OpenPositions)
	}
	return nil
}

func (p SessionStart) validate() error {
	if p.Balance == nil && p.Equity != nil {
		return NewValidationError("payload.balance", "is required when equity is reported")
	}
	return nil
}

func (SessionEnd) validate() error { return nil }

func (p ChainRecovery) validate() error {
	if p.RecoveredFromSeqNo < 0 {
		return NewValidationErrorWithValue("payload.recoveredFromSeqNo", "must not be negative", p.RecoveredFromSeqNo)
	}
	return nil
}

func (p Cashflow) validate() error {
	if p.Kind != CashflowDeposit && p.Kind != CashflowWithdrawal {
		return NewValidationErrorWithValue("payload.kind", "must be DEPOSIT or WITHDRAWAL", p.Kind)
	}
	if p.Amount <= 0 {
		return NewValidationErrorWithValue("payload.amount", "must be positive", p.Amount)
	}
	return nil
}

func (p ExternalEvidence) validate() error {
	if strings.TrimSpace(p.Kind) == "" {
		return NewValidationError("payload.kind", "is required")
	}
	if p.SHA256 != "" && !IsHexHash(p.SHA256) {
		return NewValidationErrorWithValue("payload.sha256", "must be 64 lowercase hex characters", p.SHA256)
	}
	return nil
}

// DecodePayload decodes raw into the payload variant of eventType and validates it.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch eventType {
	case EventTradeOpen:
		p, err = decodeInto[TradeOpen](raw)
	case EventTradeClose:
		p, err = decodeInto[TradeClose](raw)
	case EventPartialClose:
		p, err = decodeInto[PartialClose](raw)
	case EventTradeModify:
		p, err = decodeInto[TradeModify](raw)
	case EventSnapshot:
		p, err = decodeInto[Snapshot](raw)
	case EventSessionStart:
		p, err = decodeInto[SessionStart](raw)
	case EventSessionEnd:
		p, err = decodeInto[SessionEnd](raw)
	case EventChainRecovery:
		p, err = decodeInto[ChainRecovery](raw)
	case EventCashflow:
		p, err = decodeInto[Cashflow](raw)
	case EventExternalEvidence:
		p, err = decodeInto[ExternalEvidence](raw)
	default:
		return nil, NewValidationErrorWithValue("eventType", "unknown event type", eventType)
	}
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload marshals p for use as Event.Payload.
func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.EventType(), err)
	}
	return data, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, NewValidationError("payload", "is required")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, NewValidationErrorWithValue("payload", "does not match event type", err.Error())
	}
	return v, nil
}
