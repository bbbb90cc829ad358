package database

import (
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/datatypes"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/storage"
)

func eventRow(e ledger.Event) Event {
	return Event{
		InstanceID: e.InstanceID,
		SeqNo:      e.SeqNo,
		EventType:  string(e.EventType),
		Timestamp:  e.Timestamp,
		Payload:    datatypes.JSON(e.Payload),
		PrevHash:   e.PrevHash,
		EventHash:  e.EventHash,
	}
}

func (r Event) toLedger() ledger.Event {
	return ledger.Event{
		InstanceID: r.InstanceID,
		SeqNo:      r.SeqNo,
		EventType:  ledger.EventType(r.EventType),
		Timestamp:  r.Timestamp,
		Payload:    json.RawMessage(r.Payload),
		PrevHash:   r.PrevHash,
		EventHash:  r.EventHash,
	}
}

func stateRow(s ledger.State) State {
	return State{
		InstanceID:      s.InstanceID,
		LastSeqNo:       s.LastSeqNo,
		LastEventHash:   s.LastEventHash,
		Balance:         s.Balance,
		Equity:          s.Equity,
		HighWaterMark:   s.HighWaterMark,
		MaxDrawdown:     s.MaxDrawdown,
		MaxDrawdownPct:  s.MaxDrawdownPct,
		TotalTrades:     s.TotalTrades,
		TotalProfit:     s.TotalProfit,
		TotalSwap:       s.TotalSwap,
		TotalCommission: s.TotalCommission,
		WinCount:        s.WinCount,
		LossCount:       s.LossCount,
	}
}

func (r State) toLedger() ledger.State {
	return ledger.State{
		InstanceID:      r.InstanceID,
		LastSeqNo:       r.LastSeqNo,
		LastEventHash:   r.LastEventHash,
		Balance:         r.Balance,
		Equity:          r.Equity,
		HighWaterMark:   r.HighWaterMark,
		MaxDrawdown:     r.MaxDrawdown,
		MaxDrawdownPct:  r.MaxDrawdownPct,
		TotalTrades:     r.TotalTrades,
		TotalProfit:     r.TotalProfit,
		TotalSwap:       r.TotalSwap,
		TotalCommission: r.TotalCommission,
		WinCount:        r.WinCount,
		LossCount:       r.LossCount,
	}
}

func checkpointRow(cp checkpoint.Checkpoint) (Checkpoint, error) {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return Checkpoint{}, errors.Wrap(err, "encode checkpoint state")
	}
	return Checkpoint{
		InstanceID: cp.InstanceID,
		SeqNo:      cp.SeqNo,
		State:      datatypes.JSON(state),
		KeyID:      cp.KeyID,
		HMAC:       cp.HMAC,
		CreatedAt:  cp.CreatedAt,
	}, nil
}

func (r Checkpoint) toCheckpoint() (checkpoint.Checkpoint, error) {
	var state ledger.State
	if err := json.Unmarshal(r.State, &state); err != nil {
		return checkpoint.Checkpoint{}, errors.Wrapf(err, "decode checkpoint %s/%d", r.InstanceID, r.SeqNo)
	}
	return checkpoint.Checkpoint{
		InstanceID: r.InstanceID,
		SeqNo:      r.SeqNo,
		State:      state,
		KeyID:      r.KeyID,
		HMAC:       r.HMAC,
		CreatedAt:  r.CreatedAt.UTC(),
	}, nil
}

func (r Instance) toStorage() storage.Instance {
	return storage.Instance{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt.UTC()}
}
