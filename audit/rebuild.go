package audit

import (
	"context"
	"encoding/json"
	"sort"

	"track-record-engine/ledger"
)

// FieldDrift is one field where the stored aggregate differs from a replay.
type FieldDrift struct {
	Field      string      `json:"field"`
	Stored     interface{} `json:"stored"`
	Recomputed interface{} `json:"recomputed"`
}

// RebuildReport compares the stored LedgerState row with a replay from genesis.
type RebuildReport struct {
	InstanceID string        `json:"instanceId"`
	ChainValid bool          `json:"chainValid"`
	Stored     *ledger.State `json:"stored,omitempty"`
	Recomputed ledger.State  `json:"recomputed"`
	Drift      []FieldDrift  `json:"drift,omitempty"`
	InSync     bool          `json:"inSync"`
}

// Rebuild replays the chain and reports drift against the stored row. It
// refuses to recompute over a broken chain and never rewrites the row.
func (s *Service) Rebuild(ctx context.Context, instanceID string) (RebuildReport, error) {
	length, err := s.reader.CountEvents(ctx, instanceID)
	if err != nil {
		return RebuildReport{}, err
	}
	if s.maxLength > 0 && length > s.maxLength {
		return RebuildReport{}, &ledger.CapacityError{Length: length, Limit: s.maxLength}
	}
	stored, found, err := s.reader.GetState(ctx, instanceID)
	if err != nil {
		return RebuildReport{}, err
	}
	until := int64(-1)
	if found {
		until = stored.LastSeqNo
	}
	events, err := s.loadEvents(ctx, instanceID, 0, until)
	if err != nil {
		return RebuildReport{}, err
	}
	result := ledger.VerifyChain(events, instanceID)
	if !result.Valid {
		return RebuildReport{InstanceID: instanceID}, result.Err()
	}
	recomputed, err := ledger.Replay(instanceID, events)
	if err != nil {
		return RebuildReport{}, err
	}

	report := RebuildReport{InstanceID: instanceID, ChainValid: true, Recomputed: recomputed}
	if found {
		report.Stored = &stored
		report.Drift, err = diffStates(stored, recomputed)
		if err != nil {
			return RebuildReport{}, err
		}
	} else if recomputed.LastSeqNo > 0 {
		report.Drift = []FieldDrift{{Field: "row", Stored: nil, Recomputed: "present"}}
	}
	report.InSync = len(report.Drift) == 0
	if !report.InSync {
		s.logger.Warn().Str("instance_id", instanceID).Int("fields", len(report.Drift)).Msg("stored state drifted from chain")
	}
	return report, nil
}

// diffStates compares two states field by field using their JSON names.
func diffStates(stored, recomputed ledger.State) ([]FieldDrift, error) {
	a, err := asMap(stored)
	if err != nil {
		return nil, err
	}
	b, err := asMap(recomputed)
	if err != nil {
		return nil, err
	}
	var drift []FieldDrift
	for field, sv := range a {
		if rv := b[field]; sv != rv {
			drift = append(drift, FieldDrift{Field: field, Stored: sv, Recomputed: rv})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Field < drift[j].Field })
	return drift, nil
}

func asMap(s ledger.State) (map[string]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
