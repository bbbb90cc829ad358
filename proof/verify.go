package proof

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"track-record-engine/ledger"
)

// VerifyResult reports each independent check. Valid requires all of them.
type VerifyResult struct {
	Valid                bool               `json:"valid"`
	Chain                ledger.ChainResult `json:"chainResult"`
	SignatureValid       bool               `json:"signatureValid"`
	CheckpointConsistent bool               `json:"checkpointConsistent"`
	StateMatches         bool               `json:"stateMatches"`
	RecomputedState      *ledger.State      `json:"recomputedState,omitempty"`
	KeyVersion           string             `json:"keyVersion,omitempty"`
	Errors               []string           `json:"errors,omitempty"`
}

// Verify checks b using only b itself and the published keys: the chain is
// re-verified from genesis, the final state and every checkpoint are
// recomputed by replay, and the signature is checked. Checkpoint HMACs are
// not checked; they need the server secret.
func Verify(b Bundle, keys []PublicKey) VerifyResult {
	res := VerifyResult{KeyVersion: b.Signature.KeyVersion}

	res.Chain = ledger.VerifyChain(b.Events, b.InstanceID)
	if !res.Chain.Valid {
		res.Errors = append(res.Errors, fmt.Sprintf("chain: %s at seq %d", res.Chain.Error, res.Chain.BreakAtSeqNo))
	} else {
		recomputed, consistent, err := replay(b)
		if err != nil {
			res.Errors = append(res.Errors, "replay: "+err.Error())
		} else {
			res.RecomputedState = &recomputed
			res.StateMatches = recomputed == b.FinalState
			res.CheckpointConsistent = consistent == ""
			if !res.StateMatches {
				res.Errors = append(res.Errors, "final state does not match replay")
			}
			if consistent != "" {
				res.Errors = append(res.Errors, consistent)
			}
		}
	}

	if err := verifySignature(b, keys); err != nil {
		res.Errors = append(res.Errors, "signature: "+err.Error())
	} else {
		res.SignatureValid = true
	}

	res.Valid = res.Chain.Valid && res.StateMatches && res.CheckpointConsistent && res.SignatureValid
	return res
}

// replay folds the events once, comparing each checkpoint as its seqNo is
// reached. The second return value is empty when every checkpoint matched.
func replay(b Bundle) (ledger.State, string, error) {
	bySeq := make(map[int64]int, len(b.Checkpoints))
	for i, cp := range b.Checkpoints {
		if cp.InstanceID != b.InstanceID {
			return ledger.NewState(b.InstanceID), fmt.Sprintf("checkpoint at seq %d belongs to another instance", cp.SeqNo), nil
		}
		bySeq[cp.SeqNo] = i
	}

	state := ledger.NewState(b.InstanceID)
	mismatch := ""
	matched := 0
	for _, e := range b.Events {
		next, err := ledger.Apply(state, e)
		if err != nil {
			return ledger.State{}, "", fmt.Errorf("seq %d: %w", e.SeqNo, err)
		}
		state = next
		if i, ok := bySeq[e.SeqNo]; ok {
			matched++
			if mismatch == "" && b.Checkpoints[i].State != state {
				mismatch = fmt.Sprintf("checkpoint at seq %d does not match replayed state", e.SeqNo)
			}
		}
	}
	if mismatch == "" && matched != len(b.Checkpoints) {
		mismatch = "checkpoint refers to a sequence number outside the bundle"
	}
	return state, mismatch, nil
}

func verifySignature(b Bundle, keys []PublicKey) error {
	if b.Signature.Algorithm != Algorithm {
		return fmt.Errorf("unsupported algorithm %q", b.Signature.Algorithm)
	}
	var key *PublicKey
	for i := range keys {
		if keys[i].Version == b.Signature.KeyVersion {
			key = &keys[i]
			break
		}
	}
	if key == nil {
		return fmt.Errorf("unknown key version %q", b.Signature.KeyVersion)
	}
	pub, err := base64.StdEncoding.DecodeString(key.Key)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed public key %q", key.Version)
	}
	sig, err := base64.StdEncoding.DecodeString(b.Signature.Value)
	if err != nil {
		return fmt.Errorf("malformed signature")
	}
	data, err := b.SignedBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return fmt.Errorf("signature does not match bundle content")
	}
	return nil
}
