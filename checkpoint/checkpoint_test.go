package checkpoint

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/ledger"
	"track-record-engine/ledger/ledgertest"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := ParseKeyring("v1=first-secret, v2=second-secret", "v2")
	require.NoError(t, err)
	return k
}

func TestPolicyShouldCreate(t *testing.T) {
	p := Policy{Interval: 10, BoundaryTypes: []ledger.EventType{ledger.EventSessionEnd}}
	assert.True(t, p.ShouldCreate(ledger.EventTradeClose, 10))
	assert.True(t, p.ShouldCreate(ledger.EventTradeClose, 20))
	assert.False(t, p.ShouldCreate(ledger.EventTradeClose, 11))
	assert.True(t, p.ShouldCreate(ledger.EventSessionEnd, 3))

	assert.True(t, DefaultPolicy().ShouldCreate(ledger.EventSessionStart, 1))
	assert.False(t, Policy{}.ShouldCreate(ledger.EventTradeOpen, 100))
}

func TestSealAndVerifyHMAC(t *testing.T) {
	k := testKeyring(t)
	state, err := ledger.Replay("inst-1", ledgertest.ClosesChain(t, "inst-1", 10, -4))
	require.NoError(t, err)

	cp, err := Seal(k, Build("inst-1", state, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "v2", cp.KeyID)
	assert.Equal(t, k.ActiveKeyID(), cp.KeyID)
	assert.Len(t, cp.HMAC, 64)
	require.NoError(t, VerifyHMAC(k, cp))

	tampered := cp
	tampered.State.Balance += 1
	var integrity *ledger.IntegrityError
	require.ErrorAs(t, VerifyHMAC(k, tampered), &integrity)
	assert.Equal(t, int64(2), integrity.SeqNo)
}

func TestHMACIsInstanceScoped(t *testing.T) {
	k := testKeyring(t)
	state := ledger.NewState("inst-1")
	cp, err := Seal(k, Build("inst-1", state, time.Now()))
	require.NoError(t, err)

	moved := cp
	moved.InstanceID = "inst-2"
	require.Error(t, VerifyHMAC(k, moved))
}

func TestRetiredKeyStillVerifies(t *testing.T) {
	old, err := ParseKeyring("v1=first-secret", "v1")
	require.NoError(t, err)
	cp, err := Seal(old, Build("inst-1", ledger.NewState("inst-1"), time.Now()))
	require.NoError(t, err)

	rotated := testKeyring(t)
	require.NoError(t, VerifyHMAC(rotated, cp))

	unknown, err := ParseKeyring("v3=third", "v3")
	require.NoError(t, err)
	require.Error(t, VerifyHMAC(unknown, cp))
}

func TestParseKeyringErrors(t *testing.T) {
	_, err := ParseKeyring("", "v1")
	assert.Error(t, err)
	_, err = ParseKeyring("v1", "v1")
	assert.Error(t, err)
	_, err = ParseKeyring("v1=a", "v2")
	assert.Error(t, err)
	_, err = ParseKeyring("v1=a", " ")
	assert.Error(t, err)
}

func TestNilSignerFailsClosed(t *testing.T) {
	_, err := Seal(nil, Build("inst-1", ledger.NewState("inst-1"), time.Now()))
	assert.Error(t, err)
	assert.Error(t, VerifyHMAC(nil, Checkpoint{}))
	var k *Keyring
	assert.Empty(t, k.ActiveKeyID())
}

// Any checkpoint at seq k verifies against the state replayed over events 1..k.
func TestCheckpointConsistencyProperty(t *testing.T) {
	k := testKeyring(t)
	f := func(raw []int8, at uint8) bool {
		if len(raw) == 0 {
			return true
		}
		profits := make([]float64, len(raw))
		for i, r := range raw {
			profits[i] = float64(r)
		}
		events := ledgertest.ClosesChain(t, "inst-q", profits...)
		seq := int64(at)%int64(len(events)) + 1

		atSeq, err := ledger.ReplayUntil("inst-q", events, seq)
		if err != nil {
			return false
		}
		cp, err := Seal(k, Build("inst-q", atSeq, time.Now()))
		if err != nil {
			return false
		}

		replayed, err := ledger.ReplayUntil("inst-q", events, cp.SeqNo)
		if err != nil {
			return false
		}
		return Consistent(cp, replayed) && VerifyHMAC(k, Build("inst-q", replayed, time.Now()).withMAC(cp)) == nil
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func (c Checkpoint) withMAC(from Checkpoint) Checkpoint {
	c.HMAC = from.HMAC
	c.KeyID = from.KeyID
	return c
}
