package canonical

import (
	"encoding/json"
	"math"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysRecursively(t *testing.T) {
	a := map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": true, "y": []interface{}{3, "x"}},
	}
	got, err := Canonicalize(a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[3,"x"],"z":true},"b":1}`, string(got))
}

func TestCanonicalizeIgnoresSourceKeyOrder(t *testing.T) {
	first, err := Canonicalize(json.RawMessage(`{"symbol":"EURUSD","profit":10.50,"ticket":7}`))
	require.NoError(t, err)
	second, err := Canonicalize(json.RawMessage(`{ "ticket": 7, "profit": 10.5, "symbol": "EURUSD" }`))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, `{"profit":10.5,"symbol":"EURUSD","ticket":7}`, string(first))
}

func TestCanonicalizeNumberFormatting(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{name: "integral float", in: 10.0, want: "10"},
		{name: "int64", in: int64(42), want: "42"},
		{name: "fraction", in: 0.1, want: "0.1"},
		{name: "negative zero", in: math.Copysign(0, -1), want: "0"},
		{name: "large exponent", in: 1e21, want: "1e+21"},
		{name: "small exponent", in: 1e-7, want: "1e-7"},
		{name: "json number", in: json.Number("2.50"), want: "2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalizeKeepsHTMLCharacters(t *testing.T) {
	got, err := Canonicalize(map[string]string{"note": "a<b & c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"note":"a<b & c>d"}`, string(got))
}

func TestCanonicalizeGoldenVector(t *testing.T) {
	// Bytes and digest as JSON.stringify over sorted keys produces them.
	const want = "{\"note\":\"a<b>&c\u2028d\u2029e\",\"path\":\"C:\\\\u2028\"}"
	const digest = "e92d9b61e07b19cb0f286dd7ea326057932cd4396489c9cff3de1f1051b82bf2"

	inputs := map[string]interface{}{
		"map": map[string]interface{}{"path": `C:\u2028`, "note": "a<b>&c\u2028d\u2029e"},
		"struct": struct {
			Path string `json:"path"`
			Note string `json:"note"`
		}{Path: `C:\u2028`, Note: "a<b>&c\u2028d\u2029e"},
		"raw": json.RawMessage(`{"path":"C:\\u2028","note":"a\u003cb\u003e\u0026c\u2028d\u2029e"}`),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			got, err := Canonicalize(in)
			require.NoError(t, err)
			assert.Equal(t, want, string(got))
			assert.Equal(t, digest, Hash(got))
		})
	}
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(math.Inf(1))
	require.Error(t, err)
	_, err = Canonicalize(map[string]interface{}{"x": math.NaN()})
	require.Error(t, err)
}

func TestCanonicalizeStructMatchesMap(t *testing.T) {
	type payload struct {
		Ticket int64   `json:"ticket"`
		Profit float64 `json:"profit"`
	}
	fromStruct, err := HashValue(payload{Ticket: 9, Profit: -4})
	require.NoError(t, err)
	fromMap, err := HashValue(map[string]interface{}{"profit": -4.0, "ticket": 9})
	require.NoError(t, err)
	assert.Equal(t, fromStruct, fromMap)
	assert.Len(t, fromStruct, 64)
}

func TestHashValueDeterministicProperty(t *testing.T) {
	f := func(keys []string, values []float64) bool {
		m := make(map[string]interface{}, len(keys))
		for i, k := range keys {
			if i < len(values) && !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
				m[k] = values[i]
			} else {
				m[k] = k
			}
		}
		first, err := HashValue(m)
		if err != nil {
			return false
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return false
		}
		second, err := HashValue(json.RawMessage(raw))
		return err == nil && first == second
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}
