// Package canonical produces the deterministic JSON form that every digest in the
// ledger is computed over.
//
// The canonical form is plain JSON with object keys sorted lexicographically, no
// insignificant whitespace, HTML characters and U+2028/U+2029 left unescaped and
// numbers written in their shortest round-trip form (the same form a JavaScript client produces with
// JSON.stringify). Two parties that hash "the same" logical value must agree on
// these bytes, otherwise chain verification diverges silently.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// Canonicalize encodes v into its canonical JSON form.
func Canonicalize(v interface{}) ([]byte, error) {
	stable, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stable); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return unescapeLineSeparators(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unescapeLineSeparators writes U+2028 and U+2029 raw. encoding/json escapes
// them even with HTML escaping off, JSON.stringify does not. data is encoder
// output, so every backslash starts an escape sequence.
func unescapeLineSeparators(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u202`)) {
		return data
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' || i+1 >= len(data) {
			out = append(out, data[i])
			continue
		}
		if i+5 < len(data) && string(data[i+1:i+5]) == "u202" && (data[i+5] == '8' || data[i+5] == '9') {
			if data[i+5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, data[i], data[i+1])
		i++
	}
	return out
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and returns its SHA-256 digest.
func HashValue(v interface{}) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

// normalize reduces v to the generic JSON value space (map, slice, string,
// float64, bool, nil) so struct tags, integer widths and raw messages all end up
// in the same representation before encoding. encoding/json sorts map keys.
func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case string, bool:
		return val, nil
	case float64:
		return normalizeFloat(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		return normalizeFloat(f)
	case json.RawMessage:
		return decodeGeneric(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		return decodeGeneric(b)
	}
}

func decodeGeneric(data []byte) (interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	switch decoded.(type) {
	case map[string]interface{}, []interface{}, float64:
		return normalize(decoded)
	default:
		return decoded, nil
	}
}

func normalizeFloat(f float64) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("normalize: non-finite number %v", f)
	}
	if f == 0 {
		// -0 and 0 must hash identically.
		return float64(0), nil
	}
	return f, nil
}
