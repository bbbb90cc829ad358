package proof

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Algorithm is the only supported bundle signature algorithm.
const Algorithm = "ed25519"

// KeyRing holds the versioned Ed25519 signing keys of the server. Only the
// active version signs; every version stays published for verification.
type KeyRing struct {
	keys   map[string]ed25519.PrivateKey
	active string
}

// NewKeyRing builds a key ring from 32-byte seeds keyed by version.
func NewKeyRing(seeds map[string][]byte, active string) (*KeyRing, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("signing keys are required")
	}
	active = strings.TrimSpace(active)
	if _, ok := seeds[active]; !ok {
		return nil, fmt.Errorf("active signing key version %q is not configured", active)
	}
	keys := make(map[string]ed25519.PrivateKey, len(seeds))
	for version, seed := range seeds {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s: seed must be %d bytes", version, ed25519.SeedSize)
		}
		keys[version] = ed25519.NewKeyFromSeed(seed)
	}
	return &KeyRing{keys: keys, active: active}, nil
}

// ParseKeyRing builds a key ring from "v1=base64seed,v2=base64seed".
func ParseKeyRing(entries, active string) (*KeyRing, error) {
	seeds := make(map[string][]byte)
	for _, entry := range strings.Split(entries, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, encoded, ok := strings.Cut(entry, "=")
		version = strings.TrimSpace(version)
		if !ok || version == "" {
			return nil, fmt.Errorf("invalid signing key entry")
		}
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("signing key %s: %w", version, err)
		}
		seeds[version] = seed
	}
	return NewKeyRing(seeds, active)
}

// GenerateSeed returns a new random seed, base64 encoded.
func GenerateSeed() (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(seed), nil
}

// PublicKeyFromSeed derives the base64 public key of a base64 seed.
func PublicKeyFromSeed(encoded string) (string, error) {
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub), nil
}

// ActiveVersion returns the signing version.
func (k *KeyRing) ActiveVersion() string {
	return k.active
}

// Sign signs data with the active key.
func (k *KeyRing) Sign(data []byte) Signature {
	return Signature{
		KeyVersion: k.active,
		Algorithm:  Algorithm,
		Value:      base64.StdEncoding.EncodeToString(ed25519.Sign(k.keys[k.active], data)),
	}
}

// PublicKeys lists every version, the active one marked active.
func (k *KeyRing) PublicKeys() []PublicKey {
	versions := make([]string, 0, len(k.keys))
	for v := range k.keys {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	out := make([]PublicKey, 0, len(versions))
	for _, v := range versions {
		status := StatusRetired
		if v == k.active {
			status = StatusActive
		}
		pub := k.keys[v].Public().(ed25519.PublicKey)
		out = append(out, PublicKey{
			Version:   v,
			Algorithm: Algorithm,
			Key:       base64.StdEncoding.EncodeToString(pub),
			Status:    status,
		})
	}
	return out
}
