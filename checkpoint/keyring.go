package checkpoint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Keyring stores root HMAC keys and the active key id. Each instance signs with
// a key derived from the root key, so one leaked derived key exposes one chain.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring constructs a keyring for HMAC signing and verification.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("hmac keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, fmt.Errorf("active hmac key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active hmac key id is not configured")
	}
	return &Keyring{keys: keys, activeKeyID: activeKeyID}, nil
}

// ParseKeyring builds a keyring from entries of the form "v1=secret,v2=secret".
func ParseKeyring(entries, activeKeyID string) (*Keyring, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(entries, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid hmac key entry")
		}
		id := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if id == "" || value == "" {
			return nil, fmt.Errorf("invalid hmac key entry")
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, activeKeyID)
}

// ActiveKeyID returns the configured signing key id.
func (k *Keyring) ActiveKeyID() string {
	if k == nil {
		return ""
	}
	return k.activeKeyID
}

// Sign computes the MAC of data with the active key.
func (k *Keyring) Sign(instanceID string, data []byte) (string, string, error) {
	if k == nil {
		return "", "", fmt.Errorf("hmac keyring is not configured")
	}
	key, err := deriveInstanceKey(k.keys[k.activeKeyID], instanceID)
	if err != nil {
		return "", "", err
	}
	return hmacSHA256Hex(key, data), k.activeKeyID, nil
}

// Verify validates a MAC produced by Sign under keyID, which may be a retired key.
func (k *Keyring) Verify(instanceID string, data []byte, mac, keyID string) error {
	if k == nil {
		return fmt.Errorf("hmac keyring is not configured")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return fmt.Errorf("signature key id is required")
	}
	rootKey, ok := k.keys[keyID]
	if !ok {
		return fmt.Errorf("signature key id is unknown")
	}
	key, err := deriveInstanceKey(rootKey, instanceID)
	if err != nil {
		return err
	}
	expected := hmacSHA256Hex(key, data)
	if !hmac.Equal([]byte(expected), []byte(mac)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func deriveInstanceKey(rootKey []byte, instanceID string) ([]byte, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootKey, nil, []byte("checkpoint:"+instanceID)), key); err != nil {
		return nil, fmt.Errorf("derive instance key: %w", err)
	}
	return key, nil
}

func hmacSHA256Hex(key, value []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(value)
	return hex.EncodeToString(mac.Sum(nil))
}
