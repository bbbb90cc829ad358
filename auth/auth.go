// Package auth resolves remote trading terminals to the strategy instance
// they write to.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
)

// ErrUnauthorized is returned for unknown or missing terminal tokens.
var ErrUnauthorized = errors.New("unauthorized terminal")

// TerminalAuth maps terminal tokens to instance ids. Tokens are kept only as
// SHA-256 digests.
type TerminalAuth struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]string
}

// NewTerminalAuth builds a resolver from token→instance pairs.
func NewTerminalAuth(tokens map[string]string) *TerminalAuth {
	a := &TerminalAuth{tokens: make(map[[sha256.Size]byte]string, len(tokens))}
	for token, instanceID := range tokens {
		a.Register(token, instanceID)
	}
	return a
}

// Register binds a token to an instance, replacing any previous binding.
func (a *TerminalAuth) Register(token, instanceID string) {
	token = strings.TrimSpace(token)
	if token == "" || instanceID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[sha256.Sum256([]byte(token))] = instanceID
}

// Revoke removes a token.
func (a *TerminalAuth) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, sha256.Sum256([]byte(strings.TrimSpace(token))))
}

// Resolve returns the instance a token writes to.
func (a *TerminalAuth) Resolve(token string) (string, error) {
	token = strings.TrimSpace(token)
	if a == nil || token == "" {
		return "", ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(token))
	a.mu.RLock()
	defer a.mu.RUnlock()
	for known, instanceID := range a.tokens {
		if subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
			return instanceID, nil
		}
	}
	return "", ErrUnauthorized
}
