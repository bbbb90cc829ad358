package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"track-record-engine/storage"
)

// ErrKeyMismatch is returned when a configured version carries a different
// public key than the one already published under that version.
var ErrKeyMismatch = errors.New("signing key version already published with a different key")

// Publish records the key ring in the registry. The active version is marked
// active and every other configured version retired. Published versions that
// are no longer configured are retired too but keep their public key, so old
// bundles keep verifying. A version is never republished with a new key.
func Publish(ctx context.Context, store storage.KeyStore, ring *KeyRing, now time.Time) error {
	existing, err := store.ListSigningKeys(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]storage.SigningKey, len(existing))
	for _, k := range existing {
		known[k.Version] = k
	}

	configured := ring.PublicKeys()
	for _, pk := range configured {
		if prev, ok := known[pk.Version]; ok && prev.PublicKey != pk.Key {
			return fmt.Errorf("%w: %s", ErrKeyMismatch, pk.Version)
		}
	}

	now = now.UTC()
	inRing := make(map[string]bool, len(configured))
	for _, pk := range configured {
		inRing[pk.Version] = true
		record := storage.SigningKey{
			Version:   pk.Version,
			Algorithm: pk.Algorithm,
			PublicKey: pk.Key,
			Status:    pk.Status,
			CreatedAt: now,
		}
		if prev, ok := known[pk.Version]; ok {
			if prev.Status == pk.Status {
				continue
			}
			record.CreatedAt = prev.CreatedAt
		}
		if pk.Status == StatusRetired {
			record.RetiredAt = &now
		}
		if err := store.UpsertSigningKey(ctx, record); err != nil {
			return err
		}
	}

	for _, prev := range existing {
		if inRing[prev.Version] || prev.Status == StatusRetired {
			continue
		}
		prev.Status = StatusRetired
		prev.RetiredAt = &now
		if err := store.UpsertSigningKey(ctx, prev); err != nil {
			return err
		}
	}
	return nil
}

// LoadPublicKeys reads the published registry.
func LoadPublicKeys(ctx context.Context, store storage.KeyStore) ([]PublicKey, error) {
	records, err := store.ListSigningKeys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]PublicKey, 0, len(records))
	for _, r := range records {
		created := r.CreatedAt
		keys = append(keys, PublicKey{
			Version:   r.Version,
			Algorithm: r.Algorithm,
			Key:       r.PublicKey,
			Status:    r.Status,
			CreatedAt: &created,
			RetiredAt: r.RetiredAt,
		})
	}
	return keys, nil
}
