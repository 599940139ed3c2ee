// Package cache provides a small byte cache used to bound the cost of
// external oracle calls.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache defines the interface for caching
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Key namespaces and hashes a fingerprint.
func Key(namespace, fingerprint string) string {
	hash := sha256.Sum256([]byte(fingerprint))
	return "credence:v1:" + namespace + ":" + hex.EncodeToString(hash[:])
}
