// Package cache is a fail-open key/value cache for expensive extraction
// results. Entries are keyed by document identity or by content hash.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Cache never surfaces backend failures: a broken backend reads as a miss
// and a failed write reports false.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
}

// Get decodes the JSON value stored at key into T.
func Get[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// Set stores v as JSON.
func Set[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.Set(ctx, key, raw, ttl)
}

// DocumentKey returns doc:<documentId>, scoped to the user when one is given.
func DocumentKey(documentID, userID string) string {
	if userID == "" {
		return "doc:" + documentID
	}
	return "doc:" + documentID + ":user:" + userID
}

// HashKey returns hash:<contentHash>.
func HashKey(contentHash string) string {
	return "hash:" + contentHash
}

// ContentHash is the hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
