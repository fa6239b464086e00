// Package cache holds recent classification verdicts so a resubmitted image
// can be answered without spending upstream quota. The default in-process
// implementation is Memory.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Cache defines the interface for verdict caching.
type Cache[V any] interface {
	Get(key string) (V, bool)
	Set(key string, v V)
	Delete(key string)
	Len() int
	Clear()
}

// Key derives the cache key for an image data URL.
func Key(imageURL string) string {
	sum := sha256.Sum256([]byte(imageURL))
	return hex.EncodeToString(sum[:])
}
