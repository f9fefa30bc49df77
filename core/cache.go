package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Cache is the session and response store. Implementations are Redis in
// production and an in-process expirable cache when Redis is unavailable.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// Locker serializes concurrent requests for one session. The Redis
// implementation uses SETNX; without Redis a nop locker is used because a
// single process already observes its own writes.
type Locker interface {
	Acquire(key string, ttl time.Duration) bool
	Release(key string)
}

// NopLocker grants every acquisition.
type NopLocker struct{}

func (NopLocker) Acquire(string, time.Duration) bool { return true }
func (NopLocker) Release(string)                     {}

// Cache TTLs. History outlives responses so a returning user keeps context
// while stale answers expire.
const (
	historyTTL  = 24 * time.Hour
	responseTTL = time.Hour
	mutationTTL = time.Hour
	lockTTL     = 30 * time.Second
)

// sha returns the hex SHA-256 of the concatenated parts.
func sha(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cacheKey builds a namespaced key over hashed arguments so raw session ids
// and messages never appear in the store.
func cacheKey(prefix string, parts ...string) string {
	return prefix + ":" + sha(parts...)
}

func historyKey(sessionID string) string {
	return cacheKey("history", sessionID)
}

func mutationKey(sessionID string) string {
	return cacheKey("mutation_state", sessionID)
}

func lockKey(sessionID string) string {
	return cacheKey("session_lock", sessionID)
}

// chatKey identifies one turn of one session: same session, same history
// length and same message hit the same entry, so retries replay the cached
// answer while new turns miss.
func chatKey(sessionID string, historyLen int, message string) string {
	return cacheKey("chat", sessionID, fmt.Sprintf("%d", historyLen), message)
}
