package worker

import (
	"sync"
	"time"
)

// bundleKey identifies one bundle across its retries: a (query_id, bundle_id)
// pair is stable across attempts the coordinator reassigns the same job into
// a fresh bundle, but never reused by two different bundles.
type bundleKey struct {
	queryID  int64
	bundleID int64
}

// seenBundles is an in-memory, time-bounded dedup set for (query_id,
// bundle_id) pairs BundleReceiver has already accepted, so a bundle replayed
// by a retried status exchange or an at-least-once coordinator retry gets an
// idempotent accept instead of spawning duplicate Tasks. Sized by time
// rather than count, the same bounded-by-age idiom pkg/peer's notice queues
// use for compaction, since one status-exchange period is a small, known
// upper bound on how long a duplicate could plausibly still arrive.
type seenBundles struct {
	mu     sync.Mutex
	seen   map[bundleKey]time.Time
	maxAge time.Duration
}

func newSeenBundles(maxAge time.Duration) *seenBundles {
	return &seenBundles{seen: make(map[bundleKey]time.Time), maxAge: maxAge}
}

// CheckAndMark reports whether (queryID, bundleID) was already seen, and
// marks it seen either way. Expired entries are swept opportunistically on
// every call rather than on a separate ticker, since the map only grows as
// fast as bundles arrive.
func (s *seenBundles) CheckAndMark(queryID, bundleID int64) (duplicate bool) {
	now := time.Now()
	k := bundleKey{queryID, bundleID}

	s.mu.Lock()
	defer s.mu.Unlock()

	for existing, at := range s.seen {
		if now.Sub(at) > s.maxAge {
			delete(s.seen, existing)
		}
	}

	if _, ok := s.seen[k]; ok {
		return true
	}
	s.seen[k] = now
	return false
}
