// Package coord implements the coordinator-side half of the control plane:
// QueryDispatcher, BundleSender, the coordinator's PeerTracker
// wrapper, ResultMerger, GarbageCollector, and the HTTP API
// the worker fleet calls back into.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/user/stratoq/internal/metastore"
)

// ChunkRegistry is the coordinator's read path over MetadataStore's
// chunk-placement table: a cached chunk_id -> worker_id map, invalidated by
// comparing the store's update-time marker to what was cached at the last
// refresh, instead of rereading the whole table on every lookup.
type ChunkRegistry struct {
	store *metastore.Store

	mu         sync.RWMutex
	placement  map[int64]string
	cachedAt   time.Time
	lastRefresh time.Time
}

func NewChunkRegistry(store *metastore.Store) *ChunkRegistry {
	return &ChunkRegistry{store: store, placement: make(map[int64]string)}
}

// Refresh compares the store's update-time marker against what was cached
// and rereads the full table only if it has advanced.
func (r *ChunkRegistry) Refresh(ctx context.Context) error {
	updateTime, err := r.store.ChunkPlacementUpdateTime(ctx)
	if err != nil {
		return err
	}
	r.mu.RLock()
	stale := updateTime.After(r.cachedAt)
	r.mu.RUnlock()
	if !stale {
		return nil
	}

	placement, err := r.store.ListChunkPlacement(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.placement = placement
	r.cachedAt = updateTime
	r.lastRefresh = time.Now()
	r.mu.Unlock()
	return nil
}

// Owner returns the worker currently assigned to a chunk, if known.
func (r *ChunkRegistry) Owner(chunkID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.placement[chunkID]
	return w, ok
}

// MissingOwners reports which of the given chunk ids have no registered
// owner, used by QueryDispatcher.submit's pre-journal validation.
func (r *ChunkRegistry) MissingOwners(chunkIDs []int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []int64
	for _, id := range chunkIDs {
		if _, ok := r.placement[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
