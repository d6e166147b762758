// Package cache keeps a partition-scoped, in-memory collection of POIs
// consistent with the storage gateway via a bulk fetch and the incremental
// change feed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sandmaps/atlas/internal/feed"
	"github.com/sandmaps/atlas/internal/poi"
)

// Fetcher is the slice of the POI repository the cache needs: the bulk
// load and the authoritative single-row refetch, both carrying the full
// relation joins.
type Fetcher interface {
	ListByScope(ctx context.Context, scope poi.Scope) ([]*poi.Poi, error)
	GetByID(ctx context.Context, id string) (*poi.Poi, error)
}

// PoiCache is the client-resident POI collection for one map partition.
//
// All mutation funnels through the identity-based upsert/remove helpers,
// which are idempotent: redundant delivery of the same event, or an event
// for an already-removed id, never corrupts state. Every write carries a
// monotonically increasing sequence; a refetch completing after a newer
// write for the same id is discarded rather than allowed to overwrite it.
type PoiCache struct {
	scope   poi.Scope
	repo    Fetcher
	logger  *slog.Logger
	metrics *Metrics

	writeSeq atomic.Int64

	mu      sync.RWMutex
	items   []*poi.Poi
	applied map[string]int64 // last applied write sequence per id
	loading bool
	loadErr error
}

// NewPoiCache creates a cache bound to one map partition. Nil metrics
// disables counting.
func NewPoiCache(scope poi.Scope, repo Fetcher, metrics *Metrics, logger *slog.Logger) *PoiCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoiCache{
		scope:   scope,
		repo:    repo,
		logger:  logger,
		metrics: metrics,
		applied: make(map[string]int64),
		loading: true,
	}
}

// Load performs the initial bulk fetch for the partition. On failure the
// cache surfaces the error state and an empty collection.
func (c *PoiCache) Load(ctx context.Context) error {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	seq := c.writeSeq.Add(1)
	items, err := c.repo.ListByScope(ctx, c.scope)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	if err != nil {
		c.loadErr = err
		c.items = nil
		c.applied = make(map[string]int64)
		c.updateSizeMetric()
		return err
	}
	c.loadErr = nil
	c.items = items
	c.applied = make(map[string]int64, len(items))
	for _, p := range items {
		c.applied[p.ID] = seq
	}
	c.updateSizeMetric()
	return nil
}

// Refresh re-runs the bulk fetch. Exposed to the UI surface.
func (c *PoiCache) Refresh(ctx context.Context) error {
	return c.Load(ctx)
}

// Items returns a snapshot of the collection, newest first.
func (c *PoiCache) Items() []*poi.Poi {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*poi.Poi(nil), c.items...)
}

// Len returns the number of cached POIs.
func (c *PoiCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Loading reports whether the initial bulk fetch is still in progress.
func (c *PoiCache) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Err returns the bulk-fetch error state, if any.
func (c *PoiCache) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadErr
}

// Add inserts a POI optimistically, ahead of the event confirming it.
// Inserting an id that already exists is a no-op, so the later feed event
// for the same create is harmless.
func (c *PoiCache) Add(p *poi.Poi) {
	seq := c.writeSeq.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.items {
		if existing.ID == p.ID {
			return
		}
	}
	c.applied[p.ID] = seq
	c.items = append([]*poi.Poi{p}, c.items...)
	c.updateSizeMetric()
}

// Update applies an optimistic edit by identity: replace in place when the
// id exists, otherwise prepend. Idempotent with the feed event that
// follows.
func (c *PoiCache) Update(p *poi.Poi) {
	seq := c.writeSeq.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(p, seq)
}

// Remove deletes by identity. Removing an absent id is a no-op, not an
// error; the sequence tombstone keeps a slow in-flight refetch from
// resurrecting the entry.
func (c *PoiCache) Remove(id string) {
	seq := c.writeSeq.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied[id] = seq
	for i, p := range c.items {
		if p.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	c.updateSizeMetric()
}

// upsertLocked is the single choke point for collection writes. Stale
// sequences are discarded so an older refetch never overwrites newer data.
func (c *PoiCache) upsertLocked(p *poi.Poi, seq int64) {
	if last, ok := c.applied[p.ID]; ok && last >= seq {
		if c.metrics != nil {
			c.metrics.staleDiscarded.Inc()
		}
		c.logger.Debug("discarding stale cache write",
			slog.String("poi_id", p.ID),
			slog.Int64("seq", seq),
			slog.Int64("applied", last))
		return
	}
	c.applied[p.ID] = seq
	for i, existing := range c.items {
		if existing.ID == p.ID {
			c.items[i] = p
			if c.metrics != nil {
				c.metrics.upserts.Inc()
			}
			return
		}
	}
	c.items = append([]*poi.Poi{p}, c.items...)
	if c.metrics != nil {
		c.metrics.upserts.Inc()
	}
	c.updateSizeMetric()
}

// eventScope is the minimal row shape needed for the defensive partition
// re-check on feed payloads.
type eventScope struct {
	MapType      string  `json:"map_type"`
	GridSquareID *string `json:"grid_square_id"`
}

// HandlePoiEvent consumes one change-feed event for the pois table.
//
// For inserts and updates the event payload is never trusted: the cache
// re-fetches the complete row with all relations and upserts that. A
// failed refetch is logged and dropped; the cache misses that update and
// reconciles on the next event or a manual refresh.
func (c *PoiCache) HandlePoiEvent(ctx context.Context, ev *feed.Event) {
	switch ev.Type {
	case feed.EventInsert, feed.EventUpdate:
		// Some gateways deliver a superset of the subscribed scope.
		if len(ev.Row) > 0 {
			var es eventScope
			if err := json.Unmarshal(ev.Row, &es); err == nil && es.MapType != "" {
				probe := poi.Poi{MapType: es.MapType, GridSquareID: es.GridSquareID}
				if !c.scope.Contains(&probe) {
					return
				}
			}
		}
		c.refetchAndUpsert(ctx, ev.RowID)
	case feed.EventDelete:
		c.Remove(ev.RowID)
	}
}

// HandleShareEvent consumes one change-feed event for the poi_shares
// table: a share change triggers a targeted refetch of the one affected
// POI, never a full reload.
func (c *PoiCache) HandleShareEvent(ctx context.Context, ev *feed.Event) {
	if ev.RowID == "" {
		return
	}
	c.refetchAndUpsert(ctx, ev.RowID)
}

func (c *PoiCache) refetchAndUpsert(ctx context.Context, id string) {
	seq := c.writeSeq.Add(1)
	p, err := c.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, poi.ErrPoiNotFound) {
			// Row vanished between event and refetch; the delete
			// event will clean up the cache entry.
			return
		}
		if c.metrics != nil {
			c.metrics.refetchFailures.Inc()
		}
		c.logger.Warn("dropping cache update after failed refetch",
			slog.String("poi_id", id),
			slog.String("error", err.Error()))
		return
	}
	if !c.scope.Contains(p) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(p, seq)
}

// updateSizeMetric must be called with the mutex held.
func (c *PoiCache) updateSizeMetric() {
	if c.metrics != nil {
		c.metrics.size.Set(float64(len(c.items)))
	}
}
