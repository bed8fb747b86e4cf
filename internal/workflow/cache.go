package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

const (
	cacheRetryMin = 500 * time.Millisecond
	cacheRetryMax = 30 * time.Second
)

// Cache is a read model of all requests kept current from the store's
// change feed. It serves listings and dashboards and is never used as the
// basis for writes.
type Cache struct {
	store   RequestStore
	defs    DefinitionSource
	logger  *zap.Logger
	metrics *observability.Metrics

	mu    sync.RWMutex
	byID  map[string]*model.WorkflowRequest
	ready atomic.Bool
	feed  *changeFeed
}

// NewCache creates an empty cache. metrics may be nil.
func NewCache(store RequestStore, defs DefinitionSource, logger *zap.Logger, metrics *observability.Metrics) *Cache {
	return &Cache{
		store:   store,
		defs:    defs,
		logger:  logger,
		metrics: metrics,
		byID:    make(map[string]*model.WorkflowRequest),
		feed:    newChangeFeed(),
	}
}

// Run keeps the cache in sync until ctx is done. It subscribes before the
// full load so no change between the two is lost, and reconnects with
// backoff when the feed closes.
func (c *Cache) Run(ctx context.Context) error {
	backoff := cacheRetryMin
	for {
		err := c.syncOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("request cache sync failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
		} else {
			backoff = cacheRetryMin
			c.logger.Warn("request cache feed closed, resubscribing")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > cacheRetryMax {
			backoff = cacheRetryMax
		}
	}
}

func (c *Cache) syncOnce(ctx context.Context) error {
	changes, cancel, err := c.store.Watch(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if err := c.Load(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			c.Apply(ch)
		}
	}
}

// Load replaces the cache contents with a full read from the store.
func (c *Cache) Load(ctx context.Context) error {
	all, err := c.store.List(ctx, model.RequestFilters{})
	if err != nil {
		return err
	}

	byID := make(map[string]*model.WorkflowRequest, len(all))
	for _, r := range all {
		byID[r.ID] = r
	}

	c.mu.Lock()
	c.byID = byID
	c.mu.Unlock()

	c.ready.Store(true)
	c.updateGauge(len(byID))
	c.logger.Info("request cache loaded", zap.Int("requests", len(byID)))
	return nil
}

// Apply merges one change into the cache and forwards it to subscribers.
// Older snapshots of a request never replace newer ones.
func (c *Cache) Apply(ch Change) {
	if ch.Request == nil {
		return
	}
	r := ch.Request.Clone()

	c.mu.Lock()
	if existing, ok := c.byID[r.ID]; ok && isStale(existing, r) {
		c.mu.Unlock()
		return
	}
	c.byID[r.ID] = r
	n := len(c.byID)
	c.mu.Unlock()

	c.updateGauge(n)
	c.feed.publish(Change{Kind: ch.Kind, Request: r.Clone()})
}

// Ready reports whether the initial load completed.
func (c *Cache) Ready() bool {
	return c.ready.Load()
}

// Get returns a copy of a cached request.
func (c *Cache) Get(id string) (*model.WorkflowRequest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns cached requests matching filters, newest first.
func (c *Cache) List(filters model.RequestFilters) []*model.WorkflowRequest {
	c.mu.RLock()
	out := make([]*model.WorkflowRequest, 0, len(c.byID))
	for _, r := range c.byID {
		if filters.Match(r) {
			out = append(out, r.Clone())
		}
	}
	c.mu.RUnlock()

	sortNewestFirst(out)
	return paginate(out, filters.Offset, filters.Limit)
}

// HasNewAssignedTasks reports whether userID has open work: a live request
// assigned to them outside its terminal stage, or a pending action record
// at a request's current stage.
func (c *Cache) HasNewAssignedTasks(userID string) bool {
	if userID == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.byID {
		if r.IsArchived {
			continue
		}
		if r.PendingActionFor(userID) >= 0 {
			return true
		}
		if !r.IsAssignee(userID) {
			continue
		}
		def, ok := c.defs.GetByName(r.Type)
		if !ok || !def.IsTerminal(r.Status) {
			return true
		}
	}
	return false
}

// Subscribe returns a feed of changes applied to the cache.
func (c *Cache) Subscribe() (<-chan Change, func()) {
	return c.feed.subscribe()
}

// Len returns the number of cached requests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Cache) updateGauge(n int) {
	if c.metrics != nil {
		c.metrics.SetRequestsCached(float64(n))
	}
}

// isStale reports whether candidate is older than existing. History only
// grows, so its length orders snapshots of one request.
func isStale(existing, candidate *model.WorkflowRequest) bool {
	if len(candidate.History) != len(existing.History) {
		return len(candidate.History) < len(existing.History)
	}
	return candidate.LastUpdatedAt.Before(existing.LastUpdatedAt)
}
