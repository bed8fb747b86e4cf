package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/intraflow/model"
)

// MemoryRequestStore is an in-memory RequestStore for testing and
// single-instance deployments. A single mutex serializes all writes.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*model.WorkflowRequest
	feed     *changeFeed
}

// NewMemoryRequestStore creates a new in-memory request store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{
		requests: make(map[string]*model.WorkflowRequest),
		feed:     newChangeFeed(),
	}
}

// Create persists a new request.
func (s *MemoryRequestStore) Create(_ context.Context, r *model.WorkflowRequest) error {
	s.mu.Lock()
	if _, exists := s.requests[r.ID]; exists {
		s.mu.Unlock()
		return model.NewConflictError(fmt.Sprintf("request %q already exists", r.ID))
	}
	stored := r.Clone()
	s.requests[r.ID] = stored
	s.mu.Unlock()

	s.feed.publish(Change{Kind: ChangeCreated, Request: stored.Clone()})
	return nil
}

// Get retrieves a request by id.
func (s *MemoryRequestStore) Get(_ context.Context, id string) (*model.WorkflowRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}
	return r.Clone(), nil
}

// List returns matching requests, newest first.
func (s *MemoryRequestStore) List(_ context.Context, filters model.RequestFilters) ([]*model.WorkflowRequest, error) {
	s.mu.RLock()
	var out []*model.WorkflowRequest
	for _, r := range s.requests {
		if filters.Match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return paginate(out, filters.Offset, filters.Limit), nil
}

// Mutate applies fn to a copy of the stored request and swaps it in.
func (s *MemoryRequestStore) Mutate(_ context.Context, id string, fn MutateFunc) (*model.WorkflowRequest, error) {
	s.mu.Lock()
	current, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return nil, model.NewNotFoundError(fmt.Sprintf("request %q not found", id))
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := checkAppendOnly(current, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.ID = current.ID
	s.requests[id] = next
	s.mu.Unlock()

	s.feed.publish(Change{Kind: ChangeUpdated, Request: next.Clone()})
	return next.Clone(), nil
}

// Watch subscribes to changes.
func (s *MemoryRequestStore) Watch(ctx context.Context) (<-chan Change, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.feed.subscribe()
	return ch, cancel, nil
}

// Len returns the number of stored requests. For testing.
func (s *MemoryRequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func sortNewestFirst(rs []*model.WorkflowRequest) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].SubmittedAt.Equal(rs[j].SubmittedAt) {
			return rs[i].RequestID > rs[j].RequestID
		}
		return rs[i].SubmittedAt.After(rs[j].SubmittedAt)
	})
}

func paginate(rs []*model.WorkflowRequest, offset, limit int) []*model.WorkflowRequest {
	if offset > 0 {
		if offset >= len(rs) {
			return nil
		}
		rs = rs[offset:]
	}
	if limit > 0 && limit < len(rs) {
		rs = rs[:limit]
	}
	return rs
}
