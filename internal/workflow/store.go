package workflow

import (
	"context"
	"fmt"

	"github.com/pitabwire/intraflow/model"
)

// MutateFunc edits a request in place. Returning an error aborts the write.
// History may only be appended to.
type MutateFunc func(r *model.WorkflowRequest) error

// RequestStore persists workflow requests.
type RequestStore interface {
	// Create persists a new request. Returns CONFLICT if the id exists.
	Create(ctx context.Context, r *model.WorkflowRequest) error

	// Get retrieves a request by storage id. Returns NOT_FOUND if missing.
	Get(ctx context.Context, id string) (*model.WorkflowRequest, error)

	// List returns requests matching filters ordered by submittedAt
	// descending.
	List(ctx context.Context, filters model.RequestFilters) ([]*model.WorkflowRequest, error)

	// Mutate performs an atomic read-modify-write of one request. fn sees
	// the latest stored state; concurrent mutations of the same request are
	// serialized so that every history append lands. Returns the stored
	// result.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*model.WorkflowRequest, error)

	// Watch subscribes to request changes. The returned cancel function
	// releases the subscription and closes the channel.
	Watch(ctx context.Context) (<-chan Change, func(), error)
}

// Change kinds.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
)

// Change is one entry of the store change feed.
type Change struct {
	Kind    string                 `json:"kind"`
	Request *model.WorkflowRequest `json:"request"`
}

// checkAppendOnly verifies that after only appended to before's history:
// every earlier entry must come through unchanged.
func checkAppendOnly(before, after *model.WorkflowRequest) error {
	if len(after.History) < len(before.History) {
		return fmt.Errorf("request %s: history shrank from %d to %d entries", before.ID, len(before.History), len(after.History))
	}
	for i, old := range before.History {
		if !sameEntry(old, after.History[i]) {
			return fmt.Errorf("request %s: history entry %d was rewritten", before.ID, i)
		}
	}
	return nil
}

func sameEntry(a, b model.HistoryEntry) bool {
	return a.Timestamp.Equal(b.Timestamp) &&
		a.Status == b.Status &&
		a.UserID == b.UserID &&
		a.UserName == b.UserName &&
		a.Notes == b.Notes
}
