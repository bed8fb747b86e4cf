package sequence

import (
	"context"
	"fmt"
)

// DefaultWidth is the zero-padding width of formatted ids.
const DefaultWidth = 4

// Allocator hands out formatted request ids from a single counter key.
type Allocator struct {
	counter Counter
	key     string
	width   int
}

// NewAllocator creates an Allocator. A width below 1 falls back to
// DefaultWidth.
func NewAllocator(counter Counter, key string, width int) *Allocator {
	if width < 1 {
		width = DefaultWidth
	}
	return &Allocator{counter: counter, key: key, width: width}
}

// Next increments the counter and returns the formatted id. The caller must
// not persist anything when an error is returned.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	n, err := a.counter.Increment(ctx, a.key)
	if err != nil {
		return "", fmt.Errorf("allocating request id: %w", err)
	}
	return a.Format(n), nil
}

// Format zero-pads n to the configured width. Values wider than the width
// are printed in full.
func (a *Allocator) Format(n int64) string {
	return fmt.Sprintf("%0*d", a.width, n)
}
