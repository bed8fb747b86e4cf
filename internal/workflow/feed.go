package workflow

import (
	"sync"
	"sync/atomic"
)

const feedBuffer = 64

// changeFeed fans store changes out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the change and relies on the next
// full reload.
type changeFeed struct {
	mu   sync.RWMutex
	subs map[uint64]chan Change
	seq  atomic.Uint64
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subs: make(map[uint64]chan Change)}
}

func (f *changeFeed) publish(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (f *changeFeed) subscribe() (<-chan Change, func()) {
	id := f.seq.Add(1)
	ch := make(chan Change, feedBuffer)

	f.mu.Lock()
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (f *changeFeed) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
