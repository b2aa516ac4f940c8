package approval

import (
	"context"
	"sync"
)

// inflight tracks drafts that are posted but not yet persisted, so a
// reaction arriving in between can wait for the record instead of being
// dropped as foreign.
type inflight struct {
	mu     sync.Mutex
	seq    uint64
	drafts map[uint64]chan struct{}
}

// begin registers a draft; the returned func marks it persisted or failed.
func (f *inflight) begin() (done func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drafts == nil {
		f.drafts = make(map[uint64]chan struct{})
	}
	f.seq++
	id, ch := f.seq, make(chan struct{})
	f.drafts[id] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.drafts, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// wait blocks until every draft in flight at call time is settled and
// reports whether there were any. It gives up when ctx is done.
func (f *inflight) wait(ctx context.Context) bool {
	f.mu.Lock()
	pending := make([]chan struct{}, 0, len(f.drafts))
	for _, ch := range f.drafts {
		pending = append(pending, ch)
	}
	f.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
	return len(pending) > 0
}
