package queue

import (
	"context"
	"sort"
	"sync"
)

// Lanes serializes work per doctor. Operations on different doctors run in
// parallel; operations on the same doctor run one at a time.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	sem  chan struct{}
	refs int
}

func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Do runs fn while holding the lane for doctorID.
func (l *Lanes) Do(ctx context.Context, doctorID string, fn func() error) error {
	return l.DoMany(ctx, []string{doctorID}, fn)
}

// DoMany holds the lanes of every doctor in ids while fn runs. Lanes are
// taken in sorted order so overlapping callers cannot deadlock.
func (l *Lanes) DoMany(ctx context.Context, ids []string, fn func() error) error {
	keys := uniqueSorted(ids)
	held := make([]string, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}()
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			return err
		}
		held = append(held, key)
	}
	return fn()
}

func (l *Lanes) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.lanes[key] = ln
	}
	ln.refs++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, ln)
		return ctx.Err()
	}
}

func (l *Lanes) release(key string) {
	l.mu.Lock()
	ln := l.lanes[key]
	l.mu.Unlock()
	<-ln.sem
	l.drop(key, ln)
}

func (l *Lanes) drop(key string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.refs--
	if ln.refs == 0 {
		delete(l.lanes, key)
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
