// Package pending tracks the in-flight resolutions of the engine. It indexes
// them by ID for event routing and keeps a deadline heap so stuck resolutions
// can be expired in one sweep. All mutating access happens on the engine's
// single processing goroutine; the atomic gauges exist so the stats surface
// can read counters without touching that goroutine.
package pending

import (
	"container/heap"
	"time"

	"go.uber.org/atomic"

	"github.com/lc/recurse/internal/iterator"
)

// Resolution is one in-flight logical resolution: the query descriptor, its
// iterator state, and the plumbing that routes its completion.
type Resolution struct {
	ID    string
	Query *iterator.Query
	State *iterator.QueryState

	// Done receives the final wire answer for client-facing resolutions.
	Done func(answer []byte)

	// Parent is the resolution ID this one serves as a nameserver address
	// lookup for, or empty for client queries.
	Parent string
	// TargetName is the nameserver name a subquery resolves.
	TargetName string

	// Deadline is when the resolution is forcibly expired.
	Deadline time.Time

	heapIdx int
}

// Store is the in-flight resolution table.
type Store struct {
	byID map[string]*Resolution
	ddlH deadlineHeap

	inflight atomic.Int64
	started  atomic.Uint64
	finished atomic.Uint64
}

// NewStore creates an empty resolution table.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]*Resolution),
		ddlH: make(deadlineHeap, 0),
	}
}

// Add inserts a resolution, keyed by its ID.
func (s *Store) Add(r *Resolution) {
	s.byID[r.ID] = r
	heap.Push(&s.ddlH, r)
	s.inflight.Inc()
	s.started.Inc()
}

// Get returns the resolution with the given ID.
func (s *Store) Get(id string) (*Resolution, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Remove deletes and returns the resolution, for cleanup by the caller.
func (s *Store) Remove(id string) (*Resolution, bool) {
	r, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)
	if r.heapIdx >= 0 {
		heap.Remove(&s.ddlH, r.heapIdx)
	}
	s.inflight.Dec()
	s.finished.Inc()
	return r, true
}

// ExpireNow pops every resolution whose deadline has passed.
func (s *Store) ExpireNow(now time.Time) []*Resolution {
	var out []*Resolution
	for len(s.ddlH) > 0 && !s.ddlH[0].Deadline.After(now) {
		r := heap.Pop(&s.ddlH).(*Resolution)
		delete(s.byID, r.ID)
		s.inflight.Dec()
		s.finished.Inc()
		out = append(out, r)
	}
	return out
}

// NextDeadline returns the soonest deadline, or ok=false when idle.
func (s *Store) NextDeadline() (time.Time, bool) {
	if len(s.ddlH) == 0 {
		return time.Time{}, false
	}
	return s.ddlH[0].Deadline, true
}

// InFlight returns the number of resolutions currently tracked.
func (s *Store) InFlight() int64 { return s.inflight.Load() }

// Started returns the number of resolutions ever added.
func (s *Store) Started() uint64 { return s.started.Load() }

// Finished returns the number of resolutions removed or expired.
func (s *Store) Finished() uint64 { return s.finished.Load() }

// deadlineHeap orders resolutions by deadline, soonest first.
type deadlineHeap []*Resolution

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].Deadline.Before(h[j].Deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *deadlineHeap) Push(x any) {
	r := x.(*Resolution)
	r.heapIdx = len(*h)
	*h = append(*h, r)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIdx = -1
	*h = old[:n-1]
	return r
}
