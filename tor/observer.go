package tor

import (
	"sync"

	"github.com/google/uuid"
)

// staticTag is the per-process sentinel prefix that marks an Observer
// as surviving ClearObservers. uuid.New's 16 bytes of random entropy
// give a collision-proof sentinel, validated by a real parser instead
// of a hand-rolled buffer.
var staticTag = "static-" + uuid.New().String()

// StaticTag returns the per-process sentinel. Observers registered
// with a tag that has this prefix are immune to ClearObservers.
func StaticTag() string {
	return staticTag
}

// Observer pairs an event kind with a callback, plus an optional tag
// and executor.
type Observer struct {
	Kind     EventKind
	Callback func(*AsyncEvent)

	// Tag, if its prefix matches StaticTag(), survives
	// EventRouter.ClearObservers.
	Tag string

	// Executor, if non-nil, runs Callback instead of running it
	// inline on the dispatching goroutine. A nil Executor means
	// "run on the controller's default", which EventRouter.Dispatch
	// implements by just calling Callback directly.
	Executor func(func())
}

// IsStatic reports whether obs carries the per-process static tag
// prefix.
func (obs *Observer) IsStatic() bool {
	return len(obs.Tag) >= len(staticTag) && obs.Tag[:len(staticTag)] == staticTag
}

const staticTagPrefix = "static-"

// ObserverSet is a concurrent-read, exclusive-write collection of
// Observers keyed by identity.
type ObserverSet struct {
	mu   sync.RWMutex
	byID map[*Observer]struct{}
}

// NewObserverSet returns an empty set.
func NewObserverSet() *ObserverSet {
	return &ObserverSet{byID: make(map[*Observer]struct{})}
}

// Add inserts obs. Adding the same pointer twice is a no-op.
func (s *ObserverSet) Add(obs *Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[obs] = struct{}{}
}

// Remove deletes obs if present.
func (s *ObserverSet) Remove(obs *Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, obs)
}

// Matching returns every Observer subscribed to kind.
func (s *ObserverSet) Matching(kind EventKind) []*Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Observer, 0, len(s.byID))
	for obs := range s.byID {
		if obs.Kind == kind {
			out = append(out, obs)
		}
	}
	return out
}

// ClearExceptStatic removes every Observer whose Tag does not carry
// the static sentinel prefix.
func (s *ObserverSet) ClearExceptStatic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for obs := range s.byID {
		if !obs.IsStatic() {
			delete(s.byID, obs)
		}
	}
}

// Len reports the current observer count, for tests.
func (s *ObserverSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
