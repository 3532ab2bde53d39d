package backend

import (
	"context"
	"errors"
	"sort"
	"sync"

	"fencesync/internal/fence"
)

var (
	// ErrNotConnected is returned by submits issued while the connector is offline.
	ErrNotConnected = errors.New("backend not connected")
	// ErrClosed is returned after the connector has been closed.
	ErrClosed = errors.New("backend connector closed")
)

// Callback receives the outcome of one submission; it may run on any goroutine.
type Callback func(Outcome)

// Connector is a connection-gated asynchronous fence backend.
// Params: submissions carry fence identity, condition, and handler target.
// Returns: submit error means "not submitted"; otherwise the callback fires exactly once.
type Connector interface {
	IsConnected() bool
	// Connect starts connecting in the background; it never blocks and is safe to repeat.
	Connect()
	SubmitAdd(ctx context.Context, id string, condition fence.Condition, target string, cb Callback) error
	SubmitRemove(ctx context.Context, id string, cb Callback) error
	// OnConnected registers fn for every transition into the connected state.
	OnConnected(fn func()) (unsubscribe func())
}

// subscribers holds OnConnected handlers keyed by registration order.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

func (s *subscribers) add(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func())
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// fire calls handlers in registration order outside the lock.
func (s *subscribers) fire() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
