// Package condition implements the daemon-side registry of named
// conditions an object exposes to clients: a monotonic state counter
// plus the most recent broadcast payload, with waiters
// woken on every broadcast. The shape is borrowed from miniplumber's
// Pipe/Reader pairing — a named channel with a set of live readers and
// a cached last value — generalized from string tokens to (state,
// bytes) pairs and scoped per object instead of per mesh.
package condition

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rescrv/replicant/pkg/replicant"
)

// Registry holds every condition currently live for one object. The
// zero value is not usable; use NewRegistry.
type Registry struct {
	mu         sync.Mutex
	conditions map[string]*condition
	nextID     int64
}

type condition struct {
	state     uint64
	data      []byte
	destroyed bool
	readers   map[int64]chan struct{}
}

// NewRegistry returns an empty condition set.
func NewRegistry() *Registry {
	return &Registry{conditions: make(map[string]*condition)}
}

// Create registers name if it does not already exist. Re-creating an
// existing, non-destroyed condition is a no-op: object code often
// calls cond_create unconditionally on every ctor/rtor path.
func (r *Registry) Create(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conditions[name]; ok && !c.destroyed {
		return
	}
	r.conditions[name] = &condition{readers: make(map[int64]chan struct{})}
}

// Destroy removes name and wakes every waiter with CondDestroyed.
// Waking them here rather than making them poll is what lets a
// blocked client call return promptly when an object tears a
// condition down out from under it.
func (r *Registry) Destroy(name string) {
	r.mu.Lock()
	c, ok := r.conditions[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	c.destroyed = true
	delete(r.conditions, name)
	c.wakeAll()
	r.mu.Unlock()
}

// Broadcast bumps name's state by one, clears its cached payload, and
// wakes every waiter. It returns CondNotFound if name was never
// created.
func (r *Registry) Broadcast(name string) replicant.ReturnCode {
	return r.BroadcastData(name, nil)
}

// BroadcastData bumps name's state by one, replaces its cached
// payload, and wakes every waiter.
func (r *Registry) BroadcastData(name string, data []byte) replicant.ReturnCode {
	r.mu.Lock()
	c, ok := r.conditions[name]
	if !ok {
		r.mu.Unlock()
		return replicant.CondNotFound
	}
	c.state++
	c.data = data
	c.wakeAll()
	r.mu.Unlock()

	return replicant.SUCCESS
}

// CurrentValue returns name's (state, data) pair without blocking.
func (r *Registry) CurrentValue(name string) (uint64, []byte, replicant.ReturnCode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conditions[name]
	if !ok {
		return 0, nil, replicant.CondNotFound
	}
	return c.state, c.data, replicant.SUCCESS
}

// Wait blocks until name's state differs from knownState, name is
// destroyed, or ctx is done. It is the daemon-side half of a client's
// cond_wait/cond_follow call: the client never talks to a condition
// directly, only through the daemon relaying broadcasts.
func (r *Registry) Wait(ctx context.Context, name string, knownState uint64) (uint64, []byte, error) {
	for {
		r.mu.Lock()
		c, ok := r.conditions[name]
		if !ok {
			r.mu.Unlock()
			return 0, nil, errors.Wrap(errCondNotFound, name)
		}
		if c.state != knownState {
			state, data := c.state, c.data
			r.mu.Unlock()
			return state, data, nil
		}

		id := r.nextID
		r.nextID++
		wake := make(chan struct{})
		c.readers[id] = wake
		r.mu.Unlock()

		select {
		case <-wake:
			r.mu.Lock()
			destroyed := c.destroyed
			r.mu.Unlock()
			if destroyed {
				return 0, nil, errors.Wrap(errCondDestroyed, name)
			}
			// loop: re-check state after a broadcast.
		case <-ctx.Done():
			r.mu.Lock()
			if c, ok := r.conditions[name]; ok {
				delete(c.readers, id)
			}
			r.mu.Unlock()
			return 0, nil, ctx.Err()
		}
	}
}

func (c *condition) wakeAll() {
	for id, ch := range c.readers {
		close(ch)
		delete(c.readers, id)
	}
}

var (
	errCondNotFound  = errors.New("condition not found")
	errCondDestroyed = errors.New("condition destroyed")
)
