package fake

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrInjected is returned by fake operations that were told to fail
var ErrInjected = errors.New("fake: injected failure")

// Dispatcher is a fake implementation of dispatcher.IDispatcher.
// Events are either queued with Deliver (consumed by Run) or handed directly
// to a handler with Dispatch.
type Dispatcher struct {
	journal    *Journal
	capacity   int
	registered *xsync.MapOf[int, dispatcher.Mask]

	mu             sync.Mutex // serializes registration changes
	failRegister   int
	failUnregister int

	registerCalls   atomic.Int64
	unregisterCalls atomic.Int64

	events    chan dispatcher.Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewDispatcher creates a fake dispatcher accepting at most capacity descriptors
func NewDispatcher(journal *Journal, capacity int) *Dispatcher {
	return &Dispatcher{
		journal:    journal,
		capacity:   capacity,
		registered: xsync.NewMapOf[int, dispatcher.Mask](),
		events:     make(chan dispatcher.Event, 1024),
		done:       make(chan struct{}),
	}
}

// FailRegister makes the next n Register calls fail
func (d *Dispatcher) FailRegister(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failRegister = n
}

// FailUnregister makes the next n Unregister calls fail
func (d *Dispatcher) FailUnregister(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failUnregister = n
}

// --------------------------------------------------------------------------
// Interface Methods (docu see dispatcher.IDispatcher)
// --------------------------------------------------------------------------

func (d *Dispatcher) Register(fd int, mask dispatcher.Mask) error {
	d.registerCalls.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return dispatcher.ErrClosed
	}
	if d.failRegister > 0 {
		d.failRegister--
		d.journal.Record("register-failed %d", fd)
		return fmt.Errorf("%w: register %d", ErrInjected, fd)
	}
	if fd < 0 {
		return fmt.Errorf("%w: %d", dispatcher.ErrInvalidDescriptor, fd)
	}

	if _, ok := d.registered.Load(fd); ok {
		d.registered.Store(fd, mask)
		d.journal.Record("update %d %s", fd, mask)
		return nil
	}
	if d.registered.Size() >= d.capacity {
		return fmt.Errorf("%w: %d of %d descriptors in use", dispatcher.ErrCapacity, d.registered.Size(), d.capacity)
	}
	d.registered.Store(fd, mask)
	d.journal.Record("register %d %s", fd, mask)
	return nil
}

func (d *Dispatcher) Unregister(fd int) error {
	d.unregisterCalls.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return dispatcher.ErrClosed
	}
	if d.failUnregister > 0 {
		d.failUnregister--
		d.journal.Record("unregister-failed %d", fd)
		return fmt.Errorf("%w: unregister %d", ErrInjected, fd)
	}
	if _, ok := d.registered.Load(fd); !ok {
		return fmt.Errorf("%w: %d", dispatcher.ErrNotRegistered, fd)
	}
	d.registered.Delete(fd)
	d.journal.Record("unregister %d", fd)
	return nil
}

func (d *Dispatcher) Run(ctx context.Context, h dispatcher.HandlerFunc) error {
	if d.closed.Load() {
		return dispatcher.ErrClosed
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.done:
			return nil
		case ev := <-d.events:
			d.Dispatch(h, ev)
		}
	}
}

func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})
	return nil
}

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// Deliver queues an event for Run
func (d *Dispatcher) Deliver(ev dispatcher.Event) {
	d.events <- ev
}

// Dispatch hands ev to h if its descriptor is registered and reports whether it did.
// The delivered conditions are limited to the registered mask plus Error.
func (d *Dispatcher) Dispatch(h dispatcher.HandlerFunc, ev dispatcher.Event) bool {
	mask, ok := d.registered.Load(ev.FD)
	if !ok {
		return false
	}
	ev.Events &= mask | dispatcher.Error
	if ev.Events == 0 {
		return false
	}
	h(ev)
	return true
}

// Registered returns the registered descriptors in ascending order.
// The result is consistent with concurrent registration changes.
func (d *Dispatcher) Registered() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fds []int
	d.registered.Range(func(fd int, _ dispatcher.Mask) bool {
		fds = append(fds, fd)
		return true
	})
	sort.Ints(fds)
	return fds
}

// Mask returns the registered mask of fd
func (d *Dispatcher) Mask(fd int) (dispatcher.Mask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered.Load(fd)
}

// RegisterCalls returns the number of Register calls (including failed ones)
func (d *Dispatcher) RegisterCalls() int {
	return int(d.registerCalls.Load())
}

// UnregisterCalls returns the number of Unregister calls (including failed ones)
func (d *Dispatcher) UnregisterCalls() int {
	return int(d.unregisterCalls.Load())
}
