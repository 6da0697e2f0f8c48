package testing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dEcho/lib/dispatcher"
)

// Endpoint is a descriptor the suite can register and make readable
type Endpoint struct {
	FD int
	// MakeReadable makes FD report readable on the next dispatch pass
	MakeReadable func()
}

// DispatcherFactory creates a new dispatcher with the given capacity
type DispatcherFactory func(capacity int) dispatcher.IDispatcher

// EndpointFactory creates a fresh endpoint for a dispatcher created by the DispatcherFactory
type EndpointFactory func(t *testing.T, d dispatcher.IDispatcher) Endpoint

// RunDispatcherTests runs the usage contract of dispatcher.IDispatcher against an implementation.
func RunDispatcherTests(t *testing.T, name string, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("RegisterUnregister", func(t *testing.T) {
			testRegisterUnregister(t, newDispatcher, newEndpoint)
		})

		t.Run("RegisterUpdatesMask", func(t *testing.T) {
			testRegisterUpdatesMask(t, newDispatcher, newEndpoint)
		})

		t.Run("Capacity", func(t *testing.T) {
			testCapacity(t, newDispatcher, newEndpoint)
		})

		t.Run("InvalidDescriptor", func(t *testing.T) {
			testInvalidDescriptor(t, newDispatcher)
		})

		t.Run("Delivery", func(t *testing.T) {
			testDelivery(t, newDispatcher, newEndpoint)
		})

		t.Run("NoDeliveryAfterUnregister", func(t *testing.T) {
			testNoDeliveryAfterUnregister(t, newDispatcher, newEndpoint)
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, newDispatcher, newEndpoint)
		})
	})
}

func testRegisterUnregister(t *testing.T, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	d := newDispatcher(1)
	defer d.Close()
	ep := newEndpoint(t, d)

	if err := d.Register(ep.FD, dispatcher.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Unregister(ep.FD); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if err := d.Unregister(ep.FD); !errors.Is(err, dispatcher.ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered for second Unregister, got %v", err)
	}
}

func testRegisterUpdatesMask(t *testing.T, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	d := newDispatcher(1)
	defer d.Close()
	ep := newEndpoint(t, d)

	if err := d.Register(ep.FD, dispatcher.Readable|dispatcher.Writable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// same descriptor again: update, must not count against the capacity
	if err := d.Register(ep.FD, dispatcher.Readable); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	if err := d.Unregister(ep.FD); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
}

func testCapacity(t *testing.T, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	d := newDispatcher(1)
	defer d.Close()
	first := newEndpoint(t, d)
	second := newEndpoint(t, d)

	if err := d.Register(first.FD, dispatcher.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Register(second.FD, dispatcher.Readable); !errors.Is(err, dispatcher.ErrCapacity) {
		t.Fatalf("Expected ErrCapacity, got %v", err)
	}

	// freeing the slot makes room again
	if err := d.Unregister(first.FD); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if err := d.Register(second.FD, dispatcher.Readable); err != nil {
		t.Errorf("Register after Unregister failed: %v", err)
	}
}

func testInvalidDescriptor(t *testing.T, newDispatcher DispatcherFactory) {
	d := newDispatcher(1)
	defer d.Close()

	if err := d.Register(-1, dispatcher.Readable); !errors.Is(err, dispatcher.ErrInvalidDescriptor) {
		t.Errorf("Expected ErrInvalidDescriptor, got %v", err)
	}
}

func testDelivery(t *testing.T, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	d := newDispatcher(1)
	defer d.Close()
	ep := newEndpoint(t, d)

	if err := d.Register(ep.FD, dispatcher.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	events := make(chan dispatcher.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- d.Run(ctx, func(ev dispatcher.Event) {
			select {
			case events <- ev:
			default:
			}
		})
	}()

	ep.MakeReadable()

	select {
	case ev := <-events:
		if ev.FD != ep.FD {
			t.Errorf("Expected event for %d, got %d", ep.FD, ev.FD)
		}
		if !ev.Events.Has(dispatcher.Readable) {
			t.Errorf("Expected readable event, got %s", ev.Events)
		}
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for readable event")
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func testNoDeliveryAfterUnregister(t *testing.T, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	d := newDispatcher(1)
	defer d.Close()
	ep := newEndpoint(t, d)

	if err := d.Register(ep.FD, dispatcher.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Unregister(ep.FD); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	events := make(chan dispatcher.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = d.Run(ctx, func(ev dispatcher.Event) {
			select {
			case events <- ev:
			default:
			}
		})
	}()

	ep.MakeReadable()

	select {
	case ev := <-events:
		t.Errorf("Unexpected event after Unregister: %+v", ev)
	case <-time.After(100 * time.Millisecond):
		// Expected timeout, nothing delivered
	}
}

func testClosed(t *testing.T, newDispatcher DispatcherFactory, newEndpoint EndpointFactory) {
	d := newDispatcher(1)
	ep := newEndpoint(t, d)

	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Register(ep.FD, dispatcher.Readable); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if err := d.Run(context.Background(), func(dispatcher.Event) {}); !errors.Is(err, dispatcher.ErrClosed) {
		t.Errorf("Expected ErrClosed from Run after Close, got %v", err)
	}
}
