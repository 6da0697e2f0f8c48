package dispatcher

import (
	"context"
	"errors"
	"strings"
)

// --------------------------------------------------------------------------
// Event types
// --------------------------------------------------------------------------

// Mask is a set of readiness conditions
type Mask uint8

const (
	// Readable is set when data (or a peer close) can be received
	Readable Mask = 1 << iota
	// Writable is set when the socket can accept data (a pending connect finished)
	Writable
	// Error is set when the poller reports an error or hang-up condition.
	// It is never requested, only reported.
	Error
)

// Has reports whether all conditions of o are set in m
func (m Mask) Has(o Mask) bool {
	return m&o == o
}

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m.Has(Readable) {
		parts = append(parts, "readable")
	}
	if m.Has(Writable) {
		parts = append(parts, "writable")
	}
	if m.Has(Error) {
		parts = append(parts, "error")
	}
	return strings.Join(parts, "|")
}

// Event is one readiness record delivered per ready descriptor and dispatch pass
type Event struct {
	FD     int
	Events Mask
}

// HandlerFunc processes one event. It runs on the dispatch goroutine and must not block.
type HandlerFunc func(ev Event)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrInvalidDescriptor    = errors.New("dispatcher: invalid descriptor")
	ErrCapacity             = errors.New("dispatcher: capacity exceeded")
	ErrNotRegistered        = errors.New("dispatcher: descriptor not registered")
	ErrClosed               = errors.New("dispatcher: closed")
	ErrPlatformNotSupported = errors.New("dispatcher: platform not supported (requires Linux/epoll)")
)

// --------------------------------------------------------------------------
// Dispatcher interface
// --------------------------------------------------------------------------

// IDispatcher watches descriptors for readiness and delivers events to a handler
type IDispatcher interface {
	// Register starts watching fd for the conditions in mask.
	// Registering an already watched fd updates its mask.
	Register(fd int, mask Mask) error
	// Unregister stops watching fd. It must be called before fd is closed.
	Unregister(fd int) error
	// Run delivers events to h, one at a time, until ctx is done or the dispatcher is closed.
	// Events for descriptors that are no longer registered are dropped.
	Run(ctx context.Context, h HandlerFunc) error
	// Close releases the dispatcher
	Close() error
}
