package echo

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	"github.com/ValentinKolb/dEcho/lib/transport"
	"sync"
)

const invalidFD = -1

// socketRegistry owns the single monitored socket and its registration.
// Every read and write of fd, mask and registered happens under mu.
// No method escalates to a restart while holding mu; registration failures are
// returned wrapped in ErrRegistration and the caller restarts after the lock is released.
type socketRegistry struct {
	mu         sync.Mutex
	fd         int
	mask       dispatcher.Mask
	registered bool

	dispatcher dispatcher.IDispatcher
	sockets    transport.ISocketOps
}

func newSocketRegistry(d dispatcher.IDispatcher, sockets transport.ISocketOps) *socketRegistry {
	return &socketRegistry{
		fd:         invalidFD,
		dispatcher: d,
		sockets:    sockets,
	}
}

// set stores fd and mask and registers them with the dispatcher.
// Calling set again for the held descriptor updates its mask.
func (r *socketRegistry) set(fd int, mask dispatcher.Mask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd != fd {
		if r.fd != invalidFD {
			// at most one socket: release the previous one before taking the new one
			r.releaseLocked()
		}
		r.fd = fd
		r.registered = false
	}
	r.mask = mask

	if err := r.dispatcher.Register(fd, mask); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	r.registered = true
	return nil
}

// remove unregisters the socket, then closes it and marks it invalid.
// If the dispatcher refuses, the descriptor stays open and registered in the
// registry's view so the restart's stop step can release it in order.
func (r *socketRegistry) remove() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd == invalidFD {
		return nil
	}
	if r.registered {
		if err := r.dispatcher.Unregister(r.fd); err != nil {
			return fmt.Errorf("%w: %v", ErrRegistration, err)
		}
		r.registered = false
	}

	_ = r.sockets.Close(r.fd)
	r.fd = invalidFD
	return nil
}

// clear is the stop step: unregister (failures ignored), then close if valid
func (r *socketRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked()
}

// current returns the monitored descriptor and whether it is valid and registered
func (r *socketRegistry) current() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fd, r.fd != invalidFD && r.registered
}

// snapshot returns the complete registry state
func (r *socketRegistry) snapshot() (fd int, mask dispatcher.Mask, registered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fd, r.mask, r.registered
}

// releaseLocked drops the registration and closes the descriptor (r.mu must be held)
func (r *socketRegistry) releaseLocked() {
	if r.fd == invalidFD {
		return
	}

	if err := r.dispatcher.Unregister(r.fd); err != nil {
		if errors.Is(err, dispatcher.ErrNotRegistered) {
			Logger.Debugf("Socket %d was not registered: %v", r.fd, err)
		} else {
			Logger.Warningf("Cannot unregister socket %d: %v", r.fd, err)
		}
	}
	r.registered = false

	_ = r.sockets.Close(r.fd)
	r.fd = invalidFD
}
