//go:build linux

package dispatcher

import (
	"context"
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger("dispatcher")

const maxEvents = 64

// epollDispatcher implements IDispatcher with a level-triggered epoll instance.
// An eventfd is registered next to the sockets to wake the loop on cancellation.
type epollDispatcher struct {
	epfd       int
	wfd        int
	capacity   int
	registered *xsync.MapOf[int, Mask]
	ctlMu      sync.Mutex // serializes capacity check and epoll_ctl
	closed     atomic.Bool
}

// NewEpollDispatcher creates a dispatcher accepting at most capacity descriptors
func NewEpollDispatcher(capacity int) (IDispatcher, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("invalid capacity %d", capacity)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}

	return &epollDispatcher{
		epfd:       epfd,
		wfd:        wfd,
		capacity:   capacity,
		registered: xsync.NewMapOf[int, Mask](),
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IDispatcher)
// --------------------------------------------------------------------------

func (d *epollDispatcher) Register(fd int, mask Mask) error {
	if fd < 0 || fd == d.wfd {
		return fmt.Errorf("%w: %d", ErrInvalidDescriptor, fd)
	}

	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	if d.closed.Load() {
		return ErrClosed
	}

	ev := &unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if _, ok := d.registered.Load(fd); ok {
		if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
			return fmt.Errorf("epoll ctl mod %d: %w", fd, err)
		}
	} else {
		if d.registered.Size() >= d.capacity {
			return fmt.Errorf("%w: %d of %d descriptors in use", ErrCapacity, d.registered.Size(), d.capacity)
		}
		if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			if err == unix.EBADF || err == unix.EPERM {
				return fmt.Errorf("%w: %d (%v)", ErrInvalidDescriptor, fd, err)
			}
			return fmt.Errorf("epoll ctl add %d: %w", fd, err)
		}
	}

	d.registered.Store(fd, mask)
	Logger.Debugf("Registered descriptor %d for %s", fd, mask)
	return nil
}

func (d *epollDispatcher) Unregister(fd int) error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	if d.closed.Load() {
		return ErrClosed
	}
	if _, ok := d.registered.Load(fd); !ok {
		return fmt.Errorf("%w: %d", ErrNotRegistered, fd)
	}

	// drop the bookkeeping first so Run ignores pending events for fd
	d.registered.Delete(fd)
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}

	Logger.Debugf("Unregistered descriptor %d", fd)
	return nil
}

func (d *epollDispatcher) Run(ctx context.Context, h HandlerFunc) error {
	if d.closed.Load() {
		return ErrClosed
	}

	// wake the loop once ctx is done
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = d.wake()
		case <-done:
		}
	}()

	events := make([]unix.EpollEvent, maxEvents)
	var efdBuf [8]byte

	for ctx.Err() == nil && !d.closed.Load() {
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if d.closed.Load() {
				return nil
			}
			return fmt.Errorf("epoll wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == d.wfd {
				_, _ = unix.Read(d.wfd, efdBuf[:])
				continue
			}
			if _, ok := d.registered.Load(fd); !ok {
				// stale event for a descriptor unregistered earlier in this pass
				continue
			}
			h(Event{FD: fd, Events: fromEpoll(events[i].Events)})
		}
	}
	return nil
}

func (d *epollDispatcher) Close() error {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()

	if d.closed.Swap(true) {
		return nil
	}
	_ = d.wake()
	unix.Close(d.wfd)
	return unix.Close(d.epfd)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (d *epollDispatcher) wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(d.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// toEpoll converts a mask to level-triggered epoll flags
func toEpoll(mask Mask) uint32 {
	var flags uint32
	if mask.Has(Readable) {
		flags |= unix.EPOLLIN
	}
	if mask.Has(Writable) {
		flags |= unix.EPOLLOUT
	}
	return flags
}

func fromEpoll(flags uint32) Mask {
	var m Mask
	if flags&unix.EPOLLIN != 0 {
		m |= Readable
	}
	if flags&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	if flags&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= Error
	}
	return m
}
