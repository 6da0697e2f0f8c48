// Package transport defines the socket capability used by the echo service:
// creating a stream socket, switching it to non-blocking mode, connecting, and
// single-call receive/send/close on a raw descriptor.
//
// Implementations live in sub-packages (see tcp). Non-blocking results are mapped
// to the sentinel errors ErrWouldBlock and ErrInProgress so callers can classify
// them with errors.Is independently of the platform.
package transport
