package transport

import (
	"errors"
	"github.com/ValentinKolb/dEcho/lib/common"
	"net/netip"
)

var (
	// ErrWouldBlock is returned by Recv and Send when the non-blocking call cannot proceed now
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrInProgress is returned by Connect when the connection completes asynchronously
	ErrInProgress = errors.New("transport: connect in progress")
	// ErrPlatformNotSupported is returned by implementations that need Linux
	ErrPlatformNotSupported = errors.New("transport: platform not supported")
)

// ISocketOps is the socket capability consumed by the echo service.
// Descriptors are plain ints so they can be registered with a dispatcher.
type ISocketOps interface {
	// GetName returns the name of the transport type (e.g., "tcp")
	GetName() string
	// Socket creates a new stream socket
	Socket() (int, error)
	// SetNonblock puts the socket in non-blocking mode
	SetNonblock(fd int) error
	// UpgradeSocket applies protocol-specific options to a fresh socket
	UpgradeSocket(fd int, config common.TransportConfig) error
	// Connect starts a connection to addr. ErrInProgress means completion is
	// reported later through a writable event.
	Connect(fd int, addr netip.AddrPort) error
	// ConnectError returns the outcome of a non-blocking connect (nil = connected)
	ConnectError(fd int) error
	// Recv performs one receive. 0 bytes and a nil error mean the peer closed.
	Recv(fd int, buf []byte) (int, error)
	// Send performs one send and may write less than len(buf)
	Send(fd int, buf []byte) (int, error)
	// Close closes the descriptor
	Close(fd int) error
}
