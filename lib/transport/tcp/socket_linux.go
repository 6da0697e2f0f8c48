//go:build linux

package tcp

import (
	"fmt"
	"github.com/ValentinKolb/dEcho/lib/common"
	"github.com/ValentinKolb/dEcho/lib/transport"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
	"net/netip"
	"syscall"
)

var Logger = logger.GetLogger("transport/tcp")

// socketOps implements the ISocketOps interface for IPv4 TCP sockets
type socketOps struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ISocketOps)
// --------------------------------------------------------------------------

func (s *socketOps) GetName() string {
	return "tcp"
}

func (s *socketOps) Socket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

func (s *socketOps) SetNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set non-blocking: %w", err)
	}
	return nil
}

// UpgradeSocket applies TCP and socket buffer options from the configuration
func (s *socketOps) UpgradeSocket(fd int, config common.TransportConfig) error {
	// Disable Nagle's algorithm (TCPNoDelay) if configured
	noDelay := 0
	if config.TCPNoDelay {
		noDelay = 1
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}

	// Set socket write buffer size if configured
	if config.WriteBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, config.WriteBufferSize); err != nil {
			return fmt.Errorf("set SO_SNDBUF: %w", err)
		}
	}

	// Set socket read buffer size if configured
	if config.ReadBufferSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, config.ReadBufferSize); err != nil {
			return fmt.Errorf("set SO_RCVBUF: %w", err)
		}
	}

	// Enable keep-alive with the configured idle time and probe interval
	if config.TCPKeepAliveSec > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return fmt.Errorf("set SO_KEEPALIVE: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, config.TCPKeepAliveSec); err != nil {
			return fmt.Errorf("set TCP_KEEPIDLE: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, config.TCPKeepAliveSec); err != nil {
			return fmt.Errorf("set TCP_KEEPINTVL: %w", err)
		}
	}

	// Set linger option if configured
	if config.TCPLingerSec >= 0 {
		linger := &unix.Linger{Onoff: 1, Linger: int32(config.TCPLingerSec)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
			return fmt.Errorf("set SO_LINGER: %w", err)
		}
	}

	return nil
}

func (s *socketOps) Connect(fd int, addr netip.AddrPort) error {
	if !addr.Addr().Is4() {
		return fmt.Errorf("connect: %s is not an IPv4 address", addr.Addr())
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}

	err := unix.Connect(fd, sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return transport.ErrInProgress
	default:
		return fmt.Errorf("connect %s: %w", addr, err)
	}
}

func (s *socketOps) ConnectError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("get SO_ERROR: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("connect: %w", syscall.Errno(code))
	}
	return nil
}

func (s *socketOps) Recv(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, transport.ErrWouldBlock
		}
		return 0, fmt.Errorf("recv: %w", err)
	}
	return n, nil
}

func (s *socketOps) Send(fd int, buf []byte) (int, error) {
	// MSG_NOSIGNAL turns a write to a closed peer into EPIPE instead of SIGPIPE
	n, err := unix.SendmsgN(fd, buf, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, transport.ErrWouldBlock
		}
		return 0, fmt.Errorf("send: %w", err)
	}
	return n, nil
}

func (s *socketOps) Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		Logger.Warningf("Closing descriptor %d failed: %v", fd, err)
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Factory Method
// --------------------------------------------------------------------------

// NewTCPSocketOps creates the TCP socket capability
func NewTCPSocketOps() (transport.ISocketOps, error) {
	return &socketOps{}, nil
}
