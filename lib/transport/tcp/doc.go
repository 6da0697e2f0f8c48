// Package tcp implements the transport.ISocketOps capability for IPv4 TCP sockets
// on Linux, using raw descriptors from golang.org/x/sys/unix so they can be watched
// by the epoll dispatcher.
//
// UpgradeSocket applies the options of common.TransportConfig to every new socket:
// TCP_NODELAY, SO_SNDBUF/SO_RCVBUF, keep-alive (idle time and probe interval) and
// SO_LINGER. Non-blocking outcomes are mapped to transport.ErrWouldBlock and
// transport.ErrInProgress.
package tcp
