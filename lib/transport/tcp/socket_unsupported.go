//go:build !linux

package tcp

import "github.com/ValentinKolb/dEcho/lib/transport"

// NewTCPSocketOps is only available on Linux
func NewTCPSocketOps() (transport.ISocketOps, error) {
	return nil, transport.ErrPlatformNotSupported
}
