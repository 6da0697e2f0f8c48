package common

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	// DefaultPeerAddress is the documentation address used when no peer is configured
	DefaultPeerAddress = "192.0.2.2"
	// DefaultPeerPort is the port the echo peer listens on
	DefaultPeerPort = 2111
	// DefaultBufferSize matches a typical link MTU
	DefaultBufferSize = 1500
	// DefaultMaxSockets is the registration capacity of the dispatcher
	DefaultMaxSockets = 1
)

// --------------------------------------------------------------------------
// Transport configuration structs
// --------------------------------------------------------------------------

// SocketConf holds socket level buffer settings (0 = kernel default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	// TCPLingerSec < 0 keeps the kernel default
	TCPLingerSec int
}

// TransportConfig groups all options applied to a freshly created socket
type TransportConfig struct {
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// Service configuration struct
// --------------------------------------------------------------------------

// ServiceConfig holds all configuration parameters of the echo service.
type ServiceConfig struct {
	// Peer the service connects to (IPv4 dotted-quad)
	PeerAddress string
	PeerPort    uint16

	// BufferSize is the capacity of the receive buffer (one receive per readable event)
	BufferSize int

	// ReconnectDelayMillisecond delays the fresh start after the peer closed the connection.
	// Restarts caused by registration failures are never delayed.
	ReconnectDelayMillisecond int

	// MaxSockets is the number of descriptors the dispatcher accepts
	MaxSockets int

	Transport TransportConfig

	// MetricsEndpoint serves prometheus metrics when set (e.g. localhost:9100)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// DefaultServiceConfig returns a working configuration for the documentation peer
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PeerAddress: DefaultPeerAddress,
		PeerPort:    DefaultPeerPort,
		BufferSize:  DefaultBufferSize,
		MaxSockets:  DefaultMaxSockets,
		Transport: TransportConfig{
			TCPConf: TCPConf{
				TCPNoDelay:   true,
				TCPLingerSec: -1,
			},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for values the service cannot work with
func (c *ServiceConfig) Validate() error {
	if _, err := c.PeerAddrPort(); err != nil {
		return err
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d (must be > 0)", c.BufferSize)
	}
	if c.ReconnectDelayMillisecond < 0 {
		return fmt.Errorf("invalid reconnect delay %d (must be >= 0)", c.ReconnectDelayMillisecond)
	}
	if c.MaxSockets < 1 {
		return fmt.Errorf("invalid max sockets %d (must be >= 1)", c.MaxSockets)
	}
	if c.Transport.WriteBufferSize < 0 || c.Transport.ReadBufferSize < 0 {
		return fmt.Errorf("socket buffer sizes must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// PeerAddrPort parses the configured peer into an IPv4 address and port
func (c *ServiceConfig) PeerAddrPort() (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(c.PeerAddress))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid peer address %q: %v", c.PeerAddress, err)
	}
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("invalid peer address %q (expected IPv4 dotted-quad)", c.PeerAddress)
	}
	if c.PeerPort == 0 {
		return netip.AddrPort{}, fmt.Errorf("invalid peer port 0")
	}
	return netip.AddrPortFrom(addr, c.PeerPort), nil
}

// ReconnectDelay returns the reconnect delay as a duration
func (c *ServiceConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMillisecond) * time.Millisecond
}

// String returns a formatted string representation of the configuration
func (c *ServiceConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Echo Service")
	addField("Peer", fmt.Sprintf("%s:%d", c.PeerAddress, c.PeerPort))
	addField("Buffer Size", fmt.Sprintf("%d bytes", c.BufferSize))
	addField("Reconnect Delay", fmt.Sprintf("%d ms", c.ReconnectDelayMillisecond))
	addField("Max Sockets", strconv.Itoa(c.MaxSockets))

	addSection("Transport")
	addField("TCP NoDelay", fmt.Sprintf("%t", c.Transport.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))
	if c.Transport.TCPLingerSec >= 0 {
		addField("TCP Linger", fmt.Sprintf("%d sec", c.Transport.TCPLingerSec))
	} else {
		addField("TCP Linger", "default")
	}
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Transport.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Transport.ReadBufferSize))

	addSection("Observability")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	} else {
		addField("Metrics Endpoint", "disabled")
	}

	return sb.String()
}
