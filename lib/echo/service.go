package echo

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dEcho/lib/common"
	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	"github.com/ValentinKolb/dEcho/lib/transport"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("echo")

var (
	// ErrRegistration marks a refused registration change; it always escalates to a restart
	ErrRegistration = errors.New("echo: socket registration failed")
	// ErrAlreadyStarted is returned by Start when the service is not stopped
	ErrAlreadyStarted = errors.New("echo: service already started")
)

// --------------------------------------------------------------------------
// Lifecycle state
// --------------------------------------------------------------------------

// State is the lifecycle state of the service
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// --------------------------------------------------------------------------
// Service
// --------------------------------------------------------------------------

// Service is the managed echo client: one socket, connected to the configured
// peer, registered with a dispatcher and restarted whenever a registration fails.
type Service struct {
	config     common.ServiceConfig
	peer       netip.AddrPort
	dispatcher dispatcher.IDispatcher
	sockets    transport.ISocketOps
	registry   *socketRegistry
	metrics    *serviceMetrics

	// receive buffer, only touched by the dispatch goroutine
	buf []byte

	// lifecycleMu serializes whole start/stop/restart sequences; it is never
	// taken while the registry lock is held
	lifecycleMu    sync.Mutex
	reconnectTimer *time.Timer

	state   atomic.Int32
	closing atomic.Bool
}

// NewService creates a stopped service
func NewService(config common.ServiceConfig, d dispatcher.IDispatcher, sockets transport.ISocketOps) (*Service, error) {
	if d == nil || sockets == nil {
		return nil, fmt.Errorf("dispatcher and socket transport are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	peer, err := config.PeerAddrPort()
	if err != nil {
		return nil, err
	}

	return &Service{
		config:     config,
		peer:       peer,
		dispatcher: d,
		sockets:    sockets,
		registry:   newSocketRegistry(d, sockets),
		metrics:    newServiceMetrics(),
		buf:        make([]byte, config.BufferSize),
	}, nil
}

// Start opens, registers and connects the socket. It is the entry point called
// once at startup. A refused registration is handled by restarting; only a
// failure to create the socket is returned.
func (s *Service) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.State() != StateStopped {
		return ErrAlreadyStarted
	}
	s.closing.Store(false)
	return s.startOrRestart()
}

// Stop unregisters and closes the socket. Calling Stop on a stopped service is a no-op.
// No restart or reconnect happens after Stop.
func (s *Service) Stop() {
	s.closing.Store(true)

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stop()
	s.setState(StateStopped)
}

// Serve starts the service and runs the dispatcher until ctx is done, then stops.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	Logger.Infof("Echo service running with %s transport, peer %s", s.sockets.GetName(), s.peer)
	err := s.dispatcher.Run(ctx, s.HandleEvent)
	Logger.Infof("Echo service stopped: %s", s.Stats())
	return err
}

// State returns the current lifecycle state
func (s *Service) State() State {
	return State(s.state.Load())
}

// Peer returns the configured peer
func (s *Service) Peer() netip.AddrPort {
	return s.peer
}

// Stats returns a snapshot of the service counters
func (s *Service) Stats() Stats {
	return s.metrics.snapshot(s.State())
}

// WritePrometheus writes the service counters in prometheus text format
func (s *Service) WritePrometheus(w io.Writer) {
	s.metrics.writePrometheus(w)
}

// --------------------------------------------------------------------------
// Lifecycle steps (lifecycleMu must be held)
// --------------------------------------------------------------------------

// start creates the socket, registers it for readable|writable and issues a
// non-blocking connect. Connect completion is observed through a writable event.
func (s *Service) start() error {
	s.setState(StateStarting)

	fd, err := s.sockets.Socket()
	if err != nil {
		Logger.Errorf("socket: %v", err)
		s.setState(StateStopped)
		return err
	}

	if err := s.sockets.SetNonblock(fd); err != nil {
		Logger.Errorf("Cannot set socket %d non-blocking: %v", fd, err)
		_ = s.sockets.Close(fd)
		s.setState(StateStopped)
		return err
	}

	if err := s.sockets.UpgradeSocket(fd, s.config.Transport); err != nil {
		Logger.Warningf("Cannot apply socket options to %d: %v", fd, err)
	}

	if err := s.registry.set(fd, dispatcher.Readable|dispatcher.Writable); err != nil {
		s.metrics.registrationFailures.Inc()
		return err
	}

	if err := s.sockets.Connect(fd, s.peer); err != nil && !errors.Is(err, transport.ErrInProgress) {
		// not fatal: the socket stays registered and the next event reports the outcome
		Logger.Warningf("connect: %v", err)
	}

	Logger.Debugf("Socket %d connecting to %s", fd, s.peer)
	s.setState(StateRunning)
	return nil
}

// stop unregisters, then closes the socket if it is still valid
func (s *Service) stop() {
	s.registry.clear()
}

// restart repeats stop+start while the start fails on registration.
// There is no backoff and no attempt limit.
func (s *Service) restart() {
	for !s.closing.Load() {
		s.setState(StateRestarting)
		s.metrics.restarts.Inc()

		s.stop()
		err := s.start()
		if !errors.Is(err, ErrRegistration) {
			if err != nil {
				Logger.Errorf("Cannot restart echo service: %v", err)
			}
			return
		}
		Logger.Errorf("Cannot register socket service handler (%v). Attempting to restart service.", err)
	}
}

// startOrRestart starts the service and escalates a registration failure to a restart
func (s *Service) startOrRestart() error {
	err := s.start()
	if errors.Is(err, ErrRegistration) {
		Logger.Errorf("Cannot register socket service handler (%v). Attempting to restart service.", err)
		s.restart()
		return nil
	}
	return err
}

// --------------------------------------------------------------------------
// Escalation paths used by the event handler (lifecycleMu not held)
// --------------------------------------------------------------------------

// escalate restarts the service after a refused registration change
func (s *Service) escalate(err error) {
	s.metrics.registrationFailures.Inc()
	Logger.Errorf("Cannot register socket service handler (%v). Attempting to restart service.", err)

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.restart()
}

// reconnect starts a fresh socket after the previous one was removed,
// either immediately or after the configured reconnect delay.
func (s *Service) reconnect() {
	if s.closing.Load() {
		return
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	// Stop may have completed while waiting for the lock
	if s.closing.Load() {
		return
	}

	delay := s.config.ReconnectDelay()
	if delay <= 0 {
		if err := s.startOrRestart(); err != nil {
			Logger.Errorf("Cannot restart echo service: %v", err)
		}
		return
	}

	s.setState(StateRestarting)
	Logger.Infof("Reconnecting to %s in %s", s.peer, delay)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.lifecycleMu.Lock()
		defer s.lifecycleMu.Unlock()

		s.reconnectTimer = nil
		if s.closing.Load() {
			return
		}
		if err := s.startOrRestart(); err != nil {
			Logger.Errorf("Cannot restart echo service: %v", err)
		}
	})
}

func (s *Service) setState(state State) {
	s.state.Store(int32(state))
}
