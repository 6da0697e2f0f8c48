package echo

import (
	"errors"
	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	"github.com/ValentinKolb/dEcho/lib/transport"
)

// HandleEvent processes one readiness event. It is the dispatcher.HandlerFunc of
// the service and runs on the dispatch goroutine.
func (s *Service) HandleEvent(ev dispatcher.Event) {
	// a socket registered but not yet connected polls as hang-up; the event is
	// reported again (level-triggered) once start has finished
	if state := s.State(); state != StateRunning {
		Logger.Debugf("Ignoring %s event for socket %d while %s", ev.Events, ev.FD, state)
		return
	}
	if fd, ok := s.registry.current(); !ok || fd != ev.FD {
		Logger.Debugf("Ignoring %s event for stale socket %d", ev.Events, ev.FD)
		return
	}

	if ev.Events.Has(dispatcher.Readable) || ev.Events.Has(dispatcher.Error) {
		if removed := s.receiveData(ev.FD); removed {
			return
		}
	}

	if ev.Events.Has(dispatcher.Writable) {
		s.handleWritable(ev.FD)
	}
}

// receiveData performs one receive and echoes what arrived.
// It reports whether the socket was removed.
func (s *Service) receiveData(fd int) bool {
	n, err := s.sockets.Recv(fd, s.buf)
	if errors.Is(err, transport.ErrWouldBlock) {
		return false
	}

	if err != nil || n <= 0 {
		if err != nil {
			Logger.Errorf("recv: %v", err)
			s.metrics.receiveErrors.Inc()
		} else {
			s.metrics.peerCloses.Inc()
		}
		Logger.Infof("Connection from %s closed", s.peer)
		s.removeAndReconnect()
		return true
	}

	s.metrics.bytesReceived.Add(n)
	s.metrics.chunkSizes.Update(int64(n))
	s.echo(fd, s.buf[:n])
	return false
}

// echo sends data back in full, following partial writes. A send error abandons
// the rest of data; nothing is carried over to the next event.
func (s *Service) echo(fd int, data []byte) {
	p := data
	calls := 0
	for len(p) > 0 {
		out, err := s.sockets.Send(fd, p)
		calls++
		if err != nil {
			Logger.Errorf("send: %v (%d of %d bytes dropped)", err, len(p), len(data))
			s.metrics.sendErrors.Inc()
			break
		}
		if out <= 0 {
			Logger.Errorf("send: no progress (%d of %d bytes dropped)", len(p), len(data))
			s.metrics.sendErrors.Inc()
			break
		}
		if out > len(p) {
			out = len(p)
		}
		p = p[out:]
		s.metrics.bytesEchoed.Add(out)
	}
	s.metrics.sendCalls.Update(int64(calls))
}

// handleWritable observes the outcome of the non-blocking connect. Once connected,
// the registration is narrowed to readable so writability is not reported again.
func (s *Service) handleWritable(fd int) {
	if err := s.sockets.ConnectError(fd); err != nil {
		Logger.Errorf("Socket %d failed to connect: %v", fd, err)
		return
	}

	Logger.Infof("Socket %d connected", fd)
	s.metrics.connects.Inc()

	if err := s.registry.set(fd, dispatcher.Readable); err != nil {
		s.escalate(err)
	}
}

// removeAndReconnect drops the socket and starts a fresh one
func (s *Service) removeAndReconnect() {
	if err := s.registry.remove(); err != nil {
		// the restart's stop step releases the socket
		s.escalate(err)
		return
	}
	s.reconnect()
}
