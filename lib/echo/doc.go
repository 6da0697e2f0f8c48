// Package echo implements the managed echo client: a single outbound TCP socket
// whose readiness events are delivered by a dispatcher, with every received chunk
// written back to the peer.
//
// Key Components:
//
//   - socketRegistry: owns the one monitored descriptor, its event mask and its
//     registration. All access is serialized by one mutex, and a descriptor is
//     always unregistered before it is closed.
//
//   - HandleEvent: the dispatcher callback. A readable event triggers exactly one
//     non-blocking receive (at most BufferSize bytes) followed by a send loop that
//     follows partial writes until the chunk is flushed or a send fails. A zero
//     byte receive or a receive error removes the socket and starts a fresh one.
//     A writable event only confirms the connect and narrows the registration.
//
//   - Service: the lifecycle controller with the states stopped, starting, running
//     and restarting. Start opens, registers and connects the socket; Stop
//     unregisters and closes it. Any refused registration change leads to a restart
//     (stop followed by start), repeated without limit while registration keeps
//     failing.
//
// Locking:
//
//	Two locks are used. The registry lock guards the descriptor and is held only
//	inside a single registry operation. The lifecycle lock serializes complete
//	start/stop/restart sequences so that the dispatch goroutine and the caller of
//	Start never build two sockets at once. Restarts are always triggered after the
//	registry lock is released, so they cannot deadlock on it.
//
// Metrics:
//
//	Each service owns a VictoriaMetrics counter set (exposed via WritePrometheus)
//	and go-metrics histograms of chunk sizes and send calls, summarized by Stats.
package echo
