package echo

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	"io"
)

// serviceMetrics holds the counters of one service instance. Counters live in
// their own metrics.Set so several services can coexist in one process.
type serviceMetrics struct {
	set *metrics.Set

	bytesReceived        *metrics.Counter
	bytesEchoed          *metrics.Counter
	restarts             *metrics.Counter
	registrationFailures *metrics.Counter
	peerCloses           *metrics.Counter
	receiveErrors        *metrics.Counter
	sendErrors           *metrics.Counter
	connects             *metrics.Counter

	// distribution of received chunk sizes and send calls needed per chunk
	chunkSizes gometrics.Histogram
	sendCalls  gometrics.Histogram
}

func newServiceMetrics() *serviceMetrics {
	set := metrics.NewSet()
	return &serviceMetrics{
		set:                  set,
		bytesReceived:        set.NewCounter("decho_received_bytes_total"),
		bytesEchoed:          set.NewCounter("decho_echoed_bytes_total"),
		restarts:             set.NewCounter("decho_restarts_total"),
		registrationFailures: set.NewCounter("decho_registration_failures_total"),
		peerCloses:           set.NewCounter("decho_peer_closes_total"),
		receiveErrors:        set.NewCounter(`decho_transport_errors_total{op="recv"}`),
		sendErrors:           set.NewCounter(`decho_transport_errors_total{op="send"}`),
		connects:             set.NewCounter("decho_connects_total"),
		chunkSizes:           gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
		sendCalls:            gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
	}
}

// Stats is a snapshot of the service counters
type Stats struct {
	State                State
	BytesReceived        uint64
	BytesEchoed          uint64
	Restarts             uint64
	RegistrationFailures uint64
	PeerCloses           uint64
	ReceiveErrors        uint64
	SendErrors           uint64
	Connects             uint64
	Chunks               int64
	ChunkMean            float64
	ChunkMax             int64
	SendCallsMax         int64
}

func (m *serviceMetrics) snapshot(state State) Stats {
	chunks := m.chunkSizes.Snapshot()
	calls := m.sendCalls.Snapshot()
	return Stats{
		State:                state,
		BytesReceived:        m.bytesReceived.Get(),
		BytesEchoed:          m.bytesEchoed.Get(),
		Restarts:             m.restarts.Get(),
		RegistrationFailures: m.registrationFailures.Get(),
		PeerCloses:           m.peerCloses.Get(),
		ReceiveErrors:        m.receiveErrors.Get(),
		SendErrors:           m.sendErrors.Get(),
		Connects:             m.connects.Get(),
		Chunks:               chunks.Count(),
		ChunkMean:            chunks.Mean(),
		ChunkMax:             chunks.Max(),
		SendCallsMax:         calls.Max(),
	}
}

// String returns a one line summary for logging
func (s Stats) String() string {
	return fmt.Sprintf("state=%s received=%d echoed=%d chunks=%d (mean %.1f, max %d) restarts=%d registration-failures=%d peer-closes=%d recv-errors=%d send-errors=%d",
		s.State, s.BytesReceived, s.BytesEchoed, s.Chunks, s.ChunkMean, s.ChunkMax,
		s.Restarts, s.RegistrationFailures, s.PeerCloses, s.ReceiveErrors, s.SendErrors)
}

// writePrometheus writes the counters in prometheus text format
func (m *serviceMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
