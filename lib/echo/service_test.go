package echo

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/ValentinKolb/dEcho/lib/common"
	"github.com/ValentinKolb/dEcho/lib/dispatcher"
	"github.com/ValentinKolb/dEcho/lib/fake"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

type testEnv struct {
	service    *Service
	dispatcher *fake.Dispatcher
	sockets    *fake.Sockets
	journal    *fake.Journal
}

func newTestEnv(t *testing.T, configure func(*common.ServiceConfig)) *testEnv {
	t.Helper()
	journal := fake.NewJournal()
	d := fake.NewDispatcher(journal, 1)
	sockets := fake.NewSockets(journal)

	cfg := common.DefaultServiceConfig()
	cfg.PeerAddress = "127.0.0.1"
	if configure != nil {
		configure(&cfg)
	}

	s, err := NewService(cfg, d, sockets)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return &testEnv{service: s, dispatcher: d, sockets: sockets, journal: journal}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.service.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

// deliver hands an event to the service if the fake dispatcher watches fd
func (e *testEnv) deliver(fd int, events dispatcher.Mask) bool {
	return e.dispatcher.Dispatch(e.service.HandleEvent, dispatcher.Event{FD: fd, Events: events})
}

// checkUnregisterBeforeClose verifies that no descriptor was closed while registered
func checkUnregisterBeforeClose(t *testing.T, journal *fake.Journal) {
	t.Helper()
	registered := make(map[string]bool)
	for _, entry := range journal.Entries() {
		fields := strings.Fields(entry)
		if len(fields) < 2 {
			continue
		}
		op, fd := fields[0], fields[1]
		switch op {
		case "register", "update":
			registered[fd] = true
		case "unregister":
			registered[fd] = false
		case "close":
			if registered[fd] {
				t.Errorf("Descriptor %s closed while registered:\n%s", fd, journal)
			}
		}
	}
}

func equalEntries(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestNewServiceValidatesConfig(t *testing.T) {
	cfg := common.DefaultServiceConfig()
	cfg.PeerAddress = "::1"
	if _, err := NewService(cfg, fake.NewDispatcher(nil, 1), fake.NewSockets(nil)); err == nil {
		t.Errorf("Expected error for IPv6 peer")
	}
	if _, err := NewService(common.DefaultServiceConfig(), nil, fake.NewSockets(nil)); err == nil {
		t.Errorf("Expected error for missing dispatcher")
	}
}

func TestStartRegistersThenConnects(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	if state := env.service.State(); state != StateRunning {
		t.Errorf("Expected state running, got %s", state)
	}
	equalEntries(t, env.journal.Entries(), []string{
		"socket 3",
		"register 3 readable|writable",
		"connect 3 127.0.0.1:2111",
	})
	if !env.sockets.IsNonblocking(3) {
		t.Errorf("Socket 3 is not non-blocking")
	}
	if fd, ok := env.service.registry.current(); !ok || fd != 3 {
		t.Errorf("Expected registry to hold socket 3, got %d (%t)", fd, ok)
	}
}

func TestStartTwice(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	if err := env.service.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if got := env.sockets.Created(); got != 1 {
		t.Errorf("Expected 1 socket, got %d", got)
	}
}

func TestStartSocketFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sockets.SocketErr = syscall.EMFILE

	if err := env.service.Start(); !errors.Is(err, syscall.EMFILE) {
		t.Fatalf("Expected EMFILE, got %v", err)
	}
	if state := env.service.State(); state != StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
	if fds := env.dispatcher.Registered(); len(fds) != 0 {
		t.Errorf("Expected nothing registered, got %v", fds)
	}
}

func TestConnectErrorIsNotFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sockets.ConnectErr = syscall.ENETUNREACH
	env.start(t)

	if state := env.service.State(); state != StateRunning {
		t.Errorf("Expected state running, got %s", state)
	}
	if fds := env.dispatcher.Registered(); len(fds) != 1 || fds[0] != 3 {
		t.Errorf("Expected socket 3 to stay registered, got %v", fds)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.service.Stop()
	env.service.Stop()

	if state := env.service.State(); state != StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
	equalEntries(t, env.journal.Filter("unregister", "close"), []string{"unregister 3", "close 3"})
	if open := env.sockets.Open(); len(open) != 0 {
		t.Errorf("Expected no open sockets, got %v", open)
	}
	checkUnregisterBeforeClose(t, env.journal)

	// a stopped service can be started again
	env.start(t)
	if fds := env.dispatcher.Registered(); len(fds) != 1 || fds[0] != 4 {
		t.Errorf("Expected socket 4 registered, got %v", fds)
	}
}

// --------------------------------------------------------------------------
// Registration failures
// --------------------------------------------------------------------------

func TestRegistrationFailureOnStartRestartsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatcher.FailRegister(1)
	env.start(t)

	stats := env.service.Stats()
	if stats.Restarts != 1 {
		t.Errorf("Expected exactly 1 restart, got %d", stats.Restarts)
	}
	if stats.RegistrationFailures != 1 {
		t.Errorf("Expected 1 registration failure, got %d", stats.RegistrationFailures)
	}
	if state := env.service.State(); state != StateRunning {
		t.Errorf("Expected state running, got %s", state)
	}
	if got := env.sockets.Created(); got != 2 {
		t.Errorf("Expected 2 sockets, got %d", got)
	}
	if open := env.sockets.Open(); len(open) != 1 || open[0] != 4 {
		t.Errorf("Expected only socket 4 open, got %v", open)
	}
	if fds := env.dispatcher.Registered(); len(fds) != 1 || fds[0] != 4 {
		t.Errorf("Expected only socket 4 registered, got %v", fds)
	}
	checkUnregisterBeforeClose(t, env.journal)
}

func TestPersistentRegistrationFailureKeepsRestarting(t *testing.T) {
	env := newTestEnv(t, nil)
	env.dispatcher.FailRegister(3)
	env.start(t)

	if restarts := env.service.Stats().Restarts; restarts < 1 {
		t.Fatalf("Expected at least one restart, got %d", restarts)
	}
	if open := env.sockets.Open(); len(open) != 1 {
		t.Errorf("Expected exactly one open socket, got %v", open)
	}
	checkUnregisterBeforeClose(t, env.journal)
}

func TestUnregisterFailureOnRemoveEscalates(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.dispatcher.FailUnregister(1)
	env.sockets.PushClose(3)
	env.deliver(3, dispatcher.Readable)

	// the refused unregister must not be followed by a close of the registered socket
	equalEntries(t, env.journal.Filter("unregister-failed", "unregister", "close"), []string{
		"unregister-failed 3",
		"unregister 3",
		"close 3",
	})
	if restarts := env.service.Stats().Restarts; restarts != 1 {
		t.Errorf("Expected 1 restart, got %d", restarts)
	}
	if fds := env.dispatcher.Registered(); len(fds) != 1 || fds[0] != 4 {
		t.Errorf("Expected socket 4 registered, got %v", fds)
	}
	checkUnregisterBeforeClose(t, env.journal)
}

// --------------------------------------------------------------------------
// Peer closure and reconnect
// --------------------------------------------------------------------------

func TestPeerCloseRemovesAndStartsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.journal.Reset()

	env.sockets.PushClose(3)
	if !env.deliver(3, dispatcher.Readable) {
		t.Fatalf("Event for socket 3 not delivered")
	}

	equalEntries(t, env.journal.Entries(), []string{
		"unregister 3",
		"close 3",
		"socket 4",
		"register 4 readable|writable",
		"connect 4 127.0.0.1:2111",
	})

	stats := env.service.Stats()
	if stats.PeerCloses != 1 {
		t.Errorf("Expected 1 peer close, got %d", stats.PeerCloses)
	}
	if stats.Restarts != 0 {
		t.Errorf("Peer close must not count as registration restart, got %d", stats.Restarts)
	}

	// the new socket echoes
	env.sockets.PushRecv(4, []byte("ping"))
	env.deliver(4, dispatcher.Readable)
	if sent := env.sockets.Sent(4); string(sent) != "ping" {
		t.Errorf("Expected echo on new socket, got %q", sent)
	}
}

func TestReceiveErrorRemovesAndStarts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.sockets.PushRecvError(3, syscall.ECONNRESET)
	env.deliver(3, dispatcher.Readable)

	if got := env.service.Stats().ReceiveErrors; got != 1 {
		t.Errorf("Expected 1 receive error, got %d", got)
	}
	if open := env.sockets.Open(); len(open) != 1 || open[0] != 4 {
		t.Errorf("Expected only socket 4 open, got %v", open)
	}
	checkUnregisterBeforeClose(t, env.journal)
}

func TestErrorConditionTriggersReceive(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.sockets.PushRecvError(3, syscall.ECONNREFUSED)
	env.deliver(3, dispatcher.Error|dispatcher.Writable)

	if open := env.sockets.Open(); len(open) != 1 || open[0] != 4 {
		t.Errorf("Expected socket 3 replaced by 4, got %v", open)
	}
	if connects := env.service.Stats().Connects; connects != 0 {
		t.Errorf("Writable part must be skipped after removal, got %d connects", connects)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.sockets.PushClose(3)
	env.deliver(3, dispatcher.Readable)

	// an event for the old descriptor reaching the handler directly is dropped
	env.service.HandleEvent(dispatcher.Event{FD: 3, Events: dispatcher.Readable})
	if got := env.sockets.Created(); got != 2 {
		t.Errorf("Expected 2 sockets, got %d", got)
	}
}

func TestReconnectDelay(t *testing.T) {
	env := newTestEnv(t, func(cfg *common.ServiceConfig) {
		cfg.ReconnectDelayMillisecond = 20
	})
	env.start(t)

	env.sockets.PushClose(3)
	env.deliver(3, dispatcher.Readable)

	if state := env.service.State(); state != StateRestarting {
		t.Errorf("Expected state restarting during delay, got %s", state)
	}
	waitFor(t, "reconnect", func() bool { return env.sockets.Created() == 2 })
	waitFor(t, "running state", func() bool { return env.service.State() == StateRunning })
}

func TestStopCancelsReconnect(t *testing.T) {
	env := newTestEnv(t, func(cfg *common.ServiceConfig) {
		cfg.ReconnectDelayMillisecond = 50
	})
	env.start(t)

	env.sockets.PushClose(3)
	env.deliver(3, dispatcher.Readable)
	env.service.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := env.sockets.Created(); got != 1 {
		t.Errorf("Expected no reconnect after Stop, got %d sockets", got)
	}
	if state := env.service.State(); state != StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
}

func TestReconnectAfterConcurrentStop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	if err := env.service.registry.remove(); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	// hold the lifecycle lock so reconnect passes its first check and waits
	env.service.lifecycleMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.service.reconnect()
	}()
	time.Sleep(20 * time.Millisecond)

	// Stop completes before reconnect gets the lock
	env.service.closing.Store(true)
	env.service.stop()
	env.service.setState(StateStopped)
	env.service.lifecycleMu.Unlock()
	<-done

	if got := env.sockets.Created(); got != 1 {
		t.Errorf("Expected no new socket after Stop, got %d sockets", got)
	}
	if state := env.service.State(); state != StateStopped {
		t.Errorf("Expected state stopped, got %s", state)
	}
	if fds := env.dispatcher.Registered(); len(fds) != 0 {
		t.Errorf("Expected no registered socket, got %v", fds)
	}
}

// --------------------------------------------------------------------------
// Writable events
// --------------------------------------------------------------------------

func TestWritableNarrowsRegistration(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.deliver(3, dispatcher.Writable)

	if mask, ok := env.dispatcher.Mask(3); !ok || mask != dispatcher.Readable {
		t.Errorf("Expected socket 3 registered readable only, got %s (%t)", mask, ok)
	}
	if connects := env.service.Stats().Connects; connects != 1 {
		t.Errorf("Expected 1 connect, got %d", connects)
	}
	if env.deliver(3, dispatcher.Writable) {
		t.Errorf("Writable delivered after registration was narrowed")
	}
	if sent := env.sockets.SendCalls(3); sent != 0 {
		t.Errorf("Writable event must not send, got %d sends", sent)
	}
}

func TestWritableWithFailedConnect(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sockets.ConnectOutcome = syscall.ECONNREFUSED
	env.start(t)

	env.deliver(3, dispatcher.Writable)

	if mask, _ := env.dispatcher.Mask(3); mask != dispatcher.Readable|dispatcher.Writable {
		t.Errorf("Expected registration unchanged, got %s", mask)
	}
	if got := env.sockets.Created(); got != 1 {
		t.Errorf("Expected no restart, got %d sockets", got)
	}
}

func TestWritableUpdateFailureRestarts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)

	env.dispatcher.FailRegister(1)
	env.deliver(3, dispatcher.Writable)

	if restarts := env.service.Stats().Restarts; restarts != 1 {
		t.Errorf("Expected 1 restart, got %d", restarts)
	}
	if open := env.sockets.Open(); len(open) != 1 || open[0] != 4 {
		t.Errorf("Expected only socket 4 open, got %v", open)
	}
	checkUnregisterBeforeClose(t, env.journal)
}

// --------------------------------------------------------------------------
// Serve
// --------------------------------------------------------------------------

func TestServeRestartsRepeatedly(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- env.service.Serve(ctx) }()
	waitFor(t, "start", func() bool { return env.service.State() == StateRunning })

	// concurrent callers only ever see a single registered socket
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if fds := env.dispatcher.Registered(); len(fds) > 1 {
				t.Errorf("More than one registered socket: %v", fds)
				return
			}
			if err := env.service.Start(); !errors.Is(err, ErrAlreadyStarted) {
				t.Errorf("Expected ErrAlreadyStarted, got %v", err)
				return
			}
		}
	}()

	const rounds = 20
	for i := 0; i < rounds; i++ {
		fd, ok := env.service.registry.current()
		if !ok {
			t.Fatalf("No registered socket in round %d", i)
		}
		env.sockets.PushClose(fd)
		env.dispatcher.Deliver(dispatcher.Event{FD: fd, Events: dispatcher.Readable})
		waitFor(t, "reconnect", func() bool { return env.sockets.Created() == i+2 })
		waitFor(t, "running state", func() bool { return env.service.State() == StateRunning })
	}
	close(stop)
	wg.Wait()

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Serve did not return after cancel")
	}

	if open := env.sockets.Open(); len(open) != 0 {
		t.Errorf("Expected all sockets closed after Serve, got %v", open)
	}
	if closes := env.service.Stats().PeerCloses; closes != rounds {
		t.Errorf("Expected %d peer closes, got %d", rounds, closes)
	}
	checkUnregisterBeforeClose(t, env.journal)
}

func TestWritePrometheus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start(t)
	env.sockets.PushRecv(3, []byte("ping"))
	env.deliver(3, dispatcher.Readable)

	var buf bytes.Buffer
	env.service.WritePrometheus(&buf)
	for _, want := range []string{"decho_received_bytes_total 4", "decho_echoed_bytes_total 4", "decho_restarts_total 0"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Expected %q in metrics output:\n%s", want, buf.String())
		}
	}
}
