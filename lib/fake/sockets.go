package fake

import (
	"fmt"
	"github.com/ValentinKolb/dEcho/lib/common"
	"github.com/ValentinKolb/dEcho/lib/transport"
	"net/netip"
	"sync"
	"syscall"
)

// recvResult is one scripted receive outcome
type recvResult struct {
	data   []byte
	err    error
	closed bool
}

// socketState is the fake kernel state of one descriptor
type socketState struct {
	open        bool
	nonblocking bool
	upgraded    bool
	peer        netip.AddrPort
	recv        []recvResult
	sent        []byte
	sendCalls   int
}

// Sockets is a fake implementation of transport.ISocketOps.
// Descriptors are never reused so every start produces a new one.
type Sockets struct {
	mu      sync.Mutex
	journal *Journal
	nextFD  int
	sockets map[int]*socketState

	// MaxSendChunk limits the bytes accepted per Send call (0 = unlimited)
	MaxSendChunk int
	// SocketErr, when set, is returned by Socket
	SocketErr error
	// ConnectErr is returned by Connect (default: transport.ErrInProgress)
	ConnectErr error
	// ConnectOutcome is returned by ConnectError
	ConnectOutcome error

	sendErr      error
	sendErrAfter int
}

// NewSockets creates a fake socket layer; the first descriptor is 3
func NewSockets(journal *Journal) *Sockets {
	return &Sockets{
		journal:    journal,
		nextFD:     3,
		sockets:    make(map[int]*socketState),
		ConnectErr: transport.ErrInProgress,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.ISocketOps)
// --------------------------------------------------------------------------

func (s *Sockets) GetName() string {
	return "fake"
}

func (s *Sockets) Socket() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SocketErr != nil {
		return -1, s.SocketErr
	}
	fd := s.nextFD
	s.nextFD++
	s.sockets[fd] = &socketState{open: true}
	s.journal.Record("socket %d", fd)
	return fd, nil
}

func (s *Sockets) SetNonblock(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(fd)
	if err != nil {
		return err
	}
	st.nonblocking = true
	return nil
}

func (s *Sockets) UpgradeSocket(fd int, _ common.TransportConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(fd)
	if err != nil {
		return err
	}
	st.upgraded = true
	return nil
}

func (s *Sockets) Connect(fd int, addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(fd)
	if err != nil {
		return err
	}
	st.peer = addr
	s.journal.Record("connect %d %s", fd, addr)
	return s.ConnectErr
}

func (s *Sockets) ConnectError(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(fd); err != nil {
		return err
	}
	return s.ConnectOutcome
}

func (s *Sockets) Recv(fd int, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(fd)
	if err != nil {
		return 0, err
	}
	if len(st.recv) == 0 {
		return 0, transport.ErrWouldBlock
	}

	head := &st.recv[0]
	switch {
	case head.err != nil:
		st.recv = st.recv[1:]
		return 0, head.err
	case head.closed:
		// a closed peer keeps reporting 0 bytes
		return 0, nil
	}

	n := copy(buf, head.data)
	head.data = head.data[n:]
	if len(head.data) == 0 {
		st.recv = st.recv[1:]
	}
	return n, nil
}

func (s *Sockets) Send(fd int, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(fd)
	if err != nil {
		return 0, err
	}
	if s.sendErr != nil && st.sendCalls >= s.sendErrAfter {
		st.sendCalls++
		return 0, s.sendErr
	}
	st.sendCalls++

	n := len(buf)
	if s.MaxSendChunk > 0 && n > s.MaxSendChunk {
		n = s.MaxSendChunk
	}
	st.sent = append(st.sent, buf[:n]...)
	return n, nil
}

func (s *Sockets) Close(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.lookup(fd)
	if err != nil {
		return err
	}
	st.open = false
	s.journal.Record("close %d", fd)
	return nil
}

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// lookup returns the state of an open descriptor (s.mu must be held)
func (s *Sockets) lookup(fd int) (*socketState, error) {
	st, ok := s.sockets[fd]
	if !ok || !st.open {
		return nil, fmt.Errorf("fake socket %d: %w", fd, syscall.EBADF)
	}
	return st, nil
}

// PushRecv queues data the peer sent on fd
func (s *Sockets) PushRecv(fd int, data []byte) {
	s.push(fd, recvResult{data: append([]byte(nil), data...)})
}

// PushClose makes every following receive on fd report a closed peer
func (s *Sockets) PushClose(fd int) {
	s.push(fd, recvResult{closed: true})
}

// PushRecvError queues a failing receive on fd
func (s *Sockets) PushRecvError(fd int, err error) {
	s.push(fd, recvResult{err: err})
}

func (s *Sockets) push(fd int, r recvResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sockets[fd]; ok {
		st.recv = append(st.recv, r)
	}
}

// FailSendAfter makes every Send on a descriptor fail with err once it has
// accepted calls successful sends
func (s *Sockets) FailSendAfter(calls int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrAfter = calls
	s.sendErr = err
}

// Sent returns all bytes sent on fd
func (s *Sockets) Sent(fd int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sockets[fd]; ok {
		return append([]byte(nil), st.sent...)
	}
	return nil
}

// SendCalls returns the number of Send calls on fd
func (s *Sockets) SendCalls(fd int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sockets[fd]; ok {
		return st.sendCalls
	}
	return 0
}

// Created returns the number of sockets created so far
func (s *Sockets) Created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Open returns the descriptors that are still open
func (s *Sockets) Open() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fds []int
	for fd := 3; fd < s.nextFD; fd++ {
		if st, ok := s.sockets[fd]; ok && st.open {
			fds = append(fds, fd)
		}
	}
	return fds
}

// IsNonblocking reports whether SetNonblock was called on fd
func (s *Sockets) IsNonblocking(fd int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sockets[fd]
	return ok && st.nonblocking
}

// Peer returns the address fd was connected to
func (s *Sockets) Peer(fd int) netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sockets[fd]; ok {
		return st.peer
	}
	return netip.AddrPort{}
}
