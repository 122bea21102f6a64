package tcp

import (
	"io"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/embedtcp/etcp"
	"github.com/embedtcp/etcp/internal"
	"github.com/embedtcp/etcp/internal/lrucache"
	"github.com/pkg/errors"
)

// IPSender hands encoded TCP segments to the network layer. SendIP is called
// with the [Stack] lock held and must not call back into the Stack.
// payload is only valid for the duration of the call.
type IPSender interface {
	SendIP(src, dst netip.Addr, proto etcp.IPProto, payload []byte) error
}

// Handle identifies a socket of a [Stack]. Handles are invalidated when their
// socket is freed; a stale Handle never refers to a socket reusing its slot.
// The zero Handle is invalid.
type Handle struct {
	idx uint32
	gen uint32
}

// IsValid reports whether h was returned by a Stack. It does not tell whether
// the socket is still allocated.
func (h Handle) IsValid() bool { return h.gen != 0 }

type fourTuple struct {
	local, remote netip.AddrPort
}

const (
	ephemeralFirst = 49152
	ephemeralCount = 65536 - ephemeralFirst
)

type socket struct {
	idx   uint32
	gen   uint32
	inUse bool

	local  netip.AddrPort
	remote netip.AddrPort

	ccb ControlBlock
	snd sendBuffer
	rcv recvBuffer
	ooo reassembly
	// err is the error that terminated the connection.
	err error
	// mss is the application limit on segment size.
	mss uint16
	// urgByte is the last out-of-band byte received.
	urgByte byte

	// Listener state.
	backlog  int
	partial  []Handle // children in SYN-RECEIVED.
	incoming []Handle // established children awaiting Accept.
	// parent is the listener that spawned this socket, cleared on Accept.
	parent Handle
}

func (sk *socket) handle() Handle { return Handle{idx: sk.idx, gen: sk.gen} }

// released reports whether no application owns the socket anymore.
func (sk *socket) released() bool {
	return sk.ccb.has(flagCloseRequested) || sk.parent.IsValid()
}

// Stack is a TCP engine multiplexing a fixed amount of sockets. All methods
// are safe for concurrent use; each one runs to completion under a single lock.
type Stack struct {
	mu    sync.Mutex
	cfg   tickConfig
	ip    IPSender
	socks []socket
	demux lrucache.Cache[fourTuple, Handle]
	iss   ISSGenerator
	port  uint16
	txbuf []byte
	logger
}

// NewStack returns a Stack that emits segments through ip.
func NewStack(ip IPSender, cfg Config) (*Stack, error) {
	if ip == nil {
		return nil, errors.New("tcp: nil IPSender")
	}
	s := &Stack{
		cfg:    cfg.ticks(),
		ip:     ip,
		logger: logger{log: cfg.Logger},
	}
	if err := s.iss.Reset(ISSConfig{Rand: cfg.Rand}); err != nil {
		return nil, err
	}
	s.socks = make([]socket, s.cfg.maxSockets)
	s.demux = lrucache.New[fourTuple, Handle](min(s.cfg.maxSockets, 32))
	s.txbuf = make([]byte, sizeMaxHeader+int(s.cfg.mss))
	s.port = internal.Prand16(s.iss.Secret16() | 1)
	s.info("tcp:new-stack",
		slog.Int("sockets", s.cfg.maxSockets),
		slog.Uint64("mss", uint64(s.cfg.mss)),
		slog.Int("rxbuf", s.cfg.rxBuf),
		slog.Int("txbuf", s.cfg.txBuf),
	)
	return s, nil
}

//
// Socket arena.
//

// sock resolves h. The returned socket is valid until the lock is released.
func (s *Stack) sock(h Handle) (*socket, error) {
	if !h.IsValid() || int(h.idx) >= len(s.socks) {
		return nil, ErrInvalidHandle
	}
	sk := &s.socks[h.idx]
	if !sk.inUse || sk.gen != h.gen {
		return nil, ErrInvalidHandle
	}
	return sk, nil
}

func (s *Stack) alloc() (*socket, error) {
	for i := range s.socks {
		sk := &s.socks[i]
		if sk.inUse {
			continue
		}
		if sk.gen == 0 {
			sk.gen = 1
		}
		sk.idx = uint32(i)
		sk.inUse = true
		sk.local = netip.AddrPort{}
		sk.remote = netip.AddrPort{}
		sk.ccb.reset(&s.cfg, s.log)
		sk.snd.reset(s.cfg.txBuf)
		sk.rcv.reset(s.cfg.rxBuf)
		sk.ooo.reset()
		sk.err = nil
		sk.mss = s.cfg.mss
		sk.urgByte = 0
		sk.backlog = 0
		sk.partial = sk.partial[:0]
		sk.incoming = sk.incoming[:0]
		sk.parent = Handle{}
		return sk, nil
	}
	s.logerr("tcp:no-free-socket", slog.Int("max", len(s.socks)))
	return nil, ErrNoSockets
}

// free releases the socket slot. Any Handle to it becomes stale.
func (s *Stack) free(sk *socket) {
	h := sk.handle()
	if sk.parent.IsValid() {
		if parent, err := s.sock(sk.parent); err == nil {
			if internal.ZeroFirst(parent.partial, h) {
				parent.partial = internal.DeleteZeroed(parent.partial)
			}
			if internal.ZeroFirst(parent.incoming, h) {
				parent.incoming = internal.DeleteZeroed(parent.incoming)
			}
		}
	}
	s.demux.RemoveValue(h)
	s.debug("tcp:free", slog.String("local", sk.local.String()), slog.String("remote", sk.remote.String()))
	sk.inUse = false
	sk.gen++
	if sk.gen == 0 {
		sk.gen = 1
	}
	sk.parent = Handle{}
	sk.partial = sk.partial[:0]
	sk.incoming = sk.incoming[:0]
	sk.err = nil
	sk.ooo.reset()
}

// maybeFree frees sk if the connection is closed, the application no longer
// owns it and the sender is not running.
func (s *Stack) maybeFree(sk *socket) {
	if sk.inUse && sk.ccb.state == StateClosed && !sk.ccb.has(flagInSend) && sk.released() {
		s.free(sk)
	}
}

// lookup demultiplexes a segment to a connected socket, falling back to a listener.
func (s *Stack) lookup(local, remote netip.AddrPort) *socket {
	key := fourTuple{local: local, remote: remote}
	if h, ok := s.demux.Get(key); ok {
		if sk, err := s.sock(h); err == nil && sk.ccb.state != StateClosed {
			return sk
		}
		s.demux.Remove(key)
	}
	var listener *socket
	for i := range s.socks {
		sk := &s.socks[i]
		if !sk.inUse {
			continue
		}
		switch sk.ccb.state {
		case StateClosed:
			continue
		case StateListen:
			if sk.local.Port() == local.Port() && (sk.local.Addr().IsUnspecified() || sk.local.Addr() == local.Addr()) {
				listener = sk
			}
			continue
		}
		if sk.local == local && sk.remote == remote {
			s.demux.Push(key, sk.handle())
			return sk
		}
	}
	return listener
}

func (s *Stack) tupleInUse(local, remote netip.AddrPort) bool {
	for i := range s.socks {
		sk := &s.socks[i]
		if sk.inUse && sk.ccb.state != StateListen && sk.local == local && sk.remote == remote {
			return true
		}
	}
	return false
}

func (s *Stack) ephemeralPort(local netip.Addr, remote netip.AddrPort) (uint16, error) {
	for range ephemeralCount {
		s.port = internal.Prand16(s.port)
		port := ephemeralFirst + s.port%ephemeralCount
		if !s.tupleInUse(netip.AddrPortFrom(local, port), remote) {
			return port, nil
		}
	}
	return 0, ErrInUse
}

// localMSS is the segment size we advertise and accept to send.
func (s *Stack) localMSS(sk *socket) uint16 { return min(sk.mss, s.cfg.mss) }

//
// Connection teardown.
//

// abort terminates the connection recording err, which may be nil for
// silent deletion. Buffered data is discarded.
func (s *Stack) abort(sk *socket, err error) {
	ccb := &sk.ccb
	s.debug("tcp:abort", slog.String("state", ccb.state.String()), slog.Any("err", err))
	if ccb.state == StateListen {
		s.closeListener(sk)
		ccb.prevState, ccb.state = ccb.state, StateClosed
	} else {
		ccb.apply(EvReset)
	}
	if err != nil && sk.err == nil {
		sk.err = err
	}
	ccb.stopAll()
	sk.snd.ring.Reset()
	sk.ooo.reset()
	if err != nil {
		sk.rcv.discard()
	}
	s.demux.RemoveValue(sk.handle())
}

// finish completes an orderly close after ev moved the connection to CLOSED.
func (s *Stack) finish(sk *socket, ev Event) {
	sk.ccb.apply(ev)
	sk.ccb.stopAll()
	sk.ooo.reset()
	s.demux.RemoveValue(sk.handle())
}

//
// Application API.
//

// OpenActive starts a connection from local to remote and returns its handle.
// A zero local port is replaced with an ephemeral port. The SYN is sent before
// OpenActive returns.
func (s *Stack) OpenActive(local, remote netip.AddrPort) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !local.Addr().IsValid() || local.Addr().IsUnspecified() || !remote.IsValid() || remote.Port() == 0 ||
		local.Addr().Is4() != remote.Addr().Is4() {
		return Handle{}, errors.Wrapf(ErrInvalidAddr, "open %s->%s", local, remote)
	}
	if local.Port() == 0 {
		port, err := s.ephemeralPort(local.Addr(), remote)
		if err != nil {
			return Handle{}, err
		}
		local = netip.AddrPortFrom(local.Addr(), port)
	} else if s.tupleInUse(local, remote) {
		return Handle{}, errors.Wrapf(ErrInUse, "open %s->%s", local, remote)
	}
	sk, err := s.alloc()
	if err != nil {
		return Handle{}, err
	}
	sk.local = local
	sk.remote = remote
	ccb := &sk.ccb
	ccb.iss = s.iss.ISS(local, remote)
	ccb.sndSeq = ccb.iss
	ccb.rcvAck = ccb.iss
	ccb.maxRcvAck = ccb.iss
	ccb.rcvMSS = s.localMSS(sk)
	ccb.rcvScale = windowShift(s.cfg.rxBuf)
	act := ccb.apply(EvOpenActive)
	ccb.arm(timerConn, s.cfg.conn)
	s.perform(sk, act)
	s.output(sk)
	s.demux.Push(fourTuple{local: local, remote: remote}, sk.handle())
	return sk.handle(), nil
}

// OpenPassive creates a listener on local. Up to backlog connections may be
// handshaking or awaiting [Stack.Accept] at once; further SYNs are dropped.
// An unspecified local address listens on all addresses.
func (s *Stack) OpenPassive(local netip.AddrPort, backlog int) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !local.Addr().IsValid() || local.Port() == 0 {
		return Handle{}, errors.Wrapf(ErrInvalidAddr, "listen %s", local)
	}
	for i := range s.socks {
		sk := &s.socks[i]
		if sk.inUse && sk.ccb.state == StateListen && sk.local.Port() == local.Port() &&
			(sk.local.Addr() == local.Addr() || sk.local.Addr().IsUnspecified() || local.Addr().IsUnspecified()) {
			return Handle{}, errors.Wrapf(ErrInUse, "listen %s", local)
		}
	}
	sk, err := s.alloc()
	if err != nil {
		return Handle{}, err
	}
	sk.local = local
	sk.backlog = max(backlog, 1)
	sk.ccb.apply(EvOpenPassive)
	s.debug("tcp:listen", slog.String("local", local.String()), slog.Int("backlog", sk.backlog))
	return sk.handle(), nil
}

// Write queues as much of b as fits in the send buffer and returns the
// amount queued. ErrWouldBlock is returned when no byte could be queued.
func (s *Stack) Write(h Handle, b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.writable(h)
	if err != nil || len(b) == 0 {
		return 0, err
	}
	n := sk.snd.append(b)
	if n == 0 {
		return 0, ErrWouldBlock
	}
	s.output(sk)
	return n, nil
}

// WriteUrgent queues b as urgent data. The urgent pointer follows the last byte of b.
func (s *Stack) WriteUrgent(h Handle, b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.writable(h)
	if err != nil || len(b) == 0 {
		return 0, err
	}
	n := sk.snd.append(b)
	if n == 0 {
		return 0, ErrWouldBlock
	}
	ccb := &sk.ccb
	ccb.sndUrgPtr = Add(ccb.bufSeq(), Size(sk.snd.count()))
	ccb.set(flagSndUrg)
	s.output(sk)
	return n, nil
}

func (s *Stack) writable(h Handle) (*socket, error) {
	sk, err := s.sock(h)
	if err != nil {
		return nil, err
	} else if sk.err != nil {
		return nil, sk.err
	}
	state := sk.ccb.state
	if sk.snd.shutdown || sk.ccb.has(flagCloseRequested) {
		return nil, errors.Wrapf(ErrShutdown, "write in %s", state)
	}
	switch state {
	case StateSynSent, StateSynRcvd, StateEstablished, StateCloseWait:
		return sk, nil
	}
	return nil, errors.Wrapf(ErrNotConnected, "write in %s", state)
}

// Read copies received data into b. Reading stops at the urgent mark.
// io.EOF is returned once the peer's FIN has been consumed, and
// ErrWouldBlock when no data is available yet.
func (s *Stack) Read(h Handle, b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return 0, err
	}
	ccb := &sk.ccb
	n := sk.rcv.read(b)
	if s.cfg.inlineUrgent && !sk.rcv.markSet {
		ccb.unset(flagUrgRcvd)
	}
	if n > 0 {
		s.windowUpdate(sk)
		return n, nil
	}
	switch {
	case sk.err != nil:
		return 0, sk.err
	case ccb.has(flagFinRcvd) || sk.rcv.shutdown:
		return 0, io.EOF
	case ccb.state == StateListen || ccb.state == StateClosed:
		return 0, errors.Wrapf(ErrNotConnected, "read in %s", ccb.state)
	}
	return 0, ErrWouldBlock
}

// ReadUrgent returns the last out-of-band byte received.
func (s *Stack) ReadUrgent(h Handle) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return 0, err
	} else if s.cfg.inlineUrgent {
		return 0, errors.Wrap(ErrInvalidOption, "urgent data is inline")
	} else if !sk.ccb.has(flagUrgRcvd) {
		if sk.err != nil {
			return 0, sk.err
		}
		return 0, ErrWouldBlock
	}
	sk.ccb.unset(flagUrgRcvd)
	return sk.urgByte, nil
}

// windowUpdate acknowledges right away when reading opened the receive
// window by at least two segments or half the buffer.
func (s *Stack) windowUpdate(sk *socket) {
	ccb := &sk.ccb
	if !ccb.state.IsSynchronized() || ccb.has(flagFinRcvd) {
		return
	}
	free := Size(sk.rcv.free())
	threshold := min(2*Size(ccb.rcvMSS), Size(sk.rcv.countMax()/2))
	if free > ccb.rcvWnd && free-ccb.rcvWnd >= threshold {
		ccb.set(flagAckNow)
		s.output(sk)
	}
}

// Close releases the socket. A connected socket sends a FIN after pending
// data and is freed once the close handshake completes; the handle must not
// be used afterwards. Closing a listener resets and frees its unaccepted children.
func (s *Stack) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return err
	}
	ccb := &sk.ccb
	ccb.set(flagCloseRequested)
	sk.rcv.shutdown = true
	sk.rcv.discard()
	switch ccb.state {
	case StateListen:
		s.closeListener(sk)
		ccb.apply(EvClose)
	case StateClosed:
	case StateSynSent:
		s.finish(sk, EvClose)
	case StateSynRcvd:
		// FIN follows once established.
		s.queueFin(sk)
	default:
		if !sk.snd.shutdown {
			s.perform(sk, ccb.apply(EvClose))
		}
		s.output(sk)
		if ccb.state == StateFinWait2 && !ccb.armed(timerConn) {
			ccb.arm(timerConn, s.cfg.finWait2)
		}
	}
	s.maybeFree(sk)
	return nil
}

// ShutdownHow selects the direction closed by [Stack.Shutdown].
type ShutdownHow uint8

const (
	ShutRead ShutdownHow = 1 << iota
	ShutWrite
	ShutBoth = ShutRead | ShutWrite
)

// Shutdown closes one or both directions of the connection without releasing
// the socket. Shutting down writing sends a FIN after pending data; shutting
// down reading discards buffered and future data.
func (s *Stack) Shutdown(h Handle, how ShutdownHow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return err
	}
	ccb := &sk.ccb
	if ccb.state == StateListen || ccb.state == StateClosed {
		return errors.Wrapf(ErrNotConnected, "shutdown in %s", ccb.state)
	}
	if how&ShutRead != 0 {
		sk.rcv.shutdown = true
		sk.rcv.discard()
		sk.ooo.reset()
	}
	if how&ShutWrite != 0 && !sk.snd.shutdown {
		if ccb.state == StateSynSent || ccb.state == StateSynRcvd {
			// FIN follows once established.
			s.queueFin(sk)
		} else {
			s.perform(sk, ccb.apply(EvClose))
			s.output(sk)
		}
	}
	return nil
}

// State returns the protocol state of the socket.
func (s *Stack) State(h Handle) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return StateClosed, err
	}
	return sk.ccb.state, nil
}

// Err returns the error that terminated the connection, if any.
func (s *Stack) Err(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return err
	}
	return sk.err
}

// LocalAddr returns the local address and port of the socket.
func (s *Stack) LocalAddr(h Handle) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sk.local, nil
}

// RemoteAddr returns the peer address and port of the socket.
func (s *Stack) RemoteAddr(h Handle) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sk.remote, nil
}

// Buffered returns the amount of bytes waiting to be read and the amount of
// bytes written and not yet acknowledged by the peer.
func (s *Stack) Buffered(h Handle) (rx, tx int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return 0, 0, err
	}
	return sk.rcv.count(), sk.snd.count(), nil
}

// NumSockets returns the amount of allocated sockets, listener children included.
func (s *Stack) NumSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.socks {
		if s.socks[i].inUse {
			n++
		}
	}
	return n
}
