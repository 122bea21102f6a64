package tcp

import (
	"log/slog"
	"math"

	"github.com/embedtcp/etcp/internal"
)

// timerOff is the reserved counter value of a disarmed timer.
const timerOff = math.MaxUint32

type timerID uint8

const (
	timerAbort timerID = iota
	timerConn
	timerRexmt
	timerKeep
	timerPersist
	timerDelack // serviced by the fast tick.
	numTimers
)

type ccbFlags uint32

const (
	flagFinSent        ccbFlags = 1 << iota // our FIN has been transmitted at least once
	flagFinRcvd                             // peer FIN received in order
	flagFinQueued                           // application shut down writing; FIN follows buffered data
	flagUrgRcvd                             // urgent byte received and not yet read
	flagSndUrg                              // urgent data queued for transmission
	flagInSend                              // sender running
	flagForceSend                           // bypass Nagle and silly window avoidance once
	flagCloseRequested                      // application released the socket
	flagAckNow                              // acknowledge without delay
	flagSWSDefer                            // persist slot is running as the silly window timer
	flagWSOK                                // window scaling negotiated
	flagRTTActive                           // a round trip sample is being timed
	flagKeepProbing                         // keepalive probes outstanding
	flagNoDelay                             // Nagle disabled
	flagKeepAlive                           // keepalive enabled
	flagSynAcked                            // our SYN has been acknowledged
)

// ControlBlock is the per-connection protocol state.
// Sequence variables follow the naming:
//
//	sndSeq    next sequence number to send
//	rcvAck    oldest sequence number not acknowledged by the peer
//	maxRcvAck highest sequence number sent, upper bound for acceptable ACKs
//	sndAck    next sequence number expected from the peer, the ACK we send
//
// rcvAck always precedes or equals sndSeq modulo 2**32.
type ControlBlock struct {
	state     State
	prevState State

	iss, irs  Value
	sndSeq    Value
	rcvAck    Value
	maxRcvAck Value
	sndAck    Value
	finSeq    Value // sequence number of our FIN, valid with flagFinQueued.
	sndUrgPtr Value // sequence number following the last urgent byte queued.
	wl1, wl2  Value // segment SEQ and ACK of the last window update.

	sndWnd   Size // peer window, scaled.
	rcvWnd   Size // window last advertised.
	maxWnd   Size // largest peer window seen.
	sndScale uint8
	rcvScale uint8
	sndMSS   uint16
	rcvMSS   uint16

	cwnd     Size
	ssthresh Size
	pcount   Size
	dupAcks  uint8
	// unacked counts in-order data segments received since the last ACK we sent.
	unacked uint8

	// srtt is scaled by 8 and rttvar by 4, in slow ticks.
	srtt     int32
	rttvar   int32
	rto      uint32
	crto     internal.Backoff
	persist  internal.Backoff
	rttTicks uint32
	rttSeq   Value

	keepIdle  uint32
	keepIntvl uint32
	keepCnt   uint32

	timers [numTimers]uint32
	flags  ccbFlags
	logger
}

func (tcb *ControlBlock) State() State { return tcb.state }

func (tcb *ControlBlock) has(f ccbFlags) bool { return tcb.flags&f != 0 }
func (tcb *ControlBlock) set(f ccbFlags)      { tcb.flags |= f }
func (tcb *ControlBlock) unset(f ccbFlags)    { tcb.flags &^= f }

// reset zeroes the control block keeping its buffers-independent configuration.
func (tcb *ControlBlock) reset(cfg *tickConfig, log *slog.Logger) {
	*tcb = ControlBlock{
		rto:       cfg.rtoInitial,
		crto:      internal.NewBackoff(cfg.rtoInitial, cfg.rtoMax),
		persist:   internal.NewBackoff(cfg.persistMin, cfg.persistMax),
		keepIdle:  cfg.keepIdle,
		keepIntvl: cfg.keepIntvl,
		keepCnt:   cfg.keepCnt,
		sndMSS:    536,
		rcvMSS:    cfg.mss,
		logger:    logger{log: log},
	}
	if cfg.noDelay {
		tcb.set(flagNoDelay)
	}
	if cfg.keepAlive {
		tcb.set(flagKeepAlive)
	}
	tcb.stopAll()
}

// apply runs the state machine on ev and returns the requested actions.
func (tcb *ControlBlock) apply(ev Event) Action {
	next, act := Transition(tcb.state, ev)
	if act&ActInvalid != 0 {
		tcb.debug("tcb:invalid-event", slog.String("state", tcb.state.String()), slog.String("event", ev.String()))
		return act
	}
	if next != tcb.state {
		tcb.trace("tcb:transition",
			slog.String("from", tcb.state.String()),
			slog.String("to", next.String()),
			slog.String("event", ev.String()),
		)
		tcb.prevState = tcb.state
		tcb.state = next
	}
	return act
}

//
// Timers.
//

func (tcb *ControlBlock) arm(t timerID, ticks uint32) {
	tcb.timers[t] = max(ticks, 1)
}

func (tcb *ControlBlock) stop(t timerID) { tcb.timers[t] = timerOff }

func (tcb *ControlBlock) armed(t timerID) bool { return tcb.timers[t] != timerOff }

func (tcb *ControlBlock) stopAll() {
	for i := range tcb.timers {
		tcb.timers[i] = timerOff
	}
}

// tick decrements timer t and reports whether it expired. An expired timer is left disarmed.
func (tcb *ControlBlock) tick(t timerID) bool {
	if tcb.timers[t] == timerOff {
		return false
	}
	tcb.timers[t]--
	if tcb.timers[t] == 0 {
		tcb.timers[t] = timerOff
		return true
	}
	return false
}

//
// Sequence space helpers.
//

// inFlight returns the sequence space sent and not yet acknowledged.
func (tcb *ControlBlock) inFlight() Size { return Sizeof(tcb.rcvAck, tcb.sndSeq) }

// bufSeq returns the sequence number of the first byte in the send buffer.
func (tcb *ControlBlock) bufSeq() Value {
	if !tcb.has(flagSynAcked) {
		return tcb.iss + 1
	}
	return tcb.rcvAck
}

// finAcked reports whether our FIN has been acknowledged.
func (tcb *ControlBlock) finAcked() bool {
	return tcb.has(flagFinSent) && LessThan(tcb.finSeq, tcb.rcvAck)
}

//
// Congestion control.
//

func (tcb *ControlBlock) initCongestion() {
	tcb.cwnd = Size(tcb.sndMSS)
	tcb.ssthresh = Size(math.MaxUint16) << tcb.sndScale
	tcb.pcount = 0
	tcb.dupAcks = 0
}

const maxCwnd = 1 << 30

// congestionAck grows the congestion window for acked bytes: slow start
// below ssthresh and one MSS per window of acked data above it.
func (tcb *ControlBlock) congestionAck(acked Size) {
	if tcb.cwnd <= tcb.ssthresh {
		room := tcb.ssthresh - tcb.cwnd
		if acked <= room {
			tcb.cwnd += acked
			acked = 0
		} else {
			tcb.cwnd = tcb.ssthresh
			acked -= room
		}
	}
	tcb.pcount += acked
	if tcb.pcount >= tcb.cwnd && tcb.cwnd < maxCwnd {
		tcb.pcount -= tcb.cwnd
		tcb.cwnd += Size(tcb.sndMSS)
	}
}

// halveCongestion is the loss response shared by fast retransmit and timeout.
func (tcb *ControlBlock) halveCongestion() {
	tcb.ssthresh = max(tcb.cwnd/2, 2*Size(tcb.sndMSS))
	tcb.cwnd = tcb.ssthresh
	tcb.pcount = 0
	tcb.trace("tcb:halve-cwnd", slog.Uint64("cwnd", uint64(tcb.cwnd)))
}

//
// Window scaling.
//

// windowShift returns the shift needed for a window of size bytes to fit 16 bits.
func windowShift(size int) uint8 {
	var shift uint8
	for size>>shift > math.MaxUint16 && shift < maxWindowScale {
		shift++
	}
	return shift
}

// applySynOptions adopts the options of the peer's SYN. wsOffered tells
// whether we offered window scaling on our side of the handshake.
func (tcb *ControlBlock) applySynOptions(opts Options, localMSS uint16, wsOffered bool) {
	tcb.sndMSS = 536
	if opts.HasMSS && opts.MSS > 0 {
		tcb.sndMSS = opts.MSS
	}
	tcb.sndMSS = min(tcb.sndMSS, localMSS)
	if opts.HasWS && wsOffered {
		tcb.set(flagWSOK)
		tcb.sndScale = opts.WindowScale
	} else {
		tcb.unset(flagWSOK)
		tcb.sndScale = 0
		tcb.rcvScale = 0
	}
}
