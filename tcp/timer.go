package tcp

import (
	"context"
	"log/slog"
	"time"
)

// FastTick services delayed acknowledgements. It should be called every [FastTickPeriod].
func (s *Stack) FastTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.socks {
		sk := &s.socks[i]
		if !sk.inUse {
			continue
		}
		if sk.ccb.tick(timerDelack) {
			sk.ccb.set(flagAckNow)
			s.output(sk)
		}
	}
}

// SlowTick advances the connection timers. It should be called every [SlowTickPeriod].
// Timers of a socket are serviced in the order abort, connection,
// retransmission, keepalive and persist, stopping once the socket closes.
func (s *Stack) SlowTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iss.Tick()
	for i := range s.socks {
		sk := &s.socks[i]
		if !sk.inUse || sk.ccb.state == StateListen {
			continue
		}
		s.slowTimers(sk)
		s.maybeFree(sk)
	}
}

func (s *Stack) slowTimers(sk *socket) {
	ccb := &sk.ccb
	if ccb.tick(timerAbort) {
		s.debug("tcp:abort-timeout", slog.String("state", ccb.state.String()), slog.String("remote", sk.remote.String()))
		s.sendRstConn(sk)
		s.abort(sk, ErrConnectionAborted)
		return
	}
	if ccb.tick(timerConn) {
		s.connTimeout(sk)
		if ccb.state == StateClosed {
			return
		}
	}
	if ccb.tick(timerRexmt) {
		s.retransmitTimeout(sk)
	}
	if ccb.tick(timerKeep) {
		s.keepaliveTimeout(sk)
	}
	if ccb.tick(timerPersist) {
		s.persistTimeout(sk)
	}
	if ccb.has(flagRTTActive) {
		ccb.rttTicks++
	}
}

// connTimeout handles expiry of the connection timer, which bounds the
// handshake, FIN-WAIT-2 for released sockets and TIME-WAIT.
func (s *Stack) connTimeout(sk *socket) {
	ccb := &sk.ccb
	switch ccb.state {
	case StateTimeWait:
		s.finish(sk, EvTimeout)
	case StateSynSent, StateSynRcvd:
		s.debug("tcp:conn-timeout", slog.String("remote", sk.remote.String()))
		if ccb.state == StateSynRcvd && ccb.prevState == StateListen {
			s.sendRstConn(sk)
			s.abort(sk, nil)
			return
		}
		s.abort(sk, ErrTimedOut)
	default:
		if ccb.has(flagCloseRequested) {
			s.finish(sk, EvTimeout)
		} else {
			s.abort(sk, ErrTimedOut)
		}
	}
}

// retransmitTimeout backs off the retransmission timer and resends from the
// oldest unacknowledged sequence number.
func (s *Stack) retransmitTimeout(sk *socket) {
	ccb := &sk.ccb
	if ccb.state == StateClosed || ccb.state == StateListen {
		return
	}
	wait := ccb.crto.Miss()
	s.debug("tcp:rto",
		slog.String("state", ccb.state.String()),
		slog.Uint64("seq", uint64(ccb.rcvAck)),
		slog.Uint64("wait", uint64(wait)),
	)
	ccb.halveCongestion()
	ccb.cancelRTT()
	ccb.dupAcks = 0
	if !ccb.armed(timerAbort) {
		ccb.arm(timerAbort, s.cfg.abort)
	}
	if ccb.has(flagSynAcked) {
		ccb.sndSeq = ccb.rcvAck
	} else {
		ccb.sndSeq = ccb.iss
	}
	ccb.arm(timerRexmt, ccb.crto.Wait())
	s.output(sk)
}

// keepaliveTimeout sends a probe carrying an already acknowledged sequence
// number, which forces the peer to reply with an ACK.
func (s *Stack) keepaliveTimeout(sk *socket) {
	ccb := &sk.ccb
	if !ccb.has(flagKeepAlive) || (ccb.state != StateEstablished && ccb.state != StateCloseWait) {
		return
	}
	s.sendSegment(sk, ccb.rcvAck-1, FlagACK, 0, 0, 0)
	ccb.set(flagKeepProbing)
	ccb.arm(timerKeep, ccb.keepIntvl)
	limit := ccb.keepCnt * ccb.keepIntvl
	if !ccb.armed(timerAbort) || ccb.timers[timerAbort] > limit {
		ccb.arm(timerAbort, limit)
	}
	s.trace("tcp:keepalive-probe", slog.String("remote", sk.remote.String()))
}

// persistTimeout either forces out a segment deferred by the silly window
// avoidance or sends a one byte probe into a zero window.
func (s *Stack) persistTimeout(sk *socket) {
	ccb := &sk.ccb
	if ccb.has(flagSWSDefer) {
		ccb.unset(flagSWSDefer)
		ccb.set(flagForceSend)
		s.output(sk)
		return
	}
	if !ccb.state.canSendData() || !ccb.has(flagSynAcked) {
		return
	}
	off := int(Sizeof(ccb.bufSeq(), ccb.sndSeq))
	if off >= sk.snd.count() {
		return
	}
	if ccb.sndWnd > 0 {
		ccb.persist.Hit()
		s.output(sk)
		return
	}
	s.sendSegment(sk, ccb.sndSeq, FlagACK, 0, off, 1)
	ccb.maxRcvAck = maxSeq(ccb.maxRcvAck, Add(ccb.sndSeq, 1))
	ccb.arm(timerPersist, ccb.persist.Miss())
	if !ccb.armed(timerAbort) {
		ccb.arm(timerAbort, s.cfg.abort)
	}
	s.trace("tcp:persist-probe", slog.Uint64("seq", uint64(ccb.sndSeq)))
}

// RunTimers calls [Stack.FastTick] and [Stack.SlowTick] at their nominal
// periods until ctx is done.
func (s *Stack) RunTimers(ctx context.Context) error {
	fast := time.NewTicker(FastTickPeriod)
	defer fast.Stop()
	slow := time.NewTicker(SlowTickPeriod)
	defer slow.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fast.C:
			s.FastTick()
		case <-slow.C:
			s.SlowTick()
		}
	}
}
