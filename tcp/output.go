package tcp

import (
	"log/slog"
	"math"
	"net/netip"

	"github.com/embedtcp/etcp"
)

// output runs the sender until nothing more may be sent. Reentrant calls
// made while the sender is running return immediately.
func (s *Stack) output(sk *socket) {
	ccb := &sk.ccb
	if !sk.inUse || ccb.has(flagInSend) {
		return
	}
	ccb.set(flagInSend)
	defer ccb.unset(flagInSend)
	for s.outputOnce(sk) {
	}
}

// outputOnce sends at most one segment and reports whether the sender should run again.
func (s *Stack) outputOnce(sk *socket) bool {
	ccb := &sk.ccb
	switch ccb.state {
	case StateClosed, StateListen:
		return false
	}
	if !ccb.has(flagSynAcked) {
		if ccb.sndSeq == ccb.iss {
			s.sendSyn(sk)
		}
		return false
	}

	count := sk.snd.count()
	off := int(Sizeof(ccb.bufSeq(), ccb.sndSeq))
	queued := 0
	if off < count {
		queued = count - off
	}
	inflight := ccb.inFlight()
	wnd := min(ccb.sndWnd, ccb.cwnd)
	var avail Size
	if wnd > inflight {
		avail = wnd - inflight
	}
	n := min(queued, int(avail), int(ccb.sndMSS))
	if !ccb.state.canSendData() {
		n = 0
	}
	fin := ccb.has(flagFinQueued) && ccb.state.canSendData() && Add(ccb.sndSeq, Size(n)) == ccb.finSeq
	urgent := ccb.has(flagSndUrg) && LessThan(ccb.sndSeq, ccb.sndUrgPtr)

	if n > 0 && n < int(ccb.sndMSS) && !ccb.has(flagForceSend) && !s.smallSegmentOK(sk, n, queued, inflight, fin, urgent) {
		n = 0
		fin = false
		if !ccb.armed(timerPersist) {
			ccb.set(flagSWSDefer)
			ccb.arm(timerPersist, s.cfg.sws)
		}
	}

	if n == 0 && !fin {
		if queued > 0 && inflight == 0 && ccb.sndWnd == 0 && (!ccb.armed(timerPersist) || ccb.has(flagSWSDefer)) {
			ccb.unset(flagSWSDefer)
			ccb.persist.Hit()
			ccb.arm(timerPersist, ccb.persist.Miss())
			ccb.traceSnd("tcp:persist-armed")
		}
		if ccb.has(flagAckNow) {
			s.sendSegment(sk, ccb.sndSeq, FlagACK, 0, 0, 0)
		}
		return false
	}

	seq := ccb.sndSeq
	flags := FlagACK
	if n > 0 && off+n == count {
		flags |= FlagPSH
	}
	if fin {
		flags |= FlagFIN
	}
	var urgPtr uint16
	if urgent {
		flags |= FlagURG
		urgPtr = uint16(min(Sizeof(seq, ccb.sndUrgPtr), math.MaxUint16))
	}
	if err := s.sendSegment(sk, seq, flags, urgPtr, off, n); err != nil {
		// Dropped attempt; the retransmission timer retries.
		if !ccb.armed(timerRexmt) {
			ccb.arm(timerRexmt, ccb.crto.Wait())
		}
		return false
	}
	isNew := LessThanEq(ccb.maxRcvAck, seq)
	seglen := Size(n)
	if fin {
		seglen++
		ccb.set(flagFinSent)
	}
	ccb.sndSeq = Add(seq, seglen)
	ccb.maxRcvAck = maxSeq(ccb.maxRcvAck, ccb.sndSeq)
	if isNew {
		ccb.startRTT(seq)
	}
	if !ccb.armed(timerRexmt) {
		ccb.arm(timerRexmt, ccb.crto.Wait())
	}
	if ccb.armed(timerPersist) && (ccb.has(flagSWSDefer) || ccb.sndWnd > 0) {
		ccb.stop(timerPersist)
		ccb.unset(flagSWSDefer)
	}
	ccb.unset(flagForceSend)
	ccb.traceSnd("tcp:sent")
	return n > 0
}

// smallSegmentOK decides whether a segment of n bytes, less than a full MSS,
// may be sent now under Nagle's algorithm and sender side silly window avoidance.
func (s *Stack) smallSegmentOK(sk *socket, n, queued int, inflight Size, fin, urgent bool) bool {
	ccb := &sk.ccb
	if n == queued && (inflight == 0 || ccb.has(flagNoDelay) || fin || ccb.has(flagFinQueued) || urgent) {
		return true
	}
	return ccb.maxWnd > 0 && Size(n) >= ccb.maxWnd/2
}

// sendSyn sends our SYN, or SYN+ACK when the peer's SYN has been received.
func (s *Stack) sendSyn(sk *socket) {
	ccb := &sk.ccb
	flags := synack
	if ccb.state == StateSynSent {
		flags = FlagSYN
	}
	if err := s.sendSegment(sk, ccb.iss, flags, 0, 0, 0); err != nil {
		if !ccb.armed(timerRexmt) {
			ccb.arm(timerRexmt, ccb.crto.Wait())
		}
		return
	}
	isNew := ccb.maxRcvAck == ccb.iss
	ccb.sndSeq = ccb.iss + 1
	ccb.maxRcvAck = maxSeq(ccb.maxRcvAck, ccb.sndSeq)
	if isNew {
		ccb.startRTT(ccb.iss)
	}
	if !ccb.armed(timerRexmt) {
		ccb.arm(timerRexmt, ccb.crto.Wait())
	}
}

// sendSegment encodes and transmits a segment of sk carrying n bytes of the
// send buffer starting off bytes from its front. Any segment carrying an ACK
// satisfies pending acknowledgements.
func (s *Stack) sendSegment(sk *socket, seq Value, flags Flags, urgPtr uint16, off, n int) error {
	ccb := &sk.ccb
	hdr := Header{
		SrcPort:   sk.local.Port(),
		DstPort:   sk.remote.Port(),
		Seq:       seq,
		Flags:     flags,
		UrgentPtr: urgPtr,
	}
	if flags.HasAny(FlagACK) {
		hdr.Ack = ccb.sndAck
	}
	free := Size(sk.rcv.free())
	if sk.rcv.shutdown {
		free = Size(sk.rcv.countMax())
	}
	if flags.HasAny(FlagSYN) {
		hdr.Options.HasMSS = true
		hdr.Options.MSS = ccb.rcvMSS
		if ccb.state == StateSynSent || ccb.has(flagWSOK) {
			hdr.Options.HasWS = true
			hdr.Options.WindowScale = ccb.rcvScale
		}
		hdr.Window = uint16(min(free, math.MaxUint16))
		ccb.rcvWnd = Size(hdr.Window)
	} else {
		hdr.Window = uint16(min(free>>ccb.rcvScale, math.MaxUint16))
		ccb.rcvWnd = Size(hdr.Window) << ccb.rcvScale
	}
	hlen, err := Encode(s.txbuf, hdr, nil)
	if err != nil {
		return err
	}
	if n > 0 {
		n = sk.snd.copyAt(s.txbuf[hlen:hlen+n], off)
	}
	seg := s.txbuf[:hlen+n]
	SetChecksum(seg, sk.local.Addr(), sk.remote.Addr())
	ccb.traceSeg("tcp:tx", hdr.Segment(n))
	if err := s.ip.SendIP(sk.local.Addr(), sk.remote.Addr(), etcp.IPProtoTCP, seg); err != nil {
		s.debug("tcp:send-failed", slog.String("remote", sk.remote.String()), slog.String("err", err.Error()))
		return err
	}
	if flags.HasAny(FlagACK) {
		ccb.unset(flagAckNow)
		ccb.stop(timerDelack)
		ccb.unacked = 0
	}
	return nil
}

// retransmitOldest resends the oldest unacknowledged segment without
// rewinding the send sequence.
func (s *Stack) retransmitOldest(sk *socket) {
	ccb := &sk.ccb
	if !ccb.has(flagSynAcked) {
		ccb.sndSeq = ccb.iss
		s.sendSyn(sk)
		return
	}
	n := min(sk.snd.count(), int(ccb.sndMSS), int(ccb.inFlight()))
	flags := FlagACK
	if ccb.has(flagFinSent) && Add(ccb.rcvAck, Size(n)) == ccb.finSeq {
		flags |= FlagFIN
	}
	if n > 0 && n == sk.snd.count() {
		flags |= FlagPSH
	}
	if n == 0 && !flags.HasAny(FlagFIN) {
		return
	}
	s.sendSegment(sk, ccb.rcvAck, flags, 0, 0, n)
	ccb.arm(timerRexmt, ccb.crto.Wait())
	ccb.traceSnd("tcp:retransmit")
}

// sendRstTo replies RST to a segment no connection accepts. RSTs are never answered.
func (s *Stack) sendRstTo(local, remote netip.AddrPort, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	hdr := Header{SrcPort: local.Port(), DstPort: remote.Port()}
	if seg.Flags.HasAny(FlagACK) {
		hdr.Seq = seg.ACK
		hdr.Flags = FlagRST
	} else {
		hdr.Ack = Add(seg.SEQ, seg.LEN())
		hdr.Flags = rstack
	}
	s.sendRaw(local, remote, hdr)
}

// sendRstConn resets the connection of sk at its current sequence numbers.
func (s *Stack) sendRstConn(sk *socket) {
	s.sendRaw(sk.local, sk.remote, Header{
		SrcPort: sk.local.Port(),
		DstPort: sk.remote.Port(),
		Seq:     sk.ccb.sndSeq,
		Ack:     sk.ccb.sndAck,
		Flags:   rstack,
	})
}

func (s *Stack) sendRaw(local, remote netip.AddrPort, hdr Header) {
	n, err := Encode(s.txbuf, hdr, nil)
	if err != nil {
		return
	}
	seg := s.txbuf[:n]
	SetChecksum(seg, local.Addr(), remote.Addr())
	s.traceSeg("tcp:tx-rst", hdr.Segment(0))
	if err := s.ip.SendIP(local.Addr(), remote.Addr(), etcp.IPProtoTCP, seg); err != nil {
		s.debug("tcp:send-rst-failed", slog.String("remote", remote.String()), slog.String("err", err.Error()))
	}
}
