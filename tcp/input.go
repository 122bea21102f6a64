package tcp

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/embedtcp/etcp"
	"github.com/embedtcp/etcp/internal"
)

var (
	errDropSegment  = errors.New("tcp: segment dropped")
	errOutOfWindow  = errors.New("tcp: segment out of window")
	errUnacceptable = errors.New("tcp: unacceptable ack")
)

// Input processes a segment received from the network layer. src and dst
// are the IP source and destination addresses used for the checksum and
// demultiplexing. The returned error tells why the segment was dropped and is
// meant for diagnostics only.
func (s *Stack) Input(src, dst netip.Addr, raw []byte) error {
	hdr, payload, err := Decode(raw)
	if err != nil {
		s.debug("tcp:rx-malformed", slog.String("src", src.String()), slog.String("err", err.Error()))
		return err
	} else if !VerifyChecksum(raw, src, dst) {
		s.debug("tcp:rx-badcrc", slog.String("src", src.String()))
		return etcp.ErrBadCRC
	}
	var v etcp.Validator
	Frame{buf: raw}.ValidateExceptCRC(&v)
	if err := v.Err(); err != nil {
		s.debug("tcp:rx-invalid", slog.String("src", src.String()), slog.String("err", err.Error()))
		return err
	}
	local := netip.AddrPortFrom(dst, hdr.DstPort)
	remote := netip.AddrPortFrom(src, hdr.SrcPort)
	seg := hdr.Segment(len(payload))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traceSeg("tcp:rx", seg)
	sk := s.lookup(local, remote)
	if sk == nil {
		s.sendRstTo(local, remote, seg)
		return etcp.ErrPacketDrop
	}
	if sk.ccb.state == StateListen {
		return s.listenInput(sk, &hdr, seg, local, remote)
	}
	err = s.segmentArrives(sk, &hdr, seg, payload)
	s.maybeFree(sk)
	return err
}

// perform carries out the actions requested by the state machine.
func (s *Stack) perform(sk *socket, act Action) {
	ccb := &sk.ccb
	if act&ActInvalid != 0 {
		return
	}
	if act&ActSendAck != 0 {
		ccb.set(flagAckNow)
	}
	if act&(ActSendSyn|ActSendSynAck) != 0 {
		// The sender emits SYN or SYN+ACK while sndSeq rests on iss.
		ccb.sndSeq = ccb.iss
	}
	if act&ActSendFin != 0 {
		s.queueFin(sk)
	}
	if act&ActEstablished != 0 {
		s.established(sk)
	}
	if act&ActArmTimeWait != 0 {
		ccb.stopAll()
		ccb.arm(timerConn, s.cfg.timeWait)
	}
	if act&ActDelete != 0 {
		ccb.stopAll()
		sk.ooo.reset()
		s.demux.RemoveValue(sk.handle())
	}
}

// queueFin schedules our FIN after all data written so far.
func (s *Stack) queueFin(sk *socket) {
	ccb := &sk.ccb
	if ccb.has(flagFinQueued) {
		return
	}
	sk.snd.shutdown = true
	ccb.finSeq = Add(ccb.bufSeq(), Size(sk.snd.count()))
	ccb.set(flagFinQueued)
}

func (s *Stack) established(sk *socket) {
	ccb := &sk.ccb
	ccb.stop(timerConn)
	ccb.initCongestion()
	if ccb.has(flagKeepAlive) {
		ccb.arm(timerKeep, ccb.keepIdle)
	}
	s.debug("tcp:established", slog.String("local", sk.local.String()), slog.String("remote", sk.remote.String()))
	if sk.parent.IsValid() {
		s.childEstablished(sk)
	}
	if sk.snd.shutdown && ccb.state == StateEstablished {
		// Shutdown requested while handshaking.
		sk.snd.shutdown = false
		ccb.unset(flagFinQueued)
		s.perform(sk, ccb.apply(EvClose))
	}
}

// segmentArrives runs the input pipeline for a socket that is not listening.
func (s *Stack) segmentArrives(sk *socket, hdr *Header, seg Segment, payload []byte) error {
	ccb := &sk.ccb
	ccb.traceRcv("tcp:rcv")
	if ccb.state == StateSynSent {
		return s.synSentInput(sk, hdr, seg, payload)
	}
	if ccb.state == StateClosed {
		return errDropSegment
	}

	// Retransmitted SYN of the peer while our SYN+ACK is unacknowledged.
	if ccb.state == StateSynRcvd && seg.Flags&(FlagSYN|FlagRST|FlagACK) == FlagSYN && seg.SEQ == ccb.irs {
		s.perform(sk, ccb.apply(EvSyn))
		s.output(sk)
		return nil
	}

	// Acceptability.
	seg, payload, ok := s.admit(sk, hdr, seg, payload)
	if !ok {
		if seg.Flags.HasAny(FlagRST) {
			return errOutOfWindow
		}
		if ccb.state == StateTimeWait && seg.Flags.HasAny(FlagFIN) {
			// Retransmitted FIN: our last ACK was lost.
			s.perform(sk, ccb.apply(EvFin))
		}
		ccb.set(flagAckNow)
		s.output(sk)
		return errOutOfWindow
	}
	if ccb.has(flagKeepProbing) {
		ccb.unset(flagKeepProbing)
		ccb.stop(timerAbort)
	}
	if ccb.armed(timerPersist) && !ccb.has(flagSWSDefer) {
		// Peer answered a zero window probe.
		ccb.stop(timerAbort)
	}
	if ccb.has(flagKeepAlive) && ccb.armed(timerKeep) {
		ccb.arm(timerKeep, ccb.keepIdle)
	}

	if seg.Flags.HasAny(FlagRST) {
		if ccb.state == StateSynRcvd && ccb.prevState == StateListen {
			// Peer aborted the handshake: forget the child silently.
			s.abort(sk, nil)
			return nil
		}
		s.abort(sk, ErrConnectionReset)
		return nil
	}
	if seg.Flags.HasAny(FlagSYN) {
		s.sendRstConn(sk)
		s.abort(sk, ErrConnectionReset)
		return nil
	}
	if !seg.Flags.HasAny(FlagACK) {
		return errDropSegment
	}

	// Acknowledgement processing.
	if ccb.state == StateSynRcvd {
		if seg.ACK != ccb.iss+1 {
			s.sendRstTo(sk.local, sk.remote, seg)
			return errUnacceptable
		}
		s.newAck(sk, seg.ACK)
		s.perform(sk, ccb.apply(EvAck))
	} else {
		switch {
		case LessThanEq(seg.ACK, ccb.rcvAck):
			s.dupAck(sk, hdr, seg)
		case LessThan(ccb.maxRcvAck, seg.ACK):
			ccb.set(flagAckNow)
			s.output(sk)
			return errUnacceptable
		default:
			s.newAck(sk, seg.ACK)
		}
	}
	s.updateWindow(sk, hdr, seg)

	switch ccb.state {
	case StateFinWait1:
		if ccb.finAcked() {
			ccb.apply(EvFinAcked)
			if ccb.has(flagCloseRequested) {
				ccb.arm(timerConn, s.cfg.finWait2)
			}
		}
	case StateClosing:
		if ccb.finAcked() {
			s.perform(sk, ccb.apply(EvFinAcked))
		}
	case StateLastAck:
		if ccb.finAcked() {
			s.finish(sk, EvFinAcked)
			return nil
		}
	case StateTimeWait:
		if ccb.apply(EvSegment)&ActSendRst != 0 {
			s.sendRstTo(sk.local, sk.remote, seg)
		}
		return nil
	}

	s.processData(sk, hdr, seg, payload)
	if sk.rcv.shutdown {
		sk.rcv.discard()
	}
	s.output(sk)
	return nil
}

// admit trims seg to the receive window. It reports false if no part of the
// segment is acceptable.
func (s *Stack) admit(sk *socket, hdr *Header, seg Segment, payload []byte) (Segment, []byte, bool) {
	ccb := &sk.ccb
	wnd := Size(sk.rcv.free())
	if LessThan(seg.SEQ, ccb.sndAck) {
		todrop := Sizeof(seg.SEQ, ccb.sndAck)
		if seg.Flags.HasAny(FlagSYN) {
			seg.Flags &^= FlagSYN
			seg.SEQ++
			todrop--
			if hdr.UrgentPtr > 1 {
				hdr.UrgentPtr--
			} else {
				hdr.Flags &^= FlagURG
			}
		}
		if todrop > 0 && (todrop > seg.DATALEN || (todrop == seg.DATALEN && !seg.Flags.HasAny(FlagFIN))) {
			// Entirely old, a duplicate. Its ACK is stale.
			return seg, nil, false
		}
		payload = payload[todrop:]
		seg.DATALEN -= todrop
		seg.SEQ = ccb.sndAck
		if hdr.Flags.HasAny(FlagURG) && Size(hdr.UrgentPtr) > todrop {
			hdr.UrgentPtr -= uint16(todrop)
		} else {
			hdr.Flags &^= FlagURG
			hdr.UrgentPtr = 0
		}
		ccb.set(flagAckNow)
	}
	right := Add(ccb.sndAck, wnd)
	if end := Add(seg.SEQ, seg.LEN()); LessThan(right, end) {
		if wnd == 0 && seg.SEQ == ccb.sndAck {
			// Zero window probe: keep control information only.
			seg.DATALEN = 0
			seg.Flags &^= FlagFIN | FlagPSH | FlagURG
			hdr.Flags &^= FlagURG
			ccb.set(flagAckNow)
			return seg, nil, true
		}
		if !LessThan(seg.SEQ, right) {
			return seg, nil, false
		}
		keep := Sizeof(seg.SEQ, right)
		seg.Flags &^= FlagFIN | FlagPSH
		if keep < seg.DATALEN {
			payload = payload[:keep]
			seg.DATALEN = keep
		}
		ccb.set(flagAckNow)
	}
	return seg, payload, true
}

// newAck processes an acknowledgement of new data up to ack.
func (s *Stack) newAck(sk *socket, ack Value) {
	ccb := &sk.ccb
	acked := Sizeof(ccb.rcvAck, ack)
	ccb.ackRTT(ack, &s.cfg)
	data := acked
	if !ccb.has(flagSynAcked) {
		ccb.set(flagSynAcked)
		data--
	}
	if ccb.has(flagFinSent) && LessThanEq(ccb.rcvAck, ccb.finSeq) && LessThan(ccb.finSeq, ack) {
		data--
	}
	sk.snd.trim(int(data))
	ccb.rcvAck = ack
	ccb.sndSeq = maxSeq(ccb.sndSeq, ack)
	ccb.congestionAck(acked)
	ccb.dupAcks = 0
	ccb.crto.Hit()
	if ccb.has(flagSndUrg) && LessThanEq(ccb.sndUrgPtr, ack) {
		ccb.unset(flagSndUrg)
	}
	if ccb.rcvAck == ccb.maxRcvAck {
		ccb.stop(timerRexmt)
	} else {
		ccb.arm(timerRexmt, ccb.crto.Wait())
	}
	ccb.stop(timerAbort)
	ccb.traceSnd("tcp:ack")
}

// dupAck counts duplicate acknowledgements and triggers fast retransmit on the third.
func (s *Stack) dupAck(sk *socket, hdr *Header, seg Segment) {
	ccb := &sk.ccb
	wnd := Size(hdr.Window) << ccb.sndScale
	if seg.ACK != ccb.rcvAck || seg.DATALEN != 0 || seg.Flags.HasAny(FlagFIN) ||
		ccb.rcvAck == ccb.maxRcvAck || ccb.sndWnd == 0 || wnd != ccb.sndWnd {
		ccb.dupAcks = 0
		return
	}
	ccb.dupAcks++
	if ccb.dupAcks != 3 {
		return
	}
	s.debug("tcp:fast-retransmit", slog.Uint64("seq", uint64(ccb.rcvAck)))
	ccb.halveCongestion()
	ccb.cancelRTT()
	s.retransmitOldest(sk)
}

// updateWindow takes the peer window from seg if it is not older than the last update.
func (s *Stack) updateWindow(sk *socket, hdr *Header, seg Segment) {
	ccb := &sk.ccb
	if !(LessThan(ccb.wl1, seg.SEQ) || (ccb.wl1 == seg.SEQ && LessThanEq(ccb.wl2, seg.ACK))) {
		return
	}
	wnd := Size(hdr.Window)
	if !seg.Flags.HasAny(FlagSYN) {
		wnd <<= ccb.sndScale
	}
	ccb.sndWnd = wnd
	ccb.wl1 = seg.SEQ
	ccb.wl2 = seg.ACK
	ccb.maxWnd = max(ccb.maxWnd, wnd)
	if wnd > 0 && ccb.armed(timerPersist) && !ccb.has(flagSWSDefer) {
		ccb.stop(timerPersist)
		ccb.persist.Hit()
	}
}

// processData delivers in-order payload, queues out-of-order payload and handles FIN.
func (s *Stack) processData(sk *socket, hdr *Header, seg Segment, payload []byte) {
	ccb := &sk.ccb
	fin := seg.Flags.HasAny(FlagFIN)
	if !ccb.state.acceptsData() || (seg.DATALEN == 0 && !fin) {
		return
	}
	if seg.SEQ != ccb.sndAck {
		if !s.cfg.discardOutOfOrder && !sk.rcv.shutdown {
			limit := sk.rcv.free()
			if !sk.ooo.insert(seg.SEQ, payload, fin, limit) {
				s.debug("tcp:ooo-full", slog.Uint64("seq", uint64(seg.SEQ)))
			}
		}
		// Duplicate ACK tells the peer where the gap is.
		ccb.set(flagAckNow)
		return
	}
	if len(payload) > 0 {
		head, tail := s.urgentInput(sk, hdr, payload)
		sk.rcv.append(head)
		sk.rcv.append(tail)
		ccb.sndAck = Add(ccb.sndAck, seg.DATALEN)
		if sk.ooo.len() > 0 {
			var oooFin bool
			ccb.sndAck, oooFin = sk.ooo.flush(ccb.sndAck, sk.rcv.append)
			fin = fin || oooFin
			ccb.set(flagAckNow)
		}
		ccb.unacked++
		if ccb.unacked >= 2 {
			ccb.set(flagAckNow)
		} else if !ccb.has(flagAckNow) && !ccb.armed(timerDelack) {
			ccb.arm(timerDelack, 1)
		}
	}
	if fin {
		ccb.sndAck++
		ccb.set(flagFinRcvd)
		sk.ooo.reset()
		s.perform(sk, ccb.apply(EvFin))
	}
}

// urgentInput splits payload around the urgent byte, which is extracted as
// out-of-band data unless urgent data is inline. The urgent byte is the one
// preceding the urgent pointer.
func (s *Stack) urgentInput(sk *socket, hdr *Header, payload []byte) (head, tail []byte) {
	if !hdr.Flags.HasAny(FlagURG) || hdr.UrgentPtr == 0 {
		return payload, nil
	}
	idx := int(hdr.UrgentPtr) - 1
	if idx >= len(payload) {
		// Urgent byte not in this segment.
		return payload, nil
	}
	sk.rcv.urgentMark = sk.rcv.count() + idx
	sk.rcv.markSet = true
	sk.ccb.set(flagUrgRcvd)
	if s.cfg.inlineUrgent {
		return payload, nil
	}
	sk.urgByte = payload[idx]
	return payload[:idx], payload[idx+1:]
}

// synSentInput handles the reply to our SYN.
func (s *Stack) synSentInput(sk *socket, hdr *Header, seg Segment, payload []byte) error {
	ccb := &sk.ccb
	ackOK := false
	if seg.Flags.HasAny(FlagACK) {
		if seg.ACK != ccb.iss+1 {
			s.sendRstTo(sk.local, sk.remote, seg)
			return errUnacceptable
		}
		ackOK = true
	}
	if seg.Flags.HasAny(FlagRST) {
		if ackOK {
			s.abort(sk, ErrConnectionRefused)
			return nil
		}
		return errDropSegment
	}
	if !seg.Flags.HasAny(FlagSYN) {
		if ackOK {
			s.sendRstTo(sk.local, sk.remote, seg)
		}
		return errDropSegment
	}
	ccb.irs = seg.SEQ
	ccb.sndAck = seg.SEQ + 1
	ccb.applySynOptions(hdr.Options, s.localMSS(sk), true)
	ccb.wl1 = seg.SEQ - 1
	s.updateWindow(sk, hdr, seg)
	if !ackOK {
		// Simultaneous open.
		s.perform(sk, ccb.apply(EvSyn))
		s.output(sk)
		return nil
	}
	s.newAck(sk, seg.ACK)
	s.perform(sk, ccb.apply(EvSynAck))
	if len(payload) > 0 || seg.Flags.HasAny(FlagFIN) {
		seg.SEQ++
		seg.Flags &^= FlagSYN
		if seg, payload, ok := s.admit(sk, hdr, seg, payload); ok {
			s.processData(sk, hdr, seg, payload)
		}
	}
	s.output(sk)
	return nil
}

// listenInput handles a segment for a listener, spawning a child socket on SYN.
func (s *Stack) listenInput(lsk *socket, hdr *Header, seg Segment, local, remote netip.AddrPort) error {
	switch {
	case seg.Flags.HasAny(FlagRST):
		return errDropSegment
	case seg.Flags.HasAny(FlagACK):
		s.sendRstTo(local, remote, seg)
		return errDropSegment
	case !seg.Flags.HasAny(FlagSYN):
		return errDropSegment
	}
	if len(lsk.partial)+len(lsk.incoming) >= lsk.backlog {
		s.debug("tcp:backlog-full", slog.String("local", lsk.local.String()), slog.String("remote", remote.String()))
		return etcp.ErrPacketDrop
	}
	child, err := s.alloc()
	if err != nil {
		return err
	}
	child.local = local
	child.remote = remote
	child.parent = lsk.handle()
	child.mss = lsk.mss
	ccb := &child.ccb
	ccb.flags = lsk.ccb.flags & (flagNoDelay | flagKeepAlive)
	ccb.keepIdle, ccb.keepIntvl, ccb.keepCnt = lsk.ccb.keepIdle, lsk.ccb.keepIntvl, lsk.ccb.keepCnt
	ccb.state = StateListen
	act := ccb.apply(EvSyn)
	ccb.iss = s.iss.ISS(local, remote)
	ccb.sndSeq = ccb.iss
	ccb.rcvAck = ccb.iss
	ccb.maxRcvAck = ccb.iss
	ccb.irs = seg.SEQ
	ccb.sndAck = seg.SEQ + 1
	ccb.rcvMSS = s.localMSS(child)
	ccb.rcvScale = windowShift(s.cfg.rxBuf)
	ccb.applySynOptions(hdr.Options, ccb.rcvMSS, true)
	ccb.wl1 = seg.SEQ - 1
	s.updateWindow(child, hdr, seg)
	ccb.arm(timerConn, s.cfg.conn)
	lsk.partial = append(lsk.partial, child.handle())
	s.demux.Push(fourTuple{local: local, remote: remote}, child.handle())
	s.debug("tcp:syn-rcvd", slog.String("local", local.String()), slog.String("remote", remote.String()))
	s.perform(child, act)
	s.output(child)
	return nil
}

// childEstablished moves a listener child from the partial to the accept queue.
func (s *Stack) childEstablished(sk *socket) {
	lsk, err := s.sock(sk.parent)
	if err != nil || lsk.ccb.state != StateListen {
		return
	}
	h := sk.handle()
	if internal.ZeroFirst(lsk.partial, h) {
		lsk.partial = internal.DeleteZeroed(lsk.partial)
		lsk.incoming = append(lsk.incoming, h)
	}
}
