package tcp

import (
	"log/slog"
	"net/netip"

	"github.com/embedtcp/etcp"
	"github.com/embedtcp/etcp/icmp"
	"github.com/pkg/errors"
)

// minPathMSS is the smallest send MSS a fragmentation-needed report may impose.
const minPathMSS = 216

// ControlInput reports an ICMP error concerning the connection local->remote.
// mtu is the next hop MTU of fragmentation-needed reports and is ignored otherwise.
//
// Unreachable and parameter problem reports abort the connection with the
// matching error. Fragmentation-needed lowers the send MSS. Other types are ignored.
func (s *Stack) ControlInput(typ icmp.Type, code uint8, local, remote netip.AddrPort, mtu uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := s.connected(local, remote)
	if sk == nil {
		return etcp.ErrPacketDrop
	}
	s.control(sk, typ, code, mtu)
	s.maybeFree(sk)
	return nil
}

// ControlFrame parses an ICMPv4 error message whose quote holds a segment we
// sent and reports it as [Stack.ControlInput] does. Reports quoting a sequence
// number outside the unacknowledged range are ignored.
func (s *Stack) ControlFrame(msg []byte) error {
	frm, err := icmp.NewFrame(msg)
	if err != nil {
		return err
	} else if !frm.Type().IsError() {
		return errors.Wrapf(etcp.ErrInvalidField, "icmp %s is not an error", frm.Type())
	}
	q, err := frm.ParseQuotedTCP()
	if err != nil {
		return err
	}
	local := netip.AddrPortFrom(netip.AddrFrom4(q.Src), q.SrcPort)
	remote := netip.AddrPortFrom(netip.AddrFrom4(q.Dst), q.DstPort)

	s.mu.Lock()
	defer s.mu.Unlock()
	sk := s.connected(local, remote)
	if sk == nil {
		return etcp.ErrPacketDrop
	}
	if seq := Value(q.Seq); !InRange(seq, sk.ccb.rcvAck, Add(sk.ccb.maxRcvAck, 1)) {
		s.debug("tcp:icmp-stale", slog.Uint64("seq", uint64(seq)), slog.String("remote", remote.String()))
		return etcp.ErrPacketDrop
	}
	s.control(sk, frm.Type(), frm.Code(), frm.NextHopMTU())
	s.maybeFree(sk)
	return nil
}

// connected returns the non-listening socket bound to local and remote.
func (s *Stack) connected(local, remote netip.AddrPort) *socket {
	sk := s.lookup(local, remote)
	if sk == nil || sk.ccb.state == StateListen {
		return nil
	}
	return sk
}

func (s *Stack) control(sk *socket, typ icmp.Type, code uint8, mtu uint16) {
	ccb := &sk.ccb
	s.debug("tcp:icmp",
		slog.String("type", typ.String()),
		slog.Uint64("code", uint64(code)),
		slog.String("remote", sk.remote.String()),
	)
	var err error
	switch typ {
	case icmp.TypeDestinationUnreachable:
		switch icmp.CodeDestinationUnreachable(code) {
		case icmp.CodeNetUnreachable:
			err = ErrNetworkUnreachable
		case icmp.CodeHostUnreachable, icmp.CodeSourceRouteFailed:
			err = ErrHostUnreachable
		case icmp.CodeProtoUnreachable, icmp.CodePortUnreachable:
			err = ErrConnectionRefused
		case icmp.CodeFragNeededAndDFSet:
			s.pathMTU(sk, mtu)
			return
		default:
			err = ErrHostUnreachable
		}
	case icmp.TypeParameterProblem:
		err = ErrProtocol
	default:
		return
	}
	if ccb.state == StateSynRcvd && ccb.prevState == StateListen {
		s.abort(sk, nil)
		return
	}
	s.abort(sk, err)
}

// pathMTU lowers the send MSS to fit mtu and resends outstanding data.
func (s *Stack) pathMTU(sk *socket, mtu uint16) {
	ccb := &sk.ccb
	const overhead = 40 // IPv4 and TCP headers without options.
	if mtu <= overhead {
		return
	}
	mss := max(mtu-overhead, minPathMSS)
	if mss >= ccb.sndMSS {
		return
	}
	ccb.sndMSS = mss
	ccb.cwnd = min(ccb.cwnd, Size(mss))
	s.debug("tcp:path-mtu", slog.Uint64("mss", uint64(mss)))
	if ccb.has(flagSynAcked) && ccb.inFlight() > 0 {
		ccb.sndSeq = ccb.rcvAck
		ccb.cancelRTT()
		s.output(sk)
	}
}
