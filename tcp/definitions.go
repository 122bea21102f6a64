package tcp

import (
	"errors"
	"math/bits"
	"strconv"
)

// Connection lifecycle errors. They are recorded on the socket when the
// connection terminates and returned by the next application call.
var (
	ErrConnectionReset    = errors.New("tcp: connection reset by peer")
	ErrConnectionAborted  = errors.New("tcp: connection aborted")
	ErrConnectionRefused  = errors.New("tcp: connection refused")
	ErrTimedOut           = errors.New("tcp: connection timed out")
	ErrHostUnreachable    = errors.New("tcp: host unreachable")
	ErrNetworkUnreachable = errors.New("tcp: network unreachable")
	ErrProtocol           = errors.New("tcp: protocol error")
)

// Application misuse and flow errors.
var (
	ErrWouldBlock    = errors.New("tcp: operation would block")
	ErrInvalidHandle = errors.New("tcp: invalid socket handle")
	ErrNotListening  = errors.New("tcp: socket not listening")
	ErrNotConnected  = errors.New("tcp: socket not connected")
	ErrShutdown      = errors.New("tcp: socket shut down")
	ErrInvalidOption = errors.New("tcp: invalid option")
	ErrInUse         = errors.New("tcp: address in use")
	ErrInvalidAddr   = errors.New("tcp: invalid address")
	ErrNoSockets     = errors.New("tcp: no free sockets")
	ErrMalformed     = errors.New("tcp: malformed segment")
)

// Segment represents an incoming/outgoing TCP segment in the sequence space.
type Segment struct {
	SEQ     Value // sequence number of first octet of segment. If SYN is set it is the initial sequence number and the first data octet is SEQ+1.
	ACK     Value // acknowledgment number, valid when FlagACK is set.
	DATALEN Size  // The number of octets occupied by the data (payload) not counting SYN and FIN.
	WND     Size  // segment window as found on the wire (not scaled).
	Flags   Flags // TCP flags.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return seg.DATALEN + add
}

func (seg Segment) String() string {
	b := make([]byte, 0, 64)
	b = append(b, "<SEQ="...)
	b = strconv.AppendUint(b, uint64(seg.SEQ), 10)
	b = append(b, "><ACK="...)
	b = strconv.AppendUint(b, uint64(seg.ACK), 10)
	if seg.DATALEN > 0 {
		b = append(b, "><DATA="...)
		b = strconv.AppendUint(b, uint64(seg.DATALEN), 10)
	}
	b = append(b, "><WND="...)
	b = strconv.AppendUint(b, uint64(seg.WND), 10)
	b = append(b, ">["...)
	b = seg.Flags.AppendFormat(b)
	b = append(b, ']')
	return string(b)
}

// Flags is a TCP flags bit-masked implementation i.e: SYN, FIN, ACK.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo has a nonce-sum in the SYN/ACK.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum flag (see RFC 3540).
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
	pshack = FlagPSH | FlagACK
	rstack = FlagRST | FlagACK
)


// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns human readable flag string. i.e:
//
//	"[SYN,ACK]"
//
// Flags are printed in order from LSB (FIN) to MSB (NS).
func (flags Flags) String() string {
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case pshack:
		return "[PSH,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	first := true
	for flags = flags.Mask(); flags != 0; flags &= flags - 1 {
		i := bits.TrailingZeros16(uint16(flags))
		if !first {
			b = append(b, ',')
		}
		first = false
		name := strflags[i*flaglen : i*flaglen+flaglen]
		if name[2] == ' ' {
			name = name[:2]
		}
		b = append(b, name...)
	}
	return b
}

// State enumerates states a TCP connection progresses through during its lifetime.
type State uint8

const (
	// CLOSED - no connection state at all.
	StateClosed State = iota // CLOSED
	// LISTEN - waiting for a connection request from any remote TCP and port.
	StateListen // LISTEN
	// SYN-RECEIVED - waiting for a confirming connection request acknowledgment
	// after having both received and sent a connection request.
	StateSynRcvd // SYN-RECEIVED
	// SYN-SENT - waiting for a matching connection request after having sent a connection request.
	StateSynSent // SYN-SENT
	// ESTABLISHED - an open connection, the normal state for data transfer.
	StateEstablished // ESTABLISHED
	// FIN-WAIT-1 - waiting for a connection termination request
	// from the remote TCP, or an acknowledgment of the termination request previously sent.
	StateFinWait1 // FIN-WAIT-1
	// FIN-WAIT-2 - waiting for a connection termination request from the remote TCP.
	StateFinWait2 // FIN-WAIT-2
	// CLOSING - waiting for a connection termination request acknowledgment from the remote TCP.
	StateClosing // CLOSING
	// TIME-WAIT - waiting for enough time to pass to be sure the remote
	// TCP received the acknowledgment of its connection termination request.
	StateTimeWait // TIME-WAIT
	// CLOSE-WAIT - waiting for a connection termination request from the local user.
	StateCloseWait // CLOSE-WAIT
	// LAST-ACK - waiting for an acknowledgment of the connection termination
	// request previously sent to the remote TCP.
	StateLastAck // LAST-ACK
	numStates
)

var stateNames = [numStates]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynRcvd:     "SYN-RECEIVED",
	StateSynSent:     "SYN-SENT",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// IsPreestablished returns true if the connection is in a state preceding the established state.
// Returns false for Closed pseudo state.
func (s State) IsPreestablished() bool {
	return s == StateSynRcvd || s == StateSynSent || s == StateListen
}

// IsSynchronized returns true if the connection has gone through the Established state.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// acceptsData reports whether payload received in this state is delivered to the receive buffer.
func (s State) acceptsData() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// canSendData reports whether queued application data may still be transmitted in this state.
func (s State) canSendData() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
		return true
	}
	return false
}
