package tcp

// Event is an input to the connection state machine.
type Event uint8

const (
	_             Event = iota
	EvOpenActive        // application active open
	EvOpenPassive       // application passive open
	EvSyn               // SYN received (listener or simultaneous open)
	EvSynAck            // SYN+ACK acknowledging our SYN received
	EvAck               // final handshake ACK received
	EvFin               // in-order FIN received
	EvFinAcked          // our FIN acknowledged
	EvClose             // application close or write shutdown
	EvTimeout           // connection timer expiry
	EvReset             // connection reset or abort
	EvSegment           // any other acceptable segment
	numEvents
)

func (ev Event) String() string {
	switch ev {
	case EvOpenActive:
		return "open-active"
	case EvOpenPassive:
		return "open-passive"
	case EvSyn:
		return "syn"
	case EvSynAck:
		return "syn-ack"
	case EvAck:
		return "ack"
	case EvFin:
		return "fin"
	case EvFinAcked:
		return "fin-acked"
	case EvClose:
		return "close"
	case EvTimeout:
		return "timeout"
	case EvReset:
		return "reset"
	case EvSegment:
		return "segment"
	}
	return "event(?)"
}

// Action is a bitmask of side effects requested by [Transition].
type Action uint16

const (
	ActSendSyn     Action = 1 << iota // send SYN
	ActSendSynAck                     // send SYN+ACK
	ActSendAck                        // acknowledge immediately
	ActSendFin                        // queue FIN after pending data
	ActSendRst                        // reply RST to the offending segment
	ActArmTimeWait                    // stop all timers and arm the 2*MSL timer
	ActEstablished                    // connection became established
	ActDelete                         // connection fully closed, release state
	ActInvalid                        // event not valid in state, state unchanged
)

// Transition is the connection state machine. It returns the state following
// s on event ev and the actions the caller must perform. Pairs not listed
// return s unchanged and [ActInvalid].
func Transition(s State, ev Event) (State, Action) {
	switch ev {
	case EvReset:
		if s == StateListen {
			return s, 0 // RST is never acted upon by a listener.
		}
		return StateClosed, ActDelete
	case EvSegment:
		if s == StateTimeWait {
			return s, ActSendRst
		}
		return s, 0
	}

	switch s {
	case StateClosed:
		switch ev {
		case EvOpenActive:
			return StateSynSent, ActSendSyn
		case EvOpenPassive:
			return StateListen, 0
		case EvClose:
			return StateClosed, ActDelete
		}

	case StateListen:
		switch ev {
		case EvSyn:
			return StateSynRcvd, ActSendSynAck
		case EvClose:
			return StateClosed, ActDelete
		}

	case StateSynSent:
		switch ev {
		case EvSynAck:
			return StateEstablished, ActSendAck | ActEstablished
		case EvSyn:
			return StateSynRcvd, ActSendSynAck
		case EvClose, EvTimeout:
			return StateClosed, ActDelete
		}

	case StateSynRcvd:
		switch ev {
		case EvAck:
			return StateEstablished, ActEstablished
		case EvSyn:
			return StateSynRcvd, ActSendSynAck
		case EvClose:
			return StateFinWait1, ActSendFin
		case EvTimeout:
			return StateClosed, ActDelete
		}

	case StateEstablished:
		switch ev {
		case EvFin:
			return StateCloseWait, ActSendAck
		case EvClose:
			return StateFinWait1, ActSendFin
		case EvTimeout:
			return StateClosed, ActDelete
		}

	case StateFinWait1:
		switch ev {
		case EvFinAcked:
			return StateFinWait2, 0
		case EvFin:
			return StateClosing, ActSendAck
		case EvClose:
			return StateFinWait1, 0
		case EvTimeout:
			return StateClosed, ActDelete
		}

	case StateFinWait2:
		switch ev {
		case EvFin:
			return StateTimeWait, ActSendAck | ActArmTimeWait
		case EvClose:
			return StateFinWait2, 0
		case EvTimeout:
			return StateClosed, ActDelete
		}

	case StateCloseWait:
		switch ev {
		case EvClose:
			return StateLastAck, ActSendFin
		case EvTimeout:
			return StateClosed, ActDelete
		}

	case StateClosing:
		switch ev {
		case EvFinAcked:
			return StateTimeWait, ActArmTimeWait
		case EvClose:
			return StateClosing, 0
		case EvTimeout:
			return StateClosed, ActDelete
		}

	case StateLastAck:
		switch ev {
		case EvFinAcked, EvTimeout:
			return StateClosed, ActDelete
		case EvClose:
			return StateLastAck, 0
		}

	case StateTimeWait:
		switch ev {
		case EvFin:
			return StateTimeWait, ActSendAck | ActArmTimeWait
		case EvClose:
			return StateTimeWait, 0
		case EvTimeout:
			return StateClosed, ActDelete
		}
	}
	return s, ActInvalid
}
