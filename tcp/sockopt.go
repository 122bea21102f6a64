package tcp

import (
	"time"

	"github.com/pkg/errors"
)

// Option names a per-socket option of [Stack.SetOption] and [Stack.GetOption].
type Option uint8

const (
	_ Option = iota
	// OptMSS limits the maximum segment size. Takes effect on new handshakes
	// and lowers the send MSS of synchronized connections.
	OptMSS
	// OptNoDelay disables Nagle's algorithm when non-zero.
	OptNoDelay
	// OptKeepAlive enables keepalive probing when non-zero.
	OptKeepAlive
	// OptKeepIdle is the idle time in seconds before the first keepalive probe.
	OptKeepIdle
	// OptKeepIntvl is the time in seconds between keepalive probes.
	OptKeepIntvl
	// OptKeepCnt is the amount of unanswered keepalive probes before abort.
	OptKeepCnt
	// OptFinRcvd is non-zero once the peer's FIN has been received. Read only.
	OptFinRcvd
	// OptUrgRcvd is non-zero while unread urgent data is pending. Read only.
	OptUrgRcvd
)

func (opt Option) String() string {
	switch opt {
	case OptMSS:
		return "MSS"
	case OptNoDelay:
		return "NODELAY"
	case OptKeepAlive:
		return "KEEPALIVE"
	case OptKeepIdle:
		return "KEEPIDLE"
	case OptKeepIntvl:
		return "KEEPINTVL"
	case OptKeepCnt:
		return "KEEPCNT"
	case OptFinRcvd:
		return "FINRCVD"
	case OptUrgRcvd:
		return "URGRCVD"
	}
	return "Option(?)"
}

func secondsToTicks(v int) uint32 { return toTicks(time.Duration(v) * time.Second) }

func ticksToSeconds(t uint32) int {
	return int(time.Duration(t) * SlowTickPeriod / time.Second)
}

// SetOption sets a socket option.
func (s *Stack) SetOption(h Handle, opt Option, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return err
	}
	ccb := &sk.ccb
	switch opt {
	case OptMSS:
		if value <= 0 || value > int(s.cfg.mss) {
			return errors.Wrapf(ErrInvalidOption, "MSS %d out of range (0,%d]", value, s.cfg.mss)
		}
		sk.mss = uint16(value)
		if ccb.state.IsSynchronized() {
			ccb.sndMSS = min(ccb.sndMSS, sk.mss)
		} else {
			ccb.rcvMSS = s.localMSS(sk)
		}
	case OptNoDelay:
		setFlag(ccb, flagNoDelay, value != 0)
		if value != 0 {
			s.output(sk)
		}
	case OptKeepAlive:
		setFlag(ccb, flagKeepAlive, value != 0)
		switch {
		case value == 0:
			ccb.stop(timerKeep)
			ccb.unset(flagKeepProbing)
		case ccb.state == StateEstablished && !ccb.armed(timerKeep):
			ccb.arm(timerKeep, ccb.keepIdle)
		}
	case OptKeepIdle, OptKeepIntvl, OptKeepCnt:
		if value <= 0 {
			return errors.Wrapf(ErrInvalidOption, "%s must be positive, got %d", opt, value)
		}
		switch opt {
		case OptKeepIdle:
			ccb.keepIdle = secondsToTicks(value)
			if ccb.armed(timerKeep) && !ccb.has(flagKeepProbing) {
				ccb.arm(timerKeep, ccb.keepIdle)
			}
		case OptKeepIntvl:
			ccb.keepIntvl = secondsToTicks(value)
		default:
			ccb.keepCnt = uint32(value)
		}
	case OptFinRcvd, OptUrgRcvd:
		return errors.Wrapf(ErrInvalidOption, "%s is read only", opt)
	default:
		return errors.Wrapf(ErrInvalidOption, "unknown option %d", opt)
	}
	return nil
}

// GetOption returns the value of a socket option.
func (s *Stack) GetOption(h Handle, opt Option) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, err := s.sock(h)
	if err != nil {
		return 0, err
	}
	ccb := &sk.ccb
	switch opt {
	case OptMSS:
		if ccb.state.IsSynchronized() {
			return int(ccb.sndMSS), nil
		}
		return int(s.localMSS(sk)), nil
	case OptNoDelay:
		return b2i(ccb.has(flagNoDelay)), nil
	case OptKeepAlive:
		return b2i(ccb.has(flagKeepAlive)), nil
	case OptKeepIdle:
		return ticksToSeconds(ccb.keepIdle), nil
	case OptKeepIntvl:
		return ticksToSeconds(ccb.keepIntvl), nil
	case OptKeepCnt:
		return int(ccb.keepCnt), nil
	case OptFinRcvd:
		return b2i(ccb.has(flagFinRcvd)), nil
	case OptUrgRcvd:
		return b2i(ccb.has(flagUrgRcvd)), nil
	}
	return 0, errors.Wrapf(ErrInvalidOption, "unknown option %d", opt)
}

func setFlag(ccb *ControlBlock, f ccbFlags, on bool) {
	if on {
		ccb.set(f)
	} else {
		ccb.unset(f)
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
