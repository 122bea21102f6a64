package tcp

import (
	"io"
	"log/slog"
	"time"
)

const (
	// FastTickPeriod is the nominal period between calls to [Stack.FastTick].
	FastTickPeriod = 200 * time.Millisecond
	// SlowTickPeriod is the nominal period between calls to [Stack.SlowTick].
	SlowTickPeriod = 500 * time.Millisecond
)

// Config configures a [Stack]. Zero fields take the documented defaults.
type Config struct {
	// MSS is the largest segment payload the stack will send or advertise. Default 1460.
	MSS uint16
	// RxBufSize and TxBufSize are the per-socket receive and send buffer ceilings. Default 4096.
	RxBufSize int
	TxBufSize int
	// MaxSockets bounds the amount of simultaneously allocated sockets including
	// listener children. Default 16.
	MaxSockets int
	// NoDelay disables Nagle's algorithm on new sockets.
	NoDelay bool
	// InlineUrgent leaves the urgent byte in the data stream instead of
	// extracting it for [Stack.ReadUrgent].
	InlineUrgent bool
	// DiscardOutOfOrder drops out-of-order segments instead of queueing them
	// for reassembly, relying on peer retransmission.
	DiscardOutOfOrder bool
	// KeepAlive enables keepalive probing on new sockets.
	KeepAlive bool
	// KeepIdle is the idle time before the first keepalive probe. Default 2h.
	KeepIdle time.Duration
	// KeepIntvl is the time between unanswered keepalive probes. Default 75s.
	KeepIntvl time.Duration
	// KeepCnt is the amount of unanswered probes before the connection is aborted. Default 8.
	KeepCnt int
	// RTOInitial is the retransmission timeout before any RTT sample. Default 3s.
	RTOInitial time.Duration
	// RTOMin and RTOMax bound the retransmission timeout. Default 1s and 64s.
	RTOMin time.Duration
	RTOMax time.Duration
	// PersistMin and PersistMax bound the zero window probe backoff. Default 5s and 60s.
	PersistMin time.Duration
	PersistMax time.Duration
	// SWSDelay is how long a small segment deferred by Nagle or silly window
	// avoidance may wait before being forced out. Default 500ms.
	SWSDelay time.Duration
	// ConnTimeout bounds the three-way handshake. Default 75s.
	ConnTimeout time.Duration
	// AbortTimeout bounds how long unacknowledged data or probes are retried. Default 120s.
	AbortTimeout time.Duration
	// TimeWait is the 2*MSL wait. Default 60s.
	TimeWait time.Duration
	// FinWait2Timeout bounds FIN-WAIT-2 for sockets released by the application. Default 75s.
	FinWait2Timeout time.Duration
	// Rand is the entropy source for the initial sequence number secret and
	// ephemeral ports. Defaults to crypto/rand.
	Rand io.Reader
	// Logger receives engine logs. Nil disables logging.
	Logger *slog.Logger
}

// tickConfig is Config with durations converted to slow timer ticks.
type tickConfig struct {
	mss               uint16
	rxBuf, txBuf      int
	maxSockets        int
	noDelay           bool
	inlineUrgent      bool
	discardOutOfOrder bool
	keepAlive         bool
	keepIdle          uint32
	keepIntvl         uint32
	keepCnt           uint32
	rtoInitial        uint32
	rtoMin, rtoMax    uint32
	persistMin        uint32
	persistMax        uint32
	sws               uint32
	conn              uint32
	abort             uint32
	timeWait          uint32
	finWait2          uint32
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// toTicks converts d into slow ticks, rounding up, with a minimum of one tick.
func toTicks(d time.Duration) uint32 {
	t := (d + SlowTickPeriod - 1) / SlowTickPeriod
	if t < 1 {
		return 1
	} else if t >= timerOff {
		return timerOff - 1
	}
	return uint32(t)
}

func (cfg *Config) ticks() tickConfig {
	tc := tickConfig{
		mss:               cfg.MSS,
		rxBuf:             cfg.RxBufSize,
		txBuf:             cfg.TxBufSize,
		maxSockets:        cfg.MaxSockets,
		noDelay:           cfg.NoDelay,
		inlineUrgent:      cfg.InlineUrgent,
		discardOutOfOrder: cfg.DiscardOutOfOrder,
		keepAlive:         cfg.KeepAlive,
		keepCnt:           uint32(cfg.KeepCnt),
		keepIdle:          toTicks(durationOr(cfg.KeepIdle, 2*time.Hour)),
		keepIntvl:         toTicks(durationOr(cfg.KeepIntvl, 75*time.Second)),
		rtoInitial:        toTicks(durationOr(cfg.RTOInitial, 3*time.Second)),
		rtoMin:            toTicks(durationOr(cfg.RTOMin, time.Second)),
		rtoMax:            toTicks(durationOr(cfg.RTOMax, 64*time.Second)),
		persistMin:        toTicks(durationOr(cfg.PersistMin, 5*time.Second)),
		persistMax:        toTicks(durationOr(cfg.PersistMax, 60*time.Second)),
		sws:               toTicks(durationOr(cfg.SWSDelay, SlowTickPeriod)),
		conn:              toTicks(durationOr(cfg.ConnTimeout, 75*time.Second)),
		abort:             toTicks(durationOr(cfg.AbortTimeout, 120*time.Second)),
		timeWait:          toTicks(durationOr(cfg.TimeWait, 60*time.Second)),
		finWait2:          toTicks(durationOr(cfg.FinWait2Timeout, 75*time.Second)),
	}
	if tc.mss == 0 {
		tc.mss = 1460
	}
	if tc.rxBuf <= 0 {
		tc.rxBuf = 4096
	}
	if tc.txBuf <= 0 {
		tc.txBuf = 4096
	}
	if tc.maxSockets <= 0 {
		tc.maxSockets = 16
	}
	if tc.keepCnt == 0 {
		tc.keepCnt = 8
	}
	tc.rtoMax = max(tc.rtoMax, tc.rtoMin)
	tc.rtoInitial = min(max(tc.rtoInitial, tc.rtoMin), tc.rtoMax)
	tc.persistMax = max(tc.persistMax, tc.persistMin)
	return tc
}
