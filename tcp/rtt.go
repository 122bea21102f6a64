package tcp

import "log/slog"

// Jacobson/Karels estimator fixed point shifts.
const (
	rttShift    = 3 // srtt is scaled by 8.
	rttvarShift = 2 // rttvar is scaled by 4.
)

// startRTT begins timing a round trip ending when seq is acknowledged.
// Only one sample is timed at a time.
func (tcb *ControlBlock) startRTT(seq Value) {
	if tcb.has(flagRTTActive) {
		return
	}
	tcb.set(flagRTTActive)
	tcb.rttTicks = 0
	tcb.rttSeq = seq
}

// cancelRTT discards the running sample. Called whenever the timed
// segment may have been retransmitted (Karn's algorithm).
func (tcb *ControlBlock) cancelRTT() { tcb.unset(flagRTTActive) }

// ackRTT completes the running sample if ack covers it.
func (tcb *ControlBlock) ackRTT(ack Value, cfg *tickConfig) {
	if !tcb.has(flagRTTActive) || !LessThan(tcb.rttSeq, ack) {
		return
	}
	tcb.unset(flagRTTActive)
	tcb.updateRTO(int32(max(tcb.rttTicks, 1)), cfg)
}

// updateRTO feeds a round trip measurement of m ticks into the smoothed estimators.
func (tcb *ControlBlock) updateRTO(m int32, cfg *tickConfig) {
	if tcb.srtt == 0 {
		tcb.srtt = m << rttShift
		tcb.rttvar = m << (rttvarShift - 1) // m/2 scaled by 4.
	} else {
		delta := m - tcb.srtt>>rttShift
		tcb.srtt += delta
		if tcb.srtt <= 0 {
			tcb.srtt = 1
		}
		if delta < 0 {
			delta = -delta
		}
		delta -= tcb.rttvar >> rttvarShift
		tcb.rttvar += delta
		if tcb.rttvar <= 0 {
			tcb.rttvar = 1
		}
	}
	// rto = srtt + 4*rttvar.
	rto := uint32(tcb.srtt>>rttShift + tcb.rttvar)
	tcb.rto = min(max(rto, cfg.rtoMin), cfg.rtoMax)
	tcb.crto.SetStart(tcb.rto)
	tcb.trace("tcb:rtt",
		slog.Int64("sample", int64(m)),
		slog.Int64("srtt", int64(tcb.srtt)),
		slog.Int64("rttvar", int64(tcb.rttvar)),
		slog.Uint64("rto", uint64(tcb.rto)),
	)
}
