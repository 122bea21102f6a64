package tcp

import (
	"log/slog"

	"github.com/embedtcp/etcp/internal"
)

type logger struct {
	log *slog.Logger
}

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(internal.LevelTrace, msg, attrs...)
}

func (l *logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (tcb *ControlBlock) traceSnd(msg string) {
	if tcb.logenabled(internal.LevelTrace) {
		tcb.trace(msg,
			slog.String("state", tcb.state.String()),
			slog.Uint64("snd.seq", uint64(tcb.sndSeq)),
			slog.Uint64("rcv.ack", uint64(tcb.rcvAck)),
			slog.Uint64("snd.wnd", uint64(tcb.sndWnd)),
			slog.Uint64("cwnd", uint64(tcb.cwnd)),
		)
	}
}

func (tcb *ControlBlock) traceRcv(msg string) {
	if tcb.logenabled(internal.LevelTrace) {
		tcb.trace(msg,
			slog.String("state", tcb.state.String()),
			slog.Uint64("snd.ack", uint64(tcb.sndAck)),
			slog.Uint64("rcv.wnd", uint64(tcb.rcvWnd)),
		)
	}
}

func (l *logger) traceSeg(msg string, seg Segment) {
	if l.logenabled(internal.LevelTrace) {
		l.trace(msg,
			slog.Uint64("seg.seq", uint64(seg.SEQ)),
			slog.Uint64("seg.ack", uint64(seg.ACK)),
			slog.Uint64("seg.wnd", uint64(seg.WND)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.data", uint64(seg.DATALEN)),
		)
	}
}
