package tcp

import (
	"bytes"
	"math"
	"net/netip"
	"testing"
	"time"
)

func testTickConfig() tickConfig {
	cfg := testConfig()
	return cfg.ticks()
}

func TestCongestionWindow(t *testing.T) {
	var tcb ControlBlock
	tcb.sndMSS = 100
	tcb.initCongestion()
	if tcb.cwnd != 100 || tcb.ssthresh != math.MaxUint16 {
		t.Fatalf("cwnd=%d ssthresh=%d", tcb.cwnd, tcb.ssthresh)
	}
	// Slow start grows by the acknowledged amount.
	tcb.congestionAck(100)
	tcb.congestionAck(200)
	if tcb.cwnd != 400 {
		t.Fatalf("slow start cwnd=%d, want 400", tcb.cwnd)
	}
	tcb.halveCongestion()
	if tcb.ssthresh != 200 || tcb.cwnd != 200 {
		t.Fatalf("after halving cwnd=%d ssthresh=%d, want 200", tcb.cwnd, tcb.ssthresh)
	}
	// Congestion avoidance: one MSS per cwnd worth of acknowledged bytes.
	tcb.cwnd = 201
	tcb.congestionAck(150)
	if tcb.cwnd != 201 {
		t.Fatalf("cwnd grew early to %d", tcb.cwnd)
	}
	tcb.congestionAck(150)
	if tcb.cwnd != 301 || tcb.pcount != 99 {
		t.Fatalf("cwnd=%d pcount=%d, want 301 and 99", tcb.cwnd, tcb.pcount)
	}
	// The floor is two segments.
	tcb.cwnd = 100
	tcb.halveCongestion()
	if tcb.cwnd != 200 {
		t.Fatalf("halving below floor gave %d", tcb.cwnd)
	}
}

func TestUpdateRTO(t *testing.T) {
	cfg := testTickConfig() // rtoMin 2 ticks, rtoMax 128 ticks.
	var tcb ControlBlock
	tcb.reset(&cfg, nil)
	tcb.updateRTO(1, &cfg)
	if tcb.srtt != 8 || tcb.rttvar != 2 {
		t.Fatalf("first sample srtt=%d rttvar=%d, want 8 and 2", tcb.srtt, tcb.rttvar)
	}
	if tcb.rto != 3 || tcb.crto.Wait() != 3 {
		t.Fatalf("rto=%d wait=%d, want 3", tcb.rto, tcb.crto.Wait())
	}
	for range 50 {
		tcb.updateRTO(1000, &cfg)
	}
	if tcb.rto != cfg.rtoMax {
		t.Fatalf("rto=%d not clamped to max %d", tcb.rto, cfg.rtoMax)
	}
	for range 200 {
		tcb.updateRTO(1, &cfg)
	}
	if tcb.rto > 4 {
		t.Fatalf("rto=%d did not converge after short samples", tcb.rto)
	}
	if tcb.rto < cfg.rtoMin {
		t.Fatalf("rto=%d below min %d", tcb.rto, cfg.rtoMin)
	}
}

func TestRTTSampleKarn(t *testing.T) {
	cfg := testTickConfig()
	var tcb ControlBlock
	tcb.reset(&cfg, nil)
	tcb.startRTT(100)
	tcb.startRTT(200) // Ignored while a sample runs.
	if tcb.rttSeq != 100 {
		t.Fatalf("second start replaced sample seq with %d", tcb.rttSeq)
	}
	tcb.rttTicks = 4
	tcb.ackRTT(100, &cfg)
	if !tcb.has(flagRTTActive) {
		t.Fatal("ACK not covering the timed byte completed the sample")
	}
	tcb.cancelRTT()
	tcb.ackRTT(101, &cfg)
	if tcb.srtt != 0 {
		t.Fatal("cancelled sample was measured")
	}
	tcb.startRTT(100)
	tcb.rttTicks = 4
	tcb.ackRTT(101, &cfg)
	if tcb.srtt != 4<<rttShift {
		t.Fatalf("srtt=%d, want %d", tcb.srtt, 4<<rttShift)
	}
}

func TestTimers(t *testing.T) {
	var tcb ControlBlock
	tcb.stopAll()
	if tcb.tick(timerRexmt) {
		t.Fatal("disarmed timer expired")
	}
	tcb.arm(timerRexmt, 0)
	if !tcb.armed(timerRexmt) || tcb.timers[timerRexmt] != 1 {
		t.Fatal("zero tick arm not rounded up to one tick")
	}
	tcb.arm(timerRexmt, 2)
	if tcb.tick(timerRexmt) {
		t.Fatal("expired early")
	}
	if !tcb.tick(timerRexmt) {
		t.Fatal("did not expire")
	}
	if tcb.armed(timerRexmt) {
		t.Fatal("expired timer left armed")
	}
}

func TestWindowShift(t *testing.T) {
	tests := []struct {
		size int
		want uint8
	}{
		{size: 0, want: 0},
		{size: 65535, want: 0},
		{size: 65536, want: 1},
		{size: 1 << 20, want: 5},
		{size: math.MaxInt32, want: maxWindowScale},
	}
	for _, tc := range tests {
		if got := windowShift(tc.size); got != tc.want {
			t.Errorf("windowShift(%d)=%d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestApplySynOptions(t *testing.T) {
	var tcb ControlBlock
	tcb.rcvScale = 3
	tcb.applySynOptions(Options{MSS: 1460, HasMSS: true, WindowScale: 4, HasWS: true}, 1000, true)
	if tcb.sndMSS != 1000 || !tcb.has(flagWSOK) || tcb.sndScale != 4 || tcb.rcvScale != 3 {
		t.Fatalf("mss=%d ws=%v snd=%d rcv=%d", tcb.sndMSS, tcb.has(flagWSOK), tcb.sndScale, tcb.rcvScale)
	}
	// Scaling is only used when both sides offered it.
	tcb.applySynOptions(Options{HasWS: true, WindowScale: 4}, 1000, false)
	if tcb.sndMSS != 536 || tcb.has(flagWSOK) || tcb.sndScale != 0 || tcb.rcvScale != 0 {
		t.Fatalf("mss=%d ws=%v snd=%d rcv=%d", tcb.sndMSS, tcb.has(flagWSOK), tcb.sndScale, tcb.rcvScale)
	}
}

func TestConfigTicks(t *testing.T) {
	var cfg Config
	tc := cfg.ticks()
	if tc.mss != 1460 || tc.rxBuf != 4096 || tc.txBuf != 4096 || tc.maxSockets != 16 || tc.keepCnt != 8 {
		t.Fatalf("bad defaults %+v", tc)
	}
	if tc.rtoInitial != 6 || tc.rtoMin != 2 || tc.rtoMax != 128 || tc.timeWait != 120 || tc.sws != 1 {
		t.Fatalf("bad timer defaults %+v", tc)
	}
	if toTicks(0) != 1 || toTicks(time.Millisecond) != 1 || toTicks(501*time.Millisecond) != 2 {
		t.Fatal("toTicks does not round up")
	}
	cfg = Config{RTOMin: 10 * time.Second, RTOMax: time.Second, RTOInitial: time.Second}
	tc = cfg.ticks()
	if tc.rtoMax != tc.rtoMin || tc.rtoInitial != tc.rtoMin {
		t.Fatalf("RTO bounds not reconciled: init=%d min=%d max=%d", tc.rtoInitial, tc.rtoMin, tc.rtoMax)
	}
}

func TestISSGenerator(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:80")
	b := netip.MustParseAddrPort("10.0.0.2:4000")
	c := netip.MustParseAddrPort("10.0.0.2:4001")
	secret := bytes.Repeat([]byte{7}, 64)

	var g1, g2 ISSGenerator
	if err := g1.Reset(ISSConfig{Rand: bytes.NewReader(secret)}); err != nil {
		t.Fatal(err)
	}
	if err := g2.Reset(ISSConfig{Rand: bytes.NewReader(secret)}); err != nil {
		t.Fatal(err)
	}
	if g1.ISS(a, b) != g2.ISS(a, b) {
		t.Fatal("same secret and tuple gave different ISS")
	}
	if g1.ISS(a, b) == g1.ISS(a, c) {
		t.Fatal("different tuples gave the same ISS")
	}
	before := g1.ISS(a, b)
	g1.Tick()
	if got := Sizeof(before, g1.ISS(a, b)); got != Size(issClockRate) {
		t.Fatalf("tick advanced ISS by %d, want %d", got, issClockRate)
	}
	if err := g1.Reset(ISSConfig{Rand: bytes.NewReader(nil)}); err == nil {
		t.Fatal("expected error from empty entropy source")
	}
}
