package tcp

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/netstack/tcpip/header"
)

var (
	codecSrc = netip.MustParseAddr("192.168.1.10")
	codecDst = netip.MustParseAddr("192.168.1.20")
)

// netstackChecksum sums seg and the IPv4 pseudo-header with netstack's
// implementation. A valid segment sums to 0xffff.
func netstackChecksum(seg []byte, src, dst netip.Addr) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], src.AsSlice())
	copy(pseudo[4:8], dst.AsSlice())
	pseudo[9] = uint8(header.TCPProtocolNumber)
	binary.BigEndian.PutUint16(pseudo[10:], uint16(len(seg)))
	return header.Checksum(seg, header.Checksum(pseudo[:], 0))
}

func TestEncodeMatchesNetstack(t *testing.T) {
	hdr := Header{
		SrcPort:   4000,
		DstPort:   80,
		Seq:       0xdeadbeef,
		Ack:       0x01020304,
		Flags:     synack,
		Window:    8192,
		UrgentPtr: 0,
		Options:   Options{MSS: 1460, HasMSS: true, WindowScale: 7, HasWS: true},
	}
	payload := []byte("hello")
	buf := make([]byte, EncodedLen(hdr, len(payload)))
	n, err := Encode(buf, hdr, payload)
	if err != nil {
		t.Fatal(err)
	} else if n != len(buf) {
		t.Fatalf("wrote %d bytes, want %d", n, len(buf))
	}
	SetChecksum(buf, codecSrc, codecDst)

	ns := header.TCP(buf)
	got := header.TCPFields{
		SrcPort:    ns.SourcePort(),
		DstPort:    ns.DestinationPort(),
		SeqNum:     ns.SequenceNumber(),
		AckNum:     ns.AckNumber(),
		DataOffset: ns.DataOffset(),
		Flags:      ns.Flags(),
		WindowSize: ns.WindowSize(),
	}
	want := header.TCPFields{
		SrcPort:    4000,
		DstPort:    80,
		SeqNum:     0xdeadbeef,
		AckNum:     0x01020304,
		DataOffset: header.TCPMinimumSize + 8,
		Flags:      header.TCPFlagSyn | header.TCPFlagAck,
		WindowSize: 8192,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("netstack view mismatch (-want +got):\n%s", diff)
	}
	syn := header.ParseSynOptions(ns.Options(), true)
	if syn.MSS != 1460 || syn.WS != 7 {
		t.Errorf("netstack parsed MSS=%d WS=%d, want 1460 and 7", syn.MSS, syn.WS)
	}
	if sum := netstackChecksum(buf, codecSrc, codecDst); sum != 0xffff {
		t.Errorf("netstack checksum sum %#x, want 0xffff", sum)
	}
	if !VerifyChecksum(buf, codecSrc, codecDst) {
		t.Error("VerifyChecksum rejected our own checksum")
	}
	if string(ns.Payload()) != "hello" {
		t.Errorf("netstack payload %q", ns.Payload())
	}
}

func TestDecodeNetstackSegment(t *testing.T) {
	const optLen = 4
	buf := make([]byte, header.TCPMinimumSize+optLen+3)
	ns := header.TCP(buf)
	ns.Encode(&header.TCPFields{
		SrcPort:    1234,
		DstPort:    5678,
		SeqNum:     100,
		AckNum:     200,
		DataOffset: header.TCPMinimumSize + optLen,
		Flags:      header.TCPFlagAck | header.TCPFlagPsh,
		WindowSize: 512,
	})
	header.EncodeMSSOption(1200, buf[header.TCPMinimumSize:])
	copy(buf[header.TCPMinimumSize+optLen:], "abc")
	SetChecksum(buf, codecSrc, codecDst)
	if sum := netstackChecksum(buf, codecSrc, codecDst); sum != 0xffff {
		t.Fatalf("netstack rejects our checksum: sum %#x", sum)
	}

	got, payload, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := Header{
		SrcPort:   1234,
		DstPort:   5678,
		Seq:       100,
		Ack:       200,
		Flags:     pshack,
		Window:    512,
		Options:   Options{MSS: 1200, HasMSS: true},
		HeaderLen: header.TCPMinimumSize + optLen,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Header{}, "Checksum")); diff != "" {
		t.Errorf("decoded header mismatch (-want +got):\n%s", diff)
	}
	if string(payload) != "abc" {
		t.Errorf("payload %q, want %q", payload, "abc")
	}
}

func TestEncodeDecodeIPv6Checksum(t *testing.T) {
	src := netip.MustParseAddr("fe80::1")
	dst := netip.MustParseAddr("fe80::2")
	hdr := Header{SrcPort: 1, DstPort: 2, Seq: 3, Flags: FlagSYN, Window: 100}
	var buf [64]byte
	n, err := Encode(buf[:], hdr, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	SetChecksum(buf[:n], src, dst)
	if !VerifyChecksum(buf[:n], src, dst) {
		t.Fatal("IPv6 checksum failed verification")
	}
	buf[n-1] ^= 0xff
	if VerifyChecksum(buf[:n], src, dst) {
		t.Fatal("corrupted segment passed verification")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid := make([]byte, 40)
	n, err := Encode(valid, Header{Flags: FlagACK}, nil)
	if err != nil {
		t.Fatal(err)
	}
	valid = valid[:n]

	tests := []struct {
		name string
		buf  func() []byte
	}{
		{name: "short", buf: func() []byte { return valid[:sizeHeaderTCP-1] }},
		{name: "empty", buf: func() []byte { return nil }},
		{name: "offset below minimum", buf: func() []byte {
			b := append([]byte(nil), valid...)
			b[12] = 4 << 4
			return b
		}},
		{name: "offset past end", buf: func() []byte {
			b := append([]byte(nil), valid...)
			b[12] = 15 << 4
			return b
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode(tc.buf())
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeKeepsOptionsBeforeMalformed(t *testing.T) {
	buf := make([]byte, sizeHeaderTCP+8)
	hdr := Header{Flags: FlagSYN, Options: Options{MSS: 900, HasMSS: true}}
	if _, err := Encode(buf, hdr, nil); err != nil {
		t.Fatal(err)
	}
	// Window scale option with a bad length after the MSS.
	buf[12] = 7 << 4
	copy(buf[sizeHeaderTCP+4:], []byte{byte(OptWindowScale), 9, 1, 0})
	got, _, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	want := Options{MSS: 900, HasMSS: true}
	if diff := cmp.Diff(want, got.Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeShortBuffer(t *testing.T) {
	var buf [sizeHeaderTCP + 2]byte
	_, err := Encode(buf[:], Header{Options: Options{HasMSS: true, MSS: 1}}, nil)
	if err == nil {
		t.Fatal("expected error encoding into short buffer")
	}
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		want    Options
		wantErr bool
	}{
		{name: "empty"},
		{name: "mss", raw: []byte{2, 4, 0x05, 0xb4}, want: Options{MSS: 1460, HasMSS: true}},
		{name: "nop ws", raw: []byte{1, 3, 3, 6}, want: Options{WindowScale: 6, HasWS: true}},
		{name: "ws clamped", raw: []byte{3, 3, 20, 0}, want: Options{WindowScale: maxWindowScale, HasWS: true}},
		{name: "end stops", raw: []byte{0, 2, 4, 0x05, 0xb4}},
		{name: "unknown skipped", raw: []byte{30, 4, 0xff, 0xff, 2, 4, 0x01, 0x00}, want: Options{MSS: 256, HasMSS: true}},
		{name: "sack permitted ignored", raw: []byte{4, 2, 1, 1}},
		{name: "bad mss length", raw: []byte{2, 3, 0x05}, wantErr: true},
		{name: "truncated", raw: []byte{2, 4, 0x05}, wantErr: true},
		{name: "missing length", raw: []byte{1, 2}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseOptions(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("options mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPutOptionsLayout(t *testing.T) {
	var buf [8]byte
	n, err := OptionCodec{}.PutOptions(buf[:], Options{MSS: 0x1234, HasMSS: true, WindowScale: 3, HasWS: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 4, 0x12, 0x34, 1, 3, 3, 3}
	if diff := cmp.Diff(want, buf[:n]); diff != "" {
		t.Errorf("encoded options mismatch (-want +got):\n%s", diff)
	}
}
