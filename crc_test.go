package etcp_test

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/embedtcp/etcp"
	"github.com/embedtcp/etcp/tcp"
	"github.com/google/netstack/tcpip/header"
)

// Captured Ethernet frames carrying IPv4 TCP SYNs.
var tcpPackets = [][]byte{
	{0xc0, 0xff, 0xee, 0x00, 0xde, 0xad, 0x4e, 0x8b, 0x3a, 0xf9, 0xfb, 0x6b, 0x08, 0x00, 0x45, 0x00,
		0x00, 0x3c, 0x01, 0xbe, 0x40, 0x00, 0x40, 0x06, 0xa3, 0xaa, 0xc0, 0xa8, 0x0a, 0x01, 0xc0, 0xa8,
		0x0a, 0x02, 0xe7, 0x0a, 0x00, 0x50, 0x40, 0x60, 0xd5, 0xcc, 0x00, 0x00, 0x00, 0x00, 0xa0, 0x02,
		0xfa, 0xf0, 0x62, 0xbc, 0x00, 0x00, 0x02, 0x04, 0x05, 0xb4, 0x04, 0x02, 0x08, 0x0a, 0xbb, 0xac,
		0x9b, 0xca, 0x00, 0x00, 0x00, 0x00, 0x01, 0x03, 0x03, 0x07},
	{0xc0, 0xff, 0xee, 0x00, 0xde, 0xad, 0x4e, 0x8b, 0x3a, 0xf9, 0xfb, 0x6b, 0x08, 0x00, 0x45, 0x00,
		0x00, 0x3c, 0xfa, 0xfd, 0x40, 0x00, 0x40, 0x06, 0xaa, 0x6a, 0xc0, 0xa8, 0x0a, 0x01, 0xc0, 0xa8,
		0x0a, 0x02, 0xe7, 0x0e, 0x00, 0x50, 0x9c, 0xdc, 0xfe, 0x05, 0x00, 0x00, 0x00, 0x00, 0xa0, 0x02,
		0xfa, 0xf0, 0xde, 0x02, 0x00, 0x00, 0x02, 0x04, 0x05, 0xb4, 0x04, 0x02, 0x08, 0x0a, 0xbb, 0xac,
		0x9b, 0xca, 0x00, 0x00, 0x00, 0x00, 0x01, 0x03, 0x03, 0x07},
}

const (
	ethLen  = 14
	ipv4Len = 20
)

func TestIPv4TCPChecksum(t *testing.T) {
	for i, pkt := range tcpPackets {
		ip := pkt[ethLen : ethLen+ipv4Len]
		var crc etcp.CRC791
		crc.WriteEven(ip)
		if got := crc.Sum16(); got != 0 {
			t.Errorf("packet %d: IPv4 header sums to %#x, want 0", i, got)
		}
		src := netip.AddrFrom4([4]byte(ip[12:16]))
		dst := netip.AddrFrom4([4]byte(ip[16:20]))
		seg := pkt[ethLen+ipv4Len:]
		if !tcp.VerifyChecksum(seg, src, dst) {
			t.Errorf("packet %d: TCP checksum rejected", i)
		}
		hdr, _, err := tcp.Decode(seg)
		if err != nil {
			t.Fatal(err)
		}
		if !hdr.Options.HasMSS || hdr.Options.MSS != 1460 || !hdr.Options.HasWS || hdr.Options.WindowScale != 7 {
			t.Errorf("packet %d: options %+v", i, hdr.Options)
		}
		// Recompute from scratch.
		tmp := append([]byte(nil), seg...)
		tcp.SetChecksum(tmp, src, dst)
		if hdr.Checksum != mustDecode(t, tmp).Checksum {
			t.Errorf("packet %d: recomputed checksum differs", i)
		}
	}
}

func mustDecode(t *testing.T, seg []byte) tcp.Header {
	t.Helper()
	hdr, _, err := tcp.Decode(seg)
	if err != nil {
		t.Fatal(err)
	}
	return hdr
}

func TestCRC791MatchesNetstack(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 257)
	for i := 0; i < 256; i++ {
		data := buf[:rng.Intn(len(buf))]
		rng.Read(data)
		var crc etcp.CRC791
		got := crc.PayloadSum16(data)
		want := ^header.Checksum(data, 0)
		if got != want {
			t.Fatalf("%d byte buffer: got %#x, want %#x", len(data), got, want)
		}
	}
}
