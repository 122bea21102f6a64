package icmp

import (
	"encoding/binary"
	"testing"

	"github.com/embedtcp/etcp"
)

func quotedFrame(t *testing.T, proto etcp.IPProto) Frame {
	t.Helper()
	buf := make([]byte, sizeHeader+20+8)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetType(TypeDestinationUnreachable)
	frm.SetCode(uint8(CodePortUnreachable))
	ip := buf[sizeHeader:]
	ip[0] = 0x45
	ip[9] = byte(proto)
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	binary.BigEndian.PutUint16(ip[20:], 1234)
	binary.BigEndian.PutUint16(ip[22:], 80)
	binary.BigEndian.PutUint32(ip[24:], 0xdeadbeef)
	return frm
}

func TestParseQuotedTCP(t *testing.T) {
	frm := quotedFrame(t, etcp.IPProtoTCP)
	q, err := frm.ParseQuotedTCP()
	if err != nil {
		t.Fatal(err)
	}
	if q.SrcPort != 1234 || q.DstPort != 80 || q.Seq != 0xdeadbeef {
		t.Errorf("bad quote %+v", q)
	}
	if q.Dst != [4]byte{10, 0, 0, 2} {
		t.Errorf("bad destination %v", q.Dst)
	}
	if !frm.Type().IsError() {
		t.Error("destination unreachable must be an error type")
	}
}

func TestParseQuotedTCPRejects(t *testing.T) {
	frm := quotedFrame(t, etcp.IPProtoUDP)
	if _, err := frm.ParseQuotedTCP(); err != etcp.ErrInvalidField {
		t.Errorf("want ErrInvalidField for UDP quote, got %v", err)
	}
	short, _ := NewFrame(make([]byte, sizeHeader+10))
	if _, err := short.ParseQuotedTCP(); err != etcp.ErrShortBuffer {
		t.Errorf("want ErrShortBuffer, got %v", err)
	}
	if _, err := NewFrame(make([]byte, 4)); err == nil {
		t.Error("want error for short frame")
	}
}
