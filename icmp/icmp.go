// Package icmp decodes the ICMPv4 error messages that concern a TCP connection.
package icmp

import (
	"encoding/binary"

	"github.com/embedtcp/etcp"
)

// Type is the ICMP message type.
type Type uint8

const (
	TypeEchoReply              Type = 0  // echo reply
	TypeDestinationUnreachable Type = 3  // destination unreachable
	TypeSourceQuench           Type = 4  // source quench
	TypeRedirect               Type = 5  // redirect
	TypeEcho                   Type = 8  // echo
	TypeTimeExceeded           Type = 11 // time exceeded
	TypeParameterProblem       Type = 12 // parameter problem
)

func (t Type) String() string {
	switch t {
	case TypeEchoReply:
		return "echo reply"
	case TypeDestinationUnreachable:
		return "destination unreachable"
	case TypeSourceQuench:
		return "source quench"
	case TypeRedirect:
		return "redirect"
	case TypeEcho:
		return "echo"
	case TypeTimeExceeded:
		return "time exceeded"
	case TypeParameterProblem:
		return "parameter problem"
	}
	return "ICMP type(?)"
}

// IsError reports whether messages of type t quote the offending datagram.
func (t Type) IsError() bool {
	switch t {
	case TypeDestinationUnreachable, TypeSourceQuench, TypeRedirect, TypeTimeExceeded, TypeParameterProblem:
		return true
	}
	return false
}

// CodeDestinationUnreachable is the code of a [TypeDestinationUnreachable] message.
type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable     CodeDestinationUnreachable = iota // net unreachable
	CodeHostUnreachable                                      // host unreachable
	CodeProtoUnreachable                                     // protocol unreachable
	CodePortUnreachable                                      // port unreachable
	CodeFragNeededAndDFSet                                   // fragmentation needed and DF set
	CodeSourceRouteFailed                                    // source route failed
)

const sizeHeader = 8

// Frame wraps the raw bytes of an ICMPv4 message.
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame over buf. An error is returned if buf is shorter than the ICMP header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, etcp.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

// CRC returns the checksum field of the frame.
func (frm Frame) CRC() uint16 { return binary.BigEndian.Uint16(frm.buf[2:4]) }

// SetCRC sets the checksum field of the frame.
func (frm Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(frm.buf[2:4], crc) }

// CRCWrite calculates the checksum of the message treating the checksum field as zero.
func (frm Frame) CRCWrite(crc *etcp.CRC791) uint16 {
	crc.AddUint16(binary.BigEndian.Uint16(frm.buf[0:2]))
	return crc.PayloadSum16(frm.buf[4:])
}

// NextHopMTU returns the MTU field of a fragmentation-needed message (RFC 1191).
func (frm Frame) NextHopMTU() uint16 { return binary.BigEndian.Uint16(frm.buf[6:8]) }

// SetNextHopMTU sets the MTU field. See [Frame.NextHopMTU].
func (frm Frame) SetNextHopMTU(mtu uint16) { binary.BigEndian.PutUint16(frm.buf[6:8], mtu) }

// Quoted returns the leading portion of the datagram that triggered the error.
func (frm Frame) Quoted() []byte { return frm.buf[sizeHeader:] }

// QuotedTCP is the transport information recovered from an error message's quote.
type QuotedTCP struct {
	Src, Dst [4]byte
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
}

// ParseQuotedTCP decodes the IPv4 header and the first 8 octets of the TCP
// header quoted by an ICMP error message.
func (frm Frame) ParseQuotedTCP() (QuotedTCP, error) {
	var q QuotedTCP
	quote := frm.Quoted()
	if len(quote) < 20 {
		return q, etcp.ErrShortBuffer
	}
	ihl := int(quote[0]&0xf) * 4
	if quote[0]>>4 != 4 || ihl < 20 {
		return q, etcp.ErrInvalidField
	} else if etcp.IPProto(quote[9]) != etcp.IPProtoTCP {
		return q, etcp.ErrInvalidField
	} else if len(quote) < ihl+8 {
		return q, etcp.ErrShortBuffer
	}
	copy(q.Src[:], quote[12:16])
	copy(q.Dst[:], quote[16:20])
	tcp := quote[ihl:]
	q.SrcPort = binary.BigEndian.Uint16(tcp[0:2])
	q.DstPort = binary.BigEndian.Uint16(tcp[2:4])
	q.Seq = binary.BigEndian.Uint32(tcp[4:8])
	return q, nil
}
