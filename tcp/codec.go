package tcp

import (
	"net/netip"

	"github.com/embedtcp/etcp"
	"github.com/pkg/errors"
)

// Header is the validated, decoded form of a TCP header.
// A Header is only produced by [Decode] after the segment has been checked
// to be long enough and well formed.
type Header struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       Value
	Ack       Value
	Flags     Flags
	Window    uint16
	Checksum  uint16
	UrgentPtr uint16
	Options   Options
	// HeaderLen is the header length in bytes including options.
	HeaderLen int
}

// Segment returns the sequence space view of the header for a payload of datalen bytes.
func (h *Header) Segment(datalen int) Segment {
	return Segment{
		SEQ:     h.Seq,
		ACK:     h.Ack,
		DATALEN: Size(datalen),
		WND:     Size(h.Window),
		Flags:   h.Flags,
	}
}

// Decode validates wire and returns the decoded header and the payload, which
// aliases wire. The returned error wraps [ErrMalformed] when the buffer is
// shorter than the fixed header or the data offset is out of range.
// A malformed option does not fail decoding: options preceding it are kept.
func Decode(wire []byte) (Header, []byte, error) {
	frm, err := NewFrame(wire)
	if err != nil {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "%d byte segment: %v", len(wire), err)
	}
	var v etcp.Validator
	frm.ValidateSize(&v)
	if err := v.Err(); err != nil {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "data offset %d: %v", frm.HeaderLength(), err)
	}
	offset, flags := frm.OffsetAndFlags()
	hdr := Header{
		SrcPort:   frm.SourcePort(),
		DstPort:   frm.DestinationPort(),
		Seq:       frm.Seq(),
		Ack:       frm.Ack(),
		Flags:     flags,
		Window:    frm.WindowSize(),
		Checksum:  frm.CRC(),
		UrgentPtr: frm.UrgentPtr(),
		HeaderLen: 4 * int(offset),
	}
	hdr.Options, _ = ParseOptions(frm.Options())
	return hdr, frm.Payload(), nil
}

// EncodedLen returns the wire length of hdr followed by payloadLen bytes.
func EncodedLen(hdr Header, payloadLen int) int {
	return sizeHeaderTCP + hdr.Options.size() + payloadLen
}

// Encode writes hdr, its options and payload into dst and returns the amount of
// bytes written. The checksum field is written as found in hdr; see [SetChecksum].
// hdr.HeaderLen is ignored and computed from the options.
func Encode(dst []byte, hdr Header, payload []byte) (int, error) {
	hlen := sizeHeaderTCP + hdr.Options.size()
	if len(dst) < hlen+len(payload) {
		return 0, etcp.ErrShortBuffer
	}
	frm, _ := NewFrame(dst)
	frm.ClearHeader()
	frm.SetSourcePort(hdr.SrcPort)
	frm.SetDestinationPort(hdr.DstPort)
	frm.SetSegment(Segment{SEQ: hdr.Seq, ACK: hdr.Ack, WND: Size(hdr.Window), Flags: hdr.Flags}, uint8(hlen/4))
	frm.SetCRC(hdr.Checksum)
	frm.SetUrgentPtr(hdr.UrgentPtr)
	if _, err := (OptionCodec{}).PutOptions(dst[sizeHeaderTCP:hlen], hdr.Options); err != nil {
		return 0, err
	}
	n := copy(dst[hlen:], payload)
	return hlen + n, nil
}

// pseudoHeaderCRC returns a checksum primed with the IPv4 or IPv6 pseudo-header.
func pseudoHeaderCRC(src, dst netip.Addr, seglen int) etcp.CRC791 {
	var crc etcp.CRC791
	crc.AddAddr(src)
	crc.AddAddr(dst)
	if src.Is4() {
		crc.AddUint16(uint16(etcp.IPProtoTCP))
		crc.AddUint16(uint16(seglen))
	} else {
		crc.AddUint32(uint32(seglen))
		crc.AddUint32(uint32(etcp.IPProtoTCP))
	}
	return crc
}

// Checksum computes the checksum of seg over the pseudo-header, including
// whatever value the checksum field currently holds.
func Checksum(seg []byte, src, dst netip.Addr) uint16 {
	crc := pseudoHeaderCRC(src, dst, len(seg))
	return crc.PayloadSum16(seg)
}

// SetChecksum computes and writes the checksum field of the encoded segment seg.
func SetChecksum(seg []byte, src, dst netip.Addr) {
	frm := Frame{buf: seg}
	frm.SetCRC(0)
	frm.SetCRC(Checksum(seg, src, dst))
}

// VerifyChecksum reports whether seg carries a valid checksum, i.e. the
// ones' complement sum over pseudo-header and segment is zero.
func VerifyChecksum(seg []byte, src, dst netip.Addr) bool {
	return len(seg) >= sizeHeaderTCP && Checksum(seg, src, dst) == 0
}
