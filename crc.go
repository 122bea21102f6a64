package etcp

import (
	"encoding/binary"
	"net/netip"
)

// CRC791 is the Internet checksum as defined by RFC 791: the 16-bit ones'
// complement of the ones' complement sum of all 16-bit words covered.
// A trailing odd octet is padded on the right with zeros.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum uint32
}

func fold16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	// max value of sum at this point is 0x1fffe, one more fold is enough.
	return ^uint16(sum + sum>>16)
}

func sumEven(sum uint32, buf []byte) uint32 {
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buf[i:]))
	}
	return sum
}

// WriteEven adds buf to the running sum. len(buf) must be even.
func (c *CRC791) WriteEven(buf []byte) {
	if len(buf)%2 != 0 {
		panic("odd buffer length to CRC791.WriteEven")
	}
	c.sum = sumEven(c.sum, buf)
}

// AddUint32 adds a 32-bit big-endian value to the running sum.
func (c *CRC791) AddUint32(value uint32) {
	c.AddUint16(uint16(value >> 16))
	c.AddUint16(uint16(value))
}

// AddUint16 adds a 16-bit big-endian value to the running sum.
func (c *CRC791) AddUint16(value uint16) {
	c.sum += uint32(value)
}

// AddAddr adds the raw bytes of an IPv4 or IPv6 address to the running sum.
func (c *CRC791) AddAddr(addr netip.Addr) {
	if addr.Is4() {
		a4 := addr.As4()
		c.WriteEven(a4[:])
		return
	}
	a16 := addr.As16()
	c.WriteEven(a16[:])
}

// Sum16 returns the checksum of the data written so far.
func (c *CRC791) Sum16() uint16 {
	return fold16(c.sum)
}

// PayloadSum16 returns the checksum of the data written so far followed by buf,
// which may be of odd length. The receiver is not modified.
func (c *CRC791) PayloadSum16(buf []byte) uint16 {
	odd := len(buf) & 1
	sum := sumEven(c.sum, buf[:len(buf)-odd])
	if odd > 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	return fold16(sum)
}

// Reset zeros out the CRC791.
func (c *CRC791) Reset() { *c = CRC791{} }
