package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2s"
)

// issClockRate is the RFC 6528 clock in 4 microsecond increments per slow tick.
const issClockRate = uint32(SlowTickPeriod / 4000)

// ISSGenerator computes initial sequence numbers as suggested by RFC 6528:
//
//	ISN = M + F(localip, localport, remoteip, remoteport, secretkey)
//
// where M is a 4 microsecond clock and F is a keyed BLAKE2s hash.
type ISSGenerator struct {
	secret [blake2s.Size]byte
	// counter is the value of M at the last call to Tick.
	counter uint32
}

// ISSConfig contains configuration for ISS generator initialization.
type ISSConfig struct {
	// Rand is used to generate the secret key. Nil uses crypto/rand.
	Rand io.Reader
}

// Reset initializes the generator with a new secret. The clock is preserved so
// sequence numbers of recent connections keep advancing.
func (g *ISSGenerator) Reset(config ISSConfig) error {
	r := config.Rand
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, g.secret[:]); err != nil {
		return errors.Wrap(err, "reading ISS secret")
	}
	return nil
}

// Tick advances the clock component by one slow tick.
func (g *ISSGenerator) Tick() { g.counter += issClockRate }

// Secret16 returns 16 bits derived from the secret, usable as a pseudo random seed.
func (g *ISSGenerator) Secret16() uint16 { return binary.LittleEndian.Uint16(g.secret[:]) }

// ISS returns the initial sequence number for the connection identified by local and remote.
func (g *ISSGenerator) ISS(local, remote netip.AddrPort) Value {
	h, err := blake2s.New256(g.secret[:])
	if err != nil {
		panic(err) // Key size is constant and valid.
	}
	var buf [2 * (16 + 2)]byte
	b := append(buf[:0], local.Addr().AsSlice()...)
	b = binary.BigEndian.AppendUint16(b, local.Port())
	b = append(b, remote.Addr().AsSlice()...)
	b = binary.BigEndian.AppendUint16(b, remote.Port())
	h.Write(b)
	var sum [blake2s.Size]byte
	h.Sum(sum[:0])
	return Value(binary.BigEndian.Uint32(sum[:4]) + g.counter)
}
