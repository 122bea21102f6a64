package tcp

import (
	"github.com/embedtcp/etcp"
)

// OptionKind is the kind octet of a TCP option.
type OptionKind uint8

const (
	OptEnd            OptionKind = 0 // end of option list
	OptNop            OptionKind = 1 // no-operation
	OptMaxSegmentSize OptionKind = 2 // maximum segment size
	OptWindowScale    OptionKind = 3 // window scale
	OptSACKPermitted  OptionKind = 4 // SACK permitted
	OptSACK           OptionKind = 5 // SACK
	OptTimestamps     OptionKind = 8 // timestamps
	OptUserTimeout    OptionKind = 28
)

// maxWindowScale is the largest shift allowed by RFC 7323.
const maxWindowScale = 14

// Options holds the TCP options understood by the engine.
type Options struct {
	MSS         uint16 // Valid if HasMSS.
	WindowScale uint8  // Shift count, valid if HasWS. Never exceeds 14.
	HasMSS      bool
	HasWS       bool
}

// size returns the encoded length of the options including padding to a 32 bit boundary.
func (o Options) size() int {
	n := 0
	if o.HasMSS {
		n += 4
	}
	if o.HasWS {
		n += 4 // NOP + 3 byte option.
	}
	return n
}

type OptionFlags uint8

const (
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
)

func (flags OptionFlags) HasAny(ofTheseFlags OptionFlags) bool {
	return flags&ofTheseFlags != 0
}

// OptionCodec encodes and iterates over TCP options.
type OptionCodec struct {
	Flags OptionFlags
}

func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	putSize := 2 + len(data)
	if len(dst) < putSize {
		return -1, etcp.ErrShortBuffer
	} else if putSize > 255 {
		return -1, etcp.ErrInvalidLengthField
	} else if kind == OptNop || kind == OptEnd {
		return -1, etcp.ErrInvalidField
	}
	dst[0] = byte(kind)
	dst[1] = byte(putSize)
	copy(dst[2:], data)
	return putSize, nil
}

// PutOptions writes opts into dst padded with NOPs to a multiple of 4 bytes.
func (op OptionCodec) PutOptions(dst []byte, opts Options) (int, error) {
	if len(dst) < opts.size() {
		return 0, etcp.ErrShortBuffer
	}
	n := 0
	if opts.HasMSS {
		nn, err := op.PutOption16(dst, OptMaxSegmentSize, opts.MSS)
		if err != nil {
			return n, err
		}
		n += nn
	}
	if opts.HasWS {
		dst[n] = byte(OptNop)
		n++
		nn, err := op.PutOption(dst[n:], OptWindowScale, min(opts.WindowScale, maxWindowScale))
		if err != nil {
			return n, err
		}
		n += nn
	}
	return n, nil
}

// ForEachOption calls fn for every option in opts other than NOP and End.
// Unknown kinds are skipped using their declared length. Iteration stops at
// the first malformed option returning an error; options already passed to fn
// remain applied.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	off := 0
	skipSizeValidation := op.Flags.HasAny(OptFlagSkipSizeValidation)
	for off < len(opts) && opts[off] != byte(OptEnd) {
		kind := OptionKind(opts[off])
		off++
		if kind == OptNop {
			continue
		}
		if len(opts[off:]) < 1 {
			return etcp.ErrShortBuffer
		}
		size := int(opts[off]) // Total option length including kind and length bytes.
		off++
		dataLen := size - 2
		if dataLen < 0 || len(opts[off:]) < dataLen {
			return etcp.ErrInvalidLengthField
		}
		if !skipSizeValidation {
			expectSize := -1
			switch kind {
			case OptTimestamps:
				expectSize = 10
			case OptMaxSegmentSize, OptUserTimeout:
				expectSize = 4
			case OptWindowScale:
				expectSize = 3
			case OptSACKPermitted:
				expectSize = 2
			}
			if expectSize != -1 && size != expectSize {
				return etcp.ErrInvalidLengthField
			}
		}
		if err := fn(kind, opts[off:off+dataLen]); err != nil {
			return err
		}
		off += dataLen
	}
	return nil
}

// ParseOptions extracts MSS and window scale from a raw option block.
// On a malformed option the options parsed so far are returned with the error.
func ParseOptions(raw []byte) (Options, error) {
	var opts Options
	err := OptionCodec{}.ForEachOption(raw, func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			opts.MSS = uint16(data[0])<<8 | uint16(data[1])
			opts.HasMSS = true
		case OptWindowScale:
			opts.WindowScale = min(data[0], maxWindowScale)
			opts.HasWS = true
		}
		return nil
	})
	return opts, err
}
