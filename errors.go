package etcp

type errGeneric uint8

// Generic errors common to segment decoding and buffering.
const (
	_                     errGeneric = iota // non-initialized err
	ErrPacketDrop                           // packet dropped
	ErrBadCRC                               // incorrect checksum
	ErrShortBuffer                          // short buffer
	ErrInvalidLengthField                   // invalid length field
	ErrInvalidField                         // invalid field
	ErrZeroSource                           // zero source port
	ErrZeroDestination                      // zero destination port
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrShortBuffer:
		return "short buffer"
	case ErrInvalidLengthField:
		return "invalid length field"
	case ErrInvalidField:
		return "invalid field"
	case ErrZeroSource:
		return "zero source port"
	case ErrZeroDestination:
		return "zero destination port"
	}
	return "errGeneric(?)"
}
