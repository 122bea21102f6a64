package etcp

import (
	"errors"
	"fmt"
)

type ValidateFlags uint64

const (
	// ValidateAllowMultiErrors accumulates every error found instead of stopping at the first.
	ValidateAllowMultiErrors ValidateFlags = 1 << iota
)

func (vf ValidateFlags) has(v ValidateFlags) bool {
	return vf&v == v
}

// Validator accumulates decoding errors found while checking a frame.
// The zero value keeps only the first error.
type Validator struct {
	accum       []error
	accumBitpos []BitPosErr
	flags       ValidateFlags
}

func (v *Validator) SetFlags(flags ValidateFlags) { v.flags = flags }

func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.accumBitpos = v.accumBitpos[:0]
}

func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated error, joined if there is more than one.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	}
	return errors.Join(v.accum...)
}

func (v *Validator) AddError(err error) {
	if err == nil {
		panic("nil error to Validator.AddError")
	} else if len(v.accum) != 0 && !v.flags.has(ValidateAllowMultiErrors) {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBitPosErr records err as located at bits [bitStart, bitStart+bitLen) of the frame.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("nil error to Validator.AddBitPosErr")
	} else if bitLen <= 0 {
		panic("non-positive bit length")
	} else if len(v.accum) != 0 && !v.flags.has(ValidateAllowMultiErrors) {
		return
	}
	v.accumBitpos = append(v.accumBitpos, BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
	v.accum = append(v.accum, &v.accumBitpos[len(v.accumBitpos)-1])
}

// BitPosErr locates an error within a frame.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

func (bpe *BitPosErr) Unwrap() error { return bpe.Err }
