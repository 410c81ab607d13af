// Package kerrors defines the error codes shared by the kernel core.
package kerrors

import (
	"errors"
	"fmt"
)

// Code is a numeric kernel error code. The panic screen prints it in hex.
type Code uint32

const (
	Success         Code = 0
	ErrOutOfMemory  Code = 1 // physical or virtual allocation exhausted
	ErrInvalidImage Code = 2 // executable failed format validation
	ErrUnknown      Code = 3 // internal consistency check failed
)

func (c Code) Error() string {
	switch c {
	case Success:
		return "success"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrInvalidImage:
		return "invalid executable image"
	case ErrUnknown:
		return "unknown error"
	default:
		return fmt.Sprintf("error code 0x%x", uint32(c))
	}
}

// CodeOf extracts the kernel code carried by err, or ErrUnknown when err
// does not wrap one.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrUnknown
}
