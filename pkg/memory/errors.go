package memory

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// NotAlignedError is returned when an access is attempted at an address
// that is not a multiple of the required alignment.
type NotAlignedError struct {
	// Address is the address of the rejected access.
	Address uint64
	// Alignment is the required alignment in bytes (address increments).
	Alignment int
}

func (err *NotAlignedError) Error() string {
	return fmt.Sprintf("alignment error: address %#x is not %d-byte aligned", err.Address, err.Alignment)
}

// OtherError wraps any failure that is not an alignment error: transport
// failures, protocol errors and malformed buffer lengths.
type OtherError struct {
	Err error
}

func (err *OtherError) Error() string {
	return err.Err.Error()
}

func (err *OtherError) Unwrap() error {
	return err.Err
}

// Format prints the stack recorded by pkg/errors with %+v.
func (err *OtherError) Format(s fmt.State, verb rune) {
	if f, ok := err.Err.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprint(s, err.Err.Error())
}

// Other wraps err into an *OtherError. Errors that already are memory
// errors are returned unchanged. Other(nil) returns nil.
func Other(err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *OtherError, *NotAlignedError:
		return err
	}
	return &OtherError{Err: errors.WithStack(err)}
}

// Otherf formats an *OtherError.
func Otherf(format string, args ...interface{}) error {
	return &OtherError{Err: errors.Errorf(format, args...)}
}

// IsNotAligned reports whether err is (or wraps) a *NotAlignedError.
func IsNotAligned(err error) (*NotAlignedError, bool) {
	var nae *NotAlignedError
	if stderrors.As(err, &nae) {
		return nae, true
	}
	return nil, false
}

// IsOther reports whether err is (or wraps) an *OtherError.
func IsOther(err error) bool {
	var oe *OtherError
	return stderrors.As(err, &oe)
}

// CheckAligned returns a *NotAlignedError if address is not a multiple of
// alignment. Transports call it before touching the wire.
func CheckAligned(address uint64, alignment int) error {
	if alignment > 1 && address%uint64(alignment) != 0 {
		return &NotAlignedError{Address: address, Alignment: alignment}
	}
	return nil
}
