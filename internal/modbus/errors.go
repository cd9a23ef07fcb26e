package modbus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed exchange on the bus.
type ErrorKind int

const (
	KindPortUnavailable ErrorKind = iota + 1
	KindTimeout
	KindMalformed
	KindBusy
)

func (k ErrorKind) String() string {
	switch k {
	case KindPortUnavailable:
		return "port unavailable"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed response"
	case KindBusy:
		return "bus busy"
	default:
		return "unknown"
	}
}

// LinkError is returned for every failure local to one request/response exchange.
// It matches the Err* sentinels of the same kind through errors.Is.
type LinkError struct {
	Kind     ErrorKind
	Address  byte
	Function byte
	Err      error
}

var (
	ErrPortUnavailable = &LinkError{Kind: KindPortUnavailable}
	ErrTimeout         = &LinkError{Kind: KindTimeout}
	ErrMalformed       = &LinkError{Kind: KindMalformed}
	ErrBusy            = &LinkError{Kind: KindBusy}

	ErrInvalidAddress = errors.New("slave address must be in [1,247]")
)

func (e *LinkError) Error() string {
	msg := e.Kind.String()
	if e.Address != 0 {
		msg = fmt.Sprintf("%s (slave %d, function 0x%02X)", msg, e.Address, e.Function)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LinkError) Unwrap() error { return e.Err }

// Is matches any LinkError of the same kind.
func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the link-level kind of err, or 0 if err is not a LinkError.
func KindOf(err error) ErrorKind {
	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

// Exception codes returned by a slave in an exception response.
const (
	ExceptionIllegalFunction      byte = 0x01
	ExceptionIllegalDataAddress   byte = 0x02
	ExceptionIllegalDataValue     byte = 0x03
	ExceptionSlaveDeviceFailure   byte = 0x04
	ExceptionAcknowledge          byte = 0x05
	ExceptionSlaveDeviceBusy      byte = 0x06
	ExceptionMemoryParityError    byte = 0x08
	ExceptionGatewayPathUnavail   byte = 0x0A
	ExceptionGatewayTargetNoReply byte = 0x0B
)

// ExceptionError is a well-formed exception response from a slave.
type ExceptionError struct {
	Address  byte
	Function byte
	Code     byte
}

// ErrIllegalFunction matches any exception response carrying code 0x01.
var ErrIllegalFunction = &ExceptionError{Code: ExceptionIllegalFunction}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception from slave %d on function 0x%02X: %s", e.Address, e.Function, ExceptionText(e.Code))
}

// Is matches any ExceptionError with the same code.
func (e *ExceptionError) Is(target error) bool {
	t, ok := target.(*ExceptionError)
	return ok && t.Code == e.Code
}

// ExceptionText returns a human-readable description of an exception code.
func ExceptionText(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "Illegal Function"
	case ExceptionIllegalDataAddress:
		return "Illegal Data Address"
	case ExceptionIllegalDataValue:
		return "Illegal Data Value"
	case ExceptionSlaveDeviceFailure:
		return "Slave Device Failure"
	case ExceptionAcknowledge:
		return "Acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "Slave Device Busy"
	case ExceptionMemoryParityError:
		return "Memory Parity Error"
	case ExceptionGatewayPathUnavail:
		return "Gateway Path Unavailable"
	case ExceptionGatewayTargetNoReply:
		return "Gateway Target Device Failed to Respond"
	default:
		return fmt.Sprintf("Unknown error (0x%02X)", code)
	}
}
