package vmi

import (
	"fmt"
	"os"
	"strconv"
)

// ErrorClass groups error codes by the subsystem that raised them.
type ErrorClass uint8

const (
	ClassTranslation   ErrorClass = 0x01
	ClassChannel       ErrorClass = 0x02
	ClassProtocol      ErrorClass = 0x03
	ClassTimeout       ErrorClass = 0x04
	ClassIntrospection ErrorClass = 0x05
	ClassSetup         ErrorClass = 0x06
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTranslation:
		return "translation"
	case ClassChannel:
		return "channel"
	case ClassProtocol:
		return "protocol"
	case ClassTimeout:
		return "timeout"
	case ClassIntrospection:
		return "introspection"
	case ClassSetup:
		return "setup"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Error codes. The high byte is the ErrorClass.
const (
	CodeUnsupportedExit uint32 = 0x0101
	CodeMalformedExit   uint32 = 0x0102

	CodeRingFull    uint32 = 0x0201
	CodeRingCorrupt uint32 = 0x0202

	CodeUnknownEvent uint32 = 0x0301
	CodeBadRecord    uint32 = 0x0302

	CodeTimeout        uint32 = 0x0401
	CodeClientDetached uint32 = 0x0402

	CodeOutOfBounds      uint32 = 0x0501
	CodeTranslationFault uint32 = 0x0502
	CodeInvalidRegister  uint32 = 0x0503
	CodeInvalidVCPU      uint32 = 0x0504
	CodeInvalidArgument  uint32 = 0x0505
	CodeBackend          uint32 = 0x0506

	CodeBadMagic            uint32 = 0x0601
	CodeVersionMismatch     uint32 = 0x0602
	CodeBadLayout           uint32 = 0x0603
	CodeUnsupportedPlatform uint32 = 0x0604
)

// Error is the error type returned by every operation in this package.
// Op, Addr and Len are optional context; errors.Is matches on Code only.
type Error struct {
	Code uint32
	Op   string
	Addr uint64
	Len  uint64
	Err  error // underlying cause, if any

	message string // Optional custom message for sentinel errors
}

// Class returns the error class encoded in the code.
func (e *Error) Class() ErrorClass { return ErrorClass(e.Code >> 8) }

func (e *Error) Error() string {
	var msg string
	switch {
	case e.message != "":
		msg = e.message
	case isProductionEnv():
		msg = e.sanitizedError()
	default:
		msg = e.detailedError()
	}

	if e.Op != "" {
		if e.Len != 0 || e.Addr != 0 {
			msg = fmt.Sprintf("%s (%s 0x%x+%d)", msg, e.Op, e.Addr, e.Len)
		} else {
			msg = fmt.Sprintf("%s (%s)", msg, e.Op)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	switch e.Code {
	case CodeUnsupportedExit:
		return "vmi: unsupported exit (UNSUPPORTED_EXIT) - no event mapping, treated as pass-through"
	case CodeMalformedExit:
		return "vmi: malformed exit (MALFORMED_EXIT) - exit record fields are inconsistent"
	case CodeRingFull:
		return "vmi: ring full (RING_FULL) - client is not draining the event ring"
	case CodeRingCorrupt:
		return "vmi: ring corrupt (RING_CORRUPT) - cursors violate the capacity invariant"
	case CodeUnknownEvent:
		return "vmi: unknown event (UNKNOWN_EVENT) - response references a non-pending event id"
	case CodeBadRecord:
		return "vmi: bad record (BAD_RECORD) - wire record failed validation"
	case CodeTimeout:
		return "vmi: response timeout (TIMEOUT) - default action applied"
	case CodeClientDetached:
		return "vmi: client detached (CLIENT_DETACHED) - heartbeat lost or client detached"
	case CodeOutOfBounds:
		return "vmi: address out of bounds (OUT_OF_BOUNDS) - access outside the guest memory map"
	case CodeTranslationFault:
		return "vmi: translation fault (TRANSLATION_FAULT) - page walk hit a not-present or write-protected entry"
	case CodeInvalidRegister:
		return "vmi: invalid register (INVALID_REGISTER)"
	case CodeInvalidVCPU:
		return "vmi: invalid vcpu (INVALID_VCPU) - index outside the configured vcpu count"
	case CodeInvalidArgument:
		return "vmi: invalid argument (INVALID_ARGUMENT) - check alignment, length and permission bits"
	case CodeBackend:
		return "vmi: backend failure (BACKEND) - guest accessor returned an error"
	case CodeBadMagic:
		return "vmi: bad magic (BAD_MAGIC) - shared memory segment is not a vmi segment or not yet published"
	case CodeVersionMismatch:
		return "vmi: protocol version mismatch (VERSION_MISMATCH)"
	case CodeBadLayout:
		return "vmi: bad segment layout (BAD_LAYOUT) - header offsets or sizes are inconsistent"
	case CodeUnsupportedPlatform:
		return "vmi: not supported on this platform (UNSUPPORTED_PLATFORM)"
	default:
		return fmt.Sprintf("vmi: unknown error code 0x%04x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	switch e.Code {
	case CodeUnsupportedExit:
		return "vmi: unsupported exit"
	case CodeMalformedExit:
		return "vmi: malformed exit"
	case CodeRingFull:
		return "vmi: ring full"
	case CodeRingCorrupt:
		return "vmi: ring corrupt"
	case CodeUnknownEvent:
		return "vmi: unknown event"
	case CodeBadRecord:
		return "vmi: bad record"
	case CodeTimeout:
		return "vmi: response timeout"
	case CodeClientDetached:
		return "vmi: client detached"
	case CodeOutOfBounds:
		return "vmi: address out of bounds"
	case CodeTranslationFault:
		return "vmi: translation fault"
	case CodeInvalidRegister:
		return "vmi: invalid register"
	case CodeInvalidVCPU:
		return "vmi: invalid vcpu"
	case CodeInvalidArgument:
		return "vmi: invalid argument"
	case CodeBackend:
		return "vmi: backend failure"
	case CodeBadMagic:
		return "vmi: bad magic"
	case CodeVersionMismatch:
		return "vmi: protocol version mismatch"
	case CodeBadLayout:
		return "vmi: bad segment layout"
	case CodeUnsupportedPlatform:
		return "vmi: not supported on this platform"
	default:
		return "vmi: error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMI_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("VMI_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

func newError(code uint32, op string, addr, length uint64) *Error {
	return &Error{Code: code, Op: op, Addr: addr, Len: length}
}

func wrapError(code uint32, op string, addr uint64, err error) *Error {
	return &Error{Code: code, Op: op, Addr: addr, Err: err}
}

// Sentinel errors for API consumers. Compare with errors.Is.
var (
	ErrUnsupportedExit     = &Error{Code: CodeUnsupportedExit, message: "vmi: unsupported exit"}
	ErrMalformedExit       = &Error{Code: CodeMalformedExit, message: "vmi: malformed exit"}
	ErrRingFull            = &Error{Code: CodeRingFull, message: "vmi: ring full"}
	ErrRingCorrupt         = &Error{Code: CodeRingCorrupt, message: "vmi: ring corrupt"}
	ErrUnknownEvent        = &Error{Code: CodeUnknownEvent, message: "vmi: response for non-pending event"}
	ErrBadRecord           = &Error{Code: CodeBadRecord, message: "vmi: bad wire record"}
	ErrTimeout             = &Error{Code: CodeTimeout, message: "vmi: response timeout"}
	ErrClientDetached      = &Error{Code: CodeClientDetached, message: "vmi: client detached"}
	ErrOutOfBounds         = &Error{Code: CodeOutOfBounds, message: "vmi: address out of bounds"}
	ErrTranslationFault    = &Error{Code: CodeTranslationFault, message: "vmi: translation fault"}
	ErrInvalidRegister     = &Error{Code: CodeInvalidRegister, message: "vmi: invalid register"}
	ErrInvalidVCPU         = &Error{Code: CodeInvalidVCPU, message: "vmi: invalid vcpu"}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument, message: "vmi: invalid argument"}
	ErrBackend             = &Error{Code: CodeBackend, message: "vmi: backend failure"}
	ErrBadMagic            = &Error{Code: CodeBadMagic, message: "vmi: bad segment magic"}
	ErrVersionMismatch     = &Error{Code: CodeVersionMismatch, message: "vmi: protocol version mismatch"}
	ErrBadLayout           = &Error{Code: CodeBadLayout, message: "vmi: bad segment layout"}
	ErrUnsupportedPlatform = &Error{Code: CodeUnsupportedPlatform, message: "vmi: not supported on this platform"}
)
