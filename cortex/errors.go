package cortex

import (
	"errors"
	"fmt"
)

// ReturnCode is the result code shared with the capture host.
type ReturnCode int

const (
	Okay ReturnCode = iota
	ApiError
	NetworkError
	GeneralError
	TimeOut
	NotRecognized
	MemoryError
)

func (c ReturnCode) String() string {
	switch c {
	case Okay:
		return "Okay"
	case ApiError:
		return "ApiError"
	case NetworkError:
		return "NetworkError"
	case GeneralError:
		return "GeneralError"
	case TimeOut:
		return "TimeOut"
	case NotRecognized:
		return "NotRecognized"
	case MemoryError:
		return "MemoryError"
	default:
		return fmt.Sprintf("ReturnCode(%d)", int(c))
	}
}

// codeFromWire maps a host reply code; anything unknown is a GeneralError.
func codeFromWire(code uint8) ReturnCode {
	if rc := ReturnCode(code); rc >= Okay && rc <= MemoryError {
		return rc
	}
	return GeneralError
}

// Error is returned by every failing client operation.
type Error struct {
	Op   string
	Code ReturnCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cortex: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("cortex: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code and, when the target carries one, by
// its underlying error. errors.Is(err, ErrTimeOut) therefore matches any
// timeout regardless of operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code != e.Code {
		return false
	}
	if t.Err == nil {
		return true
	}
	return errors.Is(e.Err, t.Err)
}

var (
	ErrApi           = &Error{Code: ApiError}
	ErrNetwork       = &Error{Code: NetworkError}
	ErrGeneral       = &Error{Code: GeneralError}
	ErrTimeOut       = &Error{Code: TimeOut}
	ErrNotRecognized = &Error{Code: NotRecognized}
	ErrMemory        = &Error{Code: MemoryError}
)

var (
	errNotInitialized     = errors.New("client is not initialized")
	errAlreadyInitialized = errors.New("client is already initialized")
	errClosed             = errors.New("client is closed")
	errStaleView          = errors.New("view outlived the buffer it was taken from")
	errNilView            = errors.New("nil view")
)

// Misuse errors. They carry ApiError.
var (
	ErrNotInitialized     = &Error{Code: ApiError, Err: errNotInitialized}
	ErrAlreadyInitialized = &Error{Code: ApiError, Err: errAlreadyInitialized}
	ErrClosed             = &Error{Code: ApiError, Err: errClosed}

	// ErrStaleView is the panic value when a hot-buffer view is used after
	// the buffer moved on.
	ErrStaleView = &Error{Op: "view", Code: ApiError, Err: errStaleView}
)

func misuse(op string, err error) *Error {
	return &Error{Op: op, Code: ApiError, Err: err}
}

// CodeOf extracts the ReturnCode of err. nil is Okay; foreign errors are
// GeneralError.
func CodeOf(err error) ReturnCode {
	if err == nil {
		return Okay
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return GeneralError
}
