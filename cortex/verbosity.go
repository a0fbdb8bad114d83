package cortex

import (
	"fmt"
	"strings"

	"cortexflow/logger"
)

// Verbosity filters what reaches the error message handler.
type Verbosity int32

const (
	VerbosityNone Verbosity = iota
	VerbosityError
	VerbosityWarning
	VerbosityInfo
	VerbosityDebug
)

// DefaultVerbosity is used until SetVerbosityLevel is called.
const DefaultVerbosity = VerbosityWarning

func (v Verbosity) String() string {
	switch v {
	case VerbosityNone:
		return "none"
	case VerbosityError:
		return "error"
	case VerbosityWarning:
		return "warning"
	case VerbosityInfo:
		return "info"
	case VerbosityDebug:
		return "debug"
	default:
		return fmt.Sprintf("verbosity(%d)", int32(v))
	}
}

func (v Verbosity) valid() bool { return v >= VerbosityNone && v <= VerbosityDebug }

// ParseVerbosity accepts the names printed by String, case-insensitively.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return VerbosityNone, nil
	case "error":
		return VerbosityError, nil
	case "warning", "warn":
		return VerbosityWarning, nil
	case "info":
		return VerbosityInfo, nil
	case "debug":
		return VerbosityDebug, nil
	}
	return DefaultVerbosity, fmt.Errorf("unknown verbosity %q", s)
}

// hostVerbosity maps a host log level onto the local scale.
func hostVerbosity(level uint8) Verbosity {
	v := Verbosity(level)
	if v < VerbosityError || v > VerbosityDebug {
		return VerbosityInfo
	}
	return v
}

// logAt mirrors a diagnostic to the structured logger.
func logAt(entry *logger.Entry, v Verbosity, msg string) {
	switch v {
	case VerbosityError:
		entry.Error(msg)
	case VerbosityWarning:
		entry.Warn(msg)
	case VerbosityInfo:
		entry.Info(msg)
	default:
		entry.Debug(msg)
	}
}

func errInvalidVerbosity(v Verbosity) error {
	return fmt.Errorf("invalid verbosity %d", int32(v))
}
