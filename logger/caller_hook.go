package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook rewrites entry.Caller to the first frame outside logrus and
// the wrappers in this package, so the caller field names the component.
type callerHook struct {
	skip []string
}

func newCallerHook() *callerHook {
	return &callerHook{skip: []string{
		"github.com/sirupsen/logrus",
		"cortexflow/logger.(*callerHook)",
		"cortexflow/logger.(*Entry)",
		"cortexflow/logger.(*Log)",
		"cortexflow/logger.LogPerformanceEntry",
	}}
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	var pcs [24]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for frame, more := frames.Next(); ; frame, more = frames.Next() {
		if frame.Function == "" {
			return nil
		}
		if !h.skipped(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func (h *callerHook) skipped(fn string) bool {
	for _, prefix := range h.skip {
		if strings.Contains(fn, prefix) {
			return true
		}
	}
	return false
}
