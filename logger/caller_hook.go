package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skipPackages are frames never reported as the caller.
var skipPackages = []string{"sirupsen/logrus", "marketfeed/logger."}

// callerHook points the reported caller at the first frame outside of
// logrus and this package's wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	// Skip runtime.Callers, this method and the logrus hook dispatch.
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipFrame(frame.Function) {
			entry.Caller = &frame
			break
		}
		if !more {
			break
		}
	}
	return nil
}

func skipFrame(fn string) bool {
	for _, pkg := range skipPackages {
		if strings.Contains(fn, pkg) {
			return true
		}
	}
	return false
}
