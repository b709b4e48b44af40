package logging

import (
	"github.com/sirupsen/logrus"
)

// CountFunc receives the level name of each warning-or-worse log entry.
type CountFunc func(level string)

// CounterHook is a logrus hook that feeds warn/error volumes into the
// metrics registry so operator-visible faults show up on dashboards
// even when nobody is tailing logs.
type CounterHook struct {
	count CountFunc
}

// NewCounterHook creates a hook calling count for every entry at warn
// level or above.
func NewCounterHook(count CountFunc) *CounterHook {
	return &CounterHook{count: count}
}

// Levels returns the log levels this hook fires for.
func (h *CounterHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

// Fire is called by logrus for each matching entry.
func (h *CounterHook) Fire(entry *logrus.Entry) error {
	if h.count != nil {
		h.count(entry.Level.String())
	}
	return nil
}
