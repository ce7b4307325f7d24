package session

import "fmt"

const (
	levelDebug = "debug"
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
)

// logf writes to the process log and to the user-visible debug log. Safe
// from any goroutine.
func (m *Manager) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.log.Append(LogEntry{Time: m.clock.Now(), Level: level, Message: msg})
	switch level {
	case levelDebug:
		logger.Debug(msg)
	case levelWarn:
		logger.Warn(msg)
	case levelError:
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}

// shortID trims libp2p peer IDs, which share a long common prefix.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return "…" + id[len(id)-8:]
}

