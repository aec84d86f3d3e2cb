package datasync

import (
	"fmt"
	"sync"
	"time"

	"github.com/sotplane/datasync/internal/database"
	"github.com/sotplane/datasync/internal/logging"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelFailure Level = "failure"
)

// Log accumulates the ordered entries of one sync and mirrors them to the
// process logger.
type Log struct {
	mu      sync.Mutex
	entries []database.LogEntry
	log     *logging.Logger
	now     func() time.Time
}

func newLog(log *logging.Logger) *Log {
	return &Log{log: log, now: time.Now}
}

func (l *Log) Info(grouping, format string, args ...any) {
	l.add(LevelInfo, grouping, fmt.Sprintf(format, args...))
}

func (l *Log) Warning(grouping, format string, args ...any) {
	l.add(LevelWarning, grouping, fmt.Sprintf(format, args...))
}

func (l *Log) Failure(grouping, format string, args ...any) {
	l.add(LevelFailure, grouping, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the entries recorded so far.
func (l *Log) Entries() []database.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]database.LogEntry(nil), l.entries...)
}

func (l *Log) add(level Level, grouping, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, database.LogEntry{
		Seq:       int64(len(l.entries) + 1),
		Grouping:  grouping,
		Level:     string(level),
		Message:   msg,
		CreatedAt: l.now().UTC(),
	})
	l.mu.Unlock()

	switch level {
	case LevelFailure:
		l.log.Errorf("%s: %s", grouping, msg)
	case LevelWarning:
		l.log.Warnf("%s: %s", grouping, msg)
	default:
		l.log.Infof("%s: %s", grouping, msg)
	}
}
