package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one flat log entry for a command invocation.
type Record struct {
	Time   time.Time
	Cmd    string
	Data   string
	Error  string
	Result string
}

// RecordLogger persists Records.
type RecordLogger interface {
	Append(rec Record) error
}

// FileLogger appends Records to <Dir>/YYYY-MM-DD.log, one file per day.
type FileLogger struct {
	Dir string

	mu  sync.Mutex
	now func() time.Time
}

// NewFileLogger returns a FileLogger writing under dir.
func NewFileLogger(dir string) *FileLogger {
	return &FileLogger{Dir: dir, now: time.Now}
}

// Append writes rec as upper-cased KEY: value lines preceded by a blank line.
func (l *FileLogger) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(l.Dir, rec.Time.Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatRecord(rec)); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	return nil
}

// FormatRecord renders rec the way Append writes it.
func FormatRecord(rec Record) string {
	lines := []string{
		"TIME: " + rec.Time.Format(time.DateTime),
		"CMD: " + rec.Cmd,
		"DATA: " + rec.Data,
		"ERROR: " + rec.Error,
		"RESULT: " + rec.Result,
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}
