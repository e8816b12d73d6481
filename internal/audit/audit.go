// Package audit writes the append-only operation log. One file per
// day, one line per mutating operation.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Log appends audit entries to daily files named YYYYMMDD under a
// directory. Each line is "HH:MM:SS.mmm|user|operation|k=v;k=v".
// This is intentionally append-only: existing lines are never rewritten.
type Log struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	day     string
	file    *os.File
	now     func() time.Time
}

// New returns an audit log rooted at dir. When enabled is false every
// Write is a no-op.
func New(dir string, enabled bool) *Log {
	return &Log{dir: dir, enabled: enabled, now: time.Now}
}

// Write appends one entry for the given user and operation. Data keys
// are emitted in sorted order so lines are stable.
func (l *Log) Write(user, operation string, data map[string]string) error {
	if !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	day := now.Format("20060102")
	if l.file == nil || day != l.day {
		if err := l.roll(day); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(now.Format("15:04:05.000"))
	b.WriteString("|")
	b.WriteString(user)
	b.WriteString("|")
	b.WriteString(operation)
	b.WriteString("|")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(";")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(data[k])
	}
	b.WriteString("\n")

	if _, err := l.file.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// roll closes the current file and opens the one for day. Caller holds
// the mutex.
func (l *Log) roll(day string) error {
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening audit file: %w", err)
	}
	l.file = f
	l.day = day
	return nil
}

// Close releases the current file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
