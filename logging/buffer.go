package logging

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Buffer is a logrus hook that keeps the most recent formatted lines in
// memory. The dashboard log pane reads from it.
type Buffer struct {
	mu        sync.Mutex
	lines     []string
	max       int
	total     uint64
	formatter logrus.Formatter
}

// NewBuffer creates a hook retaining up to max lines.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = 500
	}
	return &Buffer{
		max:       max,
		formatter: &TextFormatter{Config: FormatConfig{DisableTimestamp: false, DisableComponent: false}, Plain: true},
	}
}

// Levels implements logrus.Hook.
func (b *Buffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (b *Buffer) Fire(entry *logrus.Entry) error {
	data, err := b.formatter.Format(entry)
	if err != nil {
		return err
	}
	line := strings.TrimRight(string(data), "\n")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = append(b.lines[:0], b.lines[len(b.lines)-b.max:]...)
	}
	b.total++
	return nil
}

// Since returns lines appended after the cursor and the new cursor. Lines
// already evicted are skipped.
func (b *Buffer) Since(cursor uint64) ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cursor >= b.total {
		return nil, b.total
	}
	oldest := b.total - uint64(len(b.lines))
	if cursor < oldest {
		cursor = oldest
	}
	start := int(cursor - oldest)
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out, b.total
}

var (
	hooksMu sync.Mutex
	hooks   []logrus.Hook
)

// AddHook attaches h to every existing and future logger.
func AddHook(h logrus.Hook) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	hooksMu.Lock()
	hooks = append(hooks, h)
	hooksMu.Unlock()
	for _, entry := range loggers {
		entry.Logger.AddHook(h)
	}
}

// RemoveHook detaches h from every logger.
func RemoveHook(h logrus.Hook) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	hooksMu.Lock()
	for i, existing := range hooks {
		if existing == h {
			hooks = append(hooks[:i], hooks[i+1:]...)
			break
		}
	}
	hooksMu.Unlock()
	for _, entry := range loggers {
		replaced := make(logrus.LevelHooks)
		for level, hs := range entry.Logger.Hooks {
			for _, existing := range hs {
				if existing != h {
					replaced[level] = append(replaced[level], existing)
				}
			}
		}
		entry.Logger.ReplaceHooks(replaced)
	}
}
