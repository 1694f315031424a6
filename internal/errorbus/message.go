// Package errorbus carries severity-classified notices and faults to
// diagnostic subscribers, independently of the data event bus.
package errorbus

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
)

// Level is the severity of a Message
type Level int

const (
	Info Level = iota
	Warning
	Error
	Critical
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel maps a configuration string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "error":
		return Error, nil
	case "critical":
		return Critical, nil
	default:
		return Info, fmt.Errorf("unknown error bus level %q", s)
	}
}

// slogLevel maps a Level to the log level used when recording it
func (l Level) slogLevel() slog.Level {
	switch l {
	case Warning:
		return slog.LevelWarn
	case Error, Critical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Message is an immutable notice. Subscribers receive copies.
type Message struct {
	Level     Level
	Message   string
	Source    string
	Timestamp time.Time
	Context   map[string]any
}

func (m Message) clone() Message {
	if m.Context != nil {
		m.Context = maps.Clone(m.Context)
	}
	return m
}

func (m Message) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Level, m.Source, m.Message)
}

// Handler consumes messages
type Handler func(Message) error

// Filter selects messages from history. The zero Filter matches everything.
type Filter struct {
	MinLevel Level
	Source   string
	Since    time.Time
	Limit    int // newest first truncation; 0 = unlimited
}

func (f Filter) match(m *Message) bool {
	if m.Level < f.MinLevel {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
