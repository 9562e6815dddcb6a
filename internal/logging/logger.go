package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ActivationLog represents a single conductor activation log entry
type ActivationLog struct {
	Timestamp    time.Time `json:"timestamp"`
	ActivationID string    `json:"activation_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	SpanID       string    `json:"span_id,omitempty"`
	ActionName   string    `json:"action_name"`
	SessionID    string    `json:"session_id,omitempty"`
	Path         string    `json:"path,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Resumed      bool      `json:"resumed"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	InputSize    int       `json:"input_size"`
	OutputSize   int       `json:"output_size,omitempty"`
	Forked       bool      `json:"forked,omitempty"`
	FromCache    bool      `json:"from_cache,omitempty"`
}

// Logger handles activation logging
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an activation log entry
func (l *Logger) Log(entry *ActivationLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	// Console output (human-readable)
	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		resumed := ""
		if entry.Resumed {
			resumed = " [resumed]"
		}
		forked := ""
		if entry.Forked {
			forked = " [forked]"
		}
		cache := ""
		if entry.FromCache {
			cache = " [cached]"
		}
		fmt.Printf("[activation] %s %s %s %s %dms%s%s%s\n",
			status, entry.ActivationID, entry.ActionName, entry.Path, entry.DurationMs, resumed, forked, cache)
		if entry.Error != "" {
			fmt.Printf("[activation]   error: %s\n", entry.Error)
		}
	}

	// File output (JSON)
	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
