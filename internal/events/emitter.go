// Package events mirrors every audit row the registry writes to SQLite
// into an append-only, rotated JSONL file, for operators who want to tail
// or ship logs without querying the database. Grounded on the teacher's
// internal/edge/events.FileEmitter: lumberjack for rotation, directory
// creation on open, fire-and-forget writes that log (never return) errors.
// Where the teacher formats a fixed tab-separated template, this emitter
// writes one JSON object per line since types.Event is already a compact,
// well-typed record.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webmirror/gateway/pkg/types"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxAgeDays = 30
	defaultMaxBackups = 10
)

// FileEmitter appends one JSON line per event to a rotated log file.
type FileEmitter struct {
	writer *lumberjack.Logger
	logger *zap.Logger
}

// NewFileEmitter opens (creating parent directories as needed) a rotated
// JSONL event log at path.
func NewFileEmitter(path string, logger *zap.Logger) (*FileEmitter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory %s: %w", dir, err)
	}
	return &FileEmitter{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    defaultMaxSizeMB,
			MaxAge:     defaultMaxAgeDays,
			MaxBackups: defaultMaxBackups,
			Compress:   true,
		},
		logger: logger,
	}, nil
}

// Emit serializes ev and appends it. Failures are logged, not returned:
// the SQLite row written by the registry remains the durable record.
func (f *FileEmitter) Emit(ev *types.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		f.logger.Warn("failed to marshal event for file log", zap.Error(err), zap.String("event_id", ev.ID))
		return
	}
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		f.logger.Warn("failed to write event to log file", zap.Error(err), zap.String("event_id", ev.ID))
	}
}

// Close closes the underlying rotated file handle.
func (f *FileEmitter) Close() error { return f.writer.Close() }
