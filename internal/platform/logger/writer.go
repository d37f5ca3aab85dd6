package logger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// LineWriter forwards newline-terminated output from a child process to a
// slog.Logger, one record per line. It is safe for concurrent use.
type LineWriter struct {
	log   *slog.Logger
	level slog.Level
	msg   string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineWriter returns a writer that logs each line as msg with a "line"
// attribute at the given level.
func NewLineWriter(log *slog.Logger, level slog.Level, msg string) *LineWriter {
	return &LineWriter{log: log, level: level, msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(w.buf.Next(i+1), "\r\n")
		w.emit(line)
	}
	return len(p), nil
}

// Close logs any trailing partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, w.msg, slog.String("line", string(line)))
}
