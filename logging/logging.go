// Package logging builds the zerolog logger used across wspipe from a
// config.LogConfig.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/risa-org/wspipe/config"
)

// Setup returns a logger writing to every configured output. File outputs are
// rotated by lumberjack when rotation is enabled, and appended to otherwise.
// The returned closer releases open files.
func Setup(c config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var (
		writers []io.Writer
		closers multiCloser
	)
	for _, out := range c.Outputs {
		var w io.Writer
		switch strings.ToLower(out) {
		case "stdout":
			w = os.Stdout
		case "stderr":
			w = os.Stderr
		default:
			fw, err := openFile(out, c.Rotation)
			if err != nil {
				closers.Close()
				return zerolog.Nop(), nopCloser{}, err
			}
			closers = append(closers, fw)
			w = fw
		}
		writers = append(writers, format(w, c.Format))
	}
	if len(writers) == 0 {
		writers = append(writers, format(os.Stderr, c.Format))
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return log, closers, nil
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return zerolog.WarnLevel, nil
	case "":
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// format wraps w in a console writer unless json output was asked for.
// Files never get colors.
func format(w io.Writer, f string) io.Writer {
	if strings.ToLower(f) == "json" {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    w != io.Writer(os.Stdout) && w != io.Writer(os.Stderr),
	}
}

func openFile(path string, r config.RotationConfig) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir: %w", err)
		}
	}

	if r.Enable {
		return &lumberjack.Logger{
			Filename:   path,
			MaxSize:    max(r.MaxSizeMB, 1),
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		}, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
