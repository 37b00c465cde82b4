package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// LogLevel is the operational log threshold
type LogLevel int

const (
	LevelDebug LogLevel = 10
	LevelInfo  LogLevel = 20
	LevelWarn  LogLevel = 30
	LevelError LogLevel = 40
)

func (l LogLevel) String() string {
	switch {
	case l <= LevelDebug:
		return "debug"
	case l <= LevelInfo:
		return "info"
	case l <= LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

var levelNames = map[string]LogLevel{
	"TRACE":    LevelDebug,
	"DEBUG":    LevelDebug,
	"INFO":     LevelInfo,
	"WARN":     LevelWarn,
	"WARNING":  LevelWarn,
	"ERR":      LevelError,
	"ERROR":    LevelError,
	"CRITICAL": LevelError,
	"FATAL":    LevelError,
}

// ParseLogLevel accepts a level name (case-insensitive) or a number from 0
// to 50 on the familiar 10/20/30/40 scale.
func ParseLogLevel(s string) (LogLevel, bool) {
	t := strings.ToUpper(strings.TrimSpace(s))
	if t == "" {
		return 0, false
	}
	if l, ok := levelNames[t]; ok {
		return l, true
	}
	if n, err := strconv.Atoi(t); err == nil && n >= 0 && n <= 50 {
		return LogLevel(n), true
	}
	return 0, false
}

// SetupLogging points the package loggers and the standard logger at
// stdout (stderr for errors) and, when logFile is set, at that file as
// well. The returned closer releases the file.
func SetupLogging(level LogLevel, logFile string) (io.Closer, error) {
	var file *os.File
	out := io.Writer(os.Stdout)
	errOut := io.Writer(os.Stderr)
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		out = io.MultiWriter(os.Stdout, f)
		errOut = io.MultiWriter(os.Stderr, f)
	}

	errorLog = log.New(errOut, "ERROR: ", log.LstdFlags)

	if level <= LevelDebug {
		debugLog = log.New(out, "DEBUG: ", log.LstdFlags)
	} else {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	}

	if level <= LevelInfo {
		log.SetOutput(out)
	} else {
		log.SetOutput(io.Discard)
	}

	if file == nil {
		return io.NopCloser(nil), nil
	}
	return file, nil
}
