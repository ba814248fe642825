package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logMu     sync.Mutex
	logDir    string
	logFile   *os.File
	logger    = zerolog.Nop()
	logOpened bool
)

// ConfigureDebug sets the directory debug logs are written to. The file is
// created lazily on the first Debug call.
func ConfigureDebug(dir string) {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logDir = dir
	logOpened = false
	logger = zerolog.Nop()
}

// InitLogger configures the debug log and optionally mirrors it to stderr.
func InitLogger(debug bool, dir string) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	ConfigureDebug(dir)
	if debug {
		logMu.Lock()
		openLocked()
		console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
		var out io.Writer = console
		if logFile != nil {
			out = zerolog.MultiLevelWriter(logFile, console)
		}
		logger = zerolog.New(out).With().Timestamp().Logger()
		logMu.Unlock()
	}
}

func openLocked() {
	if logOpened {
		return
	}
	logOpened = true
	if logDir == "" {
		return
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return
	}
	name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	logFile = f
	logger = zerolog.New(f).With().Timestamp().Logger()
}

// Debug writes a formatted line to the debug log.
func Debug(format string, args ...any) {
	logMu.Lock()
	openLocked()
	l := logger
	logMu.Unlock()
	l.Debug().Msgf(format, args...)
}

// GetLogger returns a logger tagged with a component name.
func GetLogger(component string) zerolog.Logger {
	logMu.Lock()
	openLocked()
	l := logger
	logMu.Unlock()
	return l.With().Str("component", component).Logger()
}

// CleanupLogs keeps the newest keep debug logs and removes the rest.
func CleanupLogs(keep int) {
	logMu.Lock()
	dir := logDir
	logMu.Unlock()
	if dir == "" || keep < 0 {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "debug-") && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) <= keep {
		return
	}
	// timestamped names sort chronologically
	sort.Strings(logs)
	for _, name := range logs[:len(logs)-keep] {
		os.Remove(filepath.Join(dir, name))
	}
}
