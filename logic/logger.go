package logic

import (
	"io"
	"log"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// In-memory log buffer served by the web UI.
var logMutex sync.Mutex
var inMemoryLogs []string
var maxLogEntries = 300

// stdlogWriter receives the output of the standard library logger.
var stdlogWriter *io.PipeWriter

func init() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)
	logrus.AddHook(&memoryHook{})

	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// ConfigureLogging applies level and format of the settings to the standard
// logger. An unknown level keeps the current one.
func ConfigureLogging(s LogSettings) {
	if s.Level != "" {
		level, err := logrus.ParseLevel(s.Level)
		if err != nil {
			logrus.Warnf("GW: Unknown log level %q, keeping %s", s.Level, logrus.GetLevel())
		} else {
			logrus.SetLevel(level)
		}
	}

	switch strings.ToLower(s.Format) {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	redirectStdLog()
}

// redirectStdLog sends lines written through the standard library logger
// by third-party packages to logrus at debug level.
func redirectStdLog() {
	w := logrus.StandardLogger().WriterLevel(logrus.DebugLevel)
	log.SetFlags(0)
	log.SetOutput(w)

	logMutex.Lock()
	prev := stdlogWriter
	stdlogWriter = w
	logMutex.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// GetLogs returns a copy of the buffered log lines, oldest first.
func GetLogs() []string {
	logMutex.Lock()
	defer logMutex.Unlock()

	logsCopy := make([]string, len(inMemoryLogs))
	copy(logsCopy, inMemoryLogs)

	return logsCopy
}

// ClearLogs empties the buffer.
func ClearLogs() {
	logMutex.Lock()
	defer logMutex.Unlock()

	inMemoryLogs = make([]string, 0, maxLogEntries)
}

// addLogEntry appends entry and drops the oldest line once the buffer is full.
func addLogEntry(entry string) {
	logMutex.Lock()
	defer logMutex.Unlock()

	if len(inMemoryLogs) >= maxLogEntries {
		inMemoryLogs = inMemoryLogs[1:]
	}
	inMemoryLogs = append(inMemoryLogs, entry)
}

// memoryHook copies every formatted entry of the standard logger into the
// buffer.
type memoryHook struct{}

func (hook *memoryHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	addLogEntry(strings.TrimRight(line, "\n"))
	return nil
}

func (hook *memoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
