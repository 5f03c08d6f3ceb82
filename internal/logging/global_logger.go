package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/copilotctl/internal/config"
	"github.com/router-for-me/copilotctl/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the application log written under log-dir when logging-to-file is on.
const LogFileName = "copilotctl.log"

var (
	setupOnce sync.Once

	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// SetupBaseLogger installs the text formatter and the ring buffer hook on the standard
// logrus logger. It is safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
		log.AddHook(GlobalBuffer)
	})
}

// SetLogLevel parses level and applies it. quiet and silent only keep fatal messages;
// unknown values select info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput routes logs to stdout, or to a rotated file under cfg.LogDir as well
// when cfg.LoggingToFile is set, and applies the configured level.
func ConfigureLogOutput(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	level := cfg.LogLevel
	if level == "" && cfg.Debug {
		level = "debug"
	}
	SetLogLevel(level)

	outputMu.Lock()
	defer outputMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if !cfg.LoggingToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := LogDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFileName),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
	log.Debugf("logging to %s", fileWriter.Filename)
	return nil
}

// LogDir returns the directory for application and proxy logs.
func LogDir(cfg *config.Config) string {
	if cfg != nil && strings.TrimSpace(cfg.LogDir) != "" {
		return util.ExpandHome(cfg.LogDir)
	}
	authDir := config.DefaultAuthDir
	if cfg != nil && cfg.AuthDir != "" {
		authDir = cfg.AuthDir
	}
	return filepath.Join(util.ExpandHome(authDir), "logs")
}

// CloseLogOutput flushes and closes the log file, if any.
func CloseLogOutput() {
	outputMu.Lock()
	defer outputMu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	log.SetOutput(os.Stdout)
}

func formatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339)
}
