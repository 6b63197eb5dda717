package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/grovetools/embed/pkg/paths"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	activeCfg Config
	openFiles = make(map[string]*os.File)
)

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	logger := logrus.New()
	apply(logger, component, activeCfg)
	hooksMu.Lock()
	for _, h := range hooks {
		logger.AddHook(h)
	}
	hooksMu.Unlock()

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Configure installs cfg as the logging configuration and re-applies it to
// every logger created so far. It is called once the session config is loaded.
func Configure(cfg Config) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	activeCfg = cfg
	for component, entry := range loggers {
		apply(entry.Logger, component, cfg)
	}
}

// Level returns the level new loggers are created with.
func Level() logrus.Level {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	return resolveLevel(activeCfg)
}

func resolveLevel(cfg Config) logrus.Level {
	levelStr := "info"
	if env := os.Getenv("EMBED_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func apply(logger *logrus.Logger, component string, cfg Config) {
	logger.SetLevel(resolveLevel(cfg))
	logger.SetReportCaller(os.Getenv("EMBED_LOG_CALLER") == "true" || cfg.ReportCaller)

	switch cfg.Format.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}})
	default:
		logger.SetFormatter(&TextFormatter{Config: cfg.Format})
	}

	var writers []io.Writer

	if cfg.File.Enabled {
		logFilePath := expandPath(cfg.File.Path)
		if logFilePath == "" {
			logFilePath = filepath.Join(paths.LogDir(), fmt.Sprintf("%s-%s.log", component, time.Now().Format("2006-01-02")))
		}
		if file, err := openLogFile(logFilePath); err == nil {
			writers = append(writers, file)
		} else {
			fmt.Fprintf(defaultGlobalWriter, "embed: failed to open log file %s: %v\n", logFilePath, err)
		}
	}

	if shouldLogToStderr(cfg, logger.GetLevel()) {
		writers = append(writers, defaultGlobalWriter)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}
}

func shouldLogToStderr(cfg Config, level logrus.Level) bool {
	switch cfg.Format.StructuredToStderr {
	case "always":
		return true
	case "never":
		return false
	}
	// auto: structured logs go to stderr when debugging or when nobody is
	// looking at a terminal (CI, pipes).
	isDebug := os.Getenv("EMBED_DEBUG") == "1" || level >= logrus.DebugLevel
	isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return isDebug || !isInteractive
}

// openLogFile shares one descriptor per path across components.
func openLogFile(path string) (*os.File, error) {
	if f, ok := openFiles[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	openFiles[path] = f
	return f, nil
}

// expandPath expands tilde in file paths
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
