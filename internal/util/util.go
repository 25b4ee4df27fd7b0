package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	DefaultConfigPath     string
	DefaultUserConfigPath string
	DefaultLogFilePath    string
	DefaultSampleLogPath  string
	DefaultLockDir        string
)

func init() {
	DefaultConfigPath = "/etc/nvtune/config.yaml"

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	DefaultUserConfigPath = filepath.Join(home, ".config", "nvtune", "config.yaml")

	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	DefaultLogFilePath = filepath.Join(cacheDir, "nvtune", "nvtune.log")
	DefaultSampleLogPath = filepath.Join(cacheDir, "nvtune", "samples.jsonl")
	DefaultLockDir = filepath.Join(os.TempDir(), "nvtune")
}

func CheckLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// InitLogger sends diagnostics to a rotating file. The terminal belongs to
// the session frame, so nothing may be written to stdout or stderr while it
// is drawn.
func InitLogger(level string, path string) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetReportCaller(lvl >= log.DebugLevel)
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		NoColors:        true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   false,
	})
	return nil
}
