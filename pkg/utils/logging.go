package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogging sends the global logger to a rotated log file in logDir and,
// if console is set, to stderr as well.
func InitLogging(logDir string, console bool) error {
	logFile := filepath.Join(logDir, config.LogFile)

	err := os.MkdirAll(filepath.Dir(logFile), 0755)
	if err != nil {
		return err
	}

	var logWriters = []io.Writer{&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 2,
	}}

	if console {
		logWriters = append(logWriters, zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	log.Logger = log.Output(io.MultiWriter(logWriters...))

	return nil
}
