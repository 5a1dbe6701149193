package config

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	Version          = "1.0.0"
	AppName          = "cardbridge"
	LogFile          = "cardbridge.log"
	DefaultPort      = 44602
	DefaultBindIP    = "127.0.0.1"
	DefaultTimeoutMs = 1200
	// Adafruit Feather RP2040
	DefaultSerialVid = "239A"
	DefaultSerialPid = "800C"
)

func MkTempDir() string {
	path := filepath.Join(os.TempDir(), AppName)
	err := os.MkdirAll(path, 0755)
	if err != nil {
		log.Error().Err(err).Msg("error creating temp folder")
	}
	return path
}
