package readers

import (
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
)

// Reader is a hardware driver which a Session sends commands through.
type Reader interface {
	session.Transport
	// Device returns the device connection string, also used as the
	// registry key.
	Device() string
	// Info returns a string with information about the connected device.
	Info() string
	// Close any open connections to the device and stop polling.
	Close() error
}
