package session

import (
	"errors"
	"fmt"
)

var (
	ErrBusy      = errors.New("reader busy")
	ErrTimeout   = errors.New("timed out waiting for reader response")
	ErrTransport = errors.New("transport error")
	ErrNotFound  = errors.New("no card present")
	// ErrClosed is returned for operations on a session whose device is gone.
	ErrClosed       = fmt.Errorf("reader disconnected: %w", ErrNotFound)
	ErrDisconnected = errors.New("reader disconnected")
)

// BusyError is returned when an operation is attempted while another one is
// still pending on the same reader.
type BusyError struct {
	State State
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("reader still %s, not ready", e.State)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}

// TransportError wraps any failure reported by a transport driver.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return ErrTransport.Error()
	}
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func asTransportError(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Err: err}
}
