package mcu_serial

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
	"go.bug.st/serial"
)

const (
	BaudRate      = 115200
	chunkSize     = 32
	chunkInterval = 1 * time.Millisecond
	readTimeout   = 100 * time.Millisecond
)

var (
	ErrPortClosed = errors.New("serial port connection closed")
	ErrNotStarted = errors.New("reader not started")
)

// Port is the part of a serial.Port the reader uses.
type Port interface {
	io.ReadWriter
	Drain() error
	Close() error
}

// Reader talks to the memory card reader firmware over a serial line. It
// implements session.Transport. The line protocol has no request ids, so
// replies are delivered untagged and settle whichever operation is pending.
type Reader struct {
	path    string
	port    Port
	mu      sync.Mutex
	queue   string
	sink    func(session.Event)
	onClose func()
	started bool
	stop    chan struct{}
	done    sync.WaitGroup
	once    sync.Once
}

// Open connects to the serial port at path.
func Open(path string) (*Reader, error) {
	if runtime.GOOS != "windows" {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}

	err = port.SetReadTimeout(readTimeout)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	return NewReader(path, port), nil
}

func NewReader(path string, port Port) *Reader {
	return &Reader{
		path: path,
		port: port,
		stop: make(chan struct{}),
	}
}

func (r *Reader) Device() string {
	return r.path
}

func (r *Reader) Info() string {
	return "MCU serial (" + r.path + ")"
}

// Start begins pacing queued writes and reading frames. Parsed messages and
// errors go to sink; onClose runs once after the port has been closed
// because of a fatal error.
func (r *Reader) Start(sink func(session.Event), onClose func()) {
	r.mu.Lock()
	r.sink = sink
	r.onClose = onClose
	r.started = true
	r.mu.Unlock()

	r.done.Add(2)
	go r.pace()
	go r.readLoop()
}

func (r *Reader) emit(ev session.Event) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (r *Reader) enqueue(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.stop:
		return ErrPortClosed
	default:
	}

	if !r.started {
		return ErrNotStarted
	}

	r.queue += text
	return nil
}

func (r *Reader) SendRead(uuid.UUID) error {
	log.Debug().Str("port", r.path).Msg("> R")
	return r.enqueue("R\n")
}

func (r *Reader) SendWrite(_ uuid.UUID, data []byte) error {
	log.Debug().Str("port", r.path).Msgf("sending %d hex-encoded bytes to device for writing", len(data))
	return r.enqueue("W\n" + strings.ToUpper(hex.EncodeToString(data)) + "\n")
}

// Queued returns the text waiting to be written.
func (r *Reader) Queued() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

func (r *Reader) nextChunk() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return ""
	}

	n := chunkSize
	if len(r.queue) < n {
		n = len(r.queue)
	}
	chunk := r.queue[:n]
	r.queue = r.queue[n:]
	return chunk
}

// writeNext writes one chunk of the queue, if there is one.
func (r *Reader) writeNext() error {
	chunk := r.nextChunk()
	if chunk == "" {
		return nil
	}

	n, err := r.port.Write([]byte(chunk))
	if err != nil {
		return err
	}

	err = r.port.Drain()
	if err != nil {
		return err
	}

	log.Debug().Str("port", r.path).Msgf("> %s (written: %d)", chunk, n)
	return nil
}

func (r *Reader) pace() {
	defer r.done.Done()

	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.writeNext(); err != nil {
				go r.fail(err)
				return
			}
		}
	}
}

func (r *Reader) readLoop() {
	defer r.done.Done()

	var lines lineBuffer
	buf := make([]byte, 1024)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n, err := r.port.Read(buf)
		if err != nil {
			select {
			case <-r.stop:
				// closed by us
			default:
				go r.fail(err)
			}
			return
		}

		frames, err := lines.Write(buf[:n])
		for _, line := range frames {
			r.handleFrame(line)
		}
		if err != nil {
			log.Warn().Str("port", r.path).Err(err).Msg("dropping frame")
			r.emit(session.ErrorEvent{Err: err})
		}
	}
}

func (r *Reader) handleFrame(line string) {
	log.Debug().Str("port", r.path).Msgf("<< got message: %s", line)

	msg, err := ParseFrame(line)
	if err != nil {
		log.Warn().Str("port", r.path).Err(err).Msg("bad frame from reader")
		r.emit(session.ErrorEvent{Err: err})
		return
	} else if msg == nil {
		return
	}

	if msg.Error != "" {
		r.emit(session.ErrorEvent{Err: errors.New(msg.Error)})
		return
	}

	data, err := msg.Bytes()
	if err != nil {
		r.emit(session.ErrorEvent{Err: err})
		return
	}

	r.emit(session.ResponseEvent{Data: data})
}

// fail shuts the reader down after a fatal port error. The adapter does not
// reconnect, the port is picked up again by the next device scan.
func (r *Reader) fail(err error) {
	log.Error().Str("port", r.path).Err(err).Msg("error on serial port, closing")
	if !r.shutdown(fmt.Errorf("error on serial port: %w", err)) {
		return
	}

	r.mu.Lock()
	onClose := r.onClose
	r.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

// shutdown stops the pacer, closes the port, reports cause as the final
// error and then tells the session the device is gone. It returns false if
// the reader was already shut down.
func (r *Reader) shutdown(cause error) bool {
	first := false
	r.once.Do(func() {
		first = true

		r.mu.Lock()
		close(r.stop)
		r.queue = ""
		r.mu.Unlock()

		r.emit(session.ErrorEvent{Err: cause})

		if err := r.port.Close(); err != nil {
			log.Warn().Str("port", r.path).Err(err).Msg("could not close port")
		} else {
			log.Info().Str("port", r.path).Msg("port closed")
		}

		r.emit(session.ClosedEvent{})
	})
	return first
}

// Close stops the reader and closes the port.
func (r *Reader) Close() error {
	r.shutdown(ErrPortClosed)
	r.done.Wait()
	return nil
}
