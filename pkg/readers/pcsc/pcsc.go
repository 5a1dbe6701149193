package pcsc

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/ebfe/scard"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
)

const (
	selectCardTypeLen = 2
	readMemoryLen     = 255 + 2
	writeMemoryLen    = 2
	maxWriteLen       = 255
)

var (
	selectCardTypeCmd = []byte{0xFF, 0xA4, 0x00, 0x00, 0x01, 0x01}
	readMemoryCmd     = []byte{0xFF, 0xB0, 0x00, 0x00, 0xFF}
	statusOk          = []byte{0x90, 0x00}
)

var (
	ErrNoProtocol   = errors.New("could not transmit data: protocol is not known yet")
	ErrBadStatus    = errors.New("card returned an error status")
	ErrTooLong      = errors.New("response longer than expected")
	ErrDataTooLarge = fmt.Errorf("data longer than %d bytes", maxWriteLen)
)

func writeMemoryCmd(data []byte) []byte {
	cmd := []byte{0xFF, 0xD0, 0x00, 0x00, byte(len(data))}
	return append(cmd, data...)
}

// ResponseOK reports whether a card response carries payload or ends in the
// 90 00 success status word.
func ResponseOK(resp []byte) bool {
	return len(resp) > 2 || bytes.Equal(resp, statusOk)
}

// payload strips the trailing status word.
func payload(resp []byte) []byte {
	if len(resp) <= 2 {
		return []byte{}
	}
	return resp[:len(resp)-2]
}

// Reader drives a memory card in a single PC/SC reader. It implements
// session.CardTransport.
type Reader struct {
	mu       sync.Mutex
	ctx      Context
	name     string
	card     Card
	protocol scard.Protocol
	sink     func(session.Event)
}

func NewReader(ctx Context, name string) *Reader {
	return &Reader{
		ctx:  ctx,
		name: name,
	}
}

// Attach sets where asynchronous command results are delivered.
func (r *Reader) Attach(sink func(session.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

func (r *Reader) Device() string {
	return r.name
}

func (r *Reader) Info() string {
	return "PC/SC (" + r.name + ")"
}

func (r *Reader) emit(ev session.Event) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (r *Reader) transmitLocked(cmd []byte, maxLen int) ([]byte, error) {
	if r.card == nil || r.protocol == scard.ProtocolUndefined {
		return nil, ErrNoProtocol
	}

	resp, err := r.card.Transmit(cmd)
	if err != nil {
		log.Error().Err(err).Str("reader", r.name).Msg("transmission error")
		return nil, err
	}

	if len(resp) > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLong, len(resp), maxLen)
	}

	if !ResponseOK(resp) {
		log.Error().Str("reader", r.name).Msgf("transmission error, response: %x", resp)
		return nil, fmt.Errorf("%w: %x", ErrBadStatus, resp)
	}

	log.Debug().Str("reader", r.name).Msgf("data received: %x", resp)
	return resp, nil
}

// Transmit sends an APDU to the connected card. A card must be connected.
func (r *Reader) Transmit(cmd []byte, maxLen int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitLocked(cmd, maxLen)
}

func (r *Reader) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil && r.protocol != scard.ProtocolUndefined
}

// run transmits cmd and reports the result tagged with op, so a reply that
// arrives after its operation timed out can't settle a later one.
func (r *Reader) run(op uuid.UUID, cmd []byte, maxLen int) {
	resp, err := r.Transmit(cmd, maxLen)
	if err != nil {
		r.emit(session.ErrorEvent{Op: op, Err: err})
		return
	}
	r.emit(session.ResponseEvent{Op: op, Data: payload(resp)})
}

func (r *Reader) SendRead(op uuid.UUID) error {
	if !r.connected() {
		return ErrNoProtocol
	}
	go r.run(op, readMemoryCmd, readMemoryLen)
	return nil
}

func (r *Reader) SendWrite(op uuid.UUID, data []byte) error {
	if len(data) > maxWriteLen {
		return ErrDataTooLarge
	}
	if !r.connected() {
		return ErrNoProtocol
	}
	go r.run(op, writeMemoryCmd(data), writeMemoryLen)
	return nil
}

// Connect opens a shared connection to the inserted card, preferring T=0.
func (r *Reader) Connect() (session.Protocol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card != nil {
		_ = r.card.Disconnect(scard.LeaveCard)
		r.card = nil
		r.protocol = scard.ProtocolUndefined
	}

	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolT0)
	if err != nil {
		return session.NoProtocol, err
	}

	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return session.NoProtocol, err
	}

	r.card = card
	r.protocol = status.ActiveProtocol
	log.Info().Str("reader", r.name).Msgf("protocol: %d, atr: %x", status.ActiveProtocol, status.Atr)

	return session.Protocol(status.ActiveProtocol), nil
}

func (r *Reader) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	card := r.card
	r.card = nil
	r.protocol = scard.ProtocolUndefined
	if card == nil {
		return nil
	}

	err := card.Disconnect(scard.LeaveCard)
	if err != nil {
		return err
	}

	log.Info().Str("reader", r.name).Msg("card disconnected")
	return nil
}

// BringUp selects the memory card type and reads the whole card.
func (r *Reader) BringUp() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.transmitLocked(selectCardTypeCmd, selectCardTypeLen); err != nil {
		return nil, fmt.Errorf("select card type: %w", err)
	}

	resp, err := r.transmitLocked(readMemoryCmd, readMemoryLen)
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}

	return payload(resp), nil
}

func (r *Reader) Close() error {
	return r.Disconnect()
}
