// Package session implements the per-device state machine sitting between a
// transport driver and the HTTP API. A Session accepts at most one read or
// write at a time and resolves each one exactly once: with the first
// response, the first transport error, the deadline, or the device going
// away, whichever happens first.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 1200 * time.Millisecond

type State int

const (
	Ready State = iota
	Reading
	Writing
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	default:
		return "unknown"
	}
}

// Protocol is the opaque handle negotiated with a card on connect. Zero means
// no protocol has been negotiated.
type Protocol uint32

const NoProtocol Protocol = 0

// Transport is the command side of a driver. Responses come back
// asynchronously through Session.Dispatch, tagged with the op id the command
// was sent with. Drivers whose wire protocol can't carry the id reply with
// uuid.Nil, which matches whatever operation is pending.
type Transport interface {
	SendRead(op uuid.UUID) error
	SendWrite(op uuid.UUID, data []byte) error
}

// CardTransport is implemented by drivers which see card insertion and
// removal as reader status changes and must negotiate a connection to each
// inserted card.
type CardTransport interface {
	Transport
	Connect() (Protocol, error)
	Disconnect() error
	// BringUp prepares a freshly connected card and returns its contents.
	BringUp() ([]byte, error)
}

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	// Timeout for a single operation, DefaultTimeout if zero.
	Timeout time.Duration
	// CardPresent marks a card as readable from the start, for transports
	// that handle card presence in-band.
	CardPresent bool
	AfterFunc   AfterFunc
	// OnCardChange is called outside the session lock when card presence
	// changes because of a status event.
	OnCardChange func(device string, present bool)
}

type result struct {
	data []byte
	err  error
}

type pendingOp struct {
	id    uuid.UUID
	kind  State
	timer Timer
	done  chan result
}

// matches reports whether an event tagged with id belongs to this operation.
func (op *pendingOp) matches(id uuid.UUID) bool {
	return id == uuid.Nil || id == op.id
}

type Session struct {
	mu          sync.Mutex
	device      string
	transport   Transport
	opts        Options
	state       State
	cardPresent bool
	protocol    Protocol
	content     []byte
	lastError   error
	pending     *pendingOp
	closed      bool
}

func New(device string, transport Transport, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = stdAfterFunc
	}

	return &Session{
		device:      device,
		transport:   transport,
		opts:        opts,
		state:       Ready,
		cardPresent: opts.CardPresent,
	}
}

func (s *Session) Device() string {
	return s.device
}

func (s *Session) Transport() Transport {
	return s.transport
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CardPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardPresent
}

func (s *Session) Protocol() Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Content returns a copy of the card contents cached during bring-up.
func (s *Session) Content() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		return nil
	}
	return append([]byte(nil), s.content...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info is a point in time snapshot of a session for status reporting.
// Content is the card memory cached when the card was inserted.
type Info struct {
	Device      string `json:"device"`
	State       string `json:"state"`
	CardPresent bool   `json:"cardPresent"`
	Protocol    uint32 `json:"protocol"`
	LastError   string `json:"lastError,omitempty"`
	Content     []int  `json:"content"`
	ContentSize int    `json:"contentSize"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Device:      s.device,
		State:       s.state.String(),
		CardPresent: s.cardPresent,
		Protocol:    uint32(s.protocol),
		ContentSize: len(s.content),
	}
	if s.content != nil {
		info.Content = make([]int, len(s.content))
		for i, b := range s.content {
			info.Content[i] = int(b)
		}
	}
	if s.lastError != nil {
		info.LastError = s.lastError.Error()
	}

	return info
}

// Read asks the transport for the card contents and waits for the reply.
func (s *Session) Read(ctx context.Context) ([]byte, error) {
	op, err := s.begin(Reading)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("device", s.device).Str("op", op.id.String()).Msg("sending read command")
	if err := s.transport.SendRead(op.id); err != nil {
		s.fail(op, err)
	}

	return s.wait(ctx, op)
}

// Write sends data to the card and waits for the reader's reply. The session
// puts no limit on the size of data.
func (s *Session) Write(ctx context.Context, data []byte) ([]byte, error) {
	op, err := s.begin(Writing)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("device", s.device).
		Str("op", op.id.String()).
		Int("bytes", len(data)).
		Msg("sending write command")
	if err := s.transport.SendWrite(op.id, data); err != nil {
		s.fail(op, err)
	}

	return s.wait(ctx, op)
}

func (s *Session) begin(kind State) (*pendingOp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.state != Ready || s.pending != nil {
		return nil, &BusyError{State: s.state}
	}

	if !s.cardPresent {
		return nil, ErrNotFound
	}

	op := &pendingOp{
		id:   uuid.New(),
		kind: kind,
		done: make(chan result, 1),
	}

	s.state = kind
	s.pending = op
	// the timer callback takes the lock, so it can't run before op.timer is set
	op.timer = s.opts.AfterFunc(s.opts.Timeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.resolveLocked(op, result{err: ErrTimeout}) {
			log.Warn().
				Str("device", s.device).
				Str("op", op.id.String()).
				Msgf("%s timed out", kind)
		}
	})

	return op, nil
}

func (s *Session) wait(ctx context.Context, op *pendingOp) ([]byte, error) {
	select {
	case r := <-op.done:
		return r.data, r.err
	case <-ctx.Done():
		// the operation still resolves on its own deadline
		return nil, ctx.Err()
	}
}

func (s *Session) fail(op *pendingOp, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err = asTransportError(err)
	s.lastError = err
	s.resolveLocked(op, result{err: err})
}

// resolveLocked settles op if it is still the pending operation and reports
// whether it did. Must be called with s.mu held.
func (s *Session) resolveLocked(op *pendingOp, r result) bool {
	if op == nil || s.pending != op {
		return false
	}

	s.pending = nil
	s.state = Ready
	if op.timer != nil {
		op.timer.Stop()
	}

	op.done <- r
	return true
}

// Close resolves any pending operation with a disconnect error and marks the
// session unusable. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	if s.pending != nil {
		err := &TransportError{Err: ErrDisconnected}
		s.lastError = err
		s.resolveLocked(s.pending, result{err: err})
	}
	s.cardPresent = false
	s.protocol = NoProtocol
	s.content = nil

	log.Debug().Str("device", s.device).Msg("session closed")
}
