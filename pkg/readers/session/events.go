package session

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StatusFlags is a reader status bitmask. The values match the PC/SC
// SCARD_STATE_* flags so drivers can pass them through unchanged.
type StatusFlags uint32

const (
	StatusEmpty   StatusFlags = 0x0010
	StatusPresent StatusFlags = 0x0020
)

// Event is something a transport driver observed. All events enter a session
// through Dispatch.
type Event interface {
	event()
}

// ResponseEvent carries the reply to the command sent for operation Op.
type ResponseEvent struct {
	Op   uuid.UUID
	Data []byte
}

// ErrorEvent is a failure reported by the transport. Op is uuid.Nil when the
// failure isn't tied to one command.
type ErrorEvent struct {
	Op  uuid.UUID
	Err error
}

// StatusEvent is a reader status change, old and new status bitmasks.
type StatusEvent struct {
	Old StatusFlags
	New StatusFlags
}

// ClosedEvent means the underlying device connection is gone.
type ClosedEvent struct{}

func (ResponseEvent) event() {}
func (ErrorEvent) event()    {}
func (StatusEvent) event()   {}
func (ClosedEvent) event()   {}

func (s *Session) Dispatch(ev Event) {
	switch e := ev.(type) {
	case ResponseEvent:
		s.handleResponse(e.Op, e.Data)
	case ErrorEvent:
		s.handleError(e.Op, e.Err)
	case StatusEvent:
		s.handleStatus(e.Old, e.New)
	case ClosedEvent:
		s.Close()
	default:
		log.Warn().Str("device", s.device).Msgf("unknown session event: %T", ev)
	}
}

func (s *Session) handleResponse(op uuid.UUID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		log.Debug().Str("device", s.device).Msg("ignoring response with no pending operation")
		return
	}

	if !s.pending.matches(op) {
		log.Debug().
			Str("device", s.device).
			Str("op", op.String()).
			Msg("ignoring response for a finished operation")
		return
	}

	s.resolveLocked(s.pending, result{data: data})
}

func (s *Session) handleError(op uuid.UUID, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = asTransportError(err)
	s.lastError = err
	log.Error().Str("device", s.device).Err(err).Msg("reader error")

	if s.pending != nil && s.pending.matches(op) {
		s.resolveLocked(s.pending, result{err: err})
	}
}

// handleStatus only looks at the empty and present bits among the changed
// ones. Other transitions, like a mute card, are ignored.
func (s *Session) handleStatus(prev, next StatusFlags) {
	changed := prev ^ next
	if changed == 0 {
		return
	}

	switch {
	case changed&StatusEmpty != 0 && next&StatusEmpty != 0:
		s.cardRemoved()
	case changed&StatusPresent != 0 && next&StatusPresent != 0:
		s.cardInserted()
	}
}

func (s *Session) cardRemoved() {
	log.Info().Str("device", s.device).Msg("card removed")

	s.mu.Lock()
	s.cardPresent = false
	s.protocol = NoProtocol
	s.content = nil
	s.mu.Unlock()

	if ct, ok := s.transport.(CardTransport); ok {
		if err := ct.Disconnect(); err != nil {
			log.Warn().Str("device", s.device).Err(err).Msg("error disconnecting card")
		}
	}

	s.notifyCard(false)
}

func (s *Session) cardInserted() {
	log.Info().Str("device", s.device).Msg("card inserted")

	ct, ok := s.transport.(CardTransport)
	if !ok {
		return
	}

	proto, err := ct.Connect()
	if err != nil {
		log.Error().Str("device", s.device).Err(err).Msg("error connecting to card")
		s.mu.Lock()
		s.lastError = asTransportError(err)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.protocol = proto
	s.cardPresent = true
	s.mu.Unlock()

	log.Debug().Str("device", s.device).Msgf("negotiated protocol: %d", proto)
	s.notifyCard(true)

	data, err := ct.BringUp()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		log.Error().Str("device", s.device).Err(err).Msg("error preparing card")
		s.lastError = asTransportError(err)
		return
	}
	if s.cardPresent && len(data) > 0 {
		s.content = data
		s.lastError = nil
	}
}

func (s *Session) notifyCard(present bool) {
	if s.opts.OnCardChange != nil {
		s.opts.OnCardChange(s.device, present)
	}
}
