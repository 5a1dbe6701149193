package state

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
	"golang.org/x/exp/slices"
)

const (
	ReadersAdded   = "readers.added"
	ReadersRemoved = "readers.removed"
	CardInserted   = "card.inserted"
	CardRemoved    = "card.removed"

	notificationBuffer = 32
)

type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// State is the device registry: one session per connected reader, keyed by
// device connection string.
type State struct {
	mu            sync.RWMutex
	readers       map[string]*session.Session
	lastError     error
	stopService   bool
	notifications chan Notification
}

func NewState() *State {
	return &State{
		readers:       make(map[string]*session.Session),
		notifications: make(chan Notification, notificationBuffer),
	}
}

// Notifications is the feed of registry changes. Notifications are dropped
// if nothing is consuming them.
func (s *State) Notifications() <-chan Notification {
	return s.notifications
}

func (s *State) notify(method string, params any) {
	select {
	case s.notifications <- Notification{Method: method, Params: params}:
	default:
		log.Debug().Msgf("notification dropped: %s", method)
	}
}

// AddReader registers a session for device. It returns false and leaves the
// registry untouched if the device is already registered.
func (s *State) AddReader(device string, rs *session.Session) bool {
	s.mu.Lock()
	if _, ok := s.readers[device]; ok {
		s.mu.Unlock()
		return false
	}
	s.readers[device] = rs
	s.mu.Unlock()

	log.Info().Msgf("reader added: %s", device)
	s.notify(ReadersAdded, device)
	return true
}

func (s *State) GetReader(device string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.readers[device]
	return rs, ok
}

// FirstReader returns the session for the lowest sorted device name.
func (s *State) FirstReader() (*session.Session, bool) {
	ids := s.ListReaders()
	if len(ids) == 0 {
		return nil, false
	}
	return s.GetReader(ids[0])
}

// RemoveReader closes the device's session, failing any pending operation,
// then closes its transport and deletes the entry.
func (s *State) RemoveReader(device string) {
	rs, ok := s.GetReader(device)
	if !ok {
		return
	}

	rs.Close()

	if c, ok := rs.Transport().(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msgf("error closing reader: %s", device)
		}
	}

	s.mu.Lock()
	current, ok := s.readers[device]
	removed := ok && current == rs
	if removed {
		delete(s.readers, device)
	}
	s.mu.Unlock()

	if removed {
		log.Info().Msgf("reader removed: %s", device)
		s.notify(ReadersRemoved, device)
	}
}

// ListReaders returns all registered device names, sorted.
func (s *State) ListReaders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := make([]string, 0, len(s.readers))
	for k := range s.readers {
		rs = append(rs, k)
	}
	slices.Sort(rs)

	return rs
}

// RemoveAll closes and removes every registered reader.
func (s *State) RemoveAll() {
	for _, device := range s.ListReaders() {
		s.RemoveReader(device)
	}
}

// CardChanged is passed to sessions as their card presence callback.
func (s *State) CardChanged(device string, present bool) {
	if present {
		s.notify(CardInserted, device)
	} else {
		s.notify(CardRemoved, device)
	}
}

func (s *State) SetLastError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("reader error")
	}
}

func (s *State) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func (s *State) StopService() {
	s.mu.Lock()
	s.stopService = true
	s.mu.Unlock()
}

func (s *State) ShouldStopService() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopService
}
