package pcsc

import (
	"context"
	"errors"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
	"golang.org/x/exp/slices"
)

const (
	pnpNotification = `\\?PnP?\Notification`
	statusTimeout   = 500 * time.Millisecond
	// high word of the event state holds an insertion counter
	eventStateMask = 0xFFFF
)

// Registry is where the monitor keeps one session per reader.
type Registry interface {
	AddReader(device string, s *session.Session) bool
	GetReader(device string) (*session.Session, bool)
	RemoveReader(device string)
	SetLastError(err error)
}

// Monitor watches a PC/SC context for readers coming and going and forwards
// reader status changes to their sessions.
type Monitor struct {
	ctx    Context
	reg    Registry
	opts   session.Options
	known  map[string]scard.StateFlag
	usePnp bool
}

func NewMonitor(ctx Context, reg Registry, opts session.Options) *Monitor {
	return &Monitor{
		ctx:    ctx,
		reg:    reg,
		opts:   opts,
		known:  make(map[string]scard.StateFlag),
		usePnp: true,
	}
}

// Run blocks until ctx is cancelled or the PC/SC context fails.
func (m *Monitor) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = m.ctx.Cancel()
		case <-stop:
		}
	}()

	defer m.removeAll()

	if err := m.refreshReaders(); err != nil {
		log.Error().Err(err).Msg("error listing pcsc readers")
	}

	for ctx.Err() == nil {
		err := m.poll()
		switch {
		case err == nil:
		case errors.Is(err, scard.ErrTimeout):
			if !m.usePnp {
				if err := m.refreshReaders(); err != nil {
					log.Debug().Err(err).Msg("error listing pcsc readers")
				}
			}
		case errors.Is(err, scard.ErrCancelled):
			return ctx.Err()
		case errors.Is(err, scard.ErrUnknownReader):
			m.unknownReader()
		default:
			m.reg.SetLastError(err)
			return err
		}
	}

	return ctx.Err()
}

func (m *Monitor) poll() error {
	var rs []scard.ReaderState
	if m.usePnp {
		rs = append(rs, scard.ReaderState{
			Reader:       pnpNotification,
			CurrentState: scard.StateUnaware,
		})
	}

	names := m.names()
	for _, name := range names {
		rs = append(rs, scard.ReaderState{
			Reader:       name,
			CurrentState: m.known[name],
		})
	}

	if len(rs) == 0 {
		time.Sleep(statusTimeout)
		return scard.ErrTimeout
	}

	if err := m.ctx.GetStatusChange(rs, statusTimeout); err != nil {
		return err
	}

	for _, st := range rs {
		if st.Reader == pnpNotification {
			if st.EventState&scard.StateChanged != 0 {
				if err := m.refreshReaders(); err != nil {
					log.Error().Err(err).Msg("error listing pcsc readers")
				}
			}
			continue
		}

		if st.EventState&scard.StateChanged == 0 {
			continue
		}

		m.statusChanged(st.Reader, st.CurrentState, st.EventState)
	}

	return nil
}

// unknownReader handles a status poll naming a reader the daemon doesn't
// know. Either a reader went away since the last listing, or the daemon has
// no plug and play pseudo-reader, which is only assumed once the reader list
// is unchanged.
func (m *Monitor) unknownReader() {
	before := m.names()
	if err := m.refreshReaders(); err != nil {
		log.Error().Err(err).Msg("error listing pcsc readers")
		return
	}

	if m.usePnp && slices.Equal(before, m.names()) {
		log.Info().Msg("pcsc plug and play notifications unavailable, polling readers")
		m.usePnp = false
	}
}

func (m *Monitor) names() []string {
	names := make([]string, 0, len(m.known))
	for name := range m.known {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Monitor) statusChanged(name string, prev, next scard.StateFlag) {
	next = next &^ scard.StateChanged & eventStateMask
	m.known[name] = next

	log.Debug().Str("reader", name).Msgf("status: %#x -> %#x", prev, next)

	if next&(scard.StateUnknown|scard.StateUnavailable) != 0 {
		m.remove(name)
		return
	}

	s, ok := m.reg.GetReader(name)
	if !ok {
		return
	}

	s.Dispatch(session.StatusEvent{
		Old: session.StatusFlags(prev &^ scard.StateChanged & eventStateMask),
		New: session.StatusFlags(next),
	})
}

// refreshReaders syncs the set of known readers with the PC/SC daemon.
func (m *Monitor) refreshReaders() error {
	names, err := m.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		names, err = nil, nil
	}
	if err != nil {
		return err
	}

	for _, name := range names {
		if _, ok := m.known[name]; ok {
			continue
		}
		m.add(name)
	}

	for _, name := range m.names() {
		if !slices.Contains(names, name) {
			m.remove(name)
		}
	}

	return nil
}

func (m *Monitor) add(name string) {
	log.Info().Str("reader", name).Msg("new reader detected")

	r := NewReader(m.ctx, name)
	s := session.New(name, r, m.opts)
	if !m.reg.AddReader(name, s) {
		return
	}
	r.Attach(s.Dispatch)

	m.known[name] = scard.StateUnaware
}

func (m *Monitor) remove(name string) {
	log.Info().Str("reader", name).Msg("reader removed")
	delete(m.known, name)
	m.reg.RemoveReader(name)
}

func (m *Monitor) removeAll() {
	for _, name := range m.names() {
		m.remove(name)
	}
}
