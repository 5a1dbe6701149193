package pcsc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ebfe/scard"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
)

type fakeCard struct {
	mu        sync.Mutex
	responses map[string][]byte
	sent      [][]byte
	err       error
	discErr   error
	discs     int
	// holdReads blocks read memory commands until closed
	holdReads chan struct{}
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	hold := c.holdReads
	c.mu.Unlock()
	if hold != nil && bytes.HasPrefix(cmd, []byte(prefix(readMemoryCmd))) {
		<-hold
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), cmd...))
	if c.err != nil {
		return nil, c.err
	}
	for prefix, resp := range c.responses {
		if bytes.HasPrefix(cmd, []byte(prefix)) {
			return resp, nil
		}
	}
	return []byte{0x6A, 0x81}, nil
}

func (c *fakeCard) Status() (*scard.CardStatus, error) {
	return &scard.CardStatus{
		Reader:         "ACS ACR38U",
		ActiveProtocol: scard.ProtocolT0,
		Atr:            []byte{0x3B, 0x04},
	}, nil
}

func (c *fakeCard) Disconnect(scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discs++
	return c.discErr
}

func (c *fakeCard) commands() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

type fakeContext struct {
	mu      sync.Mutex
	card    *fakeCard
	connErr error
	readers []string
	changes [][]scard.ReaderState
	calls   int
}

func (f *fakeContext) ListReaders() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readers) == 0 {
		return nil, scard.ErrNoReadersAvailable
	}
	return append([]string(nil), f.readers...), nil
}

// GetStatusChange replays one scripted batch of changes per call, matched by
// reader name.
func (f *fakeContext) GetStatusChange(rs []scard.ReaderState, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.changes) {
		f.calls++
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
		return scard.ErrTimeout
	}
	batch := f.changes[f.calls]
	f.calls++
	for i := range rs {
		for _, c := range batch {
			if rs[i].Reader == c.Reader {
				rs[i].EventState = c.EventState
			}
		}
	}
	return nil
}

func (f *fakeContext) Connect(string, scard.ShareMode, scard.Protocol) (Card, error) {
	if f.connErr != nil {
		return nil, f.connErr
	}
	return f.card, nil
}

func (f *fakeContext) Cancel() error  { return nil }
func (f *fakeContext) Release() error { return nil }

func prefix(cmd []byte) string {
	return string(cmd[:2])
}

func newFakeCard() *fakeCard {
	return &fakeCard{
		responses: map[string][]byte{
			prefix(selectCardTypeCmd):   {0x90, 0x00},
			prefix(readMemoryCmd):       {0x01, 0x02, 0x03, 0x90, 0x00},
			prefix(writeMemoryCmd(nil)): {0x90, 0x00},
		},
	}
}

func TestResponseOK(t *testing.T) {
	tests := map[string]struct {
		resp []byte
		want bool
	}{
		"status ok":       {resp: []byte{0x90, 0x00}, want: true},
		"payload":         {resp: []byte{0x01, 0x6A, 0x82}, want: true},
		"error status":    {resp: []byte{0x6A, 0x82}, want: false},
		"empty":           {resp: []byte{}, want: false},
		"single byte":     {resp: []byte{0x90}, want: false},
		"reversed status": {resp: []byte{0x00, 0x90}, want: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResponseOK(tc.resp))
		})
	}
}

func TestWriteMemoryCmd(t *testing.T) {
	got := writeMemoryCmd([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	assert.Equal(t, []byte{0xFF, 0xD0, 0x00, 0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}, got)
}

func TestTransmitRequiresProtocol(t *testing.T) {
	r := NewReader(&fakeContext{card: newFakeCard()}, "reader")

	_, err := r.Transmit(readMemoryCmd, readMemoryLen)
	assert.ErrorIs(t, err, ErrNoProtocol)
	assert.ErrorIs(t, r.SendRead(uuid.New()), ErrNoProtocol)
	assert.ErrorIs(t, r.SendWrite(uuid.New(), []byte{0x01}), ErrNoProtocol)
}

func TestTransmitStatusWordOnly(t *testing.T) {
	card := newFakeCard()
	r := NewReader(&fakeContext{card: card}, "reader")
	_, err := r.Connect()
	require.NoError(t, err)

	resp, err := r.Transmit(selectCardTypeCmd, selectCardTypeLen)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)
	assert.Empty(t, payload(resp))
}

func TestTransmitErrors(t *testing.T) {
	card := newFakeCard()
	r := NewReader(&fakeContext{card: card}, "reader")
	_, err := r.Connect()
	require.NoError(t, err)

	_, err = r.Transmit([]byte{0x00, 0x00}, 2)
	assert.ErrorIs(t, err, ErrBadStatus)

	_, err = r.Transmit(readMemoryCmd, 2)
	assert.ErrorIs(t, err, ErrTooLong)

	card.err = errors.New("card removed")
	_, err = r.Transmit(readMemoryCmd, readMemoryLen)
	assert.EqualError(t, err, "card removed")
}

func TestConnectAndBringUp(t *testing.T) {
	card := newFakeCard()
	r := NewReader(&fakeContext{card: card}, "reader")

	proto, err := r.Connect()
	require.NoError(t, err)
	assert.Equal(t, session.Protocol(scard.ProtocolT0), proto)

	data, err := r.BringUp()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
	assert.Equal(t, [][]byte{selectCardTypeCmd, readMemoryCmd}, card.commands())

	require.NoError(t, r.Disconnect())
	assert.Equal(t, 1, card.discs)
	_, err = r.BringUp()
	assert.ErrorIs(t, err, ErrNoProtocol)
}

func TestBringUpSelectFailure(t *testing.T) {
	card := newFakeCard()
	card.responses[prefix(selectCardTypeCmd)] = []byte{0x6A, 0x81}
	r := NewReader(&fakeContext{card: card}, "reader")
	_, err := r.Connect()
	require.NoError(t, err)

	_, err = r.BringUp()
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.Len(t, card.commands(), 1)
}

func TestSessionOverReader(t *testing.T) {
	card := newFakeCard()
	r := NewReader(&fakeContext{card: card}, "reader")
	s := session.New("reader", r, session.Options{})
	r.Attach(s.Dispatch)

	// no card yet
	_, err := s.Write(context.Background(), []byte{0xDE, 0xAD, 0xBE, 0xEF})
	assert.ErrorIs(t, err, session.ErrNotFound)

	s.Dispatch(session.StatusEvent{Old: session.StatusEmpty, New: session.StatusPresent})
	require.True(t, s.CardPresent())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, s.Content())

	data, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)

	data, err = s.Write(context.Background(), []byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)
	assert.Empty(t, data)
	cmds := card.commands()
	assert.Equal(t, writeMemoryCmd([]byte{0xDE, 0xAD, 0xBE, 0xEF}), cmds[len(cmds)-1])

	card.responses[prefix(readMemoryCmd)] = []byte{0x6F, 0x00}
	_, err = s.Read(context.Background())
	assert.ErrorIs(t, err, session.ErrTransport)
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.Equal(t, session.Ready, s.State())

	s.Dispatch(session.StatusEvent{Old: session.StatusPresent, New: session.StatusEmpty})
	assert.False(t, s.CardPresent())
	assert.Equal(t, session.NoProtocol, s.Protocol())
	assert.Equal(t, 1, card.discs)
}

func TestSendWriteTooLarge(t *testing.T) {
	card := newFakeCard()
	r := NewReader(&fakeContext{card: card}, "reader")
	_, err := r.Connect()
	require.NoError(t, err)

	assert.ErrorIs(t, r.SendWrite(uuid.New(), make([]byte, 256)), ErrDataTooLarge)
}

type manualTimers struct {
	mu  sync.Mutex
	fns []func()
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

func (m *manualTimers) AfterFunc(_ time.Duration, f func()) session.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns = append(m.fns, f)
	return nopTimer{}
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.fns[i]
	m.mu.Unlock()
	f()
}

func TestLateReadReplyDoesNotSettleWrite(t *testing.T) {
	card := newFakeCard()
	r := NewReader(&fakeContext{card: card}, "reader")
	timers := &manualTimers{}
	s := session.New("reader", r, session.Options{AfterFunc: timers.AfterFunc})
	r.Attach(s.Dispatch)

	s.Dispatch(session.StatusEvent{Old: session.StatusEmpty, New: session.StatusPresent})
	require.True(t, s.CardPresent())

	hold := make(chan struct{})
	card.mu.Lock()
	card.holdReads = hold
	card.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(context.Background())
		readErr <- err
	}()
	require.Eventually(t, func() bool { return timers.count() == 1 }, time.Second, time.Millisecond)

	timers.fire(0)
	assert.ErrorIs(t, <-readErr, session.ErrTimeout)

	type writeResult struct {
		data []byte
		err  error
	}
	writeDone := make(chan writeResult, 1)
	go func() {
		data, err := s.Write(context.Background(), []byte{0xDE, 0xAD})
		writeDone <- writeResult{data, err}
	}()
	require.Eventually(t, func() bool { return s.State() == session.Writing }, time.Second, time.Millisecond)

	// the read's transmit finishes first and its reply must be dropped
	close(hold)

	select {
	case res := <-writeDone:
		require.NoError(t, res.err)
		assert.Empty(t, res.data)
	case <-time.After(time.Second):
		t.Fatal("write never resolved")
	}

	cmds := card.commands()
	assert.Equal(t, writeMemoryCmd([]byte{0xDE, 0xAD}), cmds[len(cmds)-1])
}

func TestMonitorUnknownReaderKeepsPnp(t *testing.T) {
	fctx := &fakeContext{card: newFakeCard(), readers: []string{"a", "b"}}
	reg := newFakeRegistry()
	m := NewMonitor(fctx, reg, session.Options{})
	require.NoError(t, m.refreshReaders())

	// "b" went away between listing and polling
	fctx.mu.Lock()
	fctx.readers = []string{"a"}
	fctx.mu.Unlock()
	m.unknownReader()
	assert.True(t, m.usePnp)
	assert.Equal(t, []string{"a"}, m.names())

	// nothing changed, so the plug and play reader is what's unknown
	m.unknownReader()
	assert.False(t, m.usePnp)
}

type fakeRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	removed  []string
	lastErr  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sessions: make(map[string]*session.Session)}
}

func (f *fakeRegistry) AddReader(device string, s *session.Session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[device]; ok {
		return false
	}
	f.sessions[device] = s
	return true
}

func (f *fakeRegistry) GetReader(device string) (*session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[device]
	return s, ok
}

func (f *fakeRegistry) RemoveReader(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[device]; ok {
		s.Close()
	}
	delete(f.sessions, device)
	f.removed = append(f.removed, device)
}

func (f *fakeRegistry) SetLastError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = err
}

func TestMonitorLifecycle(t *testing.T) {
	const name = "ACS ACR38U 00 00"
	card := newFakeCard()
	fctx := &fakeContext{
		card:    card,
		readers: []string{name},
		changes: [][]scard.ReaderState{
			{{Reader: name, EventState: scard.StateChanged | scard.StateEmpty}},
			{{Reader: name, EventState: scard.StateChanged | scard.StatePresent | 0x10000}},
			{{Reader: name, EventState: scard.StateChanged | scard.StateEmpty}},
		},
	}
	reg := newFakeRegistry()
	m := NewMonitor(fctx, reg, session.Options{})

	require.NoError(t, m.refreshReaders())
	s, ok := reg.GetReader(name)
	require.True(t, ok)
	assert.False(t, s.CardPresent())

	// adding the same reader again is a no-op
	require.NoError(t, m.refreshReaders())
	same, _ := reg.GetReader(name)
	assert.Same(t, s, same)

	require.NoError(t, m.poll())
	assert.False(t, s.CardPresent())

	require.NoError(t, m.poll())
	assert.True(t, s.CardPresent())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, s.Content())

	require.NoError(t, m.poll())
	assert.False(t, s.CardPresent())

	fctx.mu.Lock()
	fctx.readers = nil
	fctx.mu.Unlock()
	require.NoError(t, m.refreshReaders())
	_, ok = reg.GetReader(name)
	assert.False(t, ok)
	assert.True(t, s.Closed())
	assert.Equal(t, []string{name}, reg.removed)
}

func TestMonitorRemovesUnavailableReader(t *testing.T) {
	const name = "reader"
	fctx := &fakeContext{
		card:    newFakeCard(),
		readers: []string{name},
		changes: [][]scard.ReaderState{
			{{Reader: name, EventState: scard.StateChanged | scard.StateUnavailable}},
		},
	}
	reg := newFakeRegistry()
	m := NewMonitor(fctx, reg, session.Options{})

	require.NoError(t, m.refreshReaders())
	require.NoError(t, m.poll())

	_, ok := reg.GetReader(name)
	assert.False(t, ok)
	assert.Empty(t, m.names())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	fctx := &fakeContext{card: newFakeCard(), readers: []string{"reader"}}
	reg := newFakeRegistry()
	m := NewMonitor(fctx, reg, session.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, ok := reg.GetReader("reader")
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}

	_, ok := reg.GetReader("reader")
	assert.False(t, ok)
}
