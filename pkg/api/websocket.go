package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/olahol/melody"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/service/state"
)

const MethodStatus = "status"

// EventFeed broadcasts registry notifications to websocket clients.
type EventFeed struct {
	m  *melody.Melody
	st *state.State
}

func NewEventFeed(st *state.State) *EventFeed {
	m := melody.New()
	m.Upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	f := &EventFeed{m: m, st: st}

	// new clients get the current status straight away
	m.HandleConnect(func(s *melody.Session) {
		data, err := json.Marshal(state.Notification{
			Method: MethodStatus,
			Params: newStatus(st),
		})
		if err != nil {
			log.Error().Err(err).Msg("marshalling status notification")
			return
		}
		if err := s.Write(data); err != nil {
			log.Error().Err(err).Msg("sending status")
		}
	})

	m.HandleMessage(func(s *melody.Session, msg []byte) {
		// ping command for heartbeat operation
		if bytes.Equal(msg, []byte("ping")) {
			err := s.Write([]byte("pong"))
			if err != nil {
				log.Error().Err(err).Msg("sending pong")
			}
			return
		}
		log.Debug().Msgf("ignoring websocket message: %s", msg)
	})

	return f
}

func (f *EventFeed) Handle(w http.ResponseWriter, r *http.Request) {
	err := f.m.HandleRequest(w, r)
	if err != nil {
		log.Error().Err(err).Msg("handling websocket request")
	}
}

// Run broadcasts notifications until ctx is cancelled.
func (f *EventFeed) Run(ctx context.Context) {
	ns := f.st.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ns:
			f.Broadcast(n)
		}
	}
}

func (f *EventFeed) Broadcast(n state.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("marshalling notification")
		return
	}

	err = f.m.Broadcast(data)
	if err != nil && !errors.Is(err, melody.ErrClosed) {
		log.Error().Err(err).Msg("broadcasting notification")
	}
}

func (f *EventFeed) Close() error {
	if f.m.IsClosed() {
		return nil
	}
	return f.m.Close()
}
