package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/config"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/pcsc"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
	"github.com/wizzomafizzo/cardbridge/pkg/service/state"
)

const (
	msgReaderNotFound = "Reader not found."
	msgMissingData    = "Please supply a `data` parameter with hex-encoded bytes to write, e.g. \"DEADBEEF010203\"."
	msgDataTooLong    = "Given data is too long to write."
	msgInvalidHex     = "`data` parameter may only consist of hex character pairs [0-9a-fA-F]."
	msgInvalidCmd     = "Please supply a valid `cmd` parameter."
	msgNotArray       = "Please supply an array as request body JSON."
	msgDataWritten    = "Data written."
)

var hexPairs = regexp.MustCompile(`^([0-9a-fA-F]{2})+$`)

type ErrorResponse struct {
	Error string `json:"error"`
}

func (er *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type ContentResponse struct {
	Content ByteArray `json:"content"`
	Message string    `json:"message,omitempty"`
}

func (cr *ContentResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

type StatusResponse struct {
	Version   string                  `json:"version"`
	Readers   map[string]session.Info `json:"readers"`
	LastError string                  `json:"lastError,omitempty"`
}

func (sr *StatusResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newStatus(st *state.State) *StatusResponse {
	resp := &StatusResponse{
		Version: config.Version,
		Readers: make(map[string]session.Info),
	}

	for _, device := range st.ListReaders() {
		s, ok := st.GetReader(device)
		if ok {
			resp.Readers[device] = s.Info()
		}
	}

	if err := st.LastError(); err != nil {
		resp.LastError = err.Error()
	}

	return resp
}

func sendError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	err := render.Render(w, r, &ErrorResponse{Error: msg})
	if err != nil {
		log.Error().Err(err).Msg("error rendering error response")
	}
}

func sendContent(w http.ResponseWriter, r *http.Request, data []byte, msg string) {
	if data == nil {
		data = []byte{}
	}
	err := render.Render(w, r, &ContentResponse{Content: data, Message: msg})
	if err != nil {
		log.Error().Err(err).Msg("error rendering response")
	}
}

// errorStatus maps a session error to a response status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pcsc.ErrDataTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func sendSessionError(w http.ResponseWriter, r *http.Request, st *state.State, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// client went away or the timeout middleware answers with a 504
		log.Warn().Err(err).Msg("request ended before reader replied")
		return
	}

	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		st.SetLastError(err)
	}
	sendError(w, r, status, err.Error())
}

func deviceParam(r *http.Request) string {
	device := chi.URLParam(r, "device")
	if unescaped, err := url.PathUnescape(device); err == nil {
		return unescaped
	}
	return device
}

// lookupReader finds the session for device, or the first connected reader
// if device is empty.
func lookupReader(st *state.State, device string) (*session.Session, bool) {
	if device == "" {
		return st.FirstReader()
	}
	return st.GetReader(device)
}

// parseHexData validates the data parameter of a write command and returns
// a status code and message if it is not acceptable.
func parseHexData(data string) ([]byte, int, string) {
	if data == "" {
		return nil, http.StatusUnprocessableEntity, msgMissingData
	}
	if len(data) > maxHexLen {
		return nil, http.StatusRequestEntityTooLarge, msgDataTooLong
	}
	if !hexPairs.MatchString(data) {
		return nil, http.StatusUnprocessableEntity, msgInvalidHex
	}

	decoded, err := hex.DecodeString(data)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, msgInvalidHex
	}

	return decoded, 0, ""
}

// handleCommand serves the query string interface: cmd=R reads the card and
// cmd=W&data=<hex> writes it.
func handleCommand(st *state.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := deviceParam(r)
		cmd := r.URL.Query().Get("cmd")

		if cmd == "" && device == "" && r.Method == http.MethodGet {
			err := render.Render(w, r, newStatus(st))
			if err != nil {
				log.Error().Err(err).Msg("error rendering status")
			}
			return
		}

		s, ok := lookupReader(st, device)
		if !ok {
			sendError(w, r, http.StatusNotFound, msgReaderNotFound)
			return
		}

		switch cmd {
		case "R":
			log.Info().Msgf("read request: %s", s.Device())
			data, err := s.Read(r.Context())
			if err != nil {
				log.Error().Err(err).Msgf("error reading from %s", s.Device())
				sendSessionError(w, r, st, err)
				return
			}
			sendContent(w, r, data, "")
		case "W":
			data, status, msg := parseHexData(r.URL.Query().Get("data"))
			if status != 0 {
				sendError(w, r, status, msg)
				return
			}

			log.Info().Msgf("write request: %s (%d bytes)", s.Device(), len(data))
			resp, err := s.Write(r.Context(), data)
			if err != nil {
				log.Error().Err(err).Msgf("error writing to %s", s.Device())
				sendSessionError(w, r, st, err)
				return
			}
			sendContent(w, r, resp, "")
		default:
			sendError(w, r, http.StatusUnprocessableEntity, msgInvalidCmd)
		}
	}
}

func handleReaderRead(st *state.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := st.GetReader(deviceParam(r))
		if !ok {
			sendError(w, r, http.StatusNotFound, msgReaderNotFound)
			return
		}

		data, err := s.Read(r.Context())
		if err != nil {
			log.Error().Err(err).Msgf("error reading from %s", s.Device())
			sendSessionError(w, r, st, err)
			return
		}

		sendContent(w, r, data, "")
	}
}

func handleReaderWrite(st *state.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := decodeByteArray(r.Body)
		switch {
		case errors.Is(err, ErrNotArray):
			sendError(w, r, http.StatusUnprocessableEntity, msgNotArray)
			return
		case errors.Is(err, ErrTooLong):
			sendError(w, r, http.StatusRequestEntityTooLarge, msgDataTooLong)
			return
		case err != nil:
			sendError(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}

		s, ok := st.GetReader(deviceParam(r))
		if !ok {
			sendError(w, r, http.StatusNotFound, msgReaderNotFound)
			return
		}

		log.Info().Msgf("write request: %s (%d bytes)", s.Device(), len(data))
		resp, err := s.Write(r.Context(), data)
		if err != nil {
			log.Error().Err(err).Msgf("error writing to %s", s.Device())
			sendSessionError(w, r, st, err)
			return
		}

		sendContent(w, r, resp, msgDataWritten)
	}
}
