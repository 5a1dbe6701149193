package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/service/state"
	"golang.org/x/sync/errgroup"
)

const (
	RequestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// https://github.com/ironstar-io/chizerolog/blob/master/main.go
func LoggerMiddleware(logger *zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			log := logger.With().Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			defer func() {
				t2 := time.Now()

				// Recover and record stack traces in case of a panic
				if rec := recover(); rec != nil {
					log.Error().
						Str("type", "error").
						Timestamp().
						Interface("recover_info", rec).
						Bytes("debug_stack", debug.Stack()).
						Msg("log system error")
					http.Error(ww, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}

				log.Info().
					Str("type", "access").
					Timestamp().
					Fields(map[string]interface{}{
						"remote_ip":  r.RemoteAddr,
						"url":        r.URL.Path,
						"method":     r.Method,
						"status":     ww.Status(),
						"latency_ms": float64(t2.Sub(t1).Nanoseconds()) / 1000000.0,
						"bytes_in":   r.Header.Get("Content-Length"),
						"bytes_out":  ww.BytesWritten(),
					}).
					Msg("incoming_request")
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// allowAnyOrigin sets the CORS origin header on every response, including
// requests which do not send an Origin header.
func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

func NewRouter(st *state.State, feed *EventFeed) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(&log.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(allowAnyOrigin)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	if feed != nil {
		r.Get("/events", feed.Handle)
	}

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.Timeout(RequestTimeout))

		r.Options("/", handleOptions)
		r.Get("/", handleCommand(st))
		r.Post("/", handleCommand(st))

		r.Route("/readers/{device}", func(r chi.Router) {
			r.Options("/", handleOptions)
			r.Get("/", handleReaderRead(st))
			r.Post("/", handleReaderWrite(st))
		})

		r.Options("/{device}", handleOptions)
		r.Get("/{device}", handleCommand(st))
		r.Post("/{device}", handleCommand(st))
	})

	return r
}

// Serve runs the HTTP API and the event feed on l until ctx is cancelled.
func Serve(ctx context.Context, l net.Listener, st *state.State) error {
	feed := NewEventFeed(st)
	srv := &http.Server{
		Handler:           NewRouter(st, feed),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Msgf("serving api on %s", l.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(sctx)
		if cerr := feed.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("error closing event feed")
		}
		return err
	})

	return g.Wait()
}
