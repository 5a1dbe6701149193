package api

import (
	"net"
	"os"
	"strconv"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/config"
)

// Listen returns the socket passed in by systemd socket activation if there
// is one, otherwise it listens on the configured address.
func Listen(cfg *config.UserConfig) (net.Listener, error) {
	if os.Getenv("LISTEN_PID") != "" {
		ls, err := activation.Listeners()
		if err != nil {
			return nil, err
		}

		for _, l := range ls {
			if l != nil {
				log.Info().Msgf("using activated socket: %s", l.Addr())
				return l, nil
			}
		}

		log.Warn().Msg("LISTEN_PID set but no sockets were passed in")
	}

	addr := net.JoinHostPort(cfg.GetBindIP(), strconv.Itoa(cfg.GetPort()))
	return net.Listen("tcp", addr)
}
