package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/config"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/mcu_serial"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/pcsc"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/session"
	"github.com/wizzomafizzo/cardbridge/pkg/service/state"
	"github.com/wizzomafizzo/cardbridge/pkg/utils"
)

const (
	scanInterval = 1 * time.Second
	pcscRetry    = 5 * time.Second
)

type serialOpener func(path string) (*mcu_serial.Reader, error)

type serialLister func(cfg *config.UserConfig) ([]string, error)

func listSerialReaders(cfg *config.UserConfig) ([]string, error) {
	vid, pid := cfg.GetSerialId()
	f, err := utils.NewSerialFilter(vid, pid, cfg.GetSerialPath())
	if err != nil {
		return nil, err
	}
	return utils.GetSerialDeviceList(f)
}

func sessionOptions(cfg *config.UserConfig, st *state.State) session.Options {
	return session.Options{
		Timeout:      cfg.GetTimeout(),
		OnCardChange: st.CardChanged,
	}
}

// connectSerialReaders opens every device not already in the registry. A
// reader removes itself from the registry when its port fails; an entry whose
// session was closed some other way is replaced.
func connectSerialReaders(
	cfg *config.UserConfig,
	st *state.State,
	devices []string,
	open serialOpener,
) {
	for _, device := range devices {
		if s, ok := st.GetReader(device); ok {
			if !s.Closed() {
				continue
			}
			log.Warn().Msgf("removing closed reader: %s", device)
			st.RemoveReader(device)
		}

		r, err := open(device)
		if err != nil {
			log.Error().Msgf("error opening serial reader %s: %s", device, err)
			continue
		}

		opts := sessionOptions(cfg, st)
		opts.CardPresent = true
		s := session.New(device, r, opts)

		// registered before the port is read from, so a port failing straight
		// away still finds its entry to remove
		if !st.AddReader(device, s) {
			_ = r.Close()
			continue
		}

		r.Start(s.Dispatch, func() {
			if cur, ok := st.GetReader(device); ok && cur == s {
				st.RemoveReader(device)
			}
		})

		log.Info().Msgf("opened reader: %s", r.Info())
	}
}

func serialManager(
	ctx context.Context,
	cfg *config.UserConfig,
	st *state.State,
	list serialLister,
	open serialOpener,
) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st.ShouldStopService() {
				return
			}

			if !cfg.GetSerialEnabled() {
				continue
			}

			devices, err := list(cfg)
			if err != nil {
				log.Error().Msgf("error listing serial readers: %s", err)
				continue
			}

			connectSerialReaders(cfg, st, devices, open)
		}
	}
}

// pcscManager keeps a PC/SC monitor running, re-establishing the context
// when the daemon goes away.
func pcscManager(ctx context.Context, cfg *config.UserConfig, st *state.State) {
	wait := func() bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pcscRetry):
			return true
		}
	}

	for ctx.Err() == nil && !st.ShouldStopService() {
		if !cfg.GetPcscEnabled() {
			if !wait() {
				return
			}
			continue
		}

		pctx, err := pcsc.EstablishContext()
		if err != nil {
			log.Error().Msgf("error establishing pcsc context: %s", err)
			st.SetLastError(err)
			if !wait() {
				return
			}
			continue
		}

		m := pcsc.NewMonitor(pctx, st, sessionOptions(cfg, st))
		err = m.Run(ctx)

		if rerr := pctx.Release(); rerr != nil {
			log.Warn().Msgf("error releasing pcsc context: %s", rerr)
		}

		if err != nil && ctx.Err() == nil {
			log.Error().Msgf("pcsc monitor stopped: %s", err)
			if !wait() {
				return
			}
		}
	}
}
