/*
CardBridge
Copyright (C) 2024 The CardBridge Authors

This file is part of CardBridge.

CardBridge is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

CardBridge is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with CardBridge.  If not, see <http://www.gnu.org/licenses/>.
*/

package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wizzomafizzo/cardbridge/pkg/config"
	"github.com/wizzomafizzo/cardbridge/pkg/readers/mcu_serial"
	"github.com/wizzomafizzo/cardbridge/pkg/service/state"
)

// Start runs the reader managers in the background. The returned function
// stops them and closes every connected reader.
func Start(cfg *config.UserConfig, st *state.State) (func() error, error) {
	log.Info().Msgf("CardBridge v%s", config.Version)
	log.Info().Msgf("config path = %s", cfg.IniPath)
	log.Info().Msgf("timeout = %s", cfg.GetTimeout())
	log.Info().Msgf("pcsc = %t", cfg.GetPcscEnabled())
	log.Info().Msgf("serial = %t", cfg.GetSerialEnabled())
	vid, pid := cfg.GetSerialId()
	log.Info().Msgf("serial_id = %s:%s", vid, pid)
	log.Info().Msgf("serial_path = %s", cfg.GetSerialPath())
	log.Info().Msgf("debug = %t", cfg.GetDebug())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		serialManager(ctx, cfg, st, listSerialReaders, mcu_serial.Open)
	}()
	go func() {
		defer wg.Done()
		pcscManager(ctx, cfg, st)
	}()

	return func() error {
		st.StopService()
		cancel()
		wg.Wait()

		log.Debug().Msg("closing readers")
		st.RemoveAll()

		return nil
	}, nil
}
