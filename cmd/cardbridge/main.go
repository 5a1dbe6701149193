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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wizzomafizzo/cardbridge/pkg/api"
	"github.com/wizzomafizzo/cardbridge/pkg/config"
	"github.com/wizzomafizzo/cardbridge/pkg/service"
	"github.com/wizzomafizzo/cardbridge/pkg/service/state"
	"github.com/wizzomafizzo/cardbridge/pkg/utils"
)

func main() {
	versionOpt := flag.Bool("version", false, "print version and exit")
	configOpt := flag.String("config", "", "path to config file")
	logDirOpt := flag.String("logs", "", "folder to write log files to")
	flag.Parse()

	if *versionOpt {
		fmt.Println("CardBridge v" + config.Version)
		os.Exit(0)
	}

	cfg, err := config.NewUserConfig(*configOpt, config.DefaultConfig())
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	logDir := *logDirOpt
	if logDir == "" {
		logDir = config.MkTempDir()
	}

	err = utils.InitLogging(logDir, cfg.GetConsoleLogging())
	if err != nil {
		fmt.Println("Error initializing logging:", err)
		os.Exit(1)
	}

	stopWatch, err := cfg.Watch(nil)
	if err != nil {
		log.Warn().Msgf("config changes will not be reloaded: %s", err)
	} else {
		defer func() {
			_ = stopWatch()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := state.NewState()

	stopSvc, err := service.Start(cfg, st)
	if err != nil {
		log.Error().Msgf("error starting service: %s", err)
		fmt.Println("Error starting service:", err)
		os.Exit(1)
	}

	l, err := api.Listen(cfg)
	if err != nil {
		log.Error().Msgf("error opening listener: %s", err)
		fmt.Println("Error opening listener:", err)
		_ = stopSvc()
		os.Exit(1)
	}

	fmt.Println("CardBridge v"+config.Version, "listening on", l.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(gctx, l, st)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		return stopSvc()
	})

	err = g.Wait()
	if err != nil {
		log.Error().Msgf("error running service: %s", err)
		fmt.Println("Error running service:", err)
		os.Exit(1)
	}
}
