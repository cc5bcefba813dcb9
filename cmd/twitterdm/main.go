// twitterdm - A Matrix-Twitter DM puppeting bridge.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lrhodin/twitterdm/pkg/bridge"
	"github.com/lrhodin/twitterdm/pkg/database"
)

func main() {
	app := &cli.App{
		Name:    "twitterdm",
		Usage:   "A Matrix-Twitter DM puppeting bridge",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the config file",
				Value:   "config.yaml",
			},
		},
		Action: run,
		Commands: []*cli.Command{{
			Name:   "genconfig",
			Usage:  "Write the example config to the --config path and exit",
			Action: genConfig,
		}},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func genConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(bridge.ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	fmt.Println("Example config written to", path)
	return nil
}

func run(cliCtx *cli.Context) error {
	configPath := cliCtx.String("config")
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	db, err := database.New(ctx, cfg.Database, log.With().Str("component", "database").Logger())
	if err != nil {
		return err
	}
	defer db.Close()

	matrix, err := bridge.NewMatrixConnector(cfg, *log)
	if err != nil {
		return fmt.Errorf("failed to set up Matrix connector: %w", err)
	}
	// The Twitter session layer registers users and remote sessions
	// through the bridge API; without one, Matrix messages are dropped.
	br := bridge.New(cfg, *log, db, matrix, nil)
	matrix.AttachBridge(br)
	matrix.Start(ctx)
	defer matrix.Stop()

	portals, err := br.ListActivePortals(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("portal_count", len(portals)).Msg("Bridge started")

	stopWatcher, err := watchConfig(configPath, br, *log)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to watch config file, live reload disabled")
	} else {
		defer stopWatcher()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Shutting down")
	return nil
}

// watchConfig re-reads the config whenever the file changes and applies
// the runtime-adjustable policy flags to the running bridge.
func watchConfig(path string, br *bridge.Bridge, log zerolog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				cfg, err := bridge.LoadConfig(path)
				if err != nil {
					log.Warn().Err(err).Msg("Config changed but failed to reload")
					continue
				}
				br.SetDeliveryReceipts(cfg.Bridge.DeliveryReceipts)
				log.Info().Bool("delivery_receipts", cfg.Bridge.DeliveryReceipts).Msg("Reloaded config policy flags")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
