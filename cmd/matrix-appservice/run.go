// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-appservice/pkg/appservice"
)

var (
	configPath       string
	registrationPath string
	jsonLogs         bool
)

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	runCmd.Flags().StringVarP(&registrationPath, "registration", "r", "registration.yaml", "path to the registration file")
	runCmd.Flags().BoolVar(&jsonLogs, "json", false, "emit JSON logs instead of console output")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an echo application service from a config file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		log := newLogger()

		cfg, err := appservice.LoadConfig(configPath)
		if err != nil {
			return err
		}
		reg, err := appservice.LoadRegistration(registrationPath)
		if err != nil {
			return err
		}
		as, err := appservice.New(cfg, reg, appservice.WithLogger(log))
		if err != nil {
			return err
		}

		// Log every message event; this is where a real bridge would hand
		// events to its remote network client.
		as.AddEventHandler(event.EventMessage, func(_ context.Context, sender *appservice.VirtualIdentity, evt *event.Event) error {
			entry := log.Info().
				Stringer("room_id", evt.RoomID).
				Stringer("sender", evt.Sender).
				Stringer("event_id", evt.ID)
			if sender != nil {
				entry = entry.Str("identity_state", sender.State().String())
			}
			entry.Msg("Received message event")
			return nil
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := as.PingHomeserver(pingCtx); err != nil {
				log.Warn().Err(err).Msg("Homeserver ping failed")
			}
		}()

		return as.Run(ctx)
	},
}

func newLogger() zerolog.Logger {
	if jsonLogs {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	return zerolog.New(writer).With().Timestamp().Logger()
}
