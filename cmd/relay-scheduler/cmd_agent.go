package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/relay-scheduler/internal/agent"
	"github.com/sweeney/relay-scheduler/internal/config"
	"github.com/sweeney/relay-scheduler/internal/gpio"
	"github.com/sweeney/relay-scheduler/internal/mqtt"
	"github.com/sweeney/relay-scheduler/internal/status"
	"github.com/sweeney/relay-scheduler/internal/web"
)

func newAgentCmd(a *app) *cobra.Command {
	var statusAddr string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Drive local GPIO relays from the schedules mirrored over MQTT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.ValidateAgent(); err != nil {
				return err
			}
			return runAgent(cmd.Context(), a.cfg, a.log, statusAddr)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "http", "", "HTTP status address (empty to disable)")
	return cmd
}

func runAgent(ctx context.Context, cfg config.Config, logger zerolog.Logger, statusAddr string) error {
	pins, err := gpio.ParsePins(cfg.Agent.Pins)
	if err != nil {
		return err
	}
	writer, err := gpio.NewRealWriter(cfg.Agent.Chip, pins, cfg.Agent.ActiveLow)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer writer.Close()

	clientID := cfg.MQTT.ClientID + "-" + cfg.Agent.DeviceID
	publisher, err := mqtt.NewRealPublisher(mqtt.Config{
		Broker:     cfg.MQTT.Broker,
		ClientID:   clientID,
		Username:   cfg.MQTT.Username,
		Password:   cfg.MQTT.Password,
		BufferSize: cfg.MQTT.BufferSize,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		Role:     "agent",
		Broker:   cfg.MQTT.Broker,
		HTTPAddr: statusAddr,
	})

	if statusAddr != "" {
		srv := web.New(web.Config{Addr: statusAddr, Tracker: tracker, Logger: logger})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info().Str("addr", statusAddr).Msg("http status server listening")
	}

	logger.Info().
		Str("device", cfg.Agent.DeviceID).
		Str("chip", cfg.Agent.Chip).
		Int("pins", len(pins)).
		Str("broker", cfg.MQTT.Broker).
		Dur("tick", cfg.Agent.Tick.Duration).
		Msg("agent started")

	ticker := time.NewTicker(cfg.Agent.Tick.Duration)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ag := agent.New(agent.Config{
		DeviceID:   cfg.Agent.DeviceID,
		Writer:     writer,
		Publisher:  publisher,
		Subscriber: publisher,
		Connection: publisher,
		Tracker:    tracker,
		Heartbeat:  cfg.Agent.Heartbeat.Duration,
		Logger:     logger,
	})
	return ag.Run(ctx, ticker.C, sigCh)
}
