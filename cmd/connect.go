package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/admission"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/clock"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/config"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/scheduler"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/session"
	"github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/signaling"
)

// ConnectionContext is a connected hub client and its message router.
type ConnectionContext struct {
	Client  *signaling.Client
	Handler *signaling.Handler
	Config  *config.Config
}

func NewConnectionContext(ctx context.Context, cfg *config.Config) (*ConnectionContext, error) {
	client := signaling.NewClient(cfg.WebSocketURL, slog.Default())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to hub %s: %w", cfg.WebSocketURL, err)
	}

	handler := signaling.NewHandler(client, slog.Default())
	go handler.Start()

	return &ConnectionContext{
		Client:  client,
		Handler: handler,
		Config:  cfg,
	}, nil
}

func (c *ConnectionContext) Close() {
	if c.Client != nil {
		c.Client.Close()
	}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// SessionConfig maps loaded tuning onto a session.
func SessionConfig(cfg *config.Config, selfID, roomID, name, codec string) session.Config {
	t := cfg.Tuning

	filter := clock.DefaultFilterConfig()
	filter.MaxOffsetJump = t.MaxOffsetJump

	return session.Config{
		SelfID:         selfID,
		RoomID:         roomID,
		Name:           name,
		Codec:          codec,
		ProbeInterval:  t.ProbeInterval,
		DefaultLatency: t.DefaultLatency,
		LatencyAlpha:   t.LatencyAlpha,
		BundleInterval: t.BundleInterval,
		Admission: admission.Config{
			StaleAfter: t.StaleAfter,
			Spacing:    t.Spacing,
			Window:     t.Window,
		},
		Scheduler: scheduler.Config{
			SafetyOffset:       t.SafetyOffset,
			ImmediateThreshold: t.ImmediateThreshold,
			PercussiveBias:     t.PercussiveBias,
			Percussive:         t.Percussive,
		},
		Filter:             filter,
		CalibrationMin:     t.CalibrationMin,
		CalibrationMax:     t.CalibrationMax,
		CalibrationTimeout: t.CalibrationTimeout,
	}
}
