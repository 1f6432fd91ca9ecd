package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/backend"
	"github.com/meetkit/siege/internal/config"
	"github.com/meetkit/siege/internal/controller"
	"github.com/meetkit/siege/internal/media"
	"github.com/meetkit/siege/internal/peer"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting meetkit-siege",
		"mode", string(cfg.Mode),
		"backend_url", cfg.BackendURL,
		"room", cfg.RoomToken,
		"publishers", cfg.Publishers,
		"subscribers_per_publisher", cfg.SubscribersPerPublisher,
		"audio", cfg.Audio,
		"video", cfg.Video,
	)

	client, err := backend.NewClient(backend.Config{
		BaseURL:    cfg.BackendURL,
		User:       cfg.User,
		AppToken:   cfg.AppToken,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to configure backend client", "err", err)
		os.Exit(2)
	}

	source, err := media.NewSource(media.Config{
		VideoBytesPerFrame: cfg.VideoBytesPerFrame,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to create media source", "err", err)
		os.Exit(2)
	}
	source.SetAudioEnabled(cfg.Audio)
	source.SetVideoEnabled(cfg.Video)

	// Constructing the API early surfaces webrtc misconfigurations on
	// startup; no sockets are opened until peer connections are created.
	api := peer.NewAPI(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch cfg.Mode {
	case config.ModeSiege:
		code = runSiege(ctx, cfg, client, source, api, logger)
	case config.ModeVirtual:
		code = runVirtual(ctx, cfg, client, source, api, logger)
	default:
		// Should be validated by config.Load.
		logger.Error("unsupported mode", "mode", string(cfg.Mode))
		code = 2
	}
	os.Exit(code)
}

func runSiege(ctx context.Context, cfg config.Config, client *backend.Client, source *media.Source, api *webrtc.API, logger *slog.Logger) int {
	siege, err := controller.NewSiege(controller.SiegeConfig{
		Backend:                 client,
		RoomToken:               cfg.RoomToken,
		Publishers:              cfg.Publishers,
		SubscribersPerPublisher: cfg.SubscribersPerPublisher,
		ConnectWarningTimeout:   cfg.ConnectWarningTimeout,
		DisconnectedGrace:       cfg.DisconnectedGrace,
		Source:                  source,
		API:                     api,
		Logger:                  logger,
	})
	if err != nil {
		logger.Error("failed to configure siege", "err", err)
		return 2
	}
	defer siege.CloseConnections()

	if err := siege.Setup(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("ramp-up interrupted")
			return 0
		}
		logger.Error("ramp-up failed", "err", err)
		return 1
	}
	logger.Info("ramp-up finished", "sessions", siege.SessionCount())

	runHealthLoop(ctx, cfg.HealthInterval, func() {
		siege.CheckPublishersConnections()
		siege.CheckSubscribersConnections()
	})

	logger.Info("shutdown signal received")
	return 0
}

func runVirtual(ctx context.Context, cfg config.Config, client *backend.Client, source *media.Source, api *webrtc.API, logger *slog.Logger) int {
	participant, err := controller.NewVirtualParticipant(controller.VirtualConfig{
		Backend:               client,
		RoomToken:             cfg.RoomToken,
		GuestName:             cfg.GuestName,
		Audio:                 cfg.Audio,
		Video:                 cfg.Video,
		Source:                source,
		API:                   api,
		ConnectWarningTimeout: cfg.ConnectWarningTimeout,
		DisconnectedGrace:     cfg.DisconnectedGrace,
		Logger:                logger,
	})
	if err != nil {
		logger.Error("failed to configure virtual participant", "err", err)
		return 2
	}

	if err := participant.Join(ctx); err != nil {
		logger.Error("joining the call failed", "err", err)
		return 1
	}
	logger.Info("joined the call", "room", cfg.RoomToken)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := participant.Leave(leaveCtx); err != nil {
		logger.Error("leaving the call failed", "err", err)
		return 1
	}
	return 0
}

// runHealthLoop logs connection health summaries until the context ends. A
// non-positive interval disables the periodic check.
func runHealthLoop(ctx context.Context, interval time.Duration, check func()) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
