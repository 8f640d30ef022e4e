package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/wsrelay/config"
	"github.com/adwski/wsrelay/room"
	httpServer "github.com/adwski/wsrelay/server/http"
	websocketServer "github.com/adwski/wsrelay/server/websocket"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	fs.StringP("api-listen-addr", "a", ":8080", "health and metrics listen address")
	fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
	fs.StringP("mode", "m", "relay", "room mode: relay or authoritative")
	fs.String("default-room", "lobby", "room joined when the path names none")
	fs.Int("room-capacity", 8, "maximum members per room")
	fs.Int("tick-rate", 20, "authoritative snapshot broadcasts per second")
	fs.Duration("keepalive-interval", 5*time.Second, "ping interval per connection")
	fs.Int("message-rate", 30, "per-client messages per second")
	fs.Int("upgrade-rate", 50, "accepted websocket upgrades per second")
	fs.StringSlice("allowed-origins", []string{"*"}, "allowed websocket origins")
	fs.StringP("log-level", "l", "debug", "log level")

	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	mode, err := room.ParseMode(cfg.Mode)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse room mode")
	}

	directory := room.NewDirectory(room.DirectoryConfig{
		Logger:      &logger,
		DefaultRoom: cfg.DefaultRoom,
		Mode:        mode,
		Capacity:    cfg.RoomCapacity,
		TickRate:    cfg.TickRate,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:               &logger,
		Directory:            directory,
		ListenAddr:           cfg.WSListenAddr,
		AllowedOrigins:       cfg.AllowedOrigins,
		KeepaliveInterval:    cfg.KeepaliveInterval,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		UpgradesPerSecond:    cfg.UpgradesPerSecond,
	})
	apiSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		Directory:   directory,
		Connections: wsSrv,
		ListenAddr:  cfg.APIListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go directory.RunMetrics(ctx)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go apiSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
