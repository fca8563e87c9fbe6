// Command ss3d bridges a SimpliSafe security system to Home Assistant over
// MQTT and serves a small local JSON API.
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

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/protocol"
	"github.com/trymwestin/simplisafe/internal/core/state"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/httpapi"
	"github.com/trymwestin/simplisafe/internal/logging"
	"github.com/trymwestin/simplisafe/internal/monitor"
	"github.com/trymwestin/simplisafe/internal/mqtt"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultConfigPath = "/data/config.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ss3d", flag.ContinueOnError)
	configPath := fs.String("config", configPathFromEnv(), "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.SimpliSafe.Debug {
		level = slog.LevelDebug
	}
	log := logging.NewLogger(logging.Config{Format: cfg.Log.Format, Level: level})
	log.Info("starting ss3d", "version", version, "config", *configPath)

	client, err := system.New(system.Config{
		BaseURL:       cfg.SimpliSafe.APIBase,
		SocketBase:    cfg.SimpliSafe.SocketBase,
		Protocol:      protocol.Version(cfg.SimpliSafe.ProtocolVersion),
		AccountNumber: cfg.SimpliSafe.AccountNumber,
		IdentityPath:  cfg.SimpliSafe.IdentityPath,
		ResetIdentity: cfg.SimpliSafe.ResetIdentity,
		SensorRefresh: cfg.SimpliSafe.SensorRefreshInterval(),
		Debug:         cfg.SimpliSafe.Debug,
	}, system.Deps{Log: log})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer client.Close()

	// Credentials are retained so an expired session can log in again.
	if err := client.Login(ctx, cfg.SimpliSafe.Username, cfg.SimpliSafe.Password, true); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	log.Info("logged in")

	bus := state.NewEventBus(log)
	store := state.NewStateStore(bus, log)

	mon := monitor.New(monitor.Config{
		Source: monitor.FromClient(client),
		Store:  store,
		Log:    log,
	})
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("starting monitor: %w", err)
	}
	defer mon.Stop()

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log)
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
		}, client, mon, store, bus, log)
	}
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("starting MQTT publisher: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			log.Error("error stopping MQTT publisher", "error", err)
		}
	}()

	var srv *http.Server
	errC := make(chan error, 1)
	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(client, store, mon, cfg.HTTP.CORSAll, log)
		srv = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errC <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errC:
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down HTTP server", "error", err)
		}
	}
	return nil
}

func configPathFromEnv() string {
	if p := os.Getenv("SS3_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
