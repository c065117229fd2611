package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/Tyrowin/relaychat/internal/attachment"
	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/logging"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/storage"
)

// authRequestsPerMinute limits /login and /register per client IP.
const authRequestsPerMinute = 20

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
	return cfg, nil
}

func runServer(cfg *config.Config) error {
	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(db); err != nil {
			logging.Warn().Err(err).Msg("failed to close database")
		}
	}()

	blobs, err := attachment.NewDiskStore(cfg.Storage.UploadsDir)
	if err != nil {
		return err
	}
	tokens, err := identity.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	users := storage.NewUserRepository(db)
	messages := storage.NewMessageRepository(db)

	hub := server.NewHub(tokens, server.OptionsFromConfig(cfg))
	hub.SetHandler(server.NewRouter(hub, messages, attachment.NewCodec(), blobs))

	api := server.NewAPI(users, messages, tokens, identity.NewPasswordHasher(cfg.Auth.BcryptCost),
		cfg.Auth.CookieSecure, cfg.Auth.TokenTTL)

	handler := server.SetupRoutes(server.RouteDeps{
		Hub:           hub,
		API:           api,
		Origins:       server.NewOriginPolicy(cfg.Server.AllowedOrigins),
		UploadsDir:    blobs.Dir(),
		AuthRateLimit: authRequestsPerMinute,
	})
	httpServer := server.CreateServer(cfg.Server, handler)

	sup := suture.New("relaychat", suture.Spec{
		EventHook: func(ev suture.Event) {
			logging.Component("supervisor").Warn().Str("event", ev.String()).Msg("supervisor event")
		},
		Timeout: cfg.Server.ShutdownTimeout,
	})
	sup.Add(hub)
	sup.Add(server.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	supErr := sup.ServeBackground(ctx)

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Strs("allowed_origins", cfg.Server.AllowedOrigins).
		Int("probe_interval_ms", cfg.Heartbeat.ProbeIntervalMs).
		Int("pong_timeout_ms", cfg.Heartbeat.PongTimeoutMs).
		Msg("relaychat server started")

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(context.Context) error {
				cancel()
				return hub.Wait(cfg.Server.ShutdownTimeout)
			},
		},
	)

	select {
	case code := <-wait:
		if err := <-supErr; err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Msg("supervisor stopped with error")
		}
		if code != 0 {
			return fmt.Errorf("shutdown finished with exit code %d", code)
		}
		logging.Info().Msg("relaychat server stopped")
		return nil
	case err := <-supErr:
		cancel()
		_ = hub.Wait(5 * time.Second)
		return fmt.Errorf("supervisor stopped: %w", err)
	}
}
