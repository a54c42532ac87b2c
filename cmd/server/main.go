package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	migrationsfs "github.com/voyzcrm/messaging/db"
	"github.com/voyzcrm/messaging/internal/activity"
	"github.com/voyzcrm/messaging/internal/call"
	"github.com/voyzcrm/messaging/internal/channel"
	"github.com/voyzcrm/messaging/internal/channel/adapters/email"
	"github.com/voyzcrm/messaging/internal/channel/adapters/telegram"
	"github.com/voyzcrm/messaging/internal/channel/adapters/telephony"
	"github.com/voyzcrm/messaging/internal/channel/adapters/vk"
	"github.com/voyzcrm/messaging/internal/channel/adapters/whatsapp"
	"github.com/voyzcrm/messaging/internal/config"
	"github.com/voyzcrm/messaging/internal/crm"
	"github.com/voyzcrm/messaging/internal/db"
	"github.com/voyzcrm/messaging/internal/gateway"
	"github.com/voyzcrm/messaging/internal/handlers"
	"github.com/voyzcrm/messaging/internal/integration"
	"github.com/voyzcrm/messaging/internal/logger"
	"github.com/voyzcrm/messaging/internal/message"
	"github.com/voyzcrm/messaging/internal/realtime"
	"github.com/voyzcrm/messaging/internal/server"
	"github.com/voyzcrm/messaging/internal/task"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "messaging",
		Short: "Omnichannel messaging service for the CRM",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (default: CONFIG_PATH or ./config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				fx.Provide(
					provideConfig,
					provideLogger,
					provideDBConn,

					integration.NewStore,
					provideChannelRegistry,
					realtime.NewHub,
					func(hub *realtime.Hub) realtime.Broadcaster { return hub },

					crm.NewResolver,
					message.NewStore,
					call.NewStore,
					activity.NewLog,
					task.NewStore,
					provideGateway,

					provideServerHandler(handlers.NewPingHandler),
					provideServerHandler(handlers.NewWebhookHandler),
					provideServerHandler(handlers.NewMessageHandler),
					provideServerHandler(handlers.NewIntegrationsHandler),
					provideServerHandler(handlers.NewRealtimeHandler),

					provideServer,
				),
				fx.Invoke(
					loadIntegrationConfigs,
					startServer,
				),
				fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
					return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
				}),
			)
			app.Run()
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|version|force] [args]",
		Short: "Run database migrations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			log := provideLogger(cfg)
			return db.Migrate(log, cfg.Postgres, migrationsfs.Migrations, args[0], args[1:])
		},
	}
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideChannelRegistry(log *slog.Logger) *channel.Registry {
	registry := channel.NewRegistry(log)
	registry.MustRegister(whatsapp.New(log))
	registry.MustRegister(telegram.New(log))
	registry.MustRegister(vk.New(log))
	registry.MustRegister(email.New(log))
	registry.MustRegister(telephony.New(log))
	return registry
}

func provideGateway(
	log *slog.Logger,
	registry *channel.Registry,
	resolver *crm.Resolver,
	messages *message.Store,
	calls *call.Store,
	activities *activity.Log,
	tasks *task.Store,
	broadcaster realtime.Broadcaster,
) *gateway.Gateway {
	return gateway.New(registry, resolver, messages, calls, activities, tasks, broadcaster, log)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config, params.ServerHandlers...)
}

// loadIntegrationConfigs initializes adapters from stored credentials. A
// channel that fails to initialize stays registered but not ready; the
// process still starts so the remaining channels keep flowing.
func loadIntegrationConfigs(lc fx.Lifecycle, registry *channel.Registry, store *integration.Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return registry.LoadConfigs(ctx, store)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
