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

	"replant/internal/cachestore"
	"replant/internal/config"
	"replant/internal/database"
	"replant/internal/gateway"
	"replant/internal/handlers"
	"replant/internal/logger"
	"replant/internal/middleware"
	"replant/internal/notify"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	fetchTimeout    = 30 * time.Second
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "replant",
		Short:         "Replant habit companion server and caching gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("REPLANT_CONFIG"), "path to a YAML config file")

	rootCmd.AddCommand(newServeCmd(), newGatewayCmd(), newMigrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	logger.Initialize(logger.ParseLevel(cfg.LogLevel), cfg.IsDevelopment())
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	return cfg, nil
}

func openDatabase(cfg *config.Config) (*database.Remote, error) {
	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database.NewRemote(db), nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and seed the built-in templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			remote, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer remote.DB().Close()

			logger.Info("Migrations applied", "path", cfg.DatabasePath)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the character and mission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.GetLogger().Sync()

			remote, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer remote.DB().Close()

			toasts := notify.NewQueue(cfg.ToastTTL)
			go toasts.Run(func(userID string, t notify.Toast) {
				logger.Debug("Toast expired", "user_id", userID, "type", string(t.Type))
			})
			defer toasts.Stop()

			r := gin.New()
			r.Use(gin.Recovery())
			r.Use(middleware.CORS(cfg.AllowedOrigins))
			handlers.SetupRoutes(r, cfg, remote, toasts)

			return listen(cmd.Context(), ":"+cfg.Port, r)
		},
	}
}

func newGatewayCmd() *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the offline caching gateway in front of the upstream app",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.GetLogger().Sync()

			var storage cachestore.Storage
			if inMemory {
				storage = cachestore.NewMemory()
			} else {
				bolt, err := cachestore.OpenBolt(cfg.CachePath)
				if err != nil {
					return err
				}
				defer bolt.Close()
				storage = bolt
			}

			client := &http.Client{Timeout: fetchTimeout}
			worker, err := gateway.New(cfg.Gateway, storage, client)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := worker.Install(ctx); err != nil {
				return fmt.Errorf("failed to install gateway: %w", err)
			}
			if err := worker.Activate(ctx); err != nil {
				return fmt.Errorf("failed to activate gateway: %w", err)
			}
			go worker.Run(ctx)

			r := gin.New()
			r.Use(gin.Recovery())
			r.Use(middleware.CORS(cfg.AllowedOrigins))
			handlers.SetupGatewayRoutes(r, cfg, worker)

			logger.Info("Gateway active", "version", worker.Version(), "upstream", cfg.Gateway.UpstreamURL)
			// Event streams only end when their window goes away.
			return listen(ctx, ":"+cfg.GatewayPort, r, worker.Clients().DisconnectAll)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "memory", false, "keep the cache in memory instead of on disk")
	return cmd
}

// listen serves h on addr until an interrupt, then drains in-flight requests.
func listen(ctx context.Context, addr string, h http.Handler, onShutdown ...func()) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	for _, fn := range onShutdown {
		srv.RegisterOnShutdown(fn)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
