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

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"clickup-tracker/api"
	"clickup-tracker/clickup"
	"clickup-tracker/hierarchy"
	"clickup-tracker/storage"
)

var Version = "dev"

type settingsStore interface {
	Get(key string) any
	GetString(key string) string
}

// app holds the components shared by every command.
type app struct {
	cfg      config
	logger   *log.Logger
	settings settingsStore
	file     *storage.FileSettings
	redis    *redis.Client
	cache    hierarchy.Cache
	client   *clickup.Client
	service  *hierarchy.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := log.New()
	if cfg.debug {
		logger.SetLevel(log.DebugLevel)
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.useTableSettings() {
		ts, err := storage.NewTableSettings(cfg.storageConn, cfg.settingsTable, cfg.settingsProfile)
		if err != nil {
			return nil, fmt.Errorf("settings table: %w", err)
		}
		if err := ts.Load(ctx); err != nil {
			return nil, err
		}
		a.settings = ts
		logger.WithFields(log.Fields{"table": cfg.settingsTable, "profile": cfg.settingsProfile}).Debug("settings loaded from table")
	} else {
		fs, err := storage.LoadFileSettings(cfg.settingsFile)
		if err != nil {
			return nil, err
		}
		a.settings = fs
		a.file = fs
		logger.WithField("file", cfg.settingsFile).Debug("settings loaded from file")
	}

	if cfg.redisConn != "" {
		a.redis = redis.NewClient(storage.ParseRedisOptions(cfg.redisConn))
		a.cache = storage.NewRedisCache(a.redis, cachePrefix+":"+cfg.settingsProfile)
	} else {
		a.cache = storage.NewMemoryCache()
	}

	a.client = clickup.New(clickup.Options{
		BaseURL:   cfg.baseURL,
		Settings:  a.settings,
		UserAgent: "clickup-tracker/" + Version,
	})
	agg := hierarchy.NewAggregator(a.client, logger, cfg.fetch)
	a.service = hierarchy.NewService(agg, a.cache, a.settings, a.client, logger)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close redis client")
		}
	}
}

func withApp(run func(ctx context.Context, a *app, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(ctx, a, cmd)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "clickup-tracker",
		Short:         "Aggregates the ClickUp workspace hierarchy for the time tracker",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(hierarchyCmd())
	rootCmd.AddCommand(clearCacheCmd())
	rootCmd.AddCommand(colorsCmd())
	rootCmd.AddCommand(pushSettingsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API",
		RunE:  withApp(runServe),
	}
}

func runServe(ctx context.Context, a *app, _ *cobra.Command) error {
	if a.file != nil {
		a.file.Watch(a.logger, func() {
			clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.service.ClearCachedHierarchy(clearCtx)
		})
	}

	var dedupe api.Deduper
	if a.redis != nil {
		dedupe = api.NewRedisDeduper(a.redis, cachePrefix, api.DefaultIdempotencyTTL)
	} else {
		dedupe = api.NewMemoryDeduper(api.DefaultIdempotencyTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "Idempotency-Key"},
	}))
	api.Register(e, a.service, a.client, a.client, dedupe, a.logger)

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.cfg.listenAddr).Info("listening")
		if err := e.Start(a.cfg.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func hierarchyCmd() *cobra.Command {
	var metadata, cached bool
	cmd := &cobra.Command{
		Use:   "hierarchy",
		Short: "Print the space, folder, list and task forest as JSON",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command) error {
			var fetch func(context.Context) (any, error)
			switch {
			case metadata && cached:
				fetch = func(ctx context.Context) (any, error) { return a.service.GetCachedHierarchyMetadata(ctx) }
			case metadata:
				fetch = func(ctx context.Context) (any, error) { return a.service.GetHierarchyMetadata(ctx) }
			case cached:
				fetch = func(ctx context.Context) (any, error) { return a.service.GetCachedHierarchy(ctx) }
			default:
				fetch = func(ctx context.Context) (any, error) { return a.service.GetHierarchy(ctx) }
			}
			forest, err := fetch(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, forest)
		}),
	}
	cmd.Flags().BoolVar(&metadata, "metadata", false, "skip tasks")
	cmd.Flags().BoolVar(&cached, "cached", false, "read through the cache")
	return cmd
}

func clearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop the cached hierarchy and metadata",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command) error {
			if err := a.service.ClearCachedHierarchy(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "hierarchy cache cleared")
			return err
		}),
	}
}

func colorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "colors",
		Short: "Print the color of every space",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command) error {
			colors, err := a.service.GetColorsBySpace(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, colors)
		}),
	}
}

func pushSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-settings",
		Short: "Copy the settings file into the settings table profile",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.useTableSettings() {
				return errors.New("STORAGE_CONNECTION_STRING and SETTINGS_TABLE are required")
			}
			file, err := storage.LoadFileSettings(cfg.settingsFile)
			if err != nil {
				return err
			}
			table, err := storage.NewTableSettings(cfg.storageConn, cfg.settingsTable, cfg.settingsProfile)
			if err != nil {
				return err
			}
			if err := table.Save(cmd.Context(), file.Section("settings")); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "settings saved to profile %q\n", cfg.settingsProfile)
			return err
		},
	}
}
