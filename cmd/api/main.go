package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/cache"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/client"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/config"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/db"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/http"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/logging"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/service"
)

var rootCmd = &cobra.Command{
	Use:          "vpnshop",
	Short:        "Multi-host VLESS subscription service",
	SilenceUsage: true,
	RunE:         serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// app holds everything a command needs, wired from configuration
type app struct {
	cfg      *config.Config
	store    repository.Store
	subCache cache.SubscriptionCache
	links    *service.LinkService
	sync     *service.SyncService
}

// newApp loads config and connects storage. Commands other than serve
// only need the core settings, so the server secrets are checked by serve.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logging.Setup(cfg.Log)

	if err := cfg.ValidateCore(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := db.OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var subCache cache.SubscriptionCache = cache.Noop{}
	if cfg.Valkey.Addr != "" {
		vc, err := cache.NewValkeyCache(cache.Config{
			Address:   cfg.Valkey.Addr,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: "vpnshop:",
		})
		if err != nil {
			logrus.Warnf("Valkey unavailable, subscription cache disabled: %v", err)
		} else {
			subCache = vc
		}
	}

	xui := client.NewXUIClient(cfg.Panel.Timeout, cfg.Panel.InsecureTLS)
	notifier := client.NewBotNotifier(cfg.Bot.CallbackURL, cfg.InternalSecret)
	upserter := service.NewClientUpserter(cfg.Panel.DefaultInboundID)
	links := service.NewLinkService(cfg, store, xui, subCache)

	return &app{
		cfg:      cfg,
		store:    store,
		subCache: subCache,
		links:    links,
		sync:     service.NewSyncService(cfg, store, xui, upserter, links, notifier),
	}, nil
}

func (a *app) Close() {
	a.subCache.Close()
	if err := a.store.Close(); err != nil {
		logrus.Warnf("Failed to close store: %v", err)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	logrus.Info("Starting VPN shop service...")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	server := http.NewServer(a.cfg, a.store, a.sync, a.links)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logrus.Info("Server exited")
	return nil
}
