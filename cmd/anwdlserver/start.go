package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anweddol/anwdlserver/internal/api"
	"github.com/anweddol/anwdlserver/internal/auth"
	"github.com/anweddol/anwdlserver/internal/config"
	"github.com/anweddol/anwdlserver/internal/network"
	"github.com/anweddol/anwdlserver/internal/orchestrator"
	"github.com/anweddol/anwdlserver/internal/service"
	"github.com/anweddol/anwdlserver/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the container server",
	RunE:  runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logFile.Close()

	logger.Infof("Starting anwdlserver %s", version)
	logger.Infof("  Listen: %s", cfg.Server.ListenAddress)
	logger.Infof("  ISO: %s", cfg.Container.ISOPath)
	logger.Infof("  Capacity: %d containers", cfg.Container.MaxContainers)
	if cfg.Server.AccessTokenHash != "" {
		logger.Info("  Auth: enabled")
	} else {
		logger.Info("  Auth: disabled (no access_token_hash set)")
	}

	if cfg.Network.CreateBridge {
		bridge := network.DefaultBridgeConfig()
		bridge.BridgeName = cfg.Container.BridgeInterface
		bridge.BridgeIP = cfg.Network.BridgeIP
		if err := network.EnsureBridge(bridge, logger); err != nil {
			return fmt.Errorf("failed to set up bridge: %w", err)
		}
	}
	if err := network.CheckInterfaces(cfg.Container.NATInterface, cfg.Container.BridgeInterface); err != nil {
		logger.WithError(err).Warn("Container network interfaces are not ready")
	}

	st, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	pool, err := orchestrator.NewPool(cfg.Container.PoolConfig(),
		orchestrator.WithLeaseSource(orchestrator.StatusFileLeases{Dir: cfg.Container.LeaseDir}),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create container pool: %w", err)
	}

	tokens, err := auth.NewIssuer(cfg.Server.ClientTokenSecret, cfg.Server.ClientTokenTTL)
	if err != nil {
		return err
	}

	manager, err := service.NewManager(service.Config{
		Pool:          pool,
		Store:         st,
		Tokens:        tokens,
		Logger:        logger,
		StartOptions:  cfg.Container.StartOptions(),
		PortRange:     cfg.Container.PortRange(),
		CreateTimeout: cfg.Container.CreateTimeout,
		DestroyOnStop: cfg.Container.DestroyOnStop,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(manager, api.Config{
		AccessTokenHash:   cfg.Server.AccessTokenHash,
		CORSOrigins:       cfg.Server.CORSOrigins,
		EnableEventStream: cfg.Server.EnableEventStream,
		Version:           version,
	}, logger)

	// Container creation waits for the guest to boot, so writes may take minutes.
	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Container.CreateTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.RunReaper(ctx, cfg.Server.ReapInterval)

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", cfg.Server.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Containers go first; Create requests arriving meanwhile get 503.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelStop()
	if err := manager.Shutdown(stopCtx); err != nil {
		logger.WithError(err).Error("Failed to stop every container")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server forced to shutdown")
	}

	logger.Info("Server stopped")
	return nil
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" || strings.HasPrefix(driver, "sqlite") {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	st, err := store.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return st, nil
}
