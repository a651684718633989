// Command tollboothd wires the micropayment gating core's dependencies
// and runs its background flush loop. It does not expose any transport
// of its own — the tool-host process that owns the actual RPC/stdio
// surface embeds internal/credits.Service directly; this binary covers
// the construct-dependencies/run-maintenance/shut-down-cleanly shape a
// deployment's transport process would otherwise have to duplicate —
// the same shape as a worker, not an API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"tollbooth/config"
	"tollbooth/internal/btcpay"
	"tollbooth/internal/certificate"
	"tollbooth/internal/credits"
	"tollbooth/internal/ledgercache"
	"tollbooth/internal/store"
	"tollbooth/pkg/logger"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

var Cfg config.TollboothConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	configPath := config.Path(root).Join("config.toml")

	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("starting tollboothd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var storeCfg store.Config
	if err := copier.Copy(&storeCfg, &Cfg.Store); err != nil {
		return fmt.Errorf("failed to copy store config: %w", err)
	}

	var ledgerStore store.Store
	if storeCfg.Host != "" {
		pg, err := store.NewPostgresStore(ctx, storeCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize ledger store: %w", err)
		}
		if err := pg.RunMigrations(storeCfg.MigrationPath); err != nil {
			return fmt.Errorf("failed to run ledger store migrations: %w", err)
		}
		defer pg.Close()
		ledgerStore = pg
	} else {
		logger.Warn("no database host configured, falling back to in-memory ledger store — balances will not survive a restart")
		ledgerStore = store.NewMemoryStore()
	}

	cache := ledgercache.New(ledgerStore, ledgercache.DefaultConfig())
	cache.StartBackgroundFlush()
	defer cache.Stop(context.Background())

	btcpayClient := btcpay.New(Cfg.BTCPayHost, Cfg.BTCPayAPIKey, Cfg.BTCPayStoreID)

	var verifier *certificate.Verifier
	if Cfg.AuthorityPublicKey != "" {
		v, err := certificate.NewVerifier(Cfg.AuthorityPublicKey)
		if err != nil {
			return fmt.Errorf("failed to initialize certificate verifier: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("no authority public key configured — purchase_credits will refuse every request until one is set")
	}

	service := credits.NewService(btcpayClient, cache, verifier)

	status := service.Status(ctx, credits.StatusConfig{
		ProviderHost:          Cfg.BTCPayHost,
		StoreID:               Cfg.BTCPayStoreID,
		APIKeyPresent:         Cfg.BTCPayAPIKey != "",
		TierConfigJSON:        Cfg.BTCPayTierConfig,
		UserTiersJSON:         Cfg.BTCPayUserTiers,
		AuthorityPublicKeyRaw: Cfg.AuthorityPublicKey,
		RoyaltyAddress:        Cfg.RoyaltyAddress,
		Version:               "dev",
	})
	logger.Info("tollboothd ready",
		zap.Bool("provider_reachable", status.ProviderReachable),
		zap.String("store_id", status.StoreID),
		zap.String("store", status.StoreName),
		zap.Bool("api_key_present", status.APIKeyPresent),
		zap.Bool("authority_configured", status.AuthorityConfigured),
		zap.Bool("royalty_enabled", status.RoyaltyEnabled),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("tollboothd shut down gracefully")
	return nil
}
