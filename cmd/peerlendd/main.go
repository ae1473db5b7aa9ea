package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"peerlend/config"
	"peerlend/fixedpoint"
	"peerlend/gateway"
	"peerlend/lending"
	"peerlend/observability/logging"
	"peerlend/oracle"
	"peerlend/rpc"
	"peerlend/state"
	"peerlend/storage"
)

func main() {
	configPath := flag.String("config", "./peerlend.toml", "path to the config file")
	blockInterval := flag.Duration("block-interval", 12*time.Second, "interval between simulated blocks")
	flag.Parse()

	logger := logging.Setup("peerlendd", os.Getenv("PEERLEND_ENV"))

	if err := run(logger, *configPath, *blockInterval); err != nil {
		logger.Error("daemon exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string, blockInterval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var db storage.Database
	if cfg.InMemoryState {
		db = storage.NewMemDB()
	} else {
		db, err = storage.NewLevelDB(filepath.Join(cfg.DataDir, "overlay"))
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
	}
	defer db.Close()

	pool := gateway.NewUtilizationPool()
	prices := oracle.NewStatic(cfg.CloseFactorBps)
	// Modest default curve so simulated markets carry a spread to match at.
	baseRate := new(big.Int).Div(fixedpoint.Ray, big.NewInt(10_000_000))
	slope := new(big.Int).Div(fixedpoint.Ray, big.NewInt(1_000_000))
	reserveFactor := new(big.Int).Div(fixedpoint.Ray, big.NewInt(10))

	engine := lending.NewEngine(pool, prices)
	engine.SetState(state.NewStore(db))

	for _, m := range cfg.Markets {
		pool.AddAsset(m.Asset, baseRate, slope, reserveFactor)

		price, err := config.ParseWei(m.PriceWei)
		if err != nil {
			return err
		}
		prices.SetAsset(m.Asset, oracle.AssetParams{
			PriceWei:            price,
			CollateralBps:       m.CollateralBps,
			LiquidationBps:      m.LiquidationBps,
			LiquidationBonusBps: m.LiquidationBonusBps,
		})

		dust, err := config.ParseWei(m.DustWei)
		if err != nil {
			return err
		}
		err = engine.ListMarket(m.Asset, lending.MarketParams{
			MaxIterations: m.MaxIterations,
			ReserveFeeBps: m.ReserveFeeBps,
			DustWei:       dust,
		})
		if err != nil && !errors.Is(err, lending.ErrMarketAlreadyListed) {
			return fmt.Errorf("list market %s: %w", m.Asset, err)
		}
		logger.Info("market ready", "asset", m.Asset, "maxIterations", m.MaxIterations)
	}

	if err := engine.WarmRegistries(); err != nil {
		return fmt.Errorf("warm registries: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runClock(ctx, logger, engine, pool, cfg.Markets, blockInterval)

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           rpc.NewServer(engine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", "addr", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runClock advances the simulated chain, keeping the pool clock and the
// overlay's view of rates in step.
func runClock(ctx context.Context, logger *slog.Logger, engine *lending.Engine, pool *gateway.UtilizationPool, markets []config.Market, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var height uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height++
			pool.SetBlock(height)
			engine.SetBlockHeight(height)
			for _, m := range markets {
				if err := engine.RefreshMarketRates(m.Asset); err != nil {
					logger.Warn("refresh rates", "asset", m.Asset, "err", err)
				}
			}
		}
	}
}
