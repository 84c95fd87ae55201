package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/6oT9lpa/nesfinch/config"
	"github.com/6oT9lpa/nesfinch/internal/crypto"
	"github.com/6oT9lpa/nesfinch/internal/keys"
	"github.com/6oT9lpa/nesfinch/internal/keystore"
	"github.com/6oT9lpa/nesfinch/internal/observability"
	"github.com/6oT9lpa/nesfinch/internal/store"
)

const version = "1.0.0"

// escrowCheckInterval bounds how stale an expired government key can get.
const escrowCheckInterval = 15 * time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "nesfinchd",
		Short: "NesFinch key management daemon",
	}
	rootCmd.AddCommand(serveCmd(), rotateEscrowCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads the master secret and opens the storage layers shared by
// every subcommand. The master secret is wiped before return; only the
// derived subkeys stay in memory.
func bootstrap(logger *observability.Logger) (*config.Config, *store.Store, *keys.Manager, *observability.Metrics, error) {
	cfg := config.LoadConfig()

	master, err := keystore.LoadMasterKey(cfg.KeyringService, cfg.DataDirectory)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	storageKey, envelopeKey, err := keystore.DeriveSubkeys(master)
	crypto.Zeroize(master)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0700); err != nil {
		return nil, nil, nil, nil, err
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ks, err := keystore.New(cfg.KeysDirectory, storageKey)
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, err
	}

	metrics := observability.NewMetrics()
	km, err := keys.NewManager(st, ks, envelopeKey, logger, metrics)
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, err
	}
	return cfg, st, km, metrics, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger("nesfinchd", version, os.Stdout)

			if shutdown, err := observability.InitTracing(context.Background(), "nesfinchd"); err == nil {
				defer shutdown(context.Background())
			}

			logger.Info("NesFinch daemon starting...")

			cfg, st, km, metrics, err := bootstrap(logger)
			if err != nil {
				logger.Fatal(err, "Failed to initialize")
			}
			defer st.Close()

			healthChecker := observability.NewHealthChecker(version)
			healthChecker.RegisterCheck("database", observability.DatabaseCheck(st.Ping))
			healthChecker.RegisterCheck("master_key", observability.MasterKeyCheck(true))

			go startObservabilityServer(cfg.OpsAddress, metrics, healthChecker, logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Keep a valid escrow key available at all times.
			go escrowRotationLoop(ctx, st, km, logger)

			logger.Info("NesFinch daemon running")
			logger.Info("Press Ctrl+C to stop")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down gracefully...")
			cancel()
			logger.Info("Daemon stopped")
			return nil
		},
	}
}

func rotateEscrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-escrow",
		Short: "Rotate the government escrow key once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.NewLogger("nesfinchd", version, os.Stderr)

			_, st, km, _, err := bootstrap(logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := km.RotateGovernmentKey(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Escrow key rotated, valid for", keys.GovernmentKeyTTL)
			return nil
		},
	}
}

// escrowRotationLoop rotates the government key when none is active or the
// active one has expired. Rotation failures are retried on the next tick.
func escrowRotationLoop(ctx context.Context, st *store.Store, km *keys.Manager, logger *observability.Logger) {
	rotateIfStale := func() {
		active, err := st.ActiveGovernmentKey(ctx)
		switch {
		case err == store.ErrNoActiveKey:
		case err != nil:
			logger.Error(err, "escrow key lookup failed")
			return
		case time.Now().Before(active.ValidTo):
			return
		}
		if err := km.RotateGovernmentKey(ctx); err != nil {
			logger.Error(err, "escrow rotation failed")
		}
	}

	rotateIfStale()
	ticker := time.NewTicker(escrowCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotateIfStale()
		}
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	// pprof endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("Observability server listening on " + addr + " (metrics, health, pprof)")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "Observability server error")
	}
}
