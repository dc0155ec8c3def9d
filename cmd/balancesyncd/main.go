// Command balancesyncd launches the Ledgerline balance synchronization
// service: it keeps broker-account balances in sync over the gateway stream
// and serves them over a small REST facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/ledgerline/ledgerline/internal/balances"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/credentials"
	"github.com/ledgerline/ledgerline/internal/gateway"
	"github.com/ledgerline/ledgerline/internal/httpapi"
	"github.com/ledgerline/ledgerline/internal/observability"
	"github.com/ledgerline/ledgerline/internal/schema"
	"github.com/ledgerline/ledgerline/internal/stream"
	"github.com/ledgerline/ledgerline/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "balancesyncd "
	shutdownTimeout          = 30 * time.Second
	apiShutdownTimeout       = 5 * time.Second
	clientShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	appCfg, err := config.Load(resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, accounts=%d", appCfg.Environment, len(appCfg.Accounts))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	dialer, err := gateway.NewWSDialer(gateway.DialerConfig{
		URL:                   appCfg.Gateway.URL,
		DialTimeout:           appCfg.Gateway.DialTimeout,
		DialAttempts:          appCfg.Gateway.DialAttempts,
		WriteTimeout:          appCfg.Gateway.WriteTimeout,
		PingInterval:          appCfg.Gateway.PingInterval,
		ReadLimit:             appCfg.Gateway.ReadLimit,
		ControlMessagesPerSec: appCfg.Gateway.ControlMessagesPerSec,
		ControlBurst:          appCfg.Gateway.ControlBurst,
	})
	if err != nil {
		logger.Fatalf("initialise gateway dialer: %v", err)
	}

	store := balances.NewStore(nil)
	tokens := buildTokenProvider(appCfg)

	client, err := stream.New(stream.Config{
		UserID:               appCfg.Gateway.UserID,
		DialTimeout:          appCfg.Gateway.DialTimeout,
		SettleDelay:          appCfg.Stream.SettleDelay,
		AckTimeout:           appCfg.Stream.AckTimeout,
		ReconnectInitial:     appCfg.Stream.ReconnectInitial,
		ReconnectCeiling:     appCfg.Stream.ReconnectCeiling,
		ReconnectMaxAttempts: appCfg.Stream.ReconnectMaxAttempts,
		StalenessInterval:    appCfg.Stream.StalenessInterval,
		StalenessThreshold:   appCfg.Stream.StalenessThreshold,
	}, dialer, tokens, store, stream.WithMetrics(telemetry.NewStreamMetrics()))
	if err != nil {
		logger.Fatalf("initialise stream client: %v", err)
	}

	if err := client.SetWatchedAccounts(watchedAccounts(appCfg)); err != nil {
		logger.Fatalf("set watched accounts: %v", err)
	}

	var lifecycle conc.WaitGroup
	apiServer := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpapi.NewHandler(store, client),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("balance API listening on %s", apiServer.Addr)

	logger.Print("balancesyncd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		client:    client,
		lifecycle: &lifecycle,
		telemetry: telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	cfg.Environment = string(appCfg.Environment)
	cfg.OTLPInsecure = appCfg.Telemetry.OTLPInsecure
	cfg.Enabled = appCfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func buildTokenProvider(appCfg config.AppConfig) *credentials.StaticProvider {
	tokens := make(map[string]string, len(appCfg.Accounts))
	for _, a := range appCfg.Accounts {
		if a.Token != "" {
			tokens[a.ID] = a.Token
		}
	}
	return credentials.NewStaticProvider(tokens, appCfg.Gateway.Token)
}

func watchedAccounts(appCfg config.AppConfig) []schema.WatchedAccount {
	accounts := make([]schema.WatchedAccount, 0, len(appCfg.Accounts))
	for _, a := range appCfg.Accounts {
		accounts = append(accounts, schema.WatchedAccount{
			CanonicalID:   a.ID,
			NumericAlias:  a.NumericAlias,
			CredentialRef: a.ID,
		})
	}
	return accounts
}

type gracefulShutdownConfig struct {
	server    *http.Server
	client    *stream.Client
	lifecycle *conc.WaitGroup
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(ctx, timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.client != nil {
		shutdownStep("closing stream client", clientShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- cfg.client.Close() }()
			select {
			case err := <-done:
				return err
			case <-stepCtx.Done():
				return fmt.Errorf("timeout closing client: %w", stepCtx.Err())
			}
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", apiShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
