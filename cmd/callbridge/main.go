package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/devize-ai/callbridge/internal/dotenv"
	"github.com/devize-ai/callbridge/pkg/bridge/config"
	"github.com/devize-ai/callbridge/pkg/bridge/server"
	"github.com/devize-ai/callbridge/pkg/bridge/sms"
	"github.com/devize-ai/callbridge/pkg/bridge/tools"
	"github.com/devize-ai/callbridge/pkg/bridge/transcript"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, dsn string) (transcript.Store, error)
	newMessenger func(cfg config.Config) (tools.Messenger, error)
	newServer    func(config.Config, server.Dependencies) *server.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		openStore: func(ctx context.Context, dsn string) (transcript.Store, error) {
			if dsn == "" {
				return transcript.NewMemoryStore(), nil
			}
			return transcript.OpenPostgres(ctx, dsn)
		},
		newMessenger: func(cfg config.Config) (tools.Messenger, error) {
			if !cfg.SMSEnabled() {
				return nil, nil
			}
			return sms.New(sms.Config{
				BaseURL:    cfg.SMSBaseURL,
				AccountSID: cfg.SMSAccountSID,
				AuthToken:  cfg.SMSAuthToken,
				FromNumber: cfg.SMSFrom,
			}, nil)
		},
		newServer: server.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runBridge(ctx context.Context, logger *slog.Logger, deps bridgeDeps) error {
	if deps.loadConfig == nil || deps.openStore == nil || deps.newMessenger == nil || deps.newServer == nil {
		return errors.New("missing constructor dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := deps.openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer store.Close()

	messenger, err := deps.newMessenger(cfg)
	if err != nil {
		return fmt.Errorf("init sms client: %w", err)
	}

	srv := deps.newServer(cfg, server.Dependencies{
		Logger:    logger,
		Store:     store,
		Messenger: messenger,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting callbridge",
		"addr", cfg.Addr,
		"model", cfg.RealtimeModel,
		"persistence", cfg.DatabaseURL != "",
		"sms", messenger != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.Sessions().Wait(waitCtx) {
		canceled := srv.Sessions().CancelAll()
		logger.Warn("canceled lingering sessions", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("callbridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
