package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flowpbx/callbridge/internal/api"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/config"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/database/pgstore"
	"github.com/flowpbx/callbridge/internal/metrics"
	"github.com/flowpbx/callbridge/internal/push"
	"github.com/flowpbx/callbridge/internal/sip"
	"github.com/flowpbx/callbridge/internal/surface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "hash-password" {
		if err := hashPassword(args[1:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("callbridge exited with error", "error", err)
		os.Exit(1)
	}
}

// hashPassword prints the argon2id hash for app-password-hash. The password
// is the first argument or, when absent, the first line of stdin.
func hashPassword(args []string, stdin io.Reader, stdout io.Writer) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("usage: callbridge hash-password <password>")
	}
	hash, err := database.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}

// store is the call history and device registration backend.
type store interface {
	database.CallLogRepository
	database.PushTokenRepository
}

type sqliteStore struct {
	database.CallLogRepository
	database.PushTokenRepository
}

// openStore selects PostgreSQL when a database URL is configured and the
// SQLite file under the data directory otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store, func() error, error) {
	if cfg.UsePostgres() {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgresql store: %w", err)
		}
		return pg, pg.Close, nil
	}

	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	s := sqliteStore{
		CallLogRepository:   database.NewCallLogRepository(db),
		PushTokenRepository: database.NewPushTokenRepository(db),
	}
	return s, db.Close, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	slog.Info("starting callbridge",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"postgres", cfg.UsePostgres(),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, closeStore, err := openStore(openCtx, cfg)
	openCancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Error("closing store", "error", err)
		}
	}()

	pushClient := push.NewClient(cfg.PushGatewayURL, cfg.LicenseKey)
	if !pushClient.Configured() {
		slog.Warn("push gateway not configured, the device must poll /api/v1/events")
	}

	surf := surface.New(surface.NewFeed(0), pushClient, st, surface.Options{
		PushToken:    cfg.DevicePushToken,
		PushPlatform: cfg.DevicePushPlatform,
		BlockList:    cfg.BlockedHandles(),
		DoNotDisturb: cfg.DoNotDisturb,
	}, logger)

	phone, err := sip.NewPhone(sip.Options{
		User:         cfg.SIPUser,
		Domain:       cfg.SIPDomain,
		AuthUser:     cfg.SIPAuthUser,
		Password:     cfg.SIPPassword,
		ExternalIP:   cfg.MediaIP(),
		Port:         cfg.SIPPort,
		RTPPort:      cfg.RTPPort,
		AllowedPeers: cfg.AllowedPeers(),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating sip phone: %w", err)
	}

	b := bridge.New(nil, phone, surf, bridge.Config{
		AcceptTimeout: cfg.AcceptTimeout,
		ReportTimeout: cfg.ReportTimeout,
		History:       st,
	}, logger)
	phone.SetEvents(b)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	var bridgeDone sync.WaitGroup
	bridgeDone.Add(1)
	go func() {
		defer bridgeDone.Done()
		b.Run(appCtx)
	}()

	if err := phone.Start(appCtx); err != nil {
		appCancel()
		bridgeDone.Wait()
		return fmt.Errorf("starting sip phone: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(b, b, phone, st, startTime),
	)

	handler := api.NewServer(api.Config{
		JWTSecret:       jwtSecret,
		AppUsername:     cfg.AppUsername,
		AppPasswordHash: cfg.AppPasswordHash,
		LicenseKey:      cfg.LicenseKey,
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, b, surf, st, st, logger)
	defer handler.Close()

	if cfg.AppUsername == "" {
		slog.Warn("no app-username configured, device login is disabled")
	}

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		// Longer than the longest /events poll.
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	// Hanging up reports to the bridge, so it stops after the phone.
	phone.Stop()
	appCancel()
	bridgeDone.Wait()
	surf.Wait()

	slog.Info("callbridge stopped")
	return serveErr
}
