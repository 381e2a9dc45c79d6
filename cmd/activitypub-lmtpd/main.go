package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/k1networth/activitypub-lmtp/internal/api"
	"github.com/k1networth/activitypub-lmtp/internal/app"
	"github.com/k1networth/activitypub-lmtp/internal/lmtpserver"
	"github.com/k1networth/activitypub-lmtp/internal/shared/config"
	"github.com/k1networth/activitypub-lmtp/internal/shared/httpx"
	"github.com/k1networth/activitypub-lmtp/internal/shared/logger"
)

const appName = "activitypub-lmtpd"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", slog.String("err", err.Error()))
		os.Exit(2)
	}
	log, logCloser, err := logger.Open(appName, cfg.AppEnv, logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		slog.Error("logger_open_failed", slog.String("err", err.Error()))
		os.Exit(2)
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := httpx.SignalContext(context.Background())
	defer stop()

	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	ln, err := lmtpserver.Listen(cfg.LMTP.ListenAddr)
	if err != nil {
		log.Error("lmtp_listen_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	lmtpSrv := lmtpserver.New(lmtpserver.Config{
		Domain:          cfg.LMTP.Domain,
		MaxMessageBytes: cfg.LMTP.MaxMessageBytes,
		HandlerTimeout:  cfg.LMTP.HandlerTimeout,
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    time.Minute,
	}, rt.Processor, log.With(slog.String("component", "lmtp_server")))

	lmtpDone := make(chan error, 1)
	go func() { lmtpDone <- lmtpSrv.Serve(ctx, ln) }()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		apiH := &api.Handler{
			Log:      log.With(slog.String("component", "api")),
			Stores:   rt.Stores,
			Sender:   rt.Sender,
			MailFrom: cfg.AcceptFrom,
			BaseURL:  cfg.BaseURL,
		}
		handler := httpx.NewRouter(log, httpx.RouterOptions{
			API:      apiH.Routes(),
			Ready:    func() error { return rt.Ready(ctx) },
			Metrics:  httpx.NewMetrics(rt.Registry),
			Gatherer: rt.Registry,
		})

		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Manual deliveries wait for the LMTP round trip.
			WriteTimeout: cfg.Delivery.Timeout + 15*time.Second,
			IdleTimeout:  60 * time.Second,
		}

		log.Info("http_listen", slog.String("addr", srv.Addr))

		go func() {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http_server_error", slog.String("err", err.Error()))
				stop()
			}
		}()
	}

	exitCode := 0
	if err := <-lmtpDone; err != nil {
		log.Error("lmtp_server_error", slog.String("err", err.Error()))
		exitCode = 1
		stop()
	}
	if srv != nil {
		httpx.Shutdown(ctx, log, srv, 10*time.Second)
	}
	log.Info("shutdown_done")

	if exitCode != 0 {
		_ = rt.Close()
		_ = logCloser.Close()
		os.Exit(exitCode)
	}
}
