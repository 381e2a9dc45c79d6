// Package app wires configuration into the stores, event publisher, delivery
// client and inbound processor shared by the daemon and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/k1networth/activitypub-lmtp/internal/inbound"
	"github.com/k1networth/activitypub-lmtp/internal/lmtp"
	"github.com/k1networth/activitypub-lmtp/internal/outbound"
	"github.com/k1networth/activitypub-lmtp/internal/shared/config"
	"github.com/k1networth/activitypub-lmtp/internal/shared/db"
	"github.com/k1networth/activitypub-lmtp/internal/shared/events"
	"github.com/k1networth/activitypub-lmtp/internal/shared/kafkax"
	"github.com/k1networth/activitypub-lmtp/internal/store"
)

const eventWriteTimeout = 5 * time.Second

// Runtime holds the wired components. Close releases them in reverse order.
type Runtime struct {
	Config   config.Config
	Log      *slog.Logger
	Registry *prometheus.Registry

	Stores    *store.Set
	Events    events.Publisher
	Sender    *outbound.Sender
	Processor *inbound.Processor

	db      *sql.DB
	closers []func() error
}

func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*Runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{Config: cfg, Log: log, Registry: reg}

	if err := rt.openStores(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	if err := rt.openEvents(); err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.Sender = &outbound.Sender{
		Client: &lmtp.Client{
			Hostname:      cfg.Delivery.HeloName,
			ReadTimeout:   cfg.Delivery.ReadTimeout,
			BannerTimeout: cfg.Delivery.BannerTimeout,
			Log:           log.With(slog.String("component", "lmtp_client")),
		},
		Socket:  cfg.Delivery.Socket,
		Host:    cfg.Delivery.Host,
		Port:    cfg.Delivery.Port,
		Timeout: cfg.Delivery.Timeout,
		Metrics: outbound.NewMetrics(reg),
		Log:     log.With(slog.String("component", "outbound")),
	}
	rt.Processor = &inbound.Processor{
		Stores:     rt.Stores,
		Sender:     rt.Sender,
		Events:     rt.Events,
		AcceptFrom: cfg.AcceptFrom,
		BaseURL:    cfg.BaseURL,
		Metrics:    inbound.NewMetrics(reg),
		Log:        log.With(slog.String("component", "inbound")),
	}
	return rt, nil
}

func (rt *Runtime) openStores(ctx context.Context) error {
	m := store.NewMetrics(rt.Registry)
	switch rt.Config.StoreBackend {
	case config.StoreFile:
		rt.Stores = store.OpenFiles(rt.Config.DataDir, rt.Log.With(slog.String("component", "store")), m)
	case config.StorePostgres:
		pg, err := db.OpenPostgres(ctx, db.PostgresConfig{DatabaseURL: rt.Config.DatabaseURL})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		rt.db = pg
		rt.closers = append(rt.closers, pg.Close)
		rt.Stores = store.OpenPostgres(pg, m)
	default:
		return fmt.Errorf("unknown store backend %q", rt.Config.StoreBackend)
	}
	rt.Log.Info("store_open", slog.String("backend", rt.Config.StoreBackend))
	return nil
}

func (rt *Runtime) openEvents() error {
	var pub events.Publisher
	switch rt.Config.EventsBackend {
	case config.EventsNone, "":
		pub = events.NoopPublisher{}
	case config.EventsKafka:
		p, err := kafkax.NewProducer(kafkax.ProducerConfig{
			Brokers: rt.Config.KafkaBrokers,
			Topic:   rt.Config.KafkaTopic,
		})
		if err != nil {
			return err
		}
		pub = events.NewKafkaPublisher(p, eventWriteTimeout)
	case config.EventsNATS:
		p, err := events.NewNATSPublisher(rt.Config.NATSURL)
		if err != nil {
			return err
		}
		pub = p
	default:
		return fmt.Errorf("unknown events backend %q", rt.Config.EventsBackend)
	}
	rt.Events = pub
	rt.closers = append(rt.closers, pub.Close)
	rt.Log.Info("events_open", slog.String("backend", rt.Config.EventsBackend))
	return nil
}

// Ready reports whether the store backend is reachable.
func (rt *Runtime) Ready(ctx context.Context) error {
	if rt.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rt.db.PingContext(ctx)
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
