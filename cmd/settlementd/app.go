package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settlement-backend/config"
	"settlement-backend/core/association"
	"settlement-backend/core/settlement"
	"settlement-backend/metrics"
	"settlement-backend/services"
	"settlement-backend/storage/ledger"
	"settlement-backend/telemetry"
	"settlement-backend/transport"
)

const serviceVersion = "1.0.0"

// runtime holds everything a command needs, plus what must be closed after.
type runtime struct {
	cfg       config.Config
	svc       *services.SettlementService
	collector *metrics.Collector
	registry  *prometheus.Registry
	transport settlement.Transport
	closers   []func(context.Context) error
}

// loadConfig reads the optional .env file, the config file and the
// environment, in increasing precedence.
func loadConfig(envFile, path string) (config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return config.Config{}, err
	}
	res := config.Load(path)
	if res.ParseError != nil {
		return config.Config{}, fmt.Errorf("parse %s: %w", res.Path, res.ParseError)
	}
	if !res.Found {
		log.Printf("config %s not found, using defaults", path)
	}
	cfg := config.ApplyEnv(res.Config)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (settlement.Ledger, func(context.Context) error, error) {
	switch cfg.Driver {
	case "", "memory":
		s := ledger.NewMemoryStore()
		return s, func(context.Context) error { s.Close(); return nil }, nil
	case "postgres":
		s, err := ledger.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return s, func(context.Context) error { s.Close(); return nil }, nil
	case "sqlite":
		s, err := ledger.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, func(context.Context) error { s.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openTransport(cfg config.Config) (settlement.Transport, func(context.Context) error, error) {
	switch cfg.Transport.Driver {
	case "", "loopback":
		lb := transport.NewLoopback()
		return lb, func(context.Context) error { return lb.Close() }, nil
	case "nats":
		n, err := transport.NewNATS(cfg.NATSConfig())
		if err != nil {
			return nil, nil, err
		}
		return n, func(context.Context) error { return n.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
}

// newRuntime opens the ledger and, when withTransport is set, the claim
// transport, then wires metrics and tracing around the settlement service.
func newRuntime(ctx context.Context, cfg config.Config, withTransport bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, registry: prometheus.NewRegistry()}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: serviceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)

	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if rt.collector, err = metrics.New(rt.registry); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	l, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, closeStore)

	notifier := settlement.NewNotifier()
	notifier.RegisterSink(rt.collector.ObserveEvent)
	rt.svc = services.NewSettlementService(l, services.Options{
		Tasks:       cfg.TaskConfig(),
		Rewards:     cfg.RewardConfig(),
		Association: cfg.AssociationConfig(),
		Ledger:      []settlement.Option{settlement.WithNotifier(notifier), settlement.WithObserver(rt.collector)},
		Saga:        []association.Option{association.WithOutcomeObserver(rt.collector)},
		Sweep:       rt.collector,
	})

	if withTransport {
		t, closeTransport, err := openTransport(cfg)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.closers = append(rt.closers, closeTransport)
		if err := rt.svc.Rewards.Attach(t); err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.transport = t
	}
	return rt, nil
}

func (rt *runtime) metricsHandler() http.Handler {
	return promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
