// Package app assembles the pipeline: the ingest gateway publishes to the
// bus, the stream worker drains the bus into columnar storage, and the
// querier serves reads. A target selects which components one process runs.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vantage-obs/vantage/modules/gateway"
	"github.com/vantage-obs/vantage/modules/querier"
	"github.com/vantage-obs/vantage/modules/worker"
	"github.com/vantage-obs/vantage/pkg/bus"
	"github.com/vantage-obs/vantage/pkg/store"
	"github.com/vantage-obs/vantage/pkg/util/log"
)

// App is the root datastructure.
type App struct {
	cfg Config

	writer *bus.Writer
	reader *bus.Reader
	store  *store.Store

	serviceMap map[string]services.Service
}

// New wires the components the target asks for.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg:        cfg,
		serviceMap: map[string]services.Service{},
	}

	reg := prometheus.DefaultRegisterer

	runGateway := cfg.Target == All || cfg.Target == Gateway
	runWorker := cfg.Target == All || cfg.Target == Worker
	runQuerier := cfg.Target == All || cfg.Target == Querier

	var err error
	if runGateway || runWorker {
		// the worker shares the writer for dead-lettering
		app.writer, err = bus.NewWriter(cfg.Bus, log.Logger, reg)
		if err != nil {
			return nil, errors.Wrap(err, "creating bus writer")
		}
	}
	if runWorker || runQuerier {
		app.store, err = store.New(cfg.Storage, log.Logger)
		if err != nil {
			return nil, errors.Wrap(err, "opening columnar store")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.store.EnsureSchema(ctx); err != nil {
			return nil, errors.Wrap(err, "ensuring storage schema")
		}
	}

	if runGateway {
		gw, err := gateway.New(cfg.Gateway, app.writer, log.Logger, reg)
		if err != nil {
			return nil, errors.Wrap(err, "creating gateway")
		}
		app.serviceMap[Gateway] = gw
	}
	if runWorker {
		app.reader, err = bus.NewReader(cfg.Bus, log.Logger, reg)
		if err != nil {
			return nil, errors.Wrap(err, "creating bus reader")
		}
		wk, err := worker.New(cfg.Worker, app.reader, app.store, app.writer, cfg.Bus.DeadLetterTopic, log.Logger, reg)
		if err != nil {
			return nil, errors.Wrap(err, "creating worker")
		}
		app.serviceMap[Worker] = wk
	}
	if runQuerier {
		q, err := querier.New(cfg.Querier, app.store, log.Logger, reg)
		if err != nil {
			return nil, errors.Wrap(err, "creating querier")
		}
		app.serviceMap[Querier] = q
	}

	return app, nil
}

// Run starts every selected component and blocks until a signal arrives or
// a component fails.
func (a *App) Run() error {
	servs := make([]services.Service, 0, len(a.serviceMap))
	for _, s := range a.serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return errors.Wrap(err, "creating service manager")
	}

	healthy := func() { level.Info(log.Logger).Log("msg", "vantage started", "target", a.cfg.Target) }
	stopped := func() { level.Info(log.Logger).Log("msg", "vantage stopped") }
	serviceFailed := func(service services.Service) {
		// one component down takes the process down; the orchestrator restarts it
		sm.StopAsync()
		for name, s := range a.serviceMap {
			if s == service {
				level.Error(log.Logger).Log("msg", "component failed", "component", name, "err", service.FailureCase())
				return
			}
		}
		level.Error(log.Logger).Log("msg", "component failed", "component", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting service manager")
	}

	err = sm.AwaitStopped(context.Background())

	a.close()
	return err
}

func (a *App) close() {
	if a.reader != nil {
		a.reader.Close()
	}
	if a.writer != nil {
		a.writer.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			level.Warn(log.Logger).Log("msg", "closing store", "err", err)
		}
	}
}
