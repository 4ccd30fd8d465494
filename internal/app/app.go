// Package app assembles the services the commands share: the backend
// loader, the model registry and the optional Prometheus metrics.
package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/tphakala/nnbridge/internal/backend"
	"github.com/tphakala/nnbridge/internal/conf"
	"github.com/tphakala/nnbridge/internal/engine"
	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/registry"
)

// Options configures an App.
type Options struct {
	Settings *conf.Settings
	Fs       afero.Fs
	Logger   logger.Logger

	// Prometheus, when set, receives the bridge metrics.
	Prometheus *prometheus.Registry
}

// App owns the loader, the registry and the metrics of one command run.
type App struct {
	Settings *conf.Settings
	Fs       afero.Fs
	Loader   *backend.Loader
	Registry *registry.Registry
	Metrics  *metrics.BridgeMetrics

	log logger.Logger
}

// New builds the services and preloads the configured models. A model that
// fails to load is an error; nothing stays loaded in that case.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Settings == nil {
		return nil, errors.Newf("settings are required").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("app")
	}

	a := &App{Settings: opts.Settings, Fs: opts.Fs, log: log}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	regOpts := []registry.Option{
		registry.WithLogger(log.Module("registry")),
		registry.WithFs(opts.Fs),
	}
	if opts.Prometheus != nil {
		m, err := metrics.NewBridgeMetrics(opts.Prometheus)
		if err != nil {
			return nil, err
		}
		a.Metrics = m
		recorder = m
		regOpts = append(regOpts, registry.WithRecorder(m), registry.WithLoadedGauge(m))
	}

	a.Loader = backend.NewLoader(backend.Options{
		Threads:  opts.Settings.Backend.Threads,
		XNNPACK:  opts.Settings.Backend.XNNPACK,
		Fs:       opts.Fs,
		Logger:   log.Module("backend"),
		Recorder: recorder,
	})
	a.Registry = registry.New(a.Loader, regOpts...)

	for _, m := range opts.Settings.Models {
		if _, err := a.Registry.LoadAt(ctx, m.ID, m.Path); err != nil {
			_ = a.Registry.Close()
			return nil, err
		}
	}
	return a, nil
}

// Deps returns the bridge dependencies backed by this App.
func (a *App) Deps() engine.Deps {
	deps := engine.Deps{
		Registry: a.Registry,
		Loader:   a.Loader,
		Logger:   a.log.Module("bridge"),
	}
	if a.Metrics != nil {
		deps.Recorder = a.Metrics
		deps.Exporter = a.Metrics
	}
	return deps
}

// Host is the audio format a bridge is bound for. A positive BlockSize
// overrides the configured one; zero channel counts skip the channel check.
type Host struct {
	BlockSize   int
	InChannels  int
	OutChannels int
}

// NewBridge binds a bridge with the configured parameters for host.
func (a *App) NewBridge(ctx context.Context, host Host) *engine.Bridge {
	params := a.Settings.BridgeParams()
	if host.BlockSize > 0 {
		params.BlockSize = host.BlockSize
	}
	params.InChannels = host.InChannels
	params.OutChannels = host.OutChannels
	return engine.NewBridge(ctx, a.Deps(), params)
}

// Close unloads every model. Bridges must be closed first.
func (a *App) Close() error {
	return a.Registry.Close()
}
