// Package registry maps small integer ids to loaded model descriptors.
//
// A Registry is an injected service: commands load, unload and query models
// through it, and engines hold Leases on the descriptors they run. Reloading
// an id installs a new descriptor; engines bound to the old one keep it until
// they release their lease.
package registry

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

const componentRegistry = "registry"

// ErrModelNotFound is returned when no model is loaded at the requested id.
var ErrModelNotFound = errors.NewStd("model not found")

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.NewStd("registry closed")

// LoadedGauge receives the number of loaded models after every change.
type LoadedGauge interface {
	SetModelsLoaded(n int)
}

// Registry is the id → descriptor table.
type Registry struct {
	loader   nnmodel.Loader
	log      logger.Logger
	recorder metrics.Recorder
	gauge    LoadedGauge
	fs       afero.Fs

	mu        sync.Mutex
	models    map[int]*Descriptor
	loadCount int
	closed    bool

	group singleflight.Group
	dumps *cache.Cache
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log logger.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithRecorder sets the metrics recorder for load operations.
func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithLoadedGauge sets the gauge updated with the number of loaded models.
func WithLoadedGauge(g LoadedGauge) Option {
	return func(r *Registry) { r.gauge = g }
}

// WithFs sets the filesystem dump files are written to.
func WithFs(fs afero.Fs) Option {
	return func(r *Registry) { r.fs = fs }
}

// New creates an empty registry that opens models with loader.
func New(loader nnmodel.Loader, opts ...Option) *Registry {
	r := &Registry{
		loader:   loader,
		recorder: metrics.NoopRecorder{},
		fs:       afero.NewOsFs(),
		models:   make(map[int]*Descriptor),
		// No janitor goroutine: entries are flushed on every mutation.
		dumps: cache.New(cache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Global().Module(componentRegistry)
	}
	return r
}

// Load loads path, reusing the id it is already loaded at or taking the next
// free id otherwise.
func (r *Registry) Load(ctx context.Context, path string) (*Descriptor, error) {
	v, err, _ := r.group.Do("path:"+path, func() (any, error) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errClosed()
		}
		if id, ok := r.findIDLocked(path); ok {
			d := r.models[id]
			r.mu.Unlock()
			r.log.Debug("model already loaded", logger.Int("model_id", id), logger.String("path", path))
			return d, nil
		}
		r.mu.Unlock()

		probe, err := r.openProbe(ctx, -1, path)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = probe.Close()
			return nil, errClosed()
		}
		id := r.nextIDLocked()
		d := newDescriptor(id, path, probe)
		r.installLocked(d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

// LoadAt loads path at id. Loading the path already present at id is a no-op;
// a different path replaces the previous descriptor.
func (r *Registry) LoadAt(ctx context.Context, id int, path string) (*Descriptor, error) {
	if id < 0 {
		return nil, errors.Newf("invalid model id %d", id).
			Component(componentRegistry).
			Category(errors.CategoryValidation).
			Build()
	}

	key := "id:" + strconv.Itoa(id) + ":" + path
	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errClosed()
		}
		if d, ok := r.models[id]; ok && d.path == path {
			r.mu.Unlock()
			r.log.Info("model already loaded", logger.Int("model_id", id), logger.String("path", path))
			return d, nil
		}
		r.mu.Unlock()

		probe, err := r.openProbe(ctx, id, path)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = probe.Close()
			return nil, errClosed()
		}
		d := newDescriptor(id, path, probe)
		r.installLocked(d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

func (r *Registry) openProbe(ctx context.Context, id int, path string) (nnmodel.Backend, error) {
	r.log.Info("loading model", logger.String("path", path))
	start := time.Now()

	probe, err := r.loader.Load(ctx, path)
	elapsed := time.Since(start)
	r.recorder.RecordDuration("model_load", elapsed.Seconds())
	if err != nil {
		r.recorder.RecordOperation("model_load", "error")
		r.recorder.RecordError("model_load", string(errors.CategoryModelLoad))
		r.log.Error("failed to load model", logger.String("path", path), logger.Error(err))
		return nil, errors.New(err).
			Component(componentRegistry).
			Category(errors.CategoryModelLoad).
			ModelContext(id, path).
			Timing("model_load", elapsed).
			Build()
	}
	r.recorder.RecordOperation("model_load", "success")
	r.log.Info("model loaded", logger.String("path", path), logger.Duration("elapsed", elapsed))
	return probe, nil
}

// installLocked puts d at its id and releases any descriptor it replaces.
func (r *Registry) installLocked(d *Descriptor) {
	if old, ok := r.models[d.id]; ok {
		r.log.Info("replacing model",
			logger.Int("model_id", d.id),
			logger.String("old_path", old.path),
			logger.String("new_path", d.path))
		r.releaseLocked(old)
	} else {
		r.loadCount++
	}
	r.models[d.id] = d
	r.changedLocked()
}

func (r *Registry) releaseLocked(d *Descriptor) {
	if err := d.release(); err != nil {
		r.log.Warn("failed to close model backend", logger.Int("model_id", d.id), logger.Error(err))
	}
}

func (r *Registry) changedLocked() {
	r.dumps.Flush()
	if r.gauge != nil {
		r.gauge.SetModelsLoaded(len(r.models))
	}
}

// nextIDLocked returns the first free id at or above the number of loads so far.
func (r *Registry) nextIDLocked() int {
	id := r.loadCount
	for {
		if _, taken := r.models[id]; !taken {
			return id
		}
		id++
	}
}

func (r *Registry) findIDLocked(path string) (int, bool) {
	for _, id := range slices.Sorted(maps.Keys(r.models)) {
		if r.models[id].path == path {
			return id, true
		}
	}
	return -1, false
}

// Unload removes the descriptor at id. Engines holding a lease keep using it.
func (r *Registry) Unload(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.models[id]
	if !ok {
		return errNotFound(id)
	}
	delete(r.models, id)
	r.releaseLocked(d)
	r.changedLocked()
	r.log.Info("model unloaded", logger.Int("model_id", id), logger.String("path", d.path))
	return nil
}

// Get returns the descriptor at id.
func (r *Registry) Get(id int) (*Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.models[id]
	return d, ok
}

// FindID returns the lowest id path is loaded at.
func (r *Registry) FindID(path string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findIDLocked(path)
}

// IDs returns the loaded ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.models))
}

// Acquire leases the descriptor at id. The caller must Release the lease.
func (r *Registry) Acquire(id int) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.models[id]
	if !ok {
		return nil, errNotFound(id)
	}
	d.retain()
	return &Lease{desc: d}, nil
}

// Close drops every descriptor. Backends still leased close when released.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(r.models)) {
		if err := r.models[id].release(); err != nil {
			errs = append(errs, fmt.Errorf("model %d: %w", id, err))
		}
	}
	clear(r.models)
	r.changedLocked()
	return errors.Join(errs...)
}

func errNotFound(id int) error {
	return errors.New(fmt.Errorf("model id %d: %w", id, ErrModelNotFound)).
		Component(componentRegistry).
		Category(errors.CategoryNotFound).
		Context("model_id", id).
		Build()
}

func errClosed() error {
	return errors.New(ErrClosed).
		Component(componentRegistry).
		Category(errors.CategoryState).
		Build()
}
