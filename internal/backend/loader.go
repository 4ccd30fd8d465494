// Package backend opens model backends by path: "builtin:<name>" for the
// in-process models and *.tflite files for TensorFlow Lite models.
package backend

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/nnbridge/internal/backend/tflite"
	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
	"github.com/tphakala/nnbridge/internal/metrics"
	"github.com/tphakala/nnbridge/internal/nnmodel"
)

const componentBackend = "backend"

// Options configures a Loader.
type Options struct {
	Threads  int  // interpreter threads, 0 derives them from the CPU
	XNNPACK  bool // use the XNNPACK delegate for TFLite models
	Fs       afero.Fs
	Logger   logger.Logger
	Recorder metrics.Recorder
}

// Loader implements nnmodel.Loader for every supported model format.
type Loader struct {
	opts Options
	log  logger.Logger
}

// NewLoader returns a Loader.
func NewLoader(opts Options) *Loader {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module(componentBackend)
	}
	return &Loader{opts: opts, log: log}
}

// Load opens the backend for path.
func (l *Loader) Load(ctx context.Context, path string) (nnmodel.Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	b, err := l.open(path)
	if err != nil {
		l.opts.Recorder.RecordOperation("backend_open", "error")
		return nil, err
	}
	l.opts.Recorder.RecordOperation("backend_open", "success")
	l.opts.Recorder.RecordDuration("backend_open", time.Since(start).Seconds())
	l.log.Debug("backend opened",
		logger.String("path", path),
		logger.Duration("elapsed", time.Since(start)))
	return b, nil
}

func (l *Loader) open(path string) (nnmodel.Backend, error) {
	if name, ok := strings.CutPrefix(path, BuiltinPrefix); ok {
		b, err := newBuiltin(name)
		if err != nil {
			return nil, errors.New(err).
				Component(componentBackend).
				Category(errors.CategoryNotFound).
				Context("path", path).
				Build()
		}
		return b, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tflite":
		return tflite.Open(path, tflite.Options{
			Threads: l.opts.Threads,
			XNNPACK: l.opts.XNNPACK,
			Fs:      l.opts.Fs,
			Logger:  l.log.Module("tflite"),
		})
	default:
		return nil, errors.Newf("unsupported model format %q", filepath.Ext(path)).
			Component(componentBackend).
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
}
