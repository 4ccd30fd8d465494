// Package tap records audio produced on a real-time thread to a WAV file.
//
// The audio thread hands frames to a byte ring with a non-blocking TryWrite;
// a drain goroutine encodes them to disk. Frames that do not fit, or that
// arrive while the drain holds the ring lock, are dropped and counted.
package tap

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/spf13/afero"

	"github.com/tphakala/nnbridge/internal/audiofile"
	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
)

const (
	componentTap  = "tap"
	bytesPerValue = 4
	drainInterval = 50 * time.Millisecond
)

// Options configures a Tap.
type Options struct {
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int     // WAV bit depth, 16 if zero
	Seconds    float64 // ring capacity in seconds of audio, 1 if zero
	BlockSize  int     // expected frames per Write, sizes the scratch buffer
	Fs         afero.Fs
	Logger     logger.Logger
}

// Tap is a non-blocking WAV recorder.
type Tap struct {
	rb         *ringbuffer.RingBuffer
	channels   int
	frameBytes int
	scratch    []byte

	file   afero.File
	writer *audiofile.Writer
	log    logger.Logger

	dropped atomic.Uint64
	written atomic.Uint64

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates the output file and starts the drain goroutine.
func New(opts Options) (*Tap, error) {
	if opts.Channels <= 0 || opts.SampleRate <= 0 {
		return nil, errors.Newf("invalid tap format: %d Hz, %d channels", opts.SampleRate, opts.Channels).
			Component(componentTap).
			Category(errors.CategoryValidation).
			Build()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.BitDepth == 0 {
		opts.BitDepth = 16
	}
	if opts.Seconds <= 0 {
		opts.Seconds = 1
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module(componentTap)
	}

	f, err := opts.Fs.Create(opts.Path)
	if err != nil {
		return nil, errors.New(err).
			Component(componentTap).
			Category(errors.CategoryFileIO).
			Context("path", opts.Path).
			Build()
	}
	w, err := audiofile.NewWriter(f, opts.SampleRate, opts.Channels, opts.BitDepth)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	frameBytes := opts.Channels * bytesPerValue
	frames := max(int(opts.Seconds*float64(opts.SampleRate)), 1)
	t := &Tap{
		// Capacity and every write are whole frames, so partial writes and
		// reads never split a frame.
		rb:         ringbuffer.New(frames * frameBytes),
		channels:   opts.Channels,
		frameBytes: frameBytes,
		scratch:    make([]byte, max(opts.BlockSize, 1)*frameBytes),
		file:       f,
		writer:     w,
		log:        log.With(logger.String("path", opts.Path)),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.drain()
	return t, nil
}

// Write queues planar channels for recording. Audio thread only; never
// blocks. Missing channels are recorded as silence.
func (t *Tap) Write(channels [][]float32) {
	if len(channels) == 0 {
		return
	}
	frames := len(channels[0])
	need := frames * t.frameBytes
	if need > len(t.scratch) {
		t.dropped.Add(uint64(frames))
		return
	}
	buf := t.scratch[:need]
	for i := range frames {
		for ch := range t.channels {
			var v float32
			if ch < len(channels) {
				v = channels[ch][i]
			}
			off := (i*t.channels + ch) * bytesPerValue
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		}
	}

	n, _ := t.rb.TryWrite(buf)
	if lost := (need - n) / t.frameBytes; lost > 0 {
		t.dropped.Add(uint64(lost))
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of frames that could not be queued.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// Written returns the number of frames encoded to the file.
func (t *Tap) Written() uint64 { return t.written.Load() }

func (t *Tap) drain() {
	defer close(t.done)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	raw := make([]byte, 4096*t.frameBytes)
	samples := make([]float32, 0, len(raw)/bytesPerValue)

	flush := func() {
		for {
			n, err := t.rb.Read(raw)
			if n == 0 || err != nil {
				return
			}
			samples = samples[:0]
			for off := 0; off+bytesPerValue <= n; off += bytesPerValue {
				samples = append(samples, math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
			}
			if err := t.writer.WriteInterleaved(samples); err != nil {
				t.log.Error("failed to write recording", logger.Error(err))
				return
			}
			t.written.Add(uint64(n / t.frameBytes))
		}
	}

	for {
		select {
		case <-t.stop:
			flush()
			return
		case <-t.wake:
			flush()
		case <-ticker.C:
			flush()
		}
	}
}

// Close drains what is queued, finalizes the WAV header and closes the file.
// Write must not be called concurrently with or after Close.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done

		var errs []error
		if err := t.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := t.file.Close(); err != nil {
			errs = append(errs, err)
		}
		t.closeErr = errors.Join(errs...)

		t.log.Info("recording closed",
			logger.Uint64("frames", t.written.Load()),
			logger.Uint64("dropped", t.dropped.Load()))
	})
	return t.closeErr
}
