// Package audiofile reads and writes PCM WAV files as planar float32 audio.
package audiofile

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/tphakala/nnbridge/internal/errors"
)

const componentAudioFile = "audiofile"

// readChunkFrames is the number of frames decoded per PCMBuffer call.
const readChunkFrames = 8192

// Audio is planar float32 audio in [-1, 1].
type Audio struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the length of the audio in samples per channel.
func (a *Audio) Frames() int {
	if len(a.Channels) == 0 {
		return 0
	}
	return len(a.Channels[0])
}

// Duration returns the length of the audio in seconds.
func (a *Audio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(a.Frames()) / float64(a.SampleRate)
}

func divisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

// Read decodes a whole WAV stream.
func Read(r io.ReadSeeker) (*Audio, error) {
	decoder := wav.NewDecoder(r)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fileError(fmt.Errorf("invalid WAV file format"), errors.CategoryValidation)
	}
	div, err := divisor(int(decoder.BitDepth))
	if err != nil {
		return nil, fileError(err, errors.CategoryValidation)
	}

	channels := int(decoder.NumChans)
	if channels == 0 {
		return nil, fileError(fmt.Errorf("WAV file has no channels"), errors.CategoryValidation)
	}
	out := &Audio{SampleRate: int(decoder.SampleRate), Channels: make([][]float32, channels)}

	buf := &audio.IntBuffer{
		Data:   make([]int, readChunkFrames*channels),
		Format: &audio.Format{SampleRate: out.SampleRate, NumChannels: channels},
	}
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, fileError(err, errors.CategoryFileIO)
		}
		if n == 0 {
			break
		}
		for i, sample := range buf.Data[:n] {
			ch := i % channels
			out.Channels[ch] = append(out.Channels[ch], float32(sample)/div)
		}
	}
	return out, nil
}

// ReadFile decodes the WAV file at path on fs.
func ReadFile(fs afero.Fs, path string) (*Audio, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fileError(err, errors.CategoryFileIO)
	}
	defer f.Close()
	return Read(f)
}

// Writer encodes interleaved float32 frames to a WAV stream.
type Writer struct {
	enc      *wav.Encoder
	channels int
	scale    float64
	buf      *audio.IntBuffer
}

// NewWriter starts a WAV stream. Close must be called to finalize the header.
func NewWriter(w io.WriteSeeker, sampleRate, channels, bitDepth int) (*Writer, error) {
	div, err := divisor(bitDepth)
	if err != nil {
		return nil, fileError(err, errors.CategoryValidation)
	}
	if channels <= 0 || sampleRate <= 0 {
		return nil, fileError(fmt.Errorf("invalid WAV format: %d Hz, %d channels", sampleRate, channels),
			errors.CategoryValidation)
	}
	return &Writer{
		enc:      wav.NewEncoder(w, sampleRate, bitDepth, channels, 1),
		channels: channels,
		scale:    float64(div) - 1,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{SampleRate: sampleRate, NumChannels: channels},
			SourceBitDepth: bitDepth,
		},
	}, nil
}

// WriteInterleaved appends interleaved samples, clamped to [-1, 1].
func (w *Writer) WriteInterleaved(samples []float32) error {
	if len(samples)%w.channels != 0 {
		return fmt.Errorf("%d samples is not a whole number of %d-channel frames", len(samples), w.channels)
	}
	w.buf.Data = w.buf.Data[:0]
	for _, s := range samples {
		v := min(max(float64(s), -1), 1)
		w.buf.Data = append(w.buf.Data, int(v*w.scale))
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fileError(err, errors.CategoryFileIO)
	}
	return nil
}

// WritePlanar appends planar channels of equal length.
func (w *Writer) WritePlanar(channels [][]float32) error {
	if len(channels) != w.channels {
		return fmt.Errorf("got %d channels, writer has %d", len(channels), w.channels)
	}
	frames := len(channels[0])
	interleaved := make([]float32, 0, frames*w.channels)
	for i := range frames {
		for ch := range channels {
			interleaved = append(interleaved, channels[ch][i])
		}
	}
	return w.WriteInterleaved(interleaved)
}

// Close finalizes the WAV header. It does not close the underlying writer.
func (w *Writer) Close() error {
	if err := w.enc.Close(); err != nil {
		return fileError(err, errors.CategoryFileIO)
	}
	return nil
}

// Write encodes a as a WAV stream.
func Write(dst io.WriteSeeker, a *Audio, bitDepth int) error {
	w, err := NewWriter(dst, a.SampleRate, len(a.Channels), bitDepth)
	if err != nil {
		return err
	}
	if a.Frames() > 0 {
		if err := w.WritePlanar(a.Channels); err != nil {
			return err
		}
	}
	return w.Close()
}

// WriteFile encodes a to path on fs.
func WriteFile(fs afero.Fs, path string, a *Audio, bitDepth int) error {
	f, err := fs.Create(path)
	if err != nil {
		return fileError(err, errors.CategoryFileIO)
	}
	if err := Write(f, a, bitDepth); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fileError(err, errors.CategoryFileIO)
	}
	return nil
}

func fileError(err error, category errors.ErrorCategory) error {
	return errors.New(err).
		Component(componentAudioFile).
		Category(category).
		Build()
}
