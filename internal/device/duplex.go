// Package device drives a Bridge from a full-duplex audio device. The device
// data callback is the audio thread.
package device

import (
	"encoding/hex"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/nnbridge/internal/errors"
	"github.com/tphakala/nnbridge/internal/logger"
)

const componentDevice = "device"

// Config selects and configures the duplex device.
type Config struct {
	Capture     string // device name, decoded id or index; empty for the default
	Playback    string
	SampleRate  int
	InChannels  int
	OutChannels int
	BlockSize   int // period size in frames
	Controls    int // number of attribute controls forwarded to the processor
	Logger      logger.Logger
}

// Info describes an audio device.
type Info struct {
	Index     int
	Name      string
	ID        string
	IsDefault bool
}

// Duplex is a running full-duplex device.
type Duplex struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	cb     *callback
	log    logger.Logger

	stopOnce sync.Once
}

func platformBackends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

func deviceError(err error, msg string) error {
	return errors.New(fmt.Errorf("%s: %w", msg, err)).
		Component(componentDevice).
		Category(errors.CategoryAudioDevice).
		Build()
}

// List returns the capture and playback devices.
func List() (capture, playback []Info, err error) {
	ctx, err := malgo.InitContext(platformBackends(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, deviceError(err, "failed to initialize context")
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	if capture, err = listDevices(ctx, malgo.Capture); err != nil {
		return nil, nil, err
	}
	if playback, err = listDevices(ctx, malgo.Playback); err != nil {
		return nil, nil, err
	}
	return capture, playback, nil
}

func listDevices(ctx *malgo.AllocatedContext, kind malgo.DeviceType) ([]Info, error) {
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, deviceError(err, "failed to get devices")
	}
	out := make([]Info, 0, len(infos))
	for i := range infos {
		out = append(out, Info{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        decodeID(infos[i].ID.String()),
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return out, nil
}

// decodeID converts miniaudio's hex device id to text, falling back to the
// hex string.
func decodeID(hexStr string) string {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return hexStr
	}
	return strings.TrimRight(string(b), "\x00")
}

// matches reports whether the device selected by want is info.
func matches(info Info, want string) bool {
	if want == "" {
		return info.IsDefault
	}
	if idx, err := strconv.Atoi(want); err == nil {
		return info.Index == idx
	}
	return info.ID == want || strings.Contains(info.Name, want)
}

func selectDevice(ctx *malgo.AllocatedContext, kind malgo.DeviceType, want string) (unsafe.Pointer, string, error) {
	if want == "" {
		return nil, "default", nil
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, "", deviceError(err, "failed to get devices")
	}
	for i := range infos {
		info := Info{Index: i, Name: infos[i].Name(), ID: decodeID(infos[i].ID.String()), IsDefault: infos[i].IsDefault == 1}
		if matches(info, want) {
			return infos[i].ID.Pointer(), info.Name, nil
		}
	}
	return nil, "", errors.Newf("no audio device matches %q", want).
		Component(componentDevice).
		Category(errors.CategoryNotFound).
		Build()
}

// Open initializes the device and wires its callback to proc. rec may be nil.
func Open(cfg Config, proc Processor, rec Recorder) (*Duplex, error) {
	if cfg.SampleRate <= 0 || cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.BlockSize <= 0 {
		return nil, errors.Newf("invalid device config: %d Hz, %d in, %d out, block %d",
			cfg.SampleRate, cfg.InChannels, cfg.OutChannels, cfg.BlockSize).
			Component(componentDevice).
			Category(errors.CategoryValidation).
			Build()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module(componentDevice)
	}

	ctx, err := malgo.InitContext(platformBackends(), malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", logger.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, deviceError(err, "context init failed")
	}
	release := func() {
		_ = ctx.Uninit()
		ctx.Free()
	}

	captureID, captureName, err := selectDevice(ctx, malgo.Capture, cfg.Capture)
	if err != nil {
		release()
		return nil, err
	}
	playbackID, playbackName, err := selectDevice(ctx, malgo.Playback, cfg.Playback)
	if err != nil {
		release()
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.InChannels)
	deviceConfig.Capture.DeviceID = captureID
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(cfg.OutChannels)
	deviceConfig.Playback.DeviceID = playbackID
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.BlockSize)
	deviceConfig.Alsa.NoMMap = 1

	d := &Duplex{
		ctx: ctx,
		cb:  newCallback(proc, rec, cfg.InChannels, cfg.OutChannels, cfg.BlockSize, cfg.Controls),
		log: log,
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, input []byte, frames uint32) {
			d.cb.onData(output, input, int(frames))
		},
		Stop: func() {
			log.Warn("audio device stopped")
		},
	}
	d.device, err = malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		release()
		return nil, deviceError(err, "device init failed")
	}

	log.Info("audio device opened",
		logger.String("capture", captureName),
		logger.String("playback", playbackName),
		logger.Int("sample_rate", cfg.SampleRate),
		logger.Int("block_size", cfg.BlockSize))
	return d, nil
}

// Start starts the device callback.
func (d *Duplex) Start() error {
	if err := d.device.Start(); err != nil {
		return deviceError(err, "device start failed")
	}
	return nil
}

// SetControl sets the value and trigger of control i for subsequent blocks.
func (d *Duplex) SetControl(i int, value, trigger float32) bool {
	return d.cb.setControl(i, value, trigger)
}

// Blocks returns the number of blocks processed so far.
func (d *Duplex) Blocks() uint64 { return d.cb.blocks.Load() }

// Close stops the device and releases the context. The callback does not run
// after Close returns.
func (d *Duplex) Close() error {
	var err error
	d.stopOnce.Do(func() {
		if stopErr := d.device.Stop(); stopErr != nil {
			err = deviceError(stopErr, "device stop failed")
		}
		d.device.Uninit()
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.log.Info("audio device closed",
			logger.Uint64("blocks", d.cb.blocks.Load()),
			logger.Uint64("callbacks", d.cb.callbacks.Load()))
	})
	return err
}
