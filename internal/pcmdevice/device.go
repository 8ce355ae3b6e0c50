// Package pcmdevice opens named capture/playback devices and moves
// interleaved 16-bit PCM frames across them, recovering from under/overruns
// in place.
package pcmdevice

import (
	"errors"
	"fmt"
	"log"

	"github.com/gordonklaus/portaudio"
)

// Direction selects whether a Device captures or plays back.
type Direction int

const (
	Capture Direction = iota
	Playback
)

// defaultBufferCeiling is the cap on negotiated buffer size (frames) absent
// an explicit override.
const defaultBufferCeiling = 8192

// Config describes what a caller wants from a device; Open negotiates the
// closest the underlying driver can actually provide.
type Config struct {
	// DeviceIndex selects a device from portaudio.Devices(); -1 uses the
	// host's default input/output device for Direction.
	DeviceIndex int
	// SampleRate is the requested rate; the negotiated rate is the device's
	// default rate when that is within 1 Hz of this value, otherwise this
	// value itself (see nearestRate). Supported rates are not enumerated.
	SampleRate float64
	Channels   int
	// PeriodFrames is the requested period (one Read/Write unit, in frames).
	PeriodFrames int
	// BufferCeilingFrames caps the negotiated buffer size; 0 uses the default.
	BufferCeilingFrames int
	Direction           Direction
}

// NegotiatedParams are the values actually in effect after Open.
type NegotiatedParams struct {
	SampleRate       int
	Channels         int
	PeriodSizeFrames int
	BufferSizeFrames int
}

// paStream abstracts the subset of *portaudio.Stream used here, so tests can
// substitute a mock rather than driving real audio hardware.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Device is an opened capture or playback stream. A Device is owned
// exclusively by the goroutine that opened it; it is not safe to share.
type Device struct {
	stream    paStream
	buf       []int16
	params    NegotiatedParams
	direction Direction
	dev       *portaudio.DeviceInfo
}

// Open probes the requested device, negotiates parameters and starts the
// stream. Capture devices begin delivering frames immediately; playback
// devices begin accepting frames immediately (the ~1s pipeline head start
// called for in §4.4 is the caller's responsibility, not the device's).
func Open(cfg Config) (*Device, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("pcmdevice: channels must be positive, got %d", cfg.Channels)
	}
	if cfg.PeriodFrames <= 0 {
		return nil, fmt.Errorf("pcmdevice: period frames must be positive, got %d", cfg.PeriodFrames)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("pcmdevice: enumerate devices: %w", err)
	}

	dev, err := resolveDevice(devices, cfg.DeviceIndex, cfg.Direction)
	if err != nil {
		return nil, err
	}

	maxChannels := dev.MaxInputChannels
	if cfg.Direction == Playback {
		maxChannels = dev.MaxOutputChannels
	}
	if cfg.Channels > maxChannels {
		return nil, fmt.Errorf("pcmdevice: device %q supports at most %d channels, requested %d", dev.Name, maxChannels, cfg.Channels)
	}

	rate := nearestRate(dev.DefaultSampleRate, cfg.SampleRate)

	ceiling := cfg.BufferCeilingFrames
	if ceiling <= 0 {
		ceiling = defaultBufferCeiling
	}
	period := cfg.PeriodFrames
	if period > ceiling {
		period = ceiling
	}
	// Negotiate a buffer at least twice the period (§3 invariant), capped at
	// the ceiling; four periods deep is a conservative default that still
	// respects the cap.
	bufferSize := period * 4
	if bufferSize > ceiling {
		bufferSize = ceiling
	}
	if bufferSize < 2*period {
		bufferSize = 2 * period
	}

	buf := make([]int16, period*cfg.Channels)

	params := portaudio.StreamParameters{
		SampleRate:      rate,
		FramesPerBuffer: period,
	}
	latency := dev.DefaultLowInputLatency
	if cfg.Direction == Playback {
		latency = dev.DefaultLowOutputLatency
		params.Output = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  latency,
		}
	} else {
		params.Input = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  latency,
		}
	}

	// Playback wants a start threshold of max(period, buffer/2) and an
	// avail-min of one period so the device doesn't start transmitting until
	// enough data is queued. PortAudio doesn't expose ALSA's sw_params for
	// this directly; FramesPerBuffer plus the negotiated buffer depth above
	// is the closest equivalent PortAudio offers.

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("pcmdevice: open stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("pcmdevice: start stream on %q: %w", dev.Name, err)
	}

	d := &Device{
		stream:    stream,
		buf:       buf,
		direction: cfg.Direction,
		dev:       dev,
		params: NegotiatedParams{
			SampleRate:       int(rate),
			Channels:         cfg.Channels,
			PeriodSizeFrames: period,
			BufferSizeFrames: bufferSize,
		},
	}
	log.Printf("[pcmdevice] opened %q dir=%v rate=%d channels=%d period=%d buffer=%d",
		dev.Name, cfg.Direction, d.params.SampleRate, d.params.Channels, d.params.PeriodSizeFrames, d.params.BufferSizeFrames)
	return d, nil
}

// Params returns the negotiated parameters.
func (d *Device) Params() NegotiatedParams { return d.params }

// Read fills buf (interleaved, length must be a multiple of Channels) with
// one period of capture data and returns the number of frames read.
func (d *Device) Read(buf []int16) (int, error) {
	if d.direction != Capture {
		return 0, errors.New("pcmdevice: Read called on a non-capture device")
	}
	if err := d.stream.Read(); err != nil {
		return 0, err
	}
	n := copy(buf, d.buf)
	return n / d.params.Channels, nil
}

// Write sends buf (interleaved, length must be a multiple of Channels) to
// the playback device and returns the number of frames actually written in
// this call. Callers wanting retry-until-consumed semantics (§4.4) loop on
// the returned count themselves; Write does not retry internally so the
// caller's circuit breaker stays in control of recovery attempts.
func (d *Device) Write(buf []int16) (int, error) {
	if d.direction != Playback {
		return 0, errors.New("pcmdevice: Write called on a non-playback device")
	}
	n := copy(d.buf, buf)
	for i := n; i < len(d.buf); i++ {
		d.buf[i] = 0
	}
	if err := d.stream.Write(); err != nil {
		return 0, err
	}
	frames := n / d.params.Channels
	if frames == 0 && len(buf) > 0 {
		// buf shorter than one internal period: still consumed in full.
		frames = len(buf) / d.params.Channels
	}
	return frames, nil
}

// Recover resets the device to the prepared state after an underrun or
// overrun (§4.1). PortAudio has no direct analogue of ALSA's snd_pcm_prepare,
// so recovery is modelled as a stop/start cycle of the same stream.
func (d *Device) Recover() error {
	if err := d.stream.Stop(); err != nil {
		return fmt.Errorf("pcmdevice: recover stop: %w", err)
	}
	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("pcmdevice: recover start: %w", err)
	}
	return nil
}

// Close stops and releases the underlying stream.
func (d *Device) Close() error {
	if err := d.stream.Stop(); err != nil {
		log.Printf("[pcmdevice] stop on close: %v", err)
	}
	return d.stream.Close()
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, dir Direction) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	if dir == Playback {
		return portaudio.DefaultOutputDevice()
	}
	return portaudio.DefaultInputDevice()
}

// nearestRate picks the device's reported default rate when it's already
// close to the request, otherwise honours the caller's request outright —
// PortAudio will itself reject rates a device truly can't run.
func nearestRate(deviceDefault, requested float64) float64 {
	if requested <= 0 {
		return deviceDefault
	}
	const closeEnough = 1.0
	if abs(deviceDefault-requested) <= closeEnough {
		return deviceDefault
	}
	return requested
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
