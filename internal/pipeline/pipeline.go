// Package pipeline runs the two dedicated-OS-thread audio workers of §4.4:
// capture (mic -> denoise/AGC -> resample -> encode -> outbound queue) and
// playback (inbound queue -> decode -> resample -> speaker), binding
// internal/pcmdevice, internal/dsp and internal/codec together.
package pipeline

import (
	"log"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marklove5102/xiaozhi-core/internal/codec"
	"github.com/marklove5102/xiaozhi-core/internal/pcmdevice"
)

// maxRecoveryRetries is the playback circuit breaker reference value (§4.4,
// §8 invariant/scenario S6): after this many consecutive recoveries for the
// same packet, the worker drops the remainder of the packet and moves on.
const maxRecoveryRetries = 3

// playbackStartDelay gives the driver a head start before playback begins
// (§4.4 step 1).
const playbackStartDelay = 1 * time.Second

// outboundQueueCapacity / inboundQueueCapacity are the reference bounded
// channel depths from §5 (capacity 100).
const (
	outboundQueueCapacity = 100
	inboundQueueCapacity  = 100
)

// CaptureDevice is the subset of pcmdevice.Device the capture worker uses;
// *pcmdevice.Device satisfies it directly, and tests substitute a fake.
type CaptureDevice interface {
	Read(buf []int16) (int, error)
	Recover() error
	Close() error
	Params() pcmdevice.NegotiatedParams
}

// PlaybackDevice is the subset of pcmdevice.Device the playback worker uses.
type PlaybackDevice interface {
	Write(buf []int16) (int, error)
	Recover() error
	Params() pcmdevice.NegotiatedParams
}

// Preprocessor is the subset of internal/dsp.Preprocessor the pipeline
// depends on, so tests can substitute a fake.
type Preprocessor interface {
	Process(samples []int16) error
}

// Encoder is the subset of internal/codec.Encoder the capture worker uses.
type Encoder interface {
	InputFrameSamples() int
	Encode(pcm []int16) ([]byte, error)
}

// EchoCanceller is the subset of internal/aec.AEC the pipeline uses.
type EchoCanceller interface {
	Process(frame []int16)
	FeedFarEnd(frame []int16)
}

// NoiseGate is the subset of internal/noisegate.Gate the capture worker uses
// to zero low-energy frames on channel 0 before they reach the encoder.
type NoiseGate interface {
	Process(frame []float32) float32
}

// VoiceDetector is the subset of internal/vad.VAD the capture worker uses to
// decide whether a (possibly gated) frame is worth encoding and sending
// upstream at all.
type VoiceDetector interface {
	ShouldSend(rms float32) bool
}

// Config bundles everything one capture+playback worker pair needs.
type Config struct {
	Capture  CaptureDevice
	Playback PlaybackDevice

	// Channels is the number of interleaved channels negotiated on the
	// capture device; one Preprocessor is created per channel.
	Channels int

	Preprocessors []Preprocessor // len == Channels
	Encoder       Encoder
	Decoder       codec.StreamDecoder

	AEC EchoCanceller // optional; nil disables echo cancellation

	// Gate and VAD are optional and both operate on channel 0 only: Gate
	// zeroes low-energy frames before encoding, VAD decides whether a
	// silent stretch is worth encoding and sending at all (bandwidth
	// economy on the bounded Out queue, §5). Either may be nil.
	Gate NoiseGate
	VAD  VoiceDetector
}

// Pipeline owns the capture and playback workers and the two bounded byte
// queues that are its only external contract (§4.4 "Contract").
type Pipeline struct {
	cfg Config

	// Out carries encoded frames produced by the capture worker.
	Out chan []byte
	// In carries encoded frames to be decoded and played back.
	In chan []byte

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	accum []int16 // pending-sample accumulator for the capture worker (§4.4 step 3)
}

// New creates a Pipeline bound to cfg. Call Start to launch the workers.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		Out:    make(chan []byte, outboundQueueCapacity),
		In:     make(chan []byte, inboundQueueCapacity),
		stopCh: make(chan struct{}),
	}
}

// Start launches the capture and playback workers on dedicated OS threads
// (§4.4, §5, §9): blocking PCM I/O must not be subject to cooperative
// scheduler starvation, so these are real goroutines locked to OS threads
// rather than tasks on the cooperative runtime the rest of the agent uses.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		p.captureLoop()
	}()
	go func() {
		defer p.wg.Done()
		time.Sleep(playbackStartDelay)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		p.playbackLoop()
	}()
}

// Stop signals both workers to exit and waits for them. Closing In unblocks
// the playback worker's range loop; closing stopCh unblocks any capture
// worker send currently parked on Out; closing the capture device itself
// unblocks a Read that's already in flight. Out is closed last, once the
// capture worker (its sole producer) has exited.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	close(p.In)
	if err := p.cfg.Capture.Close(); err != nil {
		log.Printf("[pipeline] close capture device: %v", err)
	}
	p.wg.Wait()
	close(p.Out)
}

// captureLoop implements §4.4's capture worker loop.
func (p *Pipeline) captureLoop() {
	period := p.cfg.Capture.Params().PeriodSizeFrames
	channels := p.cfg.Channels
	periodBuf := make([]int16, period*channels)
	perChannel := make([][]int16, channels)
	for c := range perChannel {
		perChannel[c] = make([]int16, period)
	}

	inputFrameSamples := p.cfg.Encoder.InputFrameSamples()
	consecutiveRecoveryFailures := 0

	for p.running.Load() {
		_, err := p.cfg.Capture.Read(periodBuf)
		if err != nil {
			log.Printf("[pipeline] capture read error: %v", err)
			if rerr := p.cfg.Capture.Recover(); rerr != nil {
				consecutiveRecoveryFailures++
				log.Printf("[pipeline] capture recover failed (%d): %v", consecutiveRecoveryFailures, rerr)
				if consecutiveRecoveryFailures >= 2 {
					log.Printf("[pipeline] capture worker exiting after repeated recovery failure")
					return
				}
				continue
			}
			consecutiveRecoveryFailures = 0
			continue
		}

		deinterleave(periodBuf, channels, perChannel)
		if p.cfg.AEC != nil {
			p.cfg.AEC.Process(perChannel[0])
		}
		for c, pre := range p.cfg.Preprocessors {
			if err := pre.Process(perChannel[c]); err != nil {
				log.Printf("[pipeline] preprocess channel %d: %v", c, err)
			}
		}

		skip := false
		if p.cfg.Gate != nil || p.cfg.VAD != nil {
			floatFrame := int16ToFloat32(perChannel[0])
			var rms float32
			if p.cfg.Gate != nil {
				rms = p.cfg.Gate.Process(floatFrame)
				float32ToInt16(floatFrame, perChannel[0])
			} else {
				rms = rmsFloat32(floatFrame)
			}
			if p.cfg.VAD != nil && !p.cfg.VAD.ShouldSend(rms) {
				skip = true
			}
		}

		interleave(perChannel, channels, periodBuf)

		if skip {
			continue
		}

		p.accum = append(p.accum, periodBuf...)

		for len(p.accum) >= inputFrameSamples {
			frame := p.accum[:inputFrameSamples]
			p.accum = append([]int16(nil), p.accum[inputFrameSamples:]...)

			encoded, err := p.cfg.Encoder.Encode(frame)
			if err != nil {
				log.Printf("[pipeline] encode error: %v", err)
				continue
			}

			if !p.sendOut(encoded) {
				return
			}
		}
	}
}

// sendOut pushes encoded bytes onto Out, blocking (the desired backpressure
// behaviour, §5) until either the send succeeds or the pipeline is stopping,
// in which case the worker exits cleanly.
func (p *Pipeline) sendOut(encoded []byte) bool {
	select {
	case p.Out <- encoded:
		return true
	case <-p.stopCh:
		return false
	}
}

// playbackLoop implements §4.4's playback worker loop.
func (p *Pipeline) playbackLoop() {
	for packet := range p.In {
		pcm, err := p.cfg.Decoder.Decode(packet)
		if err != nil {
			log.Printf("[pipeline] decode error: %v", err)
			continue
		}
		if p.cfg.AEC != nil {
			p.cfg.AEC.FeedFarEnd(pcm)
		}
		p.writeRetryUntilConsumed(pcm)
	}
}

// writeRetryUntilConsumed implements the retry-until-consumed write loop
// with a bounded recovery circuit breaker (§4.4 step 3, §8 S6).
func (p *Pipeline) writeRetryUntilConsumed(pcm []int16) {
	channels := p.cfg.Playback.Params().Channels
	framesTotal := len(pcm) / channels
	framesWritten := 0
	recoveries := 0

	for framesWritten < framesTotal {
		offset := framesWritten * channels
		n, err := p.cfg.Playback.Write(pcm[offset:])
		if err != nil {
			recoveries++
			log.Printf("[pipeline] playback write error (%d/%d): %v", recoveries, maxRecoveryRetries, err)
			if rerr := p.cfg.Playback.Recover(); rerr != nil {
				log.Printf("[pipeline] playback recover failed: %v", rerr)
			}
			if recoveries >= maxRecoveryRetries {
				log.Printf("[pipeline] dropping remainder of packet after %d recoveries", recoveries)
				return
			}
			continue
		}
		framesWritten += n
	}
}

func deinterleave(interleaved []int16, channels int, perChannel [][]int16) {
	frames := len(interleaved) / channels
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			perChannel[c][f] = interleaved[f*channels+c]
		}
	}
}

func interleave(perChannel [][]int16, channels int, out []int16) {
	frames := len(out) / channels
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			out[f*channels+c] = perChannel[c][f]
		}
	}
}

// int16ToFloat32 and float32ToInt16 bridge the codec's int16 PCM domain and
// the noise gate / VAD's float32 domain (§4.4, internal/noisegate and
// internal/vad both operate on normalised float32 samples).
func int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func float32ToInt16(in []float32, out []int16) {
	for i, s := range in {
		v := s * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
}

func rmsFloat32(frame []float32) float32 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	if len(frame) == 0 {
		return 0
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
