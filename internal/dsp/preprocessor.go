// Package dsp wraps the native SpeexDSP library for per-channel denoise/AGC
// preprocessing and sample-rate conversion. Both objects are thin cgo shells
// around the C library; all policy (which channel gets which instance, when
// to run it) lives in internal/pipeline.
package dsp

/*
#cgo pkg-config: speexdsp
#include <speex/speex_preprocess.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"
)

// Preprocessor runs SpeexDSP's denoise/AGC preprocessor over one channel of
// fixed-length int16 frames. A Preprocessor is a single-threaded resource:
// ownership is exclusively held by the audio worker that creates it.
type Preprocessor struct {
	mu    sync.Mutex
	state *C.SpeexPreprocessState

	frameSize int

	denoise      bool
	noiseSuppDB  int
	agc          bool
	agcTargetLvl float32
}

// PreprocessorConfig are the knobs exposed by §4.2: denoise on/off,
// noise-suppress dB (negative), AGC on/off, AGC target level.
type PreprocessorConfig struct {
	FrameSize      int
	SampleRate     int
	Denoise        bool
	NoiseSuppressDB int // negative, e.g. -25
	AGC            bool
	AGCTargetLevel float32 // e.g. 24000 out of int16 full scale
}

// NewPreprocessor allocates a SpeexDSP preprocessor state for frames of
// cfg.FrameSize samples at cfg.SampleRate and applies the initial knobs.
func NewPreprocessor(cfg PreprocessorConfig) (*Preprocessor, error) {
	if cfg.FrameSize <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("dsp: invalid preprocessor config %+v", cfg)
	}
	state := C.speex_preprocess_state_init(C.int(cfg.FrameSize), C.int(cfg.SampleRate))
	if state == nil {
		return nil, fmt.Errorf("dsp: speex_preprocess_state_init failed")
	}
	p := &Preprocessor{
		state:        state,
		frameSize:    cfg.FrameSize,
		denoise:      cfg.Denoise,
		noiseSuppDB:  cfg.NoiseSuppressDB,
		agc:          cfg.AGC,
		agcTargetLvl: cfg.AGCTargetLevel,
	}
	p.applyLocked()
	return p, nil
}

// applyLocked pushes the current knob values into the C state. Caller must
// hold p.mu.
func (p *Preprocessor) applyLocked() {
	denoise := C.spx_int32_t(0)
	if p.denoise {
		denoise = 1
	}
	C.speex_preprocess_ctl(p.state, C.SPEEX_PREPROCESS_SET_DENOISE, unsafe.Pointer(&denoise))

	suppress := C.spx_int32_t(p.noiseSuppDB)
	C.speex_preprocess_ctl(p.state, C.SPEEX_PREPROCESS_SET_NOISE_SUPPRESS, unsafe.Pointer(&suppress))

	agc := C.spx_int32_t(0)
	if p.agc {
		agc = 1
	}
	C.speex_preprocess_ctl(p.state, C.SPEEX_PREPROCESS_SET_AGC, unsafe.Pointer(&agc))

	level := C.float(p.agcTargetLvl)
	C.speex_preprocess_ctl(p.state, C.SPEEX_PREPROCESS_SET_AGC_LEVEL, unsafe.Pointer(&level))
}

// SetDenoise enables or disables denoising.
func (p *Preprocessor) SetDenoise(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denoise = on
	p.applyLocked()
}

// SetNoiseSuppressDB sets the suppression level in dB (negative, e.g. -25).
func (p *Preprocessor) SetNoiseSuppressDB(db int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noiseSuppDB = db
	p.applyLocked()
}

// SetAGC enables or disables automatic gain control.
func (p *Preprocessor) SetAGC(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agc = on
	p.applyLocked()
}

// SetAGCTargetLevel sets the AGC target level (linear, out of int16 full scale).
func (p *Preprocessor) SetAGCTargetLevel(level float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agcTargetLvl = level
	p.applyLocked()
}

// Process runs the preprocessor over samples in place. samples must have
// exactly FrameSize elements.
func (p *Preprocessor) Process(samples []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(samples) != p.frameSize {
		return fmt.Errorf("dsp: Process wants %d samples, got %d", p.frameSize, len(samples))
	}
	C.speex_preprocess_run(p.state, (*C.spx_int16_t)(unsafe.Pointer(&samples[0])))
	return nil
}

// Destroy releases the underlying SpeexDSP state. Process must not be called
// afterwards.
func (p *Preprocessor) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != nil {
		C.speex_preprocess_state_destroy(p.state)
		p.state = nil
	}
}
