package dsp

/*
#cgo pkg-config: speexdsp
#include <speex/speex_resampler.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"
)

// DefaultQuality matches SpeexDSP's SPEEX_RESAMPLER_QUALITY_DEFAULT.
const DefaultQuality = int(C.SPEEX_RESAMPLER_QUALITY_DEFAULT)

// Resampler wraps a multi-channel SpeexDSP resampler. It is stateful across
// calls within a channel (filter history carries forward), so each logical
// stream (capture or playback) owns exactly one Resampler for its lifetime.
type Resampler struct {
	mu    sync.Mutex
	state *C.SpeexResamplerState

	channels int
	inRate   int
	outRate  int
}

// NewResampler allocates a resampler converting inRate -> outRate across
// channels independent streams.
func NewResampler(channels, inRate, outRate, quality int) (*Resampler, error) {
	if channels <= 0 || inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("dsp: invalid resampler config channels=%d in=%d out=%d", channels, inRate, outRate)
	}
	var cerr C.int
	state := C.speex_resampler_init(
		C.spx_uint32_t(channels),
		C.spx_uint32_t(inRate),
		C.spx_uint32_t(outRate),
		C.int(quality),
		&cerr,
	)
	if state == nil || cerr != 0 {
		return nil, fmt.Errorf("dsp: speex_resampler_init failed: code %d", int(cerr))
	}
	return &Resampler{state: state, channels: channels, inRate: inRate, outRate: outRate}, nil
}

// ProcessInt resamples in[] for the given channel index into out[], and
// returns (samplesConsumed, samplesProduced). The resampler may consume less
// than len(in) and produce less than len(out); callers must handle partial
// progress (§4.2).
func (r *Resampler) ProcessInt(channel int, in []int16, out []int16) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if channel < 0 || channel >= r.channels {
		return 0, 0, fmt.Errorf("dsp: channel %d out of range [0,%d)", channel, r.channels)
	}

	inLen := C.spx_uint32_t(len(in))
	outLen := C.spx_uint32_t(len(out))

	var inPtr *C.spx_int16_t
	if len(in) > 0 {
		inPtr = (*C.spx_int16_t)(unsafe.Pointer(&in[0]))
	}
	var outPtr *C.spx_int16_t
	if len(out) > 0 {
		outPtr = (*C.spx_int16_t)(unsafe.Pointer(&out[0]))
	}

	ret := C.speex_resampler_process_int(
		r.state,
		C.spx_uint32_t(channel),
		inPtr, &inLen,
		outPtr, &outLen,
	)
	if ret != 0 {
		return 0, 0, fmt.Errorf("dsp: speex_resampler_process_int failed: code %d", int(ret))
	}
	return int(inLen), int(outLen), nil
}

// SetRates changes the input/output rates without resetting the channel
// history, mirroring speex_resampler_set_rate.
func (r *Resampler) SetRates(inRate, outRate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := C.speex_resampler_set_rate(r.state, C.spx_uint32_t(inRate), C.spx_uint32_t(outRate))
	if ret != 0 {
		return fmt.Errorf("dsp: speex_resampler_set_rate failed: code %d", int(ret))
	}
	r.inRate, r.outRate = inRate, outRate
	return nil
}

// Destroy releases the underlying SpeexDSP state.
func (r *Resampler) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != nil {
		C.speex_resampler_destroy(r.state)
		r.state = nil
	}
}
