// Package codec implements the Encoder/Decoder pair of §4.3: PCM at the
// device's native rate/channel count on one side, compressed frames plus a
// possibly different rate/channel count on the other, with channel mixing
// and resampling done in between via internal/dsp.
package codec

import (
	"fmt"

	"github.com/marklove5102/xiaozhi-core/internal/dsp"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacketBytes bounds a single compressed frame (§4.3 step 3).
const maxOpusPacketBytes = 4000

// StreamFormat is the wire-format tag of §3 AudioConfig.
type StreamFormat string

const (
	FormatOpus StreamFormat = "opus"
	FormatPCM  StreamFormat = "pcm"
	FormatMP3  StreamFormat = "mp3"
)

// ValidateFormat rejects any format this build has no StreamDecoder for
// (§9 design note: "preserve this as a validate-time rejection until a PCM
// passthrough decoder is added"). Only Opus is implemented; Pcm is declared
// in the config enum but has no decoder yet, and Mp3 is reserved outright.
func ValidateFormat(f StreamFormat) error {
	switch f {
	case FormatOpus:
		return nil
	case FormatPCM:
		return fmt.Errorf("codec: stream format %q is declared but has no decoder implementation yet", f)
	case FormatMP3:
		return fmt.Errorf("codec: stream format %q is reserved, not supported", f)
	default:
		return fmt.Errorf("codec: unknown stream format %q", f)
	}
}

// decodeScratchSamples sizes the decompress scratch buffer for the largest
// Opus frame Opus can ever produce (§4.3 step 1: 5760 samples/channel at
// 48kHz, padded to 6000).
const decodeScratchSamples = 6000

// decodeSafetyMargin absorbs resampler drift on the decode side (§4.3 step 2).
const decodeSafetyMargin = 64

// EncoderConfig configures the capture-side pipeline: native device rate and
// channel count, the frame duration it operates on, and the codec's rate,
// channel count and bitrate.
type EncoderConfig struct {
	AlsaRate     int
	AlsaChannels int
	DurationMs   int
	CodecRate    int
	CodecChannels int
	Bitrate      int
}

// Encoder mixes channels, resamples and compresses PCM captured at the
// device's native format into codec frames.
type Encoder struct {
	cfg     EncoderConfig
	resamp  *dsp.Resampler
	enc     *opus.Encoder
	mixBuf  []int16 // scratch: post channel-mix, pre-resample, per codec channel interleaved
	rsOut   []int16 // scratch: post-resample, pre-encode, per codec channel interleaved
}

// NewEncoder allocates the resampler and Opus encoder described by cfg.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	resamp, err := dsp.NewResampler(cfg.CodecChannels, cfg.AlsaRate, cfg.CodecRate, dsp.DefaultQuality)
	if err != nil {
		return nil, fmt.Errorf("codec: encoder resampler: %w", err)
	}
	enc, err := opus.NewEncoder(cfg.CodecRate, cfg.CodecChannels, opus.AppVoIP)
	if err != nil {
		resamp.Destroy()
		return nil, fmt.Errorf("codec: new opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.Bitrate); err != nil {
		resamp.Destroy()
		return nil, fmt.Errorf("codec: set bitrate: %w", err)
	}
	_ = enc.SetDTX(true)
	_ = enc.SetInBandFEC(true)

	alsaFrameSamplesPerCh := cfg.AlsaRate * cfg.DurationMs / 1000
	codecFrameSamplesPerCh := cfg.CodecRate * cfg.DurationMs / 1000
	return &Encoder{
		cfg:    cfg,
		resamp: resamp,
		enc:    enc,
		mixBuf: make([]int16, alsaFrameSamplesPerCh*cfg.CodecChannels),
		rsOut:  make([]int16, codecFrameSamplesPerCh*cfg.CodecChannels),
	}, nil
}

// InputFrameSamples is the number of interleaved samples (across all native
// channels) one call to Encode expects.
func (e *Encoder) InputFrameSamples() int {
	return e.cfg.AlsaRate * e.cfg.DurationMs / 1000 * e.cfg.AlsaChannels
}

// Encode mixes pcm (interleaved, AlsaChannels, InputFrameSamples long) down
// to CodecChannels, resamples AlsaRate -> CodecRate, and compresses it.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.InputFrameSamples() {
		return nil, fmt.Errorf("codec: Encode wants %d samples, got %d", e.InputFrameSamples(), len(pcm))
	}

	mixChannels(pcm, e.cfg.AlsaChannels, e.mixBuf, e.cfg.CodecChannels)

	codecFrameSamplesPerCh := e.cfg.CodecRate * e.cfg.DurationMs / 1000
	for i := range e.rsOut {
		e.rsOut[i] = 0
	}
	for ch := 0; ch < e.cfg.CodecChannels; ch++ {
		in := deinterleaveChannel(e.mixBuf, e.cfg.CodecChannels, ch)
		out := make([]int16, codecFrameSamplesPerCh)
		_, produced, err := e.resamp.ProcessInt(ch, in, out)
		if err != nil {
			return nil, fmt.Errorf("codec: resample channel %d: %w", ch, err)
		}
		interleaveChannel(e.rsOut, e.cfg.CodecChannels, ch, out[:produced])
	}

	out := make([]byte, maxOpusPacketBytes)
	n, err := e.enc.Encode(e.rsOut, out)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return out[:n], nil
}

// Destroy releases the underlying resampler.
func (e *Encoder) Destroy() {
	e.resamp.Destroy()
}

// DecoderConfig configures the playback-side pipeline: the codec's rate and
// channel count, the frame duration, and the device's native playback rate
// and channel count.
type DecoderConfig struct {
	CodecRate        int
	CodecChannels    int
	DurationMs       int
	PlaybackRate     int
	PlaybackChannels int
}

// StreamDecoder is the capability the playback worker depends on, so it
// stays format-agnostic over the wire codec (§4.3, §9).
type StreamDecoder interface {
	Decode(data []byte) ([]int16, error)
}

// OpusDecoder implements StreamDecoder for Opus frames: decompress, resample,
// expand channels.
type OpusDecoder struct {
	cfg     DecoderConfig
	resamp  *dsp.Resampler
	dec     *opus.Decoder
	scratch []int16 // decompressed PCM, codec rate/channels
}

// NewOpusDecoder allocates the resampler and Opus decoder described by cfg.
func NewOpusDecoder(cfg DecoderConfig) (*OpusDecoder, error) {
	resamp, err := dsp.NewResampler(cfg.CodecChannels, cfg.CodecRate, cfg.PlaybackRate, dsp.DefaultQuality)
	if err != nil {
		return nil, fmt.Errorf("codec: decoder resampler: %w", err)
	}
	dec, err := opus.NewDecoder(cfg.CodecRate, cfg.CodecChannels)
	if err != nil {
		resamp.Destroy()
		return nil, fmt.Errorf("codec: new opus decoder: %w", err)
	}
	return &OpusDecoder{
		cfg:     cfg,
		resamp:  resamp,
		dec:     dec,
		scratch: make([]int16, decodeScratchSamples*cfg.CodecChannels),
	}, nil
}

// expectedOutputSamples is the interleaved sample count decode() should
// produce, per §4.3 step 2.
func (d *OpusDecoder) expectedOutputSamples() int {
	return d.cfg.DurationMs * d.cfg.PlaybackRate / 1000 * d.cfg.PlaybackChannels
}

// Decode decompresses data, resamples CodecRate -> PlaybackRate, and expands
// CodecChannels -> PlaybackChannels.
func (d *OpusDecoder) Decode(data []byte) ([]int16, error) {
	n, err := d.dec.Decode(data, d.scratch)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}

	expectedPerCh := d.cfg.DurationMs*d.cfg.PlaybackRate/1000 + decodeSafetyMargin
	resampled := make([]int16, expectedPerCh*d.cfg.CodecChannels)
	for ch := 0; ch < d.cfg.CodecChannels; ch++ {
		in := deinterleaveChannel(d.scratch[:n*d.cfg.CodecChannels], d.cfg.CodecChannels, ch)
		out := make([]int16, expectedPerCh)
		_, produced, err := d.resamp.ProcessInt(ch, in, out)
		if err != nil {
			return nil, fmt.Errorf("codec: resample channel %d: %w", ch, err)
		}
		interleaveChannel(resampled, d.cfg.CodecChannels, ch, out[:produced])
	}

	out := make([]int16, d.expectedOutputSamples())
	expandChannels(resampled, d.cfg.CodecChannels, out, d.cfg.PlaybackChannels)
	return out, nil
}

// Destroy releases the underlying resampler.
func (d *OpusDecoder) Destroy() {
	d.resamp.Destroy()
}

// mixChannels down/up/remaps srcChannels interleaved samples in src into
// dstChannels interleaved samples in dst (§4.3 step 1): mono down-mix is the
// arithmetic mean, equal counts pass through, other mappings wrap source
// channels modulo the destination count.
func mixChannels(src []int16, srcChannels int, dst []int16, dstChannels int) {
	frames := len(src) / srcChannels
	switch {
	case dstChannels == srcChannels:
		copy(dst, src)
	case dstChannels == 1:
		for f := 0; f < frames; f++ {
			var sum int32
			for c := 0; c < srcChannels; c++ {
				sum += int32(src[f*srcChannels+c])
			}
			dst[f] = int16(sum / int32(srcChannels))
		}
	default:
		for f := 0; f < frames; f++ {
			for c := 0; c < dstChannels; c++ {
				dst[f*dstChannels+c] = src[f*srcChannels+(c%srcChannels)]
			}
		}
	}
}

// expandChannels is the decode-side counterpart of mixChannels: mono -> N
// duplicates the sample, down-mix averages, equal counts pass through.
func expandChannels(src []int16, srcChannels int, dst []int16, dstChannels int) {
	frames := len(dst) / dstChannels
	switch {
	case dstChannels == srcChannels:
		n := frames * dstChannels
		if n > len(src) {
			n = len(src)
		}
		copy(dst, src[:n])
	case srcChannels == 1:
		for f := 0; f < frames && f < len(src); f++ {
			for c := 0; c < dstChannels; c++ {
				dst[f*dstChannels+c] = src[f]
			}
		}
	default:
		for f := 0; f < frames; f++ {
			srcBase := f * srcChannels
			if srcBase+srcChannels > len(src) {
				break
			}
			var sum int32
			for c := 0; c < srcChannels; c++ {
				sum += int32(src[srcBase+c])
			}
			avg := int16(sum / int32(srcChannels))
			for c := 0; c < dstChannels; c++ {
				dst[f*dstChannels+c] = avg
			}
		}
	}
}

func deinterleaveChannel(interleaved []int16, channels, ch int) []int16 {
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for f := 0; f < frames; f++ {
		out[f] = interleaved[f*channels+ch]
	}
	return out
}

func interleaveChannel(dst []int16, channels, ch int, samples []int16) {
	for f := 0; f < len(samples) && f*channels+ch < len(dst); f++ {
		dst[f*channels+ch] = samples[f]
	}
}
