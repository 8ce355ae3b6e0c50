// Command xiaozhi-core runs the on-device core agent of spec.md: it opens
// the capture/playback devices, brings up the persistent cloud link and the
// local tool gateway, starts the UI bridge, and drives the single-owner
// Dispatcher event loop until a termination signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"

	"github.com/marklove5102/xiaozhi-core/internal/aec"
	"github.com/marklove5102/xiaozhi-core/internal/cloudlink"
	"github.com/marklove5102/xiaozhi-core/internal/codec"
	"github.com/marklove5102/xiaozhi-core/internal/config"
	"github.com/marklove5102/xiaozhi-core/internal/dispatcher"
	"github.com/marklove5102/xiaozhi-core/internal/dsp"
	"github.com/marklove5102/xiaozhi-core/internal/gateway"
	"github.com/marklove5102/xiaozhi-core/internal/identity"
	"github.com/marklove5102/xiaozhi-core/internal/noisegate"
	"github.com/marklove5102/xiaozhi-core/internal/pcmdevice"
	"github.com/marklove5102/xiaozhi-core/internal/pipeline"
	"github.com/marklove5102/xiaozhi-core/internal/uibridge"
	"github.com/marklove5102/xiaozhi-core/internal/vad"
)

func main() {
	os.Exit(run())
}

// run wires every component together and blocks until a clean shutdown.
// It returns a process exit code (spec.md §6: 0 on clean shutdown).
func run() int {
	cfg := config.Load()

	if err := codec.ValidateFormat(codec.StreamFormat(cfg.StreamFormat)); err != nil {
		log.Printf("[main] config: %v", err)
		return 1
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = identity.DeviceID()
	}
	clientID := identity.ClientID(cfg.ClientIDPath)

	if err := portaudio.Initialize(); err != nil {
		log.Printf("[main] portaudio init: %v", err)
		return 1
	}
	defer portaudio.Terminate()

	_, playback, pl, err := buildPipeline(cfg)
	if err != nil {
		log.Printf("[main] build pipeline: %v", err)
		return 1
	}
	// The capture device is closed by pl.Stop() itself (it owns that
	// device's lifecycle to unblock a Read already in flight); playback is
	// not, so it is closed here once the pipeline has fully stopped.
	defer playback.Close()

	var tools []gateway.ToolConfig
	if cfg.ToolRegistryPath != "" {
		tools, err = gateway.LoadRegistry(cfg.ToolRegistryPath)
		if err != nil {
			log.Printf("[main] load tool registry: %v", err)
		}
	}
	bgResults := make(chan gateway.BackgroundResult, 16)
	gw := gateway.NewServer(tools, bgResults)

	uiMessages := make(chan string, 16)
	bridge, err := uibridge.New(cfg.UILocalPort, cfg.UIRemotePort, uiMessages)
	if err != nil {
		log.Printf("[main] ui bridge: %v", err)
		return 1
	}
	defer bridge.Close()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	uiStop := make(chan struct{})
	go bridge.Run(uiStop)

	cloudEvents := make(chan cloudlink.Event, 64)
	cloudCommands := make(chan cloudlink.Command)
	cloudCfg := cloudlink.Config{
		Endpoint:    cfg.WSEndpoint,
		BearerToken: cfg.BearerToken,
		DeviceID:    cfg.DeviceID,
		ClientID:    clientID,
		Audio: cloudlink.AudioParams{
			Format:        cfg.StreamFormat,
			SampleRate:    uint32(cfg.CodecRate),
			Channels:      uint8(cfg.CodecChans),
			FrameDuration: uint32(cfg.FrameDurMs),
		},
		MCPEnabled: len(tools) > 0,
	}

	go cloudlink.Run(ctx, cloudCfg, cloudEvents, cloudCommands, gw)

	pl.Start()

	d := dispatcher.New(dispatcher.Deps{
		CloudEvents:       cloudEvents,
		CloudCommands:     cloudCommands,
		EncodedAudio:      pl.Out,
		PlaybackIn:        pl.In,
		UIMessages:        uiMessages,
		UI:                bridge,
		BackgroundResults: bgResults,
		EnableTTSDisplay:  cfg.EnableTTSDisplay,
		IoTScriptPath:     cfg.IoTScriptPath,
		Shutdown: func() {
			close(uiStop)
			pl.Stop()
		},
	})

	d.Run(ctx)
	return 0
}

// buildPipeline opens the capture/playback devices and assembles the
// preprocessing, codec and (optional) VAD/gate chain described by spec.md
// §4.1-§4.4.
func buildPipeline(cfg config.Config) (*pcmdevice.Device, *pcmdevice.Device, *pipeline.Pipeline, error) {
	const periodMs = 20
	captureFrames := cfg.CaptureRate * periodMs / 1000

	capture, err := pcmdevice.Open(pcmdevice.Config{
		DeviceIndex:  cfg.InputDeviceID,
		SampleRate:   float64(cfg.CaptureRate),
		Channels:     cfg.CaptureChans,
		PeriodFrames: captureFrames,
		Direction:    pcmdevice.Capture,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	playbackFrames := cfg.PlaybackRate * periodMs / 1000
	playback, err := pcmdevice.Open(pcmdevice.Config{
		DeviceIndex:  cfg.OutputDeviceID,
		SampleRate:   float64(cfg.PlaybackRate),
		Channels:     cfg.PlaybackChans,
		PeriodFrames: playbackFrames,
		Direction:    pcmdevice.Playback,
	})
	if err != nil {
		capture.Close()
		return nil, nil, nil, err
	}

	preprocessors := make([]pipeline.Preprocessor, cfg.CaptureChans)
	for c := range preprocessors {
		pre, err := dsp.NewPreprocessor(dsp.PreprocessorConfig{
			FrameSize:       captureFrames,
			SampleRate:      cfg.CaptureRate,
			Denoise:         cfg.NoiseEnabled,
			NoiseSuppressDB: -cfg.NoiseLevel,
			AGC:             cfg.AGCEnabled,
			AGCTargetLevel:  24000,
		})
		if err != nil {
			capture.Close()
			playback.Close()
			return nil, nil, nil, err
		}
		preprocessors[c] = pre
	}

	enc, err := codec.NewEncoder(codec.EncoderConfig{
		AlsaRate:      cfg.CaptureRate,
		AlsaChannels:  cfg.CaptureChans,
		DurationMs:    cfg.FrameDurMs,
		CodecRate:     cfg.CodecRate,
		CodecChannels: cfg.CodecChans,
		Bitrate:       cfg.CodecBitrate,
	})
	if err != nil {
		capture.Close()
		playback.Close()
		return nil, nil, nil, err
	}

	dec, err := codec.NewOpusDecoder(codec.DecoderConfig{
		CodecRate:        cfg.CodecRate,
		CodecChannels:    cfg.CodecChans,
		DurationMs:       cfg.DecodeFrameDurMs,
		PlaybackRate:     cfg.PlaybackRate,
		PlaybackChannels: cfg.PlaybackChans,
	})
	if err != nil {
		capture.Close()
		playback.Close()
		return nil, nil, nil, err
	}

	var aecCanceller pipeline.EchoCanceller
	if cfg.AECEnabled {
		aecCanceller = aec.New(captureFrames)
	}

	var gate pipeline.NoiseGate
	if cfg.NoiseGateEnabled {
		g := noisegate.New()
		g.SetThreshold(cfg.NoiseGateLevel)
		gate = g
	}

	var voiceDetector pipeline.VoiceDetector
	if cfg.VADEnabled {
		v := vad.New()
		v.SetThreshold(cfg.VADLevel)
		voiceDetector = v
	}

	pl := pipeline.New(pipeline.Config{
		Capture:       capture,
		Playback:      playback,
		Channels:      cfg.CaptureChans,
		Preprocessors: preprocessors,
		Encoder:       enc,
		Decoder:       dec,
		AEC:           aecCanceller,
		Gate:          gate,
		VAD:           voiceDetector,
	})
	return capture, playback, pl, nil
}
