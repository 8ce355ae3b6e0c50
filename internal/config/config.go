// Package config manages persistent on-device settings for the core agent.
// Settings are stored as JSON at os.UserConfigDir()/xiaozhi/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds every persistent setting the startup wiring needs to build
// an AudioConfig, a cloudlink.Config, the tool registry path, and the UI
// bridge's local UDP ports.
type Config struct {
	// Audio device selection and volume (spec.md §2 AudioConfig).
	InputDeviceID    int     `json:"input_device_id"`
	OutputDeviceID   int     `json:"output_device_id"`
	CaptureRate      int     `json:"capture_rate"`
	CaptureChans     int     `json:"capture_channels"`
	CodecRate        int     `json:"codec_rate"`
	CodecChans       int     `json:"codec_channels"`
	CodecBitrate     int     `json:"codec_bitrate"`
	FrameDurMs       int     `json:"frame_duration_ms"`
	DecodeFrameDurMs int     `json:"decode_frame_duration_ms"`
	StreamFormat     string  `json:"stream_format"`
	Volume           float64 `json:"volume"`

	// Playback device params, distinct from capture (spec.md §3 AudioConfig:
	// "playback rate/channels/period"). Defaults mirror capture's since most
	// devices on this appliance share one clock, but the fields are
	// independent so asymmetric hardware can be configured.
	PlaybackRate  int `json:"playback_rate"`
	PlaybackChans int `json:"playback_channels"`

	// Denoise/AGC preprocessing (internal/dsp).
	NoiseEnabled bool `json:"noise_enabled"`
	NoiseLevel   int  `json:"noise_level"`
	AGCEnabled   bool `json:"agc_enabled"`
	AECEnabled   bool `json:"aec_enabled"`

	// Noise gate and voice-activity detection on the capture channel
	// (internal/noisegate, internal/vad): an optional pre-encode stage that
	// zeroes low-energy frames and skips encoding/sending silent stretches
	// entirely, trading a little latency-on-resume for less traffic on the
	// bounded outbound queue during silence. Both off by default since the
	// distilled spec doesn't call for them; set *Enabled to opt in.
	NoiseGateEnabled bool `json:"noise_gate_enabled"`
	NoiseGateLevel   int  `json:"noise_gate_level"`
	VADEnabled       bool `json:"vad_enabled"`
	VADLevel         int  `json:"vad_level"`

	// Cloud link (spec.md §4.5, §6).
	WSEndpoint  string `json:"ws_endpoint"`
	BearerToken string `json:"bearer_token"`

	// Device/client identity (SUPPLEMENTED FEATURES, internal/identity).
	// DeviceID is resolved at startup if empty; ClientIDPath names the file
	// the generated client id is persisted to across restarts.
	DeviceID     string `json:"device_id"`
	ClientIDPath string `json:"client_id_path"`

	// Tool gateway (spec.md §4.6, internal/gateway).
	ToolRegistryPath string `json:"tool_registry_path"`

	// UI bridge local UDP ports (SUPPLEMENTED FEATURES).
	UILocalPort  int `json:"ui_local_port"`
	UIRemotePort int `json:"ui_remote_port"`

	// Dispatcher behaviour (spec.md §4.7).
	EnableTTSDisplay bool   `json:"enable_tts_display"`
	IoTScriptPath    string `json:"iot_script_path"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		InputDeviceID:    -1,
		OutputDeviceID:   -1,
		CaptureRate:      48000,
		CaptureChans:     1,
		CodecRate:        16000,
		CodecChans:       1,
		CodecBitrate:     24000,
		FrameDurMs:       60,
		DecodeFrameDurMs: 60,
		StreamFormat:     "opus",
		Volume:           1.0,
		PlaybackRate:     48000,
		PlaybackChans:    1,
		NoiseEnabled:     true,
		NoiseLevel:       80,
		AGCEnabled:       true,
		AECEnabled:       true,
		NoiseGateEnabled: false,
		NoiseGateLevel:   50,
		VADEnabled:       false,
		VADLevel:         50,
		WSEndpoint:       "wss://api.xiaozhi.example/v1/ws",
		DeviceID:         "",
		ClientIDPath:     "xiaozhi_client_id.txt",
		UILocalPort:      9100,
		UIRemotePort:     9101,
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "xiaozhi", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned — never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
