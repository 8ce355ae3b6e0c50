// Package cloudlink holds the persistent duplex channel to the cloud voice
// service (spec.md §4.5): connect, hello handshake, and steady-state
// interleaving of inbound frames, outbound commands and the tool-gateway
// envelope demux, with exponential-backoff reconnect.
package cloudlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marklove5102/xiaozhi-core/internal/gateway"
)

// EventKind discriminates the four events the link can emit to the
// Dispatcher (spec.md §4.7 input event kinds, C5 portion).
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventText
	EventBinary
)

// Event is one occurrence on the link, handed to the Dispatcher.
type Event struct {
	Kind   EventKind
	Text   string
	Binary []byte
}

// CommandKind discriminates the two outbound commands the Dispatcher issues.
type CommandKind int

const (
	CommandSendText CommandKind = iota
	CommandSendBinary
)

// Command is a Dispatcher-issued instruction to the link.
type Command struct {
	Kind   CommandKind
	Text   string
	Binary []byte
}

// AudioParams describes the codec format/rate/channels/frame-duration
// advertised in the hello handshake (spec.md §6).
type AudioParams struct {
	Format        string
	SampleRate    uint32
	Channels      uint8
	FrameDuration uint32
}

// Config configures one Link. A new Link is constructed on each reconnect
// attempt (spec.md §3 lifecycles); Config itself is reused across attempts.
type Config struct {
	Endpoint    string // ws(s):// URL
	BearerToken string
	DeviceID    string
	ClientID    string
	Audio       AudioParams
	MCPEnabled  bool
}

const (
	InitialBackoff = 1 * time.Second
	MaxBackoff     = 60 * time.Second
)

// NextBackoff computes the delay to sleep before the next reconnect attempt,
// given the delay just used (spec.md §4.5 "Reconnect policy", §8 invariant
// 5): doubling each failure, capped at MaxBackoff. Factored out of Run as a
// pure function so the 1,2,4,8,16,32,60,60,... sequence is testable without
// sleeping through it for real.
func NextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > MaxBackoff {
		next = MaxBackoff
	}
	return next
}

// Run drives the reconnect loop (spec.md §4.5 "Reconnect policy"): on any
// disconnect it emits EventDisconnected then sleeps with exponential
// backoff starting at 1s, doubling each failure, capped at 60s, resetting
// to 1s after a successful connection. Run returns when ctx is cancelled or
// commands is closed (clean shutdown, no further retry).
func Run(ctx context.Context, cfg Config, events chan<- Event, commands <-chan Command, gw *gateway.Server) {
	backoff := InitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		connected, err := connectAndRun(ctx, cfg, events, commands, gw)
		if connected {
			backoff = InitialBackoff
		}
		if _, clean := err.(errCleanShutdown); clean || err == nil {
			// Clean shutdown: commands channel closed or ctx cancelled.
			return
		}

		log.Printf("[cloudlink] disconnected: %v; retrying in %s", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = NextBackoff(backoff)
	}
}

// errCleanShutdown signals Run to stop retrying.
type errCleanShutdown struct{}

func (errCleanShutdown) Error() string { return "cloudlink: clean shutdown" }

// connectAndRun performs one full connect/handshake/run attempt (spec.md
// §4.5 "Two-phase lifecycle per attempt"). connected reports whether the
// upgrade succeeded, so Run knows whether to reset its backoff.
func connectAndRun(ctx context.Context, cfg Config, events chan<- Event, commands <-chan Command, gw *gateway.Server) (connected bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.BearerToken)
	header.Set("Device-Id", cfg.DeviceID)
	header.Set("Client-Id", cfg.ClientID)
	header.Set("Protocol-Version", "1")

	conn, _, dialErr := websocket.DefaultDialer.DialContext(ctx, cfg.Endpoint, header)
	if dialErr != nil {
		return false, fmt.Errorf("connect: %w", dialErr)
	}
	defer conn.Close()

	events <- Event{Kind: EventConnected}

	if err := sendHello(conn, cfg); err != nil {
		events <- Event{Kind: EventDisconnected}
		return true, fmt.Errorf("handshake: %w", err)
	}

	inbound := make(chan inboundFrame, 1)
	readDone := make(chan struct{})
	go readLoop(conn, inbound, readDone)

	for {
		select {
		case <-ctx.Done():
			return true, errCleanShutdown{}

		case frame, ok := <-inbound:
			if !ok {
				events <- Event{Kind: EventDisconnected}
				return true, fmt.Errorf("read: connection closed")
			}
			if frame.err != nil {
				events <- Event{Kind: EventDisconnected}
				return true, fmt.Errorf("read: %w", frame.err)
			}
			if frame.binary != nil {
				events <- Event{Kind: EventBinary, Binary: frame.binary}
				continue
			}
			if handleInboundText(conn, gw, frame.text) {
				continue
			}
			events <- Event{Kind: EventText, Text: frame.text}

		case cmd, ok := <-commands:
			if !ok {
				return true, errCleanShutdown{}
			}
			if err := writeCommand(conn, cmd); err != nil {
				events <- Event{Kind: EventDisconnected}
				return true, fmt.Errorf("send: %w", err)
			}
		}
	}
}

type inboundFrame struct {
	text   string
	binary []byte
	err    error
}

func readLoop(conn *websocket.Conn, out chan<- inboundFrame, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			out <- inboundFrame{err: err}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			out <- inboundFrame{text: string(data)}
		case websocket.BinaryMessage:
			out <- inboundFrame{binary: data}
		}
	}
}

func writeCommand(conn *websocket.Conn, cmd Command) error {
	switch cmd.Kind {
	case CommandSendText:
		return conn.WriteMessage(websocket.TextMessage, []byte(cmd.Text))
	case CommandSendBinary:
		return conn.WriteMessage(websocket.BinaryMessage, cmd.Binary)
	default:
		return fmt.Errorf("cloudlink: unknown command kind %d", cmd.Kind)
	}
}

// helloMessage is the outbound hello frame (spec.md §6).
type helloMessage struct {
	Type        string          `json:"type"`
	Version     int             `json:"version"`
	Transport   string          `json:"transport"`
	Features    map[string]bool `json:"features,omitempty"`
	AudioParams helloAudio      `json:"audio_params"`
}

type helloAudio struct {
	Format        string `json:"format"`
	SampleRate    uint32 `json:"sample_rate"`
	Channels      uint8  `json:"channels"`
	FrameDuration uint32 `json:"frame_duration"`
}

func sendHello(conn *websocket.Conn, cfg Config) error {
	msg := helloMessage{
		Type:      "hello",
		Version:   1,
		Transport: "websocket",
		AudioParams: helloAudio{
			Format:        cfg.Audio.Format,
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			FrameDuration: cfg.Audio.FrameDuration,
		},
	}
	if cfg.MCPEnabled {
		msg.Features = map[string]bool{"mcp": true}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// mcpEnvelope is the shape of both directions of the tool-gateway envelope
// (spec.md §6).
type mcpEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// handleInboundText demultiplexes a text frame (spec.md §4.5 "Run",
// §9 "Envelope-within-envelope"): if it is an mcp envelope, it is handed to
// the gateway and, if the gateway produces a response, written back on the
// same channel preserving session_id. Returns true when the frame was
// consumed as gateway traffic (so the caller must not also forward it to
// the Dispatcher as a plain Text event).
func handleInboundText(conn *websocket.Conn, gw *gateway.Server, text string) bool {
	if gw == nil {
		return false
	}
	var env mcpEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil || env.Type != "mcp" {
		return false
	}

	resp, handled := gw.HandleMessage(context.Background(), string(env.Payload))
	if !handled {
		return false
	}
	if resp == "" {
		return true
	}

	out := mcpEnvelope{Type: "mcp", SessionID: env.SessionID, Payload: json.RawMessage(resp)}
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("[cloudlink] marshal mcp response: %v", err)
		return true
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[cloudlink] write mcp response: %v", err)
	}
	return true
}
