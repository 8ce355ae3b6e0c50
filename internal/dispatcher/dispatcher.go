// Package dispatcher implements the session state machine and single-owner
// event loop of spec.md §4.7: it fuses events from the cloud link, the
// audio pipeline, the UI bridge and the tool gateway into outbound commands,
// and is the sole owner of SessionState.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"

	"github.com/marklove5102/xiaozhi-core/internal/cloudlink"
	"github.com/marklove5102/xiaozhi-core/internal/gateway"
)

// SessionState is the session lifecycle enumeration of spec.md §3.
type SessionState int

const (
	Idle SessionState = iota
	Listening
	Speaking
	NetworkError
)

func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	case NetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// UI is the subset of the UI bridge the Dispatcher needs: fire-and-forget
// JSON notifications (spec.md §6 "UI notifications").
type UI interface {
	Notify(v any)
}

// Deps bundles every collaborator the event loop selects over and writes
// to. Channels not supplied (nil) are simply never selected.
type Deps struct {
	CloudEvents       <-chan cloudlink.Event
	CloudCommands     chan<- cloudlink.Command
	EncodedAudio      <-chan []byte
	PlaybackIn        chan<- []byte
	UIMessages        <-chan string
	UI                UI
	BackgroundResults <-chan gateway.BackgroundResult

	EnableTTSDisplay bool
	IoTScriptPath    string

	// Shutdown is invoked once, after the loop observes ctx.Done(), to tear
	// down the link/pipeline (spec.md §5 "Shutdown").
	Shutdown func()
}

// Dispatcher holds the session state of spec.md §3 and §4.7. The zero value
// is Idle with no session id and an empty background-notification FIFO.
type Dispatcher struct {
	deps Deps

	state           SessionState
	sessionID       string
	shouldMuteMic   bool
	pendingBGNotify []string
	runIoTScript    func(payload string)
	logger          *log.Logger
}

// New builds a Dispatcher. deps.Shutdown, if non-nil, runs once on
// termination.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		state:  Idle,
		logger: log.New(log.Writer(), "[dispatcher] ", log.LstdFlags),
	}
	d.runIoTScript = d.spawnIoTScript
	return d
}

// State returns the current SessionState. Safe to call only from the same
// goroutine driving Run, or after Run has returned.
func (d *Dispatcher) State() SessionState { return d.state }

// SessionID returns the current session id, or "" if none has been
// observed yet.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// ShouldMuteMic reports whether the microphone is currently muted for TTS
// playback (spec.md §3 invariant, §8 invariant 1).
func (d *Dispatcher) ShouldMuteMic() bool { return d.shouldMuteMic }

// Run is the single-owner event loop (spec.md §4.7, §5). It blocks,
// serialising every handler body, until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if d.deps.Shutdown != nil {
				d.deps.Shutdown()
			}
			return

		case ev, ok := <-d.deps.CloudEvents:
			if !ok {
				continue
			}
			d.handleCloudEvent(ev)

		case b, ok := <-d.deps.EncodedAudio:
			if !ok {
				continue
			}
			d.handleEncodedAudio(b)

		case msg, ok := <-d.deps.UIMessages:
			if !ok {
				continue
			}
			d.handleUIMessage(msg)

		case r, ok := <-d.deps.BackgroundResults:
			if !ok {
				continue
			}
			d.handleBackgroundResult(r)
		}
	}
}

func (d *Dispatcher) handleCloudEvent(ev cloudlink.Event) {
	switch ev.Kind {
	case cloudlink.EventConnected:
		d.notifyUI(3)
	case cloudlink.EventDisconnected:
		d.state = NetworkError
		d.notifyUI(4)
	case cloudlink.EventText:
		d.handleCloudText(ev.Text)
	case cloudlink.EventBinary:
		d.handleCloudBinary(ev.Binary)
	}
}

// cloudTextEnvelope is the subset of CloudEnvelope fields (spec.md §3) the
// Dispatcher inspects.
type cloudTextEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Text      string `json:"text"`
}

// handleCloudText implements spec.md §4.7's Text(T) rules. It takes no
// channel input so property tests can drive it directly with synthetic
// event sequences (spec.md §8 invariants 1, 3, 4).
func (d *Dispatcher) handleCloudText(text string) {
	var env cloudTextEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		d.logger.Printf("unparseable text frame ignored: %v", err)
		return
	}

	if env.SessionID != "" && env.SessionID != d.sessionID {
		d.sessionID = env.SessionID
	}

	switch env.Type {
	case "hello":
		d.sendAutoListen()
	case "tts":
		d.handleTTS(env)
	case "stt":
		d.logger.Printf("stt result: %s", env.Text)
	case "iot":
		d.runIoTScript(text)
	case "":
		d.logger.Printf("text frame missing type: %s", text)
	default:
		d.logger.Printf("unhandled message type: %s", env.Type)
	}
}

func (d *Dispatcher) handleTTS(env cloudTextEnvelope) {
	switch env.State {
	case "start":
		// Mic muting takes effect immediately; the Speaking state itself is
		// only entered once synthesised audio actually starts arriving
		// (handleCloudBinary) — this is what drives the UI's "speaking"
		// indicator, not the announcement that speech is about to start.
		d.shouldMuteMic = true
	case "stop":
		d.shouldMuteMic = false
		d.state = Idle
		d.drainOrAutoListen()
	}
	if env.Text != "" && d.deps.EnableTTSDisplay {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		d.notifyUIRaw(json.RawMessage(data))
	}
}

func (d *Dispatcher) handleCloudBinary(b []byte) {
	if d.state != Speaking {
		d.state = Speaking
		d.notifyUI(6)
	}
	d.sendPlayback(b)
}

// handleEncodedAudio implements spec.md §4.7's EncodedAudio(B) rule.
func (d *Dispatcher) handleEncodedAudio(b []byte) {
	if d.shouldMuteMic {
		return
	}
	if d.state != Listening {
		d.state = Listening
		d.notifyUI(5)
	}
	d.sendCloudBinary(b)
}

func (d *Dispatcher) handleUIMessage(msg string) {
	d.sendCloudText(msg)
}

// handleBackgroundResult implements spec.md §4.7's BackgroundResult(r) rule
// and §8 invariant 4 (oldest-first FIFO draining on return to Idle).
func (d *Dispatcher) handleBackgroundResult(r gateway.BackgroundResult) {
	var notification string
	if r.Success {
		notification = fmt.Sprintf("Task '%s' completed: %s", r.ToolName, r.Message)
	} else {
		notification = fmt.Sprintf("Task '%s' failed: %s", r.ToolName, r.Message)
	}

	if d.state == Idle {
		d.sendBackgroundNotification(notification)
		return
	}
	d.pendingBGNotify = append(d.pendingBGNotify, notification)
}

// drainOrAutoListen implements the tts-stop branch of spec.md §4.7: pop the
// oldest pending background notification if any, otherwise send the
// ordinary auto-listen command.
func (d *Dispatcher) drainOrAutoListen() {
	if len(d.pendingBGNotify) > 0 {
		next := d.pendingBGNotify[0]
		d.pendingBGNotify = d.pendingBGNotify[1:]
		d.sendBackgroundNotification(next)
		return
	}
	d.sendAutoListen()
}

type listenFrame struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	Mode      string `json:"mode"`
}

func (d *Dispatcher) sendAutoListen() {
	frame := listenFrame{SessionID: d.sessionID, Type: "listen", State: "start", Mode: "auto"}
	d.sendListenFrame(frame)
}

func (d *Dispatcher) sendBackgroundNotification(text string) {
	frame := listenFrame{SessionID: d.sessionID, Type: "listen", State: "detect", Text: text, Mode: "manual"}
	d.sendListenFrame(frame)
}

func (d *Dispatcher) sendListenFrame(frame listenFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		d.logger.Printf("marshal listen frame: %v", err)
		return
	}
	d.sendCloudText(string(data))
}

func (d *Dispatcher) sendCloudText(text string) {
	d.trySendCommand(cloudlink.Command{Kind: cloudlink.CommandSendText, Text: text})
}

func (d *Dispatcher) sendCloudBinary(b []byte) {
	d.trySendCommand(cloudlink.Command{Kind: cloudlink.CommandSendBinary, Binary: b})
}

// trySendCommand never blocks the event loop (spec.md §4.7 "never blocks
// inside a handler"): a full outbound queue drops the command and logs
// rather than stalling every other channel behind this one select loop.
func (d *Dispatcher) trySendCommand(cmd cloudlink.Command) {
	if d.deps.CloudCommands == nil {
		return
	}
	select {
	case d.deps.CloudCommands <- cmd:
	default:
		d.logger.Printf("cloud command queue full, dropping command kind %d", cmd.Kind)
	}
}

func (d *Dispatcher) sendPlayback(b []byte) {
	if d.deps.PlaybackIn == nil {
		return
	}
	select {
	case d.deps.PlaybackIn <- b:
	default:
		d.logger.Printf("playback queue full, dropping %d bytes", len(b))
	}
}

func (d *Dispatcher) notifyUI(state int) {
	if d.deps.UI == nil {
		return
	}
	d.deps.UI.Notify(map[string]int{"state": state})
}

func (d *Dispatcher) notifyUIRaw(raw json.RawMessage) {
	if d.deps.UI == nil {
		return
	}
	d.deps.UI.Notify(raw)
}

// spawnIoTScript forwards payload on the configured script's stdin without
// blocking the event loop (spec.md §4.7 "iot", SUPPLEMENTED FEATURES).
func (d *Dispatcher) spawnIoTScript(payload string) {
	if d.deps.IoTScriptPath == "" {
		return
	}
	script := d.deps.IoTScriptPath
	go func() {
		cmd := exec.Command(script)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			d.logger.Printf("iot script stdin pipe: %v", err)
			return
		}
		if err := cmd.Start(); err != nil {
			d.logger.Printf("iot script spawn %s: %v", script, err)
			return
		}
		if _, err := stdin.Write([]byte(payload)); err != nil {
			d.logger.Printf("iot script stdin write: %v", err)
		}
		stdin.Close()
		if err := cmd.Wait(); err != nil {
			d.logger.Printf("iot script %s: %v", script, err)
		}
	}()
}
