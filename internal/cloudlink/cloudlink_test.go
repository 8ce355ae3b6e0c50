package cloudlink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marklove5102/xiaozhi-core/internal/cloudlink"
	"github.com/marklove5102/xiaozhi-core/internal/gateway"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHelloHandshakeSent(t *testing.T) {
	helloReceived := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			helloReceived <- string(data)
		}
		// Keep the connection open briefly before closing it; the client's
		// context outlives this, so the client sees the close as a read error.
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := cloudlink.Config{
		Endpoint:    wsURL(srv),
		BearerToken: "tok",
		DeviceID:    "dev1",
		ClientID:    "cli1",
		Audio:       cloudlink.AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60},
		MCPEnabled:  true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	events := make(chan cloudlink.Event, 10)
	commands := make(chan cloudlink.Command)

	go cloudlink.Run(ctx, cfg, events, commands, nil)

	select {
	case hello := <-helloReceived:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(hello), &decoded); err != nil {
			t.Fatalf("hello not valid JSON: %v", err)
		}
		if decoded["type"] != "hello" {
			t.Errorf("expected type hello, got %v", decoded["type"])
		}
		features, _ := decoded["features"].(map[string]any)
		if features == nil || features["mcp"] != true {
			t.Errorf("expected mcp feature flag, got %v", decoded["features"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello")
	}

	select {
	case ev := <-events:
		if ev.Kind != cloudlink.EventConnected {
			t.Errorf("expected first event to be Connected, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Connected event")
	}
}

func TestMCPEnvelopeDemuxedNotForwarded(t *testing.T) {
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // hello

		envelope := `{"type":"mcp","session_id":"sess1","payload":{"jsonrpc":"2.0","id":1,"method":"tools/list"}}`
		conn.WriteMessage(websocket.TextMessage, []byte(envelope))

		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	gw := gateway.NewServer([]gateway.ToolConfig{{
		Name: "ping", Description: "d", Mode: gateway.ModeSync, TimeoutMs: 1000,
		Transport: gateway.SubprocessTransport{Executable: "true"},
	}}, nil)

	cfg := cloudlink.Config{Endpoint: wsURL(srv), Audio: cloudlink.AudioParams{Format: "opus"}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events := make(chan cloudlink.Event, 10)
	commands := make(chan cloudlink.Command)

	go cloudlink.Run(ctx, cfg, events, commands, gw)

	var sawText bool
	timeout := time.After(time.Second)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Kind == cloudlink.EventText {
				sawText = true
				break loop
			}
		case <-timeout:
			break loop
		}
	}
	if sawText {
		t.Fatal("mcp envelope should not be forwarded as a plain Text event")
	}

	select {
	case resp := <-received:
		var env map[string]any
		if err := json.Unmarshal([]byte(resp), &env); err != nil {
			t.Fatalf("response envelope not JSON: %v", err)
		}
		if env["type"] != "mcp" || env["session_id"] != "sess1" {
			t.Errorf("unexpected response envelope: %s", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for mcp response")
	}
}

func TestPlainTextForwardedAsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // hello
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","session_id":"abc"}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := cloudlink.Config{Endpoint: wsURL(srv), Audio: cloudlink.AudioParams{Format: "opus"}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events := make(chan cloudlink.Event, 10)
	commands := make(chan cloudlink.Command)
	go cloudlink.Run(ctx, cfg, events, commands, nil)

	var gotText string
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Kind == cloudlink.EventText {
				gotText = ev.Text
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	if !strings.Contains(gotText, `"hello"`) {
		t.Errorf("expected forwarded hello text, got %q", gotText)
	}
}

func TestCleanShutdownOnCommandsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		// Block until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := cloudlink.Config{Endpoint: wsURL(srv), Audio: cloudlink.AudioParams{Format: "opus"}}
	events := make(chan cloudlink.Event, 10)
	commands := make(chan cloudlink.Command)

	returned := make(chan struct{})
	go func() {
		cloudlink.Run(context.Background(), cfg, events, commands, nil)
		close(returned)
	}()

	// Give the link time to connect, then signal clean shutdown.
	time.Sleep(100 * time.Millisecond)
	close(commands)

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after commands channel closed")
	}
}

// TestNextBackoffSequence exercises spec.md §8 invariant 5: inter-attempt
// delays are 1,2,4,8,16,32,60,60,... seconds until success, then reset to 1
// on the next failure.
func TestNextBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	backoff := cloudlink.InitialBackoff
	for i, w := range want {
		if i == 0 {
			if backoff != w {
				t.Fatalf("step %d: got %s, want %s", i, backoff, w)
			}
			continue
		}
		backoff = cloudlink.NextBackoff(backoff)
		if backoff != w {
			t.Fatalf("step %d: got %s, want %s", i, backoff, w)
		}
	}

	// A success resets backoff back to the initial value, and the sequence
	// starts over from there on the next failure.
	backoff = cloudlink.InitialBackoff
	if backoff != 1*time.Second {
		t.Fatalf("reset backoff = %s, want 1s", backoff)
	}
}

// TestHandshakeFailureEmitsDisconnected covers spec.md §4.5 "on any
// disconnect emit Disconnected": a write failure during the hello handshake
// (here, forced by the server closing the socket right after upgrading) must
// still produce an EventDisconnected, not just a silent retry.
func TestHandshakeFailureEmitsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	cfg := cloudlink.Config{Endpoint: wsURL(srv), Audio: cloudlink.AudioParams{Format: "opus"}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events := make(chan cloudlink.Event, 10)
	commands := make(chan cloudlink.Command)
	go cloudlink.Run(ctx, cfg, events, commands, nil)

	var sawConnected, sawDisconnected bool
	deadline := time.After(time.Second)
	for !sawDisconnected {
		select {
		case ev := <-events:
			switch ev.Kind {
			case cloudlink.EventConnected:
				sawConnected = true
			case cloudlink.EventDisconnected:
				sawDisconnected = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for Disconnected after handshake failure")
		}
	}
	if !sawConnected {
		t.Error("expected a Connected event before the handshake failure")
	}
}

func TestNextBackoffNeverExceedsMax(t *testing.T) {
	backoff := cloudlink.InitialBackoff
	for i := 0; i < 20; i++ {
		backoff = cloudlink.NextBackoff(backoff)
		if backoff > cloudlink.MaxBackoff {
			t.Fatalf("backoff %s exceeds max %s at step %d", backoff, cloudlink.MaxBackoff, i)
		}
	}
	if backoff != cloudlink.MaxBackoff {
		t.Fatalf("backoff should settle at max, got %s", backoff)
	}
}
