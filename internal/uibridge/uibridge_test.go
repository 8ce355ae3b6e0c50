package uibridge_test

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/marklove5102/xiaozhi-core/internal/uibridge"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestNotifySendsDatagramToRemote(t *testing.T) {
	remotePort := freeUDPPort(t)
	remoteAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:"+strconv.Itoa(remotePort))
	if err != nil {
		t.Fatal(err)
	}
	remote, err := net.ListenUDP("udp", remoteAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	localPort := freeUDPPort(t)
	msgs := make(chan string, 1)
	b, err := uibridge.New(localPort, remotePort, msgs)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	b.Notify(map[string]int{"state": 6})

	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := remote.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("did not receive datagram: %v", err)
	}
	got := string(buf[:n])
	if got != `{"state":6}` {
		t.Errorf("got %q, want %q", got, `{"state":6}`)
	}
}

func TestRunForwardsInboundDatagramsAsMessages(t *testing.T) {
	localPort := freeUDPPort(t)
	remotePort := freeUDPPort(t)
	msgs := make(chan string, 1)
	b, err := uibridge.New(localPort, remotePort, msgs)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	stop := make(chan struct{})
	defer close(stop)
	go b.Run(stop)

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: localPort})
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte("hello from ui")); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-msgs:
		if msg != "hello from ui" {
			t.Errorf("got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded message")
	}
}

func TestNotifyAcceptsRawJSON(t *testing.T) {
	remotePort := freeUDPPort(t)
	remoteAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:"+strconv.Itoa(remotePort))
	if err != nil {
		t.Fatal(err)
	}
	remote, err := net.ListenUDP("udp", remoteAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	localPort := freeUDPPort(t)
	msgs := make(chan string, 1)
	b, err := uibridge.New(localPort, remotePort, msgs)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	raw := []byte(`{"type":"tts","state":"start"}`)
	b.Notify(json.RawMessage(raw))

	remote.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := remote.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("did not receive datagram: %v", err)
	}
	if string(buf[:n]) != string(raw) {
		t.Errorf("got %q, want %q", buf[:n], raw)
	}
}
