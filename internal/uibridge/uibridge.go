// Package uibridge is the local UDP transport between the core process and
// the on-device UI process (spec.md §4.6 "UI bridge"): outbound JSON
// notifications go out one way, inbound UI-originated text messages
// (e.g. a wake-word button press, manual text entry) come back the other.
package uibridge

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
)

const maxDatagram = 4096

// Bridge owns the local UDP socket shared with the UI process. It satisfies
// dispatcher.UI via Notify.
type Bridge struct {
	conn      *net.UDPConn
	remoteUDP *net.UDPAddr
	messages  chan<- string
	logger    *log.Logger
}

// New binds localPort and resolves remoteAddr ("127.0.0.1:<remotePort>"),
// the addressing scheme of spec.md §6 (SUPPLEMENTED FEATURES, UI bridge).
// Inbound UI datagrams are decoded as UTF-8 text and forwarded on messages;
// New does not start reading until Run is called.
func New(localPort, remotePort int, messages chan<- string) (*Bridge, error) {
	localAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("uibridge: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("uibridge: listen: %w", err)
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", remotePort))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("uibridge: resolve remote addr: %w", err)
	}
	return &Bridge{
		conn:      conn,
		remoteUDP: remoteAddr,
		messages:  messages,
		logger:    log.New(log.Writer(), "[uibridge] ", log.LstdFlags),
	}, nil
}

// Close releases the local socket.
func (b *Bridge) Close() error {
	return b.conn.Close()
}

// Run reads datagrams from the UI process until the socket is closed or stop
// is closed, forwarding each as text on the messages channel (spec.md §4.6).
// It is meant to run in its own goroutine; Run returns when the underlying
// read fails, which happens once Close is called.
func (b *Bridge) Run(stop <-chan struct{}) {
	go func() {
		<-stop
		b.conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		msg := string(buf[:n])
		select {
		case b.messages <- msg:
		default:
			b.logger.Printf("ui message queue full, dropping datagram")
		}
	}
}

// Notify marshals v to JSON and sends it to the UI process. It implements
// dispatcher.UI. A send failure (UI process not listening yet, or a
// transient local-socket error) is logged, never returned: notifications are
// best-effort per spec.md §4.6, and losing one must never stall the
// dispatcher's single-owner event loop.
func (b *Bridge) Notify(v any) {
	var data []byte
	var err error
	if raw, ok := v.(json.RawMessage); ok {
		data = raw
	} else {
		data, err = json.Marshal(v)
		if err != nil {
			b.logger.Printf("marshal notification: %v", err)
			return
		}
	}
	if _, err := b.conn.WriteToUDP(data, b.remoteUDP); err != nil {
		b.logger.Printf("send notification: %v", err)
	}
}
