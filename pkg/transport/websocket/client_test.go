package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"eventbot/pkg/transport"

	"github.com/gorilla/websocket"
)

type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan frame
	stopOnce sync.Once
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s := &testServer{received: make(chan frame, 16)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in frame
			if json.Unmarshal(data, &in) != nil {
				continue
			}
			s.received <- in
			if in.ID != 0 {
				s.write(conn, frame{Event: ackEvent, ID: in.ID, Data: json.RawMessage(`"ok"`)})
			}
		}
	}))
	t.Cleanup(s.stop)
	return s
}

func (s *testServer) write(conn *websocket.Conn, out frame) {
	data, _ := json.Marshal(out)
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *testServer) push(event string, data string) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, frame{Event: event, Data: json.RawMessage(data)})
}

func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *testServer) stop() {
	s.stopOnce.Do(func() {
		s.dropAll()
		s.Close()
	})
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitResult(t *testing.T, client *Client) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- client.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
		return nil
	}
}

func TestConnectEmitAckAndInbound(t *testing.T) {
	srv := newTestServer(t)
	client := New(Options{})

	connected := make(chan struct{}, 1)
	disconnected := make(chan struct{}, 1)
	inbound := make(chan []byte, 1)
	client.On(transport.EventConnect, func([]byte) { connected <- struct{}{} })
	client.On(transport.EventDisconnect, func([]byte) { disconnected <- struct{}{} })
	client.On("OnGroupMsgs", func(data []byte) { inbound <- data })

	if err := client.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitSignal(t, connected, "connect callback")

	acked := make(chan string, 1)
	err := client.Emit(context.Background(), transport.EventGetWebConn, "123", func(data []byte) {
		acked <- string(data)
	})
	if err != nil {
		t.Fatalf("Emit error: %v", err)
	}

	select {
	case got := <-srv.received:
		if got.Event != transport.EventGetWebConn || string(got.Data) != `"123"` {
			t.Fatalf("server received %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive emitted frame")
	}
	select {
	case got := <-acked:
		if got != `"ok"` {
			t.Fatalf("ack data = %s, want \"ok\"", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack callback not invoked")
	}

	srv.push("OnGroupMsgs", `{"CurrentQQ":1}`)
	select {
	case got := <-inbound:
		if string(got) != `{"CurrentQQ":1}` {
			t.Fatalf("inbound data = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound callback not invoked")
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect error: %v", err)
	}
	if err := waitResult(t, client); err != nil {
		t.Fatalf("Wait after Disconnect = %v, want nil", err)
	}
	waitSignal(t, disconnected, "disconnect callback")
}

func TestReconnectsAfterDrop(t *testing.T) {
	srv := newTestServer(t)
	client := New(Options{Reconnect: true, MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})

	connected := make(chan struct{}, 4)
	disconnected := make(chan struct{}, 4)
	client.On(transport.EventConnect, func([]byte) { connected <- struct{}{} })
	client.On(transport.EventDisconnect, func([]byte) { disconnected <- struct{}{} })

	if err := client.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitSignal(t, connected, "first connect")

	// The server only registers the conn after the upgrade, so make sure it exists.
	if err := client.Emit(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	<-srv.received

	srv.dropAll()
	waitSignal(t, disconnected, "disconnect after drop")
	waitSignal(t, connected, "reconnect")

	_ = client.Disconnect()
	if err := waitResult(t, client); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}
}

func TestGivesUpAfterReconnectAttempts(t *testing.T) {
	srv := newTestServer(t)
	client := New(Options{Reconnect: true, ReconnectAttempts: 2, MinBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond})

	connected := make(chan struct{}, 1)
	client.On(transport.EventConnect, func([]byte) { connected <- struct{}{} })

	if err := client.Connect(context.Background(), srv.URL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitSignal(t, connected, "connect")
	if err := client.Emit(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	<-srv.received

	srv.stop()
	if err := waitResult(t, client); err == nil {
		t.Fatal("expected Wait error after reconnect attempts were exhausted")
	}
}

func TestConnectFailure(t *testing.T) {
	srv := newTestServer(t)
	addr := srv.URL
	srv.stop()

	client := New(Options{})
	if err := client.Connect(context.Background(), addr); err == nil {
		t.Fatal("expected connect error")
	}
	if err := client.Wait(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Wait = %v, want ErrNotConnected", err)
	}
	if err := client.Emit(context.Background(), "x", nil, nil); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Emit = %v, want ErrNotConnected", err)
	}
}

func TestConnectAfterDisconnectIsRejected(t *testing.T) {
	srv := newTestServer(t)
	client := New(Options{})
	_ = client.Disconnect()

	if err := client.Connect(context.Background(), srv.URL); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Connect = %v, want ErrClosed", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{address: "http://127.0.0.1:8888", want: "ws://127.0.0.1:8888/ws"},
		{address: "https://bot.example.com/", want: "wss://bot.example.com/ws"},
		{address: "ws://host:1/events", want: "ws://host:1/events"},
		{address: "ftp://host", wantErr: true},
		{address: "http://", wantErr: true},
	}

	for _, tt := range tests {
		got, err := websocketURL(tt.address, DefaultPath)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("websocketURL(%q) expected error", tt.address)
			}
			continue
		}
		if err != nil {
			t.Fatalf("websocketURL(%q) error: %v", tt.address, err)
		}
		if got != tt.want {
			t.Fatalf("websocketURL(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}
