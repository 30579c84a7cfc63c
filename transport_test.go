package main

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

func startTestDispatcher(t *testing.T) string {
	t.Helper()

	registry := NewRegistry(&Config{})
	gateway := &MusicGateway{}
	dispatcher := NewDispatcher(&Config{}, registry, gateway)

	mux := httprouter.New()
	mux.GET("/ws", dispatcher.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write json: %v", err)
	}
}

// readUntil drains messages off the connection until one matches, or the
// deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			var netErr net.Error
			if ok := isTimeout(err, &netErr); ok {
				continue
			}
			t.Fatalf("read json: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if match(m) {
			return m
		}
	}
	t.Fatal("timed out waiting for expected message")
	return nil
}

func isTimeout(err error, netErr *net.Error) bool {
	if e, ok := err.(net.Error); ok {
		*netErr = e
		return e.Timeout()
	}
	return false
}

func TestCreateAndJoinRoomOverWebsocket(t *testing.T) {
	wsURL := startTestDispatcher(t)

	host := dial(t, wsURL)
	defer host.Close()

	writeMsg(t, host, ClientMessage{Type: msgCreateRoom, Nickname: "Host"})
	ack := readUntil(t, host, func(m map[string]any) bool { return m["type"] == msgCreateRoom })
	if ack["success"] != true {
		t.Fatalf("expected successful create ack, got %v", ack)
	}
	roomCode, _ := ack["roomCode"].(string)
	if len(roomCode) != roomCodeLength {
		t.Fatalf("room code %q has unexpected length", roomCode)
	}

	guest := dial(t, wsURL)
	defer guest.Close()

	writeMsg(t, guest, ClientMessage{Type: msgJoinRoom, RoomCode: roomCode, Nickname: "Guest"})
	joinAck := readUntil(t, guest, func(m map[string]any) bool { return m["type"] == msgJoinRoom })
	if joinAck["success"] != true {
		t.Fatalf("expected successful join ack, got %v", joinAck)
	}

	readUntil(t, host, func(m map[string]any) bool { return m["type"] == evtPlayerJoined })
}

func TestJoinUnknownRoomFails(t *testing.T) {
	wsURL := startTestDispatcher(t)

	conn := dial(t, wsURL)
	defer conn.Close()

	writeMsg(t, conn, ClientMessage{Type: msgJoinRoom, RoomCode: "ZZZZ", Nickname: "Nobody"})
	ack := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == msgJoinRoom })
	if ack["success"] == true {
		t.Fatal("expected join of an unknown room to fail")
	}
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	wsURL := startTestDispatcher(t)

	conn := dial(t, wsURL)
	defer conn.Close()

	writeMsg(t, conn, ClientMessage{Type: "notARealMessage"})
	errEvent := readUntil(t, conn, func(m map[string]any) bool { return m["type"] == evtError })
	if errEvent["message"] == "" {
		t.Fatal("expected a non-empty error message")
	}
}

func TestDispatcherBroadcastSkipsOtherRooms(t *testing.T) {
	registry := NewRegistry(&Config{})
	dispatcher := NewDispatcher(&Config{}, registry, &MusicGateway{})

	a := &Client{send: make(chan any, 4), connID: "a"}
	b := &Client{send: make(chan any, 4), connID: "b"}
	dispatcher.subscribe("ROOM", a)
	dispatcher.subscribe("OTHER", b)

	dispatcher.Broadcast("ROOM", ErrorEvent{Type: evtError, Message: "hi"})

	select {
	case <-a.send:
	default:
		t.Fatal("expected client in the target room to receive the broadcast")
	}
	select {
	case <-b.send:
		t.Fatal("client in a different room should not receive the broadcast")
	default:
	}
}

func TestDispatcherDropsClientOnFullSendBuffer(t *testing.T) {
	registry := NewRegistry(&Config{})
	dispatcher := NewDispatcher(&Config{}, registry, &MusicGateway{})

	c := &Client{send: make(chan any), connID: "full"}
	dispatcher.mu.Lock()
	dispatcher.byConn[c.connID] = c
	dispatcher.mu.Unlock()
	dispatcher.subscribe("ROOM", c)

	// send is unbuffered and nothing is reading, so the send cannot proceed
	// and should trigger a drop rather than block.
	done := make(chan struct{})
	go func() {
		dispatcher.sendTo(c, ErrorEvent{Type: evtError})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sendTo blocked instead of dropping the client")
	}

	dispatcher.mu.Lock()
	_, stillPresent := dispatcher.byConn[c.connID]
	dispatcher.mu.Unlock()
	if stillPresent {
		t.Fatal("expected dropClient to remove the connection from byConn")
	}
}
