package socket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/neurallayer/kcomm"
	"github.com/neurallayer/kcomm/socket"
)

var upgrader = websocket.Upgrader{}

// echoHandler upgrades the request and echoes frames back, prefixed by an
// untyped frame the socket must skip.
func echoHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"noise":true}`)); err != nil {
			t.Errorf("Write noise: %v", err)
			return
		}
		for {
			var msg kcomm.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := conn.WriteJSON(&msg); err != nil {
				return
			}
		}
	}
}

func TestWebsocket(t *testing.T) {
	srv := httptest.NewServer(echoHandler(t))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := socket.DialWebsocket(ctx, url, nil)
	if err != nil {
		t.Fatalf("DialWebsocket: %v", err)
	}
	defer s.Close()

	want := &kcomm.Message{Type: "comm_msg", Content: json.RawMessage(`{"comm_id":"c1"}`)}
	if err := s.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The untyped noise frame is skipped; the echo comes back intact.
	got, err := s.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Message (-want, +got):\n%s", diff)
	}
}

func TestDialWebsocketError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := socket.DialWebsocket(ctx, "ws://127.0.0.1:1/", nil); err == nil {
		t.Error("DialWebsocket to a dead endpoint unexpectedly succeeded")
	}
}
