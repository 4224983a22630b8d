package socket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neurallayer/kcomm"
)

// A WSSocket adapts a websocket connection to the kcomm.Socket interface.
// Messages are carried as JSON text frames, one message per frame.
type WSSocket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex // websocket writers do not allow concurrent use
}

// Websocket wraps an established websocket connection as a socket. If
// logger is nil, slog.Default() is used.
func Websocket(conn *websocket.Conn, logger *slog.Logger) *WSSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSocket{conn: conn, logger: logger}
}

// DialWebsocket connects to the websocket endpoint at url and returns a
// socket over the resulting connection.
func DialWebsocket(ctx context.Context, url string, logger *slog.Logger) (*WSSocket, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return Websocket(conn, logger), nil
}

// Send implements a method of the [kcomm.Socket] interface.
func (s *WSSocket) Send(msg *kcomm.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Recv implements a method of the [kcomm.Socket] interface. Non-text
// frames are skipped.
func (s *WSSocket) Recv() (*kcomm.Message, error) {
	for {
		var msg kcomm.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		if msg.Type == "" {
			s.logger.Debug("skipping frame without msg_type")
			continue
		}
		return &msg, nil
	}
}

// Close implements a method of the [kcomm.Socket] interface.
func (s *WSSocket) Close() error { return s.conn.Close() }
