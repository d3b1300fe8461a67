package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"sshdeck/internal/logging"
	"sshdeck/internal/session"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout = 10 * time.Second
	// maxTerminalMessage bounds a single client frame on the terminal socket.
	maxTerminalMessage = 1 << 20
)

// terminalMessage is a text frame on the terminal websocket. Binary frames
// carry raw keystrokes.
type terminalMessage struct {
	Type    string `json:"type"` // input, command or resize
	Data    string `json:"data,omitempty"`
	Command string `json:"command,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.originPatterns}
}

// events streams session events as JSON text frames. The optional
// server_id query parameter narrows the stream to one session.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		logging.Logger().Warn("Failed to accept event websocket", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := s.hub.Subscribe(r.URL.Query().Get("server_id"))
	defer s.hub.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e session.Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// terminal attaches a websocket to a live session: output batches go out
// as binary frames and lifecycle events as JSON text frames; binary
// frames from the client are raw input.
func (s *Server) terminal(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if !s.svc.IsConnected(id) {
		writeError(w, http.StatusNotFound, "Not connected")
		return
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		logging.Logger().Warn("Failed to accept terminal websocket", zap.String("server_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxTerminalMessage)

	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Session -> client
	go func() {
		defer cancel()
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := s.forward(ctx, conn, e); err != nil {
					return
				}
				if e.Type == session.EventReconnectFailed {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logging.Logger().Info("Terminal attached", zap.String("server_id", id))

	// Client -> session
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ == websocket.MessageBinary {
			if res := s.svc.RawInput(id, data); !res.Success {
				logging.Logger().Debug("Terminal input dropped", zap.String("server_id", id), zap.String("reason", res.Message))
			}
			continue
		}
		var msg terminalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "input":
			s.svc.RawInput(id, []byte(msg.Data))
		case "command":
			s.svc.Enqueue(id, msg.Command)
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				s.svc.Resize(id, msg.Cols, msg.Rows)
			}
		}
	}

	logging.Logger().Info("Terminal detached", zap.String("server_id", id))
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) forward(ctx context.Context, conn *websocket.Conn, e session.Event) error {
	if e.Type != session.EventOutput {
		return writeEvent(ctx, conn, e)
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, []byte(e.Data))
}
