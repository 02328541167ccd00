package ws

import (
	"context"
	"encoding/json"
	"live-hub/domain"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/errors"
	"live-hub/runtime"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wireFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newTestServer(t *testing.T, defs ...action.Definition) (*httptest.Server, *runtime.Registry, *Server) {
	t.Helper()
	log := slog.Default()
	actions := runtime.NewActionRegistry(log)
	for _, def := range defs {
		require.NoError(t, actions.Register(def))
	}
	registry := runtime.NewRegistry(log, nil, nil)
	dispatcher := runtime.NewDispatcher(log, actions, registry, nil)
	server := NewServer(log, registry, dispatcher, Config{BufferSize: 16, PongWait: time.Second})
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return httpServer, registry, server
}

func dial(t *testing.T, httpServer *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, string(event.ChannelEvent), frame.Channel)
	var evt wireEvent
	require.NoError(t, json.Unmarshal(frame.Data, &evt))
	return evt
}

func TestServer_Greets_Then_Dispatches_Actions(t *testing.T) {
	req := require.New(t)
	httpServer, registry, _ := newTestServer(t, action.Definition{
		Type: "ECHO",
		Handler: func(_ context.Context, call action.Call) error {
			return call.Sender.SendEvent(event.New("ECHOED", call.Payload))
		},
	})

	// When a client connects
	conn := dial(t, httpServer)

	// Then the first event carries its session id
	greeting := readEvent(t, conn)
	req.Equal(event.TypeInitialized, greeting.Type)
	var initialized event.InitializedPayload
	req.NoError(json.Unmarshal(greeting.Payload, &initialized))
	req.NotEmpty(initialized.SessionID)
	req.Equal(1, registry.Count())

	// When it sends an action
	req.NoError(conn.WriteJSON(map[string]any{"type": "ECHO", "payload": map[string]int{"x": 1}}))

	// Then the handler answers on the same socket
	echoed := readEvent(t, conn)
	req.Equal("ECHOED", echoed.Type)
	req.JSONEq(`{"x":1}`, string(echoed.Payload))
}

func TestServer_Malformed_Frames_Are_Answered_On_Error_Channel(t *testing.T) {
	req := require.New(t)
	httpServer, _, _ := newTestServer(t)
	conn := dial(t, httpServer)
	readEvent(t, conn)

	for _, raw := range []string{`not json`, `{"payload":{}}`} {
		req.NoError(conn.WriteMessage(websocket.TextMessage, []byte(raw)))

		frame := readFrame(t, conn)
		req.Equal(string(event.ChannelError), frame.Channel)
		var msg struct {
			Error errors.ActionError `json:"error"`
		}
		req.NoError(json.Unmarshal(frame.Data, &msg))
		req.Equal(errors.CodeMalformedMessage, msg.Error.Code)
	}
}

func TestServer_Disconnect_Removes_Session_And_Subscriptions(t *testing.T) {
	req := require.New(t)
	topic := domain.NewTopic("Widget", "42")
	httpServer, registry, server := newTestServer(t, action.Definition{
		Type: "WATCH",
		Handler: func(_ context.Context, call action.Call) error {
			if err := call.Hub.Subscribe(call.Sender.ID, topic); err != nil {
				return err
			}
			return call.Sender.SendEvent(event.New("WATCHING", nil))
		},
	})
	conn := dial(t, httpServer)
	readEvent(t, conn)
	req.NoError(conn.WriteJSON(map[string]any{"type": "WATCH"}))
	req.Equal("WATCHING", readEvent(t, conn).Type)

	// Given the session receives topic events
	req.Equal(1, registry.Publish(topic, event.New("UPDATED", nil)))
	req.Equal("UPDATED", readEvent(t, conn).Type)

	// When the client goes away
	req.NoError(conn.Close())

	// Then the session and its subscriptions are gone
	req.Eventually(func() bool {
		return registry.Count() == 0 && server.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
	req.Empty(registry.GetSendersForTopic(topic))
}

func TestServer_Close_Disconnects_Clients(t *testing.T) {
	req := require.New(t)
	httpServer, registry, server := newTestServer(t)
	conn := dial(t, httpServer)
	readEvent(t, conn)

	server.Close()

	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
	req.Eventually(func() bool { return registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_Send_Refuses_When_Closed_Or_Full(t *testing.T) {
	req := require.New(t)
	conn := newConnection(nil, slog.Default(), Config{BufferSize: 1})

	req.NoError(conn.Send(event.ChannelEvent, event.New("A", nil)))
	req.ErrorIs(conn.Send(event.ChannelEvent, event.New("B", nil)), errors.ErrBackpressure)

	req.NoError(conn.Close())
	req.ErrorIs(conn.Send(event.ChannelEvent, event.New("C", nil)), errors.ErrConnectionClosed)
}

func TestServer_Check_Origin(t *testing.T) {
	req := require.New(t)
	server := NewServer(slog.Default(), nil, nil, Config{AllowedOrigins: []string{"https://app.example"}})

	request := httptest.NewRequest("GET", "/ws", nil)
	req.True(server.checkOrigin(request))
	request.Header.Set("Origin", "https://app.example")
	req.True(server.checkOrigin(request))
	request.Header.Set("Origin", "https://evil.example")
	req.False(server.checkOrigin(request))
}
