// Package client speaks the realtime protocol from the other side:
// it sends actions and routes incoming events to listeners.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/internal/jsoncodec"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Listener receives the raw payload of one event type.
type Listener func(payload json.RawMessage)

// ErrorListener receives every message of the error channel.
type ErrorListener func(msg ErrorMessage)

type ErrorMessage struct {
	ActionPayload json.RawMessage `json:"actionPayload"`
	Error         json.RawMessage `json:"error"`
}

type frame struct {
	Channel event.Channel   `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type incoming struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client holds actions sent before the server greeted it and flushes them
// in order once INITIALIZED arrives.
type Client struct {
	log *slog.Logger
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	pending   [][]byte

	listenersMu    sync.RWMutex
	listeners      map[string][]Listener
	anyListeners   []func(eventType string, payload json.RawMessage)
	errorListeners []ErrorListener

	ready     chan struct{}
	readyOnce sync.Once
}

func New(log *slog.Logger, url string) *Client {
	return &Client{
		log:       log,
		url:       url,
		listeners: make(map[string][]Listener),
		ready:     make(chan struct{}),
	}
}

// On registers a listener for one event type.
func (c *Client) On(eventType string, l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[eventType] = append(c.listeners[eventType], l)
}

// OnAny registers a listener for every event type.
func (c *Client) OnAny(l func(eventType string, payload json.RawMessage)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.anyListeners = append(c.anyListeners, l)
}

func (c *Client) OnError(l ErrorListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.errorListeners = append(c.errorListeners, l)
}

// SessionID is empty until the server greeted the client.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Ready is closed once the session is initialized.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Send writes the action, or queues it while the session is not initialized.
func (c *Client) Send(actionType string, payload any) error {
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", actionType, err)
	}
	msg, err := jsoncodec.Marshal(action.Message{Type: actionType, Payload: raw})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		c.pending = append(c.pending, msg)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Run connects and reads until ctx is done or the server goes away.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		if err = c.handle(data); err != nil {
			c.log.Warn("Unreadable frame", "error", err)
		}
	}
}

func (c *Client) handle(data []byte) error {
	var f frame
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return err
	}
	switch f.Channel {
	case event.ChannelError:
		var msg ErrorMessage
		if err := jsoncodec.Unmarshal(f.Data, &msg); err != nil {
			return err
		}
		c.listenersMu.RLock()
		listeners := append([]ErrorListener(nil), c.errorListeners...)
		c.listenersMu.RUnlock()
		for _, l := range listeners {
			l(msg)
		}
	case event.ChannelEvent:
		var evt incoming
		if err := jsoncodec.Unmarshal(f.Data, &evt); err != nil {
			return err
		}
		if evt.Type == event.TypeInitialized {
			if err := c.initialize(evt.Payload); err != nil {
				return err
			}
		}
		c.listenersMu.RLock()
		listeners := append([]Listener(nil), c.listeners[evt.Type]...)
		anyListeners := append(([]func(string, json.RawMessage))(nil), c.anyListeners...)
		c.listenersMu.RUnlock()
		for _, l := range listeners {
			l(evt.Payload)
		}
		for _, l := range anyListeners {
			l(evt.Type, evt.Payload)
		}
	default:
		return fmt.Errorf("unknown channel %q", f.Channel)
	}
	return nil
}

// initialize records the session id and flushes queued actions before any new Send.
func (c *Client) initialize(payload json.RawMessage) error {
	var p event.InitializedPayload
	if err := jsoncodec.Unmarshal(payload, &p); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = p.SessionID
	for _, msg := range c.pending {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	c.log.Debug("Session initialized", "session_id", p.SessionID, "flushed", len(c.pending))
	c.pending = nil
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}
