package ws

import (
	"fmt"
	"live-hub/domain/action"
	"live-hub/domain/event"
	"live-hub/domain/session"
	"live-hub/errors"
	"live-hub/internal/jsoncodec"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 1 << 20

var _ session.Connection = (*Connection)(nil)

// Connection is the realtime transport of one session.
// Send only queues the frame, the write pump owns every write on the socket.
type Connection struct {
	conn      *websocket.Conn
	log       *slog.Logger
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	pongWait  time.Duration
}

func newConnection(conn *websocket.Conn, log *slog.Logger, cfg Config) *Connection {
	return &Connection{
		conn:      conn,
		log:       log,
		outbound:  make(chan []byte, cfg.BufferSize),
		done:      make(chan struct{}),
		writeWait: cfg.WriteWait,
		pongWait:  cfg.PongWait,
	}
}

// Send encodes a frame and queues it. It never blocks:
// a full queue loses the frame and a closed connection refuses it.
func (c *Connection) Send(channel event.Channel, body any) error {
	data, err := jsoncodec.Marshal(event.Frame{Channel: channel, Data: body})
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", channel, err)
	}
	select {
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
		return errors.ErrBackpressure
	}
}

// Close stops the write pump, which closes the socket.
// The outbound queue is never closed so a late Send cannot panic.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the outbound queue and keeps the peer alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("Write failed, closing connection", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		}
	}
}

// readPump decodes inbound action messages until the peer goes away.
// Frames that are not actions are answered on the error channel of sender.
func (c *Connection) readPump(sender *session.Sender, submit func(action.Message)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.log.Info("Connection lost", "session_id", sender.ID, "error", err)
			}
			return
		}
		var msg action.Message
		if err = jsoncodec.Unmarshal(data, &msg); err != nil {
			_ = sender.SendError(nil, fmt.Errorf("%w: %v", errors.ErrMalformedMessage, err))
			continue
		}
		if msg.Type == "" {
			_ = sender.SendError(msg.Payload, fmt.Errorf("%w: missing action type", errors.ErrMalformedMessage))
			continue
		}
		submit(msg)
	}
}
