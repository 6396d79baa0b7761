package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must stay below pongWait
	maxMessageSize = 4 << 20             // embedding results can be large
	sendBufSize    = 256
)

// ErrSendBufferFull is returned by Enqueue when the worker is not draining
// its connection fast enough.
var ErrSendBufferFull = errors.New("send buffer full")

// Client is one connected scoring worker.
type Client struct {
	NodeID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	log    *zap.Logger
}

// NewClient wraps an upgraded connection of an authenticated worker.
func NewClient(nodeID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		NodeID: nodeID,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufSize),
		log:    hub.log.With(zap.String("node_id", nodeID)),
	}
}

// Run registers the worker and serves it until the connection drops.
func (c *Client) Run(ctx context.Context) {
	done := make(chan struct{})
	go c.writePump(done)
	c.hub.Register(ctx, c)
	c.readPump(ctx)
	close(done)
	c.hub.Unregister(c)
}

// Enqueue queues env for delivery without blocking.
func (c *Client) Enqueue(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return c.enqueueRaw(data)
}

func (c *Client) enqueueRaw(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		if err := c.dispatch(ctx, raw); err != nil {
			c.log.Warn("drop worker message", zap.Error(err))
		}
	}
}

// dispatch routes one worker message to the hub. The node identity always
// comes from the authenticated connection, never from the payload.
func (c *Client) dispatch(ctx context.Context, raw []byte) error {
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case model.MsgTypeFetchJob:
		req, err := decode[model.FetchJobRequest](env.Type, env.Payload)
		if err != nil {
			return err
		}
		req.NodeID = c.NodeID
		c.hub.HandleFetchJob(ctx, c, req)
	case model.MsgTypeJobResult:
		res, err := decode[model.JobResult](env.Type, env.Payload)
		if err != nil {
			return err
		}
		res.NodeID = c.NodeID
		c.hub.HandleJobResult(ctx, c, res)
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}

func decode[T any](kind model.MsgType, payload json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("bad %s payload: %w", kind, err)
	}
	return &v, nil
}

func (c *Client) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
