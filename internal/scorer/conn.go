package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 60 * time.Second
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Handler receives coordinator messages.
type Handler interface {
	OnScoreAnnouncement(ctx context.Context, ann *model.ScoreAnnouncement)
	OnJobAssigned(ctx context.Context, job *model.JobAssignment)
	OnJobGone(ctx context.Context, jobID string)
	OnConnected()
	OnDisconnected()
}

// Conn is the worker's link to the coordinator. A dropped link is redialled
// with exponential backoff until the context given to NewConn ends.
type Conn struct {
	serverURL string
	nodeID    string
	authToken string
	handler   Handler
	parentCtx context.Context
	log       *zap.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	send     chan []byte
	cancel   context.CancelFunc // current connection
	stopDial context.CancelFunc // pending reconnect loop
	attempts int
}

// NewConn creates an unconnected link. The token sent is "nodeID:signature".
func NewConn(ctx context.Context, serverURL, nodeID, signature string, handler Handler, log *zap.Logger) *Conn {
	return &Conn{
		serverURL: serverURL,
		nodeID:    nodeID,
		authToken: nodeID + ":" + signature,
		handler:   handler,
		parentCtx: ctx,
		log:       log.Named("conn"),
	}
}

// Connect dials the coordinator and starts the pumps.
func (c *Conn) Connect() error {
	header := http.Header{}
	header.Set("X-Auth-Token", c.authToken)

	ws, _, err := websocket.DefaultDialer.DialContext(c.parentCtx, c.serverURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}

	ctx, cancel := context.WithCancel(c.parentCtx)
	send := make(chan []byte, sendBufferSize)

	c.mu.Lock()
	if c.stopDial != nil {
		c.stopDial()
		c.stopDial = nil
	}
	c.ws, c.send, c.cancel = ws, send, cancel
	c.attempts = 0
	c.mu.Unlock()

	c.log.Info("connected", zap.String("server", c.serverURL))
	c.handler.OnConnected()

	var once sync.Once
	drop := func() { once.Do(func() { c.dropped(ws, cancel) }) }

	go c.readPump(ctx, ws, drop)
	go c.writePump(ctx, ws, send, drop)
	return nil
}

// dropped tears down ws and, if it was the live connection and the worker
// is still running, schedules a redial.
func (c *Conn) dropped(ws *websocket.Conn, cancel context.CancelFunc) {
	cancel()
	ws.Close()

	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws, c.send = nil, nil
	}
	var dialCtx context.Context
	if current && c.parentCtx.Err() == nil {
		dialCtx, c.stopDial = context.WithCancel(c.parentCtx)
	}
	c.mu.Unlock()

	if !current {
		return
	}
	c.log.Warn("disconnected")
	c.handler.OnDisconnected()
	if dialCtx != nil {
		go c.redial(dialCtx)
	}
}

// Reconnect drops the current connection and dials again immediately.
func (c *Conn) Reconnect() error {
	c.teardown()
	time.Sleep(100 * time.Millisecond)
	return c.Connect()
}

// Connected reports whether a connection is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close shuts the connection without redialling. Cancel the parent context
// first.
func (c *Conn) Close() error {
	return c.teardown()
}

func (c *Conn) teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopDial != nil {
		c.stopDial()
		c.stopDial = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws, c.send = nil, nil
	return err
}

// SendFetchJob asks to claim a job.
func (c *Conn) SendFetchJob(jobID string) error {
	return c.enqueue(model.Envelope{
		Type:    model.MsgTypeFetchJob,
		Payload: model.FetchJobRequest{JobID: jobID, NodeID: c.nodeID},
	})
}

// SendJobResult reports a finished job.
func (c *Conn) SendJobResult(result *model.JobResult) error {
	result.NodeID = c.nodeID
	return c.enqueue(model.Envelope{Type: model.MsgTypeJobResult, Payload: result})
}

func (c *Conn) enqueue(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) readPump(ctx context.Context, ws *websocket.Conn, drop func()) {
	defer drop()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		if err := c.dispatch(ctx, raw); err != nil {
			c.log.Warn("drop coordinator message", zap.Error(err))
		}
	}
}

func (c *Conn) writePump(ctx context.Context, ws *websocket.Conn, send <-chan []byte, drop func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		drop()
	}()

	write := func(kind int, data []byte) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(kind, data)
	}
	for {
		select {
		case data := <-send:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// backoff is the wait before redial attempt n (1-based): doubling from
// baseReconnectDelay, capped at maxReconnectDelay.
func backoff(n int) time.Duration {
	d := baseReconnectDelay
	for i := 1; i < n && d < maxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, maxReconnectDelay)
}

func (c *Conn) redial(ctx context.Context) {
	for {
		c.mu.Lock()
		c.attempts++
		n := c.attempts
		c.mu.Unlock()

		delay := backoff(n)
		c.log.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", n))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		err := c.Connect()
		if err == nil {
			return
		}
		c.log.Warn("reconnect failed", zap.Error(err))
	}
}

func (c *Conn) dispatch(ctx context.Context, raw []byte) error {
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case model.MsgTypeScoreAnnouncement:
		ann, err := decode[model.ScoreAnnouncement](env.Type, env.Payload)
		if err != nil {
			return err
		}
		c.handler.OnScoreAnnouncement(ctx, ann)
	case model.MsgTypeJobAssigned:
		job, err := decode[model.JobAssignment](env.Type, env.Payload)
		if err != nil {
			return err
		}
		c.handler.OnJobAssigned(ctx, job)
	case model.MsgTypeJobGone:
		gone, err := decode[struct {
			JobID string `json:"job_id"`
		}](env.Type, env.Payload)
		if err != nil {
			return err
		}
		c.handler.OnJobGone(ctx, gone.JobID)
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
