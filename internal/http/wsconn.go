package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
)

var wsBufferPool = new(sync.Pool)

// wsConn owns one websocket. Writes go through a single writer goroutine that also keeps
// the connection alive with pings.
type wsConn struct {
	ws     *websocket.Conn
	out    chan any
	done   chan struct{}
	writer chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn, readLimit int64) *wsConn {
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	c := &wsConn{
		ws:     ws,
		out:    make(chan any, connBacklog),
		done:   make(chan struct{}),
		writer: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// send queues v for writing, waiting for room in the backlog.
func (c *wsConn) send(ctx context.Context, v any) error {
	select {
	case <-c.done:
		return bus.ErrSocketClosed
	default:
	}
	select {
	case c.out <- v:
		return nil
	case <-c.done:
		return bus.ErrSocketClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer queues v unless the backlog is full.
func (c *wsConn) offer(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- v:
		return true
	default:
		return false
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.writer)
	defer c.close()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case v := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteJSON(v); err != nil {
				log.Debug("websocket write failed", "remote", c.ws.RemoteAddr().String(), "error", err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) read() ([]byte, error) {
	_, raw, err := c.ws.ReadMessage()
	return raw, err
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// shutdown closes the connection and waits for the writer to exit.
func (c *wsConn) shutdown() {
	c.close()
	<-c.writer
}

func logReadEnd(what string, err error, kv ...any) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	log.Debug(what+" read ended", append(kv, "error", err)...)
}

func newUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		WriteBufferPool: wsBufferPool,
		CheckOrigin:     checkOrigin,
	}
}
