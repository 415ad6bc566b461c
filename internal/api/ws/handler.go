package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/monitoring"
	"github.com/switchboard-sh/switchboard/internal/pool"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the
	// connection is considered dead. Pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// pollInterval paces the output replay poller on session streams.
	pollInterval = 50 * time.Millisecond
	// outputBatch caps events per output frame.
	outputBatch = 512

	maxFrameSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds loopback by default and bearer auth runs before
	// the upgrade, so origins are not restricted here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the typed envelope for every message in both directions.
type Frame struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// clientFrame is a message from the peer. The payload is flat; only
// the fields relevant to the type are read.
type clientFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Data string `json:"data"`
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	} `json:"payload"`
}

// Handler serves the WebSocket endpoints.
type Handler struct {
	pool    *pool.Manager
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a WebSocket handler backed by the session pool.
func NewHandler(p *pool.Manager, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{pool: p, log: log.Named("ws"), metrics: metrics}
}

// Attention streams attention events to one subscriber. Slow consumers
// lose events at the pool subscription, not here, so one stalled
// dashboard never stalls the daemon.
func (h *Handler) Attention(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	connID := uuid.NewString()
	events, cancel := h.pool.Subscribe()
	defer cancel()

	done := h.discard(conn)
	h.log.Debug("Attention stream opened", zap.String("conn_id", connID))
	defer h.log.Debug("Attention stream closed", zap.String("conn_id", connID))

	if err := h.send(conn, "hello", gin.H{"connection_id": connID}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.send(conn, "attention", ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Session streams output events for one session and accepts input,
// resize, and ack frames upstream. Output is pulled from the replay
// buffer, so a reconnecting client resumes from its last sequence
// number with ?since=.
func (h *Handler) Session(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.pool.Get(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"code": "session_not_found", "message": err.Error()},
		})
		return
	}

	var since uint64
	if v := c.Query("since"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "invalid_request", "message": "since must be a non-negative integer"},
			})
			return
		}
		since = n
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer conn.Close()
	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	connID := uuid.NewString()
	h.log.Debug("Session stream opened",
		zap.String("conn_id", connID),
		zap.String("session_id", sessionID))

	// All writes funnel through this goroutine; the read pump answers
	// through outbound instead of writing to the conn itself.
	outbound := make(chan Frame, 8)
	done := h.readPump(conn, sessionID, outbound)

	if err := h.send(conn, "hello", gin.H{
		"connection_id": connID,
		"session_id":    sessionID,
		"since":         since,
	}); err != nil {
		return
	}

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-poll.C:
			events, err := h.pool.Output(sessionID, since, outputBatch)
			if err != nil {
				// Session left the pool; tell the peer and hang up.
				_ = h.send(conn, "terminated", gin.H{"session_id": sessionID})
				return
			}
			if len(events) == 0 {
				continue
			}
			since = events[len(events)-1].Seq
			if err := h.send(conn, "output", gin.H{
				"events":   events,
				"last_seq": since,
			}); err != nil {
				return
			}
		case f := <-outbound:
			if err := h.write(conn, f); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// discard consumes inbound frames so peer closes are noticed, dropping
// their content. Used by streams that take no client commands.
func (h *Handler) discard(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

// readPump decodes client frames and applies them to the session.
// Replies are queued on outbound for the writer goroutine.
func (h *Handler) readPump(conn *websocket.Conn, sessionID string, outbound chan<- Frame) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var f clientFrame
			if err := sonic.Unmarshal(data, &f); err != nil {
				h.reply(outbound, errorFrame("invalid_request", "malformed frame"))
				continue
			}
			h.metrics.RecordWSMessage("in", f.Type)

			switch f.Type {
			case "input":
				if err := h.pool.SendInput(context.Background(), sessionID, []byte(f.Payload.Data)); err != nil {
					h.reply(outbound, errorFrame(errCode(err), err.Error()))
				}
			case "resize":
				if f.Payload.Cols == 0 || f.Payload.Rows == 0 {
					h.reply(outbound, errorFrame("invalid_request", "cols and rows must be positive"))
					continue
				}
				if err := h.pool.Resize(sessionID, f.Payload.Cols, f.Payload.Rows); err != nil {
					h.reply(outbound, errorFrame(errCode(err), err.Error()))
				}
			case "ack":
				if err := h.pool.Acknowledge(sessionID); err != nil {
					h.reply(outbound, errorFrame(errCode(err), err.Error()))
				}
			case "ping":
				h.reply(outbound, Frame{Type: "pong", Timestamp: time.Now().Unix()})
			default:
				h.reply(outbound, errorFrame("invalid_request", "unknown message type"))
			}
		}
	}()
	return done
}

// reply queues a frame without blocking; an unread backlog means the
// peer has stopped consuming and will be dropped by the writer anyway.
func (h *Handler) reply(outbound chan<- Frame, f Frame) {
	select {
	case outbound <- f:
	default:
	}
}

func (h *Handler) send(conn *websocket.Conn, msgType string, payload any) error {
	return h.write(conn, Frame{Type: msgType, Payload: payload, Timestamp: time.Now().Unix()})
}

func (h *Handler) write(conn *websocket.Conn, f Frame) error {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().Unix()
	}
	data, err := sonic.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	h.metrics.RecordWSMessage("out", f.Type)
	return nil
}

func errorFrame(code, message string) Frame {
	return Frame{
		Type:      "error",
		Payload:   gin.H{"code": code, "message": message},
		Timestamp: time.Now().Unix(),
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, pool.ErrNotFound):
		return "session_not_found"
	case errors.Is(err, pool.ErrNotAcceptingInput):
		return "not_accepting_input"
	default:
		return "internal"
	}
}
