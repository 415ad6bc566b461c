package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/pool"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

type stubSampler struct{}

func (stubSampler) Sample(int) (float64, uint64, error) {
	return 0, 8 << 20, nil
}

// frame mirrors the wire envelope with the payload left raw so each
// test decodes only what it asserts on.
type frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func newTestServer(t *testing.T) (*httptest.Server, *pool.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Pool.Capacity = 4
	cfg.Pool.DestroyGrace = 500 * time.Millisecond
	cfg.Pool.EvalInterval = 10 * time.Millisecond
	cfg.Attention.IdleThreshold = 150 * time.Millisecond
	cfg.Attention.SettleWindow = 40 * time.Millisecond
	cfg.Attention.ErrorGrace = 60 * time.Millisecond
	cfg.Resources.SampleInterval = 25 * time.Millisecond
	cfg.Resources.MemoryCapBytes = 0
	cfg.Resources.BurstBytesRate = 0
	cfg.Rules.WatchReload = false
	cfg.History.Enabled = false

	m := pool.NewManager(pool.Options{Config: cfg, Sampler: stubSampler{}})
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})

	h := NewHandler(m, logging.Nop(), nil)
	r := gin.New()
	r.GET("/ws/attention", h.Attention)
	r.GET("/ws/sessions/:id", h.Session)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, m
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil drains frames until match returns true or the deadline
// passes, failing the test in the latter case.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if match(f) {
			return f
		}
	}
	t.Fatalf("no %s frame before deadline", what)
	return frame{}
}

func createShell(t *testing.T, m *pool.Manager, script string) types.SessionSummary {
	t.Helper()
	s, err := m.Create(context.Background(), pool.Spec{
		Command: "sh",
		Args:    []string{"-c", script},
	})
	require.NoError(t, err)
	return s
}

func TestAttentionStreamDeliversRaise(t *testing.T) {
	srv, m := newTestServer(t)
	conn := dial(t, wsURL(srv, "/ws/attention"))

	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)

	// Create after the subscription is live so the raise is not missed.
	s := createShell(t, m, `printf 'Continue? (y/n): '; read answer; sleep 5`)

	f := readUntil(t, conn, "raised attention", func(f frame) bool {
		if f.Type != "attention" {
			return false
		}
		var ev types.AttentionEvent
		if json.Unmarshal(f.Payload, &ev) != nil {
			return false
		}
		return ev.SessionID == s.ID && ev.Event == types.EventRaised
	})

	var ev types.AttentionEvent
	require.NoError(t, json.Unmarshal(f.Payload, &ev))
	assert.Equal(t, types.CategoryChoicePrompt, ev.Category)
	assert.Equal(t, types.StateWaitingForInput, ev.State)
	assert.NotZero(t, f.Timestamp)
}

func TestSessionStreamRoundTrip(t *testing.T) {
	srv, m := newTestServer(t)
	s := createShell(t, m, `read line; echo "got:$line"; sleep 5`)

	conn := dial(t, wsURL(srv, "/ws/sessions/"+s.ID))
	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)

	input := map[string]any{"type": "input", "payload": map[string]any{"data": "ping\n"}}
	require.NoError(t, conn.WriteJSON(input))

	readUntil(t, conn, "echoed output", func(f frame) bool {
		if f.Type != "output" {
			return false
		}
		var out struct {
			Events []types.OutputEvent `json:"events"`
		}
		if json.Unmarshal(f.Payload, &out) != nil {
			return false
		}
		for _, ev := range out.Events {
			if strings.Contains(ev.Line, "got:ping") {
				return true
			}
		}
		return false
	})
}

func TestSessionStreamUnknownSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/sessions/sess_missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionStreamSendsTerminated(t *testing.T) {
	srv, m := newTestServer(t)
	s := createShell(t, m, "sleep 30")

	conn := dial(t, wsURL(srv, "/ws/sessions/"+s.ID))
	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Destroy(ctx, s.ID, 200*time.Millisecond)
	}()

	readUntil(t, conn, "terminated", func(f frame) bool {
		return f.Type == "terminated"
	})
}

func TestSessionStreamRejectsMalformedFrame(t *testing.T) {
	srv, m := newTestServer(t)
	s := createShell(t, m, "sleep 5")

	conn := dial(t, wsURL(srv, "/ws/sessions/"+s.ID))
	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readUntil(t, conn, "error", func(f frame) bool {
		return f.Type == "error"
	})

	var payload struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, "invalid_request", payload.Code)
}

func TestSessionStreamUnknownTypeErrors(t *testing.T) {
	srv, m := newTestServer(t)
	s := createShell(t, m, "sleep 5")

	conn := dial(t, wsURL(srv, "/ws/sessions/"+s.ID))
	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	readUntil(t, conn, "error", func(f frame) bool {
		return f.Type == "error"
	})
}
