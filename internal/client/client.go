package client

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// Error codes carried in the daemon's error envelope.
const (
	CodePoolFull          = "pool_full"
	CodeSessionNotFound   = "session_not_found"
	CodeNotAcceptingInput = "not_accepting_input"
	CodeInvalidRequest    = "invalid_request"
	CodeSpawnFailed       = "spawn_failed"
	CodeUnauthorized      = "unauthorized"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// APIError is a decoded error envelope from the daemon. Transport
// failures are returned as plain wrapped errors, so an APIError always
// means the daemon was reached and answered.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// HasCode reports whether err is an APIError with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateRequest describes the session to spawn.
type CreateRequest struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Label      string            `json:"label,omitempty"`
	Cols       uint16            `json:"cols,omitempty"`
	Rows       uint16            `json:"rows,omitempty"`
}

// OutputPage is one page of replayed output. LastSeq feeds the next
// call's since parameter.
type OutputPage struct {
	Events  []types.OutputEvent `json:"events"`
	Count   int                 `json:"count"`
	LastSeq uint64              `json:"last_seq"`
}

// Health is the daemon health report.
type Health struct {
	Status string    `json:"status"`
	Uptime string    `json:"uptime"`
	Pool   PoolStats `json:"pool"`
}

// PoolStats summarizes pool occupancy.
type PoolStats struct {
	Sessions     int    `json:"sessions"`
	Capacity     int    `json:"capacity"`
	Pending      int    `json:"pending_attention"`
	Subscribers  int    `json:"subscribers"`
	AggregateRSS uint64 `json:"aggregate_rss_bytes"`
}

type errorEnvelope struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type sessionList struct {
	Sessions []types.SessionSummary `json:"sessions"`
	Count    int                    `json:"count"`
}

type attentionList struct {
	Requests []types.AttentionRequest `json:"requests"`
	Count    int                      `json:"count"`
}

type historyList struct {
	Records []types.SessionRecord `json:"records"`
	Count   int                   `json:"count"`
}

// Client is a typed client for the switchboard daemon API.
type Client struct {
	base  string
	token string
	rest  *resty.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential on every request,
// including WebSocket upgrades.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
		c.rest.SetAuthToken(token)
	}
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.rest.SetTimeout(d)
	}
}

// New builds a client for the daemon at addr. A bare host:port is
// promoted to http.
func New(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	addr = strings.TrimRight(addr, "/")

	rest := resty.New().
		SetBaseURL(addr).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "switchboard-cli/1.0")

	c := &Client{base: addr, rest: rest}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health reports daemon liveness and pool occupancy.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorEnvelope{}).
		Get("/health")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSession spawns a session and returns its summary.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (*types.SessionSummary, error) {
	var out types.SessionSummary
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errorEnvelope{}).
		Post("/api/sessions")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns all live sessions in creation order.
func (c *Client) ListSessions(ctx context.Context) ([]types.SessionSummary, error) {
	var out sessionList
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorEnvelope{}).
		Get("/api/sessions")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession returns one session summary.
func (c *Client) GetSession(ctx context.Context, id string) (*types.SessionSummary, error) {
	var out types.SessionSummary
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorEnvelope{}).
		Get("/api/sessions/" + id)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendInput forwards data to the session's terminal as if typed.
// The daemon does not append a newline.
func (c *Client) SendInput(ctx context.Context, id, data string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"data": data}).
		SetError(&errorEnvelope{}).
		Post("/api/sessions/" + id + "/input")
	return check(resp, err)
}

// Acknowledge clears the session's pending attention request.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetError(&errorEnvelope{}).
		Post("/api/sessions/" + id + "/ack")
	return check(resp, err)
}

// DestroySession tears down a session. A negative grace leaves the
// daemon's configured termination grace in effect.
func (c *Client) DestroySession(ctx context.Context, id string, grace time.Duration) error {
	req := c.rest.R().
		SetContext(ctx).
		SetError(&errorEnvelope{})
	if grace >= 0 {
		req.SetQueryParam("grace", grace.String())
	}
	resp, err := req.Delete("/api/sessions/" + id)
	return check(resp, err)
}

// Resize changes the session's terminal dimensions.
func (c *Client) Resize(ctx context.Context, id string, cols, rows uint16) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(map[string]uint16{"cols": cols, "rows": rows}).
		SetError(&errorEnvelope{}).
		Post("/api/sessions/" + id + "/resize")
	return check(resp, err)
}

// Output replays retained output events after the since sequence
// number. A zero limit returns everything retained.
func (c *Client) Output(ctx context.Context, id string, since uint64, limit int) (*OutputPage, error) {
	var out OutputPage
	req := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorEnvelope{}).
		SetQueryParam("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/api/sessions/" + id + "/output")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attention returns pending requests, highest effective priority first.
func (c *Client) Attention(ctx context.Context) ([]types.AttentionRequest, error) {
	var out attentionList
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorEnvelope{}).
		Get("/api/attention")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// History returns recently ended sessions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	var out historyList
	req := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorEnvelope{})
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/api/history")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *resty.Response) error {
	if env, ok := resp.Error().(*errorEnvelope); ok && env.Err.Code != "" {
		return &APIError{
			Status:  resp.StatusCode(),
			Code:    env.Err.Code,
			Message: env.Err.Message,
		}
	}
	// Non-JSON error bodies land here, for example a proxy's 502 page.
	return &APIError{
		Status:  resp.StatusCode(),
		Code:    CodeInternal,
		Message: http.StatusText(resp.StatusCode()),
	}
}
