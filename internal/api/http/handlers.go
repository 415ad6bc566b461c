package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/pool"
)

// Handlers serves the REST API backed by the session pool.
type Handlers struct {
	pool    *pool.Manager
	cfg     *config.Config
	log     *logging.Logger
	started time.Time
}

// NewHandlers creates HTTP handlers.
func NewHandlers(p *pool.Manager, cfg *config.Config, log *logging.Logger) *Handlers {
	return &Handlers{
		pool:    p,
		cfg:     cfg,
		log:     log.Named("http"),
		started: time.Now(),
	}
}

// createRequest is the POST /api/sessions body.
type createRequest struct {
	Command    string            `json:"command" binding:"required"`
	Args       []string          `json:"args"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
	Label      string            `json:"label"`
	Cols       uint16            `json:"cols"`
	Rows       uint16            `json:"rows"`
}

// inputRequest is the POST /api/sessions/:id/input body. Data is
// forwarded to the PTY verbatim; callers append their own newline.
type inputRequest struct {
	Data string `json:"data" binding:"required"`
}

// resizeRequest is the POST /api/sessions/:id/resize body.
type resizeRequest struct {
	Cols uint16 `json:"cols" binding:"required"`
	Rows uint16 `json:"rows" binding:"required"`
}

// Root identifies the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "switchboard",
		"status":  "running",
	})
}

// Health reports daemon liveness and pool statistics.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"pool":   h.pool.Stats(),
	})
}

// CreateSession spawns a new session.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	summary, err := h.pool.Create(c.Request.Context(), pool.Spec{
		Command:    req.Command,
		Args:       req.Args,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Label:      req.Label,
		Cols:       req.Cols,
		Rows:       req.Rows,
	})
	if err != nil {
		respondPoolError(c, err)
		return
	}
	c.JSON(http.StatusCreated, summary)
}

// ListSessions returns all live sessions in creation order.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.pool.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one session summary.
func (h *Handlers) GetSession(c *gin.Context) {
	summary, err := h.pool.Get(c.Param("id"))
	if err != nil {
		respondPoolError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// SendInput forwards bytes to the session's terminal as if typed.
func (h *Handlers) SendInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := h.pool.SendInput(c.Request.Context(), c.Param("id"), []byte(req.Data)); err != nil {
		respondPoolError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Acknowledge clears the session's pending attention request.
func (h *Handlers) Acknowledge(c *gin.Context) {
	if err := h.pool.Acknowledge(c.Param("id")); err != nil {
		respondPoolError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DestroySession tears down a session. The grace query parameter
// overrides the configured termination grace.
func (h *Handlers) DestroySession(c *gin.Context) {
	grace := h.cfg.Pool.DestroyGrace
	if v := c.Query("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, "grace must be a non-negative duration")
			return
		}
		grace = d
	}
	if err := h.pool.Destroy(c.Request.Context(), c.Param("id"), grace); err != nil {
		respondPoolError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Resize changes the session's terminal dimensions.
func (h *Handlers) Resize(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if err := h.pool.Resize(c.Param("id"), req.Cols, req.Rows); err != nil {
		respondPoolError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Output replays retained output events. since resumes after a
// sequence number, limit caps the batch; zero means unlimited.
func (h *Handlers) Output(c *gin.Context) {
	since, ok := uintQuery(c, "since")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}

	events, err := h.pool.Output(c.Param("id"), since, limit)
	if err != nil {
		respondPoolError(c, err)
		return
	}

	lastSeq := since
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{
		"events":   events,
		"count":    len(events),
		"last_seq": lastSeq,
	})
}

// Attention returns pending requests, highest effective priority first.
func (h *Handlers) Attention(c *gin.Context) {
	requests := h.pool.Attention()
	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

// History returns recently ended sessions, newest first.
func (h *Handlers) History(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	records, err := h.pool.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func uintQuery(c *gin.Context, name string) (uint64, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func intQuery(c *gin.Context, name string, fallback int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
