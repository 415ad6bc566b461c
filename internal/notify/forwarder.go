package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/config"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/infrastructure/resilience"
	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// Forwarder posts attention events to the configured webhook.
type Forwarder struct {
	url     string
	client  *retryablehttp.Client
	breaker *resilience.Breaker
	log     *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a webhook forwarder. Returns nil when no URL is configured.
func New(cfg config.NotifyConfig, log *logging.Logger) *Forwarder {
	if cfg.URL == "" {
		return nil
	}
	if log == nil {
		log = logging.Nop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = nil // Disable logging

	breaker := resilience.New("notify-webhook", resilience.Settings{
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		url:     cfg.URL,
		client:  retryClient,
		breaker: breaker,
		log:     log.Named("notify"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run consumes a subscription channel until it closes or Shutdown is
// called. Deliveries are sequential; the pool's fan-out drops events
// for this subscriber when the channel backs up, never the other way
// around.
func (f *Forwarder) Run(events <-chan types.AttentionEvent) {
	if f == nil {
		return
	}
	for {
		select {
		case <-f.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !forwarded(ev.Event) {
				continue
			}
			f.deliver(ev)
		}
	}
}

// Shutdown cancels any in-flight delivery and stops Run.
func (f *Forwarder) Shutdown() {
	if f == nil {
		return
	}
	f.cancel()
}

// BreakerState exposes the delivery circuit state for health reporting.
func (f *Forwarder) BreakerState() resilience.State {
	if f == nil {
		return resilience.StateClosed
	}
	return f.breaker.State()
}

// forwarded reports whether an event type goes to the webhook. Only
// transitions a human acts on are worth an external call.
func forwarded(t types.AttentionEventType) bool {
	switch t {
	case types.EventRaised, types.EventTerminated, types.EventEvictWarning:
		return true
	default:
		return false
	}
}

func (f *Forwarder) deliver(ev types.AttentionEvent) {
	body, err := sonic.Marshal(ev)
	if err != nil {
		f.log.Error("Failed to encode webhook payload",
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
		return
	}

	err = f.breaker.Execute(func() error {
		return f.post(body)
	})
	switch {
	case err == nil:
		f.log.Debug("Webhook delivered",
			zap.String("session_id", ev.SessionID),
			zap.String("event", string(ev.Event)))
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		f.log.Debug("Webhook circuit open, dropping event",
			zap.String("session_id", ev.SessionID),
			zap.String("event", string(ev.Event)))
	default:
		f.log.Warn("Webhook delivery failed",
			zap.String("session_id", ev.SessionID),
			zap.String("event", string(ev.Event)),
			zap.Error(err))
	}
}

func (f *Forwarder) post(body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(f.ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
