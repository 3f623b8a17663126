package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPEmitter POSTs chained events to an endpoint, keeping a local copy of
// each event.
type HTTPEmitter struct {
	mu           sync.Mutex
	endpoint     string
	client       *http.Client
	chainTracker *ChainTracker
	backup       *FileBackup
	retries      uint64
	initialDelay time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chainTracker, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &HTTPEmitter{
		endpoint:     cfg.Endpoint,
		client:       &http.Client{Timeout: 30 * time.Second},
		chainTracker: chainTracker,
		backup:       backup,
		retries:      3,
		initialDelay: time.Second,
		log:          slog.With("component", "audit", "emitter", "http"),
		now:          time.Now,
	}, nil
}

// Emit sends an event to the configured endpoint. The chain head only
// moves once the endpoint accepted the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.ChainKey()
	prevHash, err := e.chainTracker.GetHead(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	seal(&evt, prevHash, e.now())

	if err := e.backup.Save(&evt); err != nil {
		e.log.Warn("audit backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, &evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "chain", chainKey, "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return e.post(ctx, evt)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, e.retries-1), ctx),
		func(err error, delay time.Duration) {
			e.log.Warn("audit post failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
