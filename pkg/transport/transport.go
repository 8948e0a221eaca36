// Package transport delivers tracking events to the collector on a best-effort
// basis. Sends never block the caller unless the background queue is
// unavailable, never retry and never report failures to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	gobreaker "github.com/sony/gobreaker/v2"

	"sitepulse/pkg/event"
)

const (
	defaultQueueSize        = 64
	defaultTimeout          = 5 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second

	contentTypeJSON   = "application/json"
	contentTypeBeacon = "text/plain;charset=UTF-8"
)

var errServerFailure = errors.New("transport: collector returned a server error")

// SendOptions tunes a single send.
type SendOptions struct {
	// ForceXHR skips the background queue and posts synchronously.
	ForceXHR bool
}

// Sender is a one-way, best-effort event sink.
type Sender interface {
	Send(payload *event.Payload, opts SendOptions)
}

// Config configures a Transport. Endpoint is the JSON ingestion URL and is
// required; queued events go to BeaconEndpoint, which defaults to
// Endpoint + "/beacon".
type Config struct {
	Endpoint         string
	BeaconEndpoint   string
	QueueSize        int
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	UserAgent        string
	Logger           *slog.Logger
}

func (c *Config) setDefaults() {
	if c.BeaconEndpoint == "" {
		c.BeaconEndpoint = strings.TrimRight(c.Endpoint, "/") + "/beacon"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type request struct {
	url         string
	contentType string
	body        []byte
}

// Transport posts events to the collector. The zero value is not usable; call New.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[int]
	post    func(r request) (int, error)

	mu      sync.RWMutex
	queue   chan request
	started bool
	closed  bool
	wg      sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

var _ Sender = (*Transport)(nil)

// New creates a transport. Call Start to enable the background queue; until
// then every send is synchronous.
func New(cfg Config) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("transport: endpoint is required")
	}
	cfg.setDefaults()

	t := &Transport{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan request, cfg.QueueSize),
	}
	t.post = t.fiberPost
	t.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "collector",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("Collector circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return t, nil
}

// Start launches the background sender.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed {
		return
	}
	t.started = true

	t.wg.Add(1)
	go t.drain()
}

// Close stops accepting queued events and waits for the queue to drain or ctx to end.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers payload. Queued delivery is used when the background sender
// is running and has room; otherwise the event is posted synchronously.
// Failures are logged and counted, never returned.
func (t *Transport) Send(payload *event.Payload, opts SendOptions) {
	defer func() {
		if r := recover(); r != nil {
			t.dropped.Add(1)
			t.logger.Error("Recovered panic while sending event", slog.Any("panic", r))
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Error("Failed to encode event", slog.Any("error", err))
		return
	}

	if !opts.ForceXHR && t.enqueue(request{url: t.cfg.BeaconEndpoint, contentType: contentTypeBeacon, body: body}) {
		return
	}

	t.deliver(request{url: t.cfg.Endpoint, contentType: contentTypeJSON, body: body})
}

func (t *Transport) enqueue(r request) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.started || t.closed {
		return false
	}
	select {
	case t.queue <- r:
		return true
	default:
		return false
	}
}

func (t *Transport) drain() {
	defer t.wg.Done()
	for r := range t.queue {
		t.deliver(r)
	}
}

func (t *Transport) deliver(r request) {
	status, err := t.breaker.Execute(func() (int, error) {
		status, err := t.post(r)
		if err != nil {
			return status, err
		}
		if status >= 500 {
			return status, errServerFailure
		}
		return status, nil
	})

	if err != nil {
		t.dropped.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			t.logger.Debug("Collector unavailable, event dropped", slog.String("url", r.url))
			return
		}
		t.logger.Warn("Failed to send event",
			slog.String("url", r.url),
			slog.Int("status", status),
			slog.Any("error", err))
		return
	}

	if status >= 400 {
		t.dropped.Add(1)
		t.logger.Debug("Collector refused event", slog.String("url", r.url), slog.Int("status", status))
		return
	}
	t.sent.Add(1)
}

func (t *Transport) fiberPost(r request) (int, error) {
	agent := fiber.Post(r.url).
		ContentType(r.contentType).
		Body(r.body).
		Timeout(t.cfg.Timeout)
	if t.cfg.UserAgent != "" {
		agent.UserAgent(t.cfg.UserAgent)
	}
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return 0, fmt.Errorf("post %s: %w", r.url, err)
	}

	status, _, errs := agent.Bytes()
	if len(errs) > 0 {
		return status, fmt.Errorf("post %s: %w", r.url, errors.Join(errs...))
	}
	return status, nil
}

// Sent returns the number of events the collector acknowledged.
func (t *Transport) Sent() int64 {
	return t.sent.Load()
}

// Dropped returns the number of events lost to encoding, network or collector failures.
func (t *Transport) Dropped() int64 {
	return t.dropped.Load()
}
