package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Header names set on every webhook delivery.
const (
	HeaderEventType    = "X-Areg-Event"
	HeaderEventID      = "X-Areg-Event-Id"
	HeaderSubscription = "X-Areg-Subscription"
)

// WebhookConfig tunes the webhook transport.
type WebhookConfig struct {
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens an
	// endpoint's breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long an open breaker rejects calls before
	// letting a probe through.
	BreakerCooldown time.Duration
}

// WebhookTransport POSTs envelopes to subscription endpoints. Each endpoint
// host gets its own circuit breaker so one dead receiver fails fast without
// affecting others.
type WebhookTransport struct {
	client *resty.Client
	cfg    WebhookConfig
	log    *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewWebhookTransport creates a webhook transport.
func NewWebhookTransport(cfg WebhookConfig, logger *zap.Logger) *WebhookTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookTransport{
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "areg-webhook/1"),
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (w *WebhookTransport) Method() models.DeliveryMethod { return models.DeliveryWebhook }

func (w *WebhookTransport) Deliver(ctx context.Context, sub *models.Subscription, e *models.Event) error {
	if sub.Endpoint == "" {
		return Permanent(fmt.Errorf("subscription %s has no webhook endpoint", sub.ID))
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil || u.Host == "" {
		return Permanent(fmt.Errorf("invalid webhook endpoint %q", sub.Endpoint))
	}

	cb := w.breaker(u.Host)
	_, err = cb.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, sub, e)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("webhook endpoint %s: %w", u.Host, err)
	}
	return err
}

func (w *WebhookTransport) post(ctx context.Context, sub *models.Subscription, e *models.Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader(HeaderEventType, string(e.Type)).
		SetHeader(HeaderEventID, e.ID).
		SetHeader(HeaderSubscription, sub.ID).
		SetBody(newEnvelope(sub, e, w.now())).
		Post(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", sub.Endpoint, err)
	}
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("webhook %s returned status %d", sub.Endpoint, code)
	default:
		// The receiver rejected the payload; resending it will not help.
		return Permanent(fmt.Errorf("webhook %s returned status %d", sub.Endpoint, code))
	}
}

// breaker gets or creates the breaker for host.
func (w *WebhookTransport) breaker(host string) *gobreaker.CircuitBreaker {
	w.mu.RLock()
	cb, ok := w.breakers[host]
	w.mu.RUnlock()
	if ok {
		return cb
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if cb, ok := w.breakers[host]; ok {
		return cb
	}
	threshold := w.cfg.BreakerFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     w.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A rejected payload says nothing about the endpoint's health.
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.Info("webhook breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	w.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for an endpoint host.
func (w *WebhookTransport) BreakerState(host string) gobreaker.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if cb, ok := w.breakers[host]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (w *WebhookTransport) Close() error { return nil }
