package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/platinummonkey/settle/pkg/async"
	"github.com/platinummonkey/settle/pkg/billing"
	"github.com/platinummonkey/settle/pkg/observability"
)

// Outbound headers
const (
	EventHeader     = "X-Settle-Event"
	EventIDHeader   = "X-Settle-Event-ID"
	SignatureHeader = "X-Settle-Signature"
	DeliveryHeader  = "X-Settle-Delivery"
)

// Config configures a Dispatcher
type Config struct {
	Endpoints []string
	// Secret signs every body; empty sends unsigned notifications
	Secret    string
	Workers   int
	QueueSize int
	// Timeout bounds a single HTTP attempt
	Timeout time.Duration
	Retry   RetryConfig
	Client  *http.Client
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Dispatcher delivers committed billing events to HTTP endpoints. Publish
// only enqueues, so a slow endpoint never holds up settlement.
type Dispatcher struct {
	cfg  Config
	pool *async.WorkerPool
}

var _ billing.EventSink = (*Dispatcher)(nil)

// permanentError marks a response that retrying will not fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NewDispatcher starts the delivery workers
func NewDispatcher(ctx context.Context, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	cfg.Retry = cfg.Retry.withDefaults()

	d := &Dispatcher{cfg: cfg}
	d.pool = async.NewWorkerPool(ctx, async.PoolConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		TaskName:  "notify",
		Timeout:   cfg.Retry.budget(cfg.Timeout) + time.Second,
		Logger:    cfg.Logger,
	})
	return d
}

// Publish implements billing.EventSink. Events are dropped, and counted,
// when the queue is full.
func (d *Dispatcher) Publish(ctx context.Context, event billing.Event) {
	if len(d.cfg.Endpoints) == 0 {
		return
	}
	log := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": string(event.Type),
	})

	payload, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("failed to encode billing event")
		return
	}

	err = d.pool.TrySubmit(func(ctx context.Context) error {
		errs := async.Batch(ctx, d.cfg.Endpoints, len(d.cfg.Endpoints), "notify endpoint", d.cfg.Retry.budget(d.cfg.Timeout),
			func(ctx context.Context, endpoint string) error {
				return d.deliver(ctx, endpoint, event, payload)
			})
		return errors.Join(errs...)
	})
	if err != nil {
		d.cfg.Metrics.RecordNotification(string(event.Type), "dropped")
		log.WithError(err).Warn("notification queue unavailable, event dropped")
	}
}

// Shutdown stops accepting events and waits for queued deliveries
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	return d.pool.Shutdown(timeout)
}

// deliver sends payload to endpoint, retrying with backoff
func (d *Dispatcher) deliver(ctx context.Context, endpoint string, event billing.Event, payload []byte) error {
	log := d.cfg.Logger.WithFields(map[string]interface{}{
		"endpoint": endpoint,
		"event_id": event.ID,
	})

	var err error
	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		err = d.send(ctx, endpoint, event, payload)
		if err == nil {
			d.cfg.Metrics.RecordNotification(string(event.Type), "delivered")
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) || attempt == d.cfg.Retry.MaxAttempts {
			break
		}

		delay := d.cfg.Retry.Delay(attempt)
		log.WithError(err).WithField("attempt", attempt).Debugf("notification failed, retrying in %v", delay)
		select {
		case <-ctx.Done():
			err = fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			d.cfg.Metrics.RecordNotification(string(event.Type), "failed")
			return err
		case <-time.After(delay):
		}
	}

	d.cfg.Metrics.RecordNotification(string(event.Type), "failed")
	return fmt.Errorf("notify %s: %w", endpoint, err)
}

// send makes one delivery attempt
func (d *Dispatcher) send(ctx context.Context, endpoint string, event billing.Event, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(EventIDHeader, event.ID)
	req.Header.Set(DeliveryHeader, time.Now().UTC().Format(time.RFC3339))
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, d.cfg.Secret))
	}

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	default:
		return &permanentError{fmt.Errorf("endpoint returned status %d", resp.StatusCode)}
	}
}

// Sign returns the X-Settle-Signature value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Settle-Signature value in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
