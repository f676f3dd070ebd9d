// Package webhook delivers event notifications to merchant endpoints with
// at-least-once semantics. Each delivery is persisted before the first
// attempt; failed attempts are retried on a fixed backoff schedule, with a
// periodic sweep picking up deliveries whose in-process timer was lost to a
// restart.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/x402-upl/facilitator/store"
)

const (
	maxAttempts    = 3
	requestTimeout = 10 * time.Second
	userAgent      = "x402-facilitator/2.0"
)

// backoffDelays is the wait before retry attempt n (1-indexed by attempts
// already made).
var backoffDelays = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Service delivers webhook notifications.
type Service struct {
	store  store.WebhookStore
	client *http.Client
	log    *logrus.Logger

	// afterFunc is swappable so tests can intercept retry scheduling.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New creates a delivery Service. A nil logger falls back to the standard
// logger.
func New(st store.WebhookStore, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:     st,
		client:    &http.Client{Timeout: requestTimeout},
		log:       log,
		afterFunc: time.AfterFunc,
	}
}

// Enqueue persists a pending delivery and kicks off the first attempt in the
// background. The returned ID can be polled via Status.
func (s *Service) Enqueue(ctx context.Context, webhookURL, eventType string, payload map[string]interface{}) (string, error) {
	delivery := &store.WebhookDelivery{
		WebhookURL:  webhookURL,
		EventType:   eventType,
		Payload:     payload,
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
		NextRetryAt: time.Now(),
	}
	if err := s.store.CreateWebhookDelivery(ctx, delivery); err != nil {
		return "", fmt.Errorf("failed to persist webhook delivery: %w", err)
	}

	go s.Deliver(context.Background(), delivery.ID)

	return delivery.ID, nil
}

// Deliver attempts one delivery. It re-reads the record first and no-ops
// unless it is still pending, so a concurrent timer and sweep cannot both
// fire the same attempt.
func (s *Service) Deliver(ctx context.Context, deliveryID string) {
	delivery, err := s.store.GetWebhookDelivery(ctx, deliveryID)
	if err != nil {
		s.log.WithError(err).WithField("deliveryId", deliveryID).Warn("webhook delivery not found")
		return
	}
	if delivery.Status != store.DeliveryPending {
		return
	}

	cfg, err := s.store.FindWebhookConfig(ctx, delivery.WebhookURL)
	if err != nil || !cfg.Enabled {
		s.fail(ctx, delivery, "Webhook configuration not found or disabled")
		return
	}

	now := time.Now()
	delivery.Attempts++
	delivery.LastAttemptAt = &now

	if err := s.post(ctx, delivery, cfg.Secret); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"deliveryId": delivery.ID,
			"eventType":  delivery.EventType,
			"attempt":    delivery.Attempts,
		}).Warn("webhook delivery attempt failed")

		delivery.Error = err.Error()
		if delivery.Attempts >= delivery.MaxAttempts {
			delivery.Status = store.DeliveryFailed
			if err := s.store.UpdateWebhookDelivery(ctx, delivery); err != nil {
				s.log.WithError(err).Error("failed to record webhook failure")
			}
			return
		}

		delay := backoffDelays[delivery.Attempts-1]
		delivery.NextRetryAt = now.Add(delay)
		if err := s.store.UpdateWebhookDelivery(ctx, delivery); err != nil {
			s.log.WithError(err).Error("failed to schedule webhook retry")
			return
		}
		id := delivery.ID
		s.afterFunc(delay, func() { s.Deliver(context.Background(), id) })
		return
	}

	delivery.Status = store.DeliveryCompleted
	delivery.CompletedAt = &now
	delivery.Error = ""
	if err := s.store.UpdateWebhookDelivery(ctx, delivery); err != nil {
		s.log.WithError(err).Error("failed to record webhook completion")
	}
}

// post signs and sends one HTTP attempt.
func (s *Service) post(ctx context.Context, delivery *store.WebhookDelivery, secret string) error {
	body, err := json.Marshal(delivery.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	timestamp := time.Now().Unix()
	sig := Sign(secret, timestamp, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	req.Header.Set("X-Webhook-Signature", sig)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", timestamp))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, delivery *store.WebhookDelivery, reason string) {
	delivery.Status = store.DeliveryFailed
	delivery.Error = reason
	if err := s.store.UpdateWebhookDelivery(ctx, delivery); err != nil {
		s.log.WithError(err).Error("failed to record webhook failure")
	}
}

// RetryPending sweeps pending deliveries whose retry time has passed and
// fires them. This is the durable recovery path for timers lost to a
// process restart.
func (s *Service) RetryPending(ctx context.Context) error {
	due, err := s.store.FindDueWebhookDeliveries(ctx, time.Now(), 100)
	if err != nil {
		return fmt.Errorf("failed to find due webhook deliveries: %w", err)
	}
	for _, d := range due {
		s.Deliver(ctx, d.ID)
	}
	return nil
}

// Status returns the current delivery record.
func (s *Service) Status(ctx context.Context, deliveryID string) (*store.WebhookDelivery, error) {
	return s.store.GetWebhookDelivery(ctx, deliveryID)
}

// Sign computes the hex HMAC-SHA256 signature over
// "{unixTimestamp}.{jsonBody}" that receivers use to authenticate a
// delivery.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(secret string, timestamp int64, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
