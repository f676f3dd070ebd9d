package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/x402-upl/facilitator/store"
)

// syncService makes retry scheduling synchronous and bounded for tests.
func syncService(st store.WebhookStore) *Service {
	s := New(st, nil)
	s.afterFunc = func(d time.Duration, f func()) *time.Timer {
		return time.AfterFunc(0, func() {})
	}
	return s
}

func registerEndpoint(t *testing.T, st *store.Memory, url string) {
	t.Helper()
	err := st.CreateWebhookConfig(context.Background(), &store.WebhookConfig{
		WebhookURL: url,
		Secret:     "whsec_test",
		Enabled:    true,
	})
	require.NoError(t, err)
}

func TestDeliverySuccess(t *testing.T) {
	var mu sync.Mutex
	var received *http.Request
	var body map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		received = r.Clone(r.Context())
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	registerEndpoint(t, st, srv.URL)
	svc := syncService(st)

	payload := map[string]interface{}{"settlementId": "s-1", "amount": 9.8}
	delivery := &store.WebhookDelivery{
		WebhookURL:  srv.URL,
		EventType:   "settlement.completed",
		Payload:     payload,
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), delivery))

	svc.Deliver(context.Background(), delivery.ID)

	got, err := st.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryCompleted, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "settlement.completed", received.Header.Get("X-Webhook-Event"))
	require.Equal(t, userAgent, received.Header.Get("User-Agent"))
	require.NotEmpty(t, received.Header.Get("X-Webhook-Signature"))
	require.NotEmpty(t, received.Header.Get("X-Webhook-Timestamp"))
	require.Equal(t, "s-1", body["settlementId"])
}

func TestDeliveryRetriesThenFails(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemory()
	registerEndpoint(t, st, srv.URL)
	svc := syncService(st)

	delivery := &store.WebhookDelivery{
		WebhookURL:  srv.URL,
		EventType:   "payment.confirmed",
		Payload:     map[string]interface{}{"transactionId": "t-1"},
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), delivery))

	// Drive all attempts by hand instead of waiting for timers. Each retry
	// is scheduled for a future NextRetryAt, so reset it before redelivering.
	for i := 0; i < maxAttempts; i++ {
		svc.Deliver(context.Background(), delivery.ID)
		got, err := st.GetWebhookDelivery(context.Background(), delivery.ID)
		require.NoError(t, err)
		if got.Status == store.DeliveryPending {
			got.NextRetryAt = time.Now()
			require.NoError(t, st.UpdateWebhookDelivery(context.Background(), got))
		}
	}

	got, err := st.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryFailed, got.Status)
	require.Equal(t, maxAttempts, got.Attempts)
	require.NotEmpty(t, got.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, maxAttempts, attempts)
}

func TestDeliverySucceedsOnSecondAttempt(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	registerEndpoint(t, st, srv.URL)
	svc := syncService(st)

	delivery := &store.WebhookDelivery{
		WebhookURL:  srv.URL,
		EventType:   "settlement.completed",
		Payload:     map[string]interface{}{"settlementId": "s-2"},
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), delivery))

	svc.Deliver(context.Background(), delivery.ID)
	got, err := st.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.NotEmpty(t, got.Error)

	svc.Deliver(context.Background(), delivery.ID)
	got, err = st.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryCompleted, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Empty(t, got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestDeliverySkipsNonPending(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	registerEndpoint(t, st, srv.URL)
	svc := syncService(st)

	done := time.Now()
	delivery := &store.WebhookDelivery{
		WebhookURL:  srv.URL,
		EventType:   "payment.confirmed",
		Payload:     map[string]interface{}{},
		Status:      store.DeliveryCompleted,
		Attempts:    1,
		MaxAttempts: maxAttempts,
		CompletedAt: &done,
	}
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), delivery))

	svc.Deliver(context.Background(), delivery.ID)

	require.Zero(t, calls, "completed delivery must not be re-attempted")
	got, err := st.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
}

func TestDeliveryMissingConfigTerminal(t *testing.T) {
	st := store.NewMemory()
	svc := syncService(st)

	delivery := &store.WebhookDelivery{
		WebhookURL:  "https://example.invalid/hook",
		EventType:   "payment.confirmed",
		Payload:     map[string]interface{}{},
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), delivery))

	svc.Deliver(context.Background(), delivery.ID)

	got, err := st.GetWebhookDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryFailed, got.Status)
	require.Equal(t, "Webhook configuration not found or disabled", got.Error)
	require.Zero(t, got.Attempts, "no HTTP attempt without a usable config")
}

func TestRetryPendingSweep(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	registerEndpoint(t, st, srv.URL)
	svc := syncService(st)

	// One delivery overdue, one scheduled in the future.
	overdue := &store.WebhookDelivery{
		WebhookURL:  srv.URL,
		EventType:   "payment.confirmed",
		Payload:     map[string]interface{}{},
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
		NextRetryAt: time.Now().Add(-time.Minute),
	}
	future := &store.WebhookDelivery{
		WebhookURL:  srv.URL,
		EventType:   "payment.confirmed",
		Payload:     map[string]interface{}{},
		Status:      store.DeliveryPending,
		MaxAttempts: maxAttempts,
		NextRetryAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), overdue))
	require.NoError(t, st.CreateWebhookDelivery(context.Background(), future))

	require.NoError(t, svc.RetryPending(context.Background()))

	mu.Lock()
	require.Equal(t, 1, attempts)
	mu.Unlock()

	got, err := st.GetWebhookDelivery(context.Background(), overdue.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryCompleted, got.Status)

	got, err = st.GetWebhookDelivery(context.Background(), future.ID)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryPending, got.Status)
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"settlementId":"s-1"}`)
	ts := int64(1714000000)

	sig := Sign("whsec_test", ts, body)
	require.True(t, VerifySignature("whsec_test", ts, body, sig))
	require.False(t, VerifySignature("whsec_other", ts, body, sig))
	require.False(t, VerifySignature("whsec_test", ts+1, body, sig))
}
