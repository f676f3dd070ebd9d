package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/ledger"
	"github.com/x402-upl/facilitator/registry"
	"github.com/x402-upl/facilitator/reputation"
	"github.com/x402-upl/facilitator/settle"
	"github.com/x402-upl/facilitator/signature"
	"github.com/x402-upl/facilitator/store"
	"github.com/x402-upl/facilitator/verify"
	"github.com/x402-upl/facilitator/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeLedger accepts any claimed payment of exactly 0.05 SOL to the
// configured merchant and confirms payouts instantly.
type fakeLedger struct {
	merchant string
	sender   string
}

func (f *fakeLedger) GetTransaction(context.Context, string) (*ledger.TransactionDetail, error) {
	return &ledger.TransactionDetail{
		Slot:         42,
		BlockHash:    "9sHcv6xwn9YkB8nxTUGKDwPwNnmqVp5oAXxU8Fdkm4J6",
		AccountKeys:  []string{f.sender, f.merchant},
		PreBalances:  []uint64{1_000_000_000, 0},
		PostBalances: []uint64{950_000_000, 50_000_000},
	}, nil
}

func (f *fakeLedger) GetMintDecimals(context.Context, string) (uint8, error) { return 6, nil }

func (f *fakeLedger) TransferToken(context.Context, string, string, uint64) (string, error) {
	return "payoutsig1", nil
}

func (f *fakeLedger) WaitForConfirmation(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

type fixture struct {
	router   http.Handler
	store    *store.Memory
	merchant string
	sender   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	merchant := solana.NewWallet().PublicKey().String()
	sender := solana.NewWallet().PublicKey().String()

	st := store.NewMemory()
	lg := &fakeLedger{merchant: merchant, sender: sender}
	hooks := webhook.New(st, nil)
	verifier := verify.New(lg, signature.NewMemoryStore(), verify.Config{}, nil)
	coordinator := settle.New(st, lg, hooks, settle.Config{}, nil)
	scheduler := settle.NewScheduler(coordinator, st, nil)
	rep := reputation.New(st, st, st, nil)
	reg := registry.New(st, nil, "", nil)

	srv := New(verifier, coordinator, scheduler, rep, reg, hooks, st, nil)
	return &fixture{router: srv.Router(), store: st, merchant: merchant, sender: sender}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) registerService(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/services", map[string]interface{}{
		"url":          "https://api.example.com/v1/summarize",
		"name":         "Summarizer",
		"category":     "nlp",
		"ownerWallet":  f.merchant,
		"pricePerCall": 0.05,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var svc struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))
	require.NotEmpty(t, svc.ID)
	return svc.ID
}

func (f *fixture) paymentPayload(sigFill byte) facilitator.PaymentPayload {
	return facilitator.PaymentPayload{
		Network:   "mainnet",
		Asset:     "SOL",
		From:      f.sender,
		To:        f.merchant,
		Amount:    "0.05",
		Signature: base58.Encode(bytes.Repeat([]byte{sigFill}, 64)),
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestVerifyEndpointRecordsTransaction(t *testing.T) {
	f := newFixture(t)
	serviceID := f.registerService(t)

	w := f.do(t, http.MethodPost, "/v1/verify", map[string]interface{}{
		"serviceId": serviceID,
		"payload":   f.paymentPayload(1),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Valid         bool   `json:"valid"`
		TransactionID string `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Valid)

	tx, err := f.store.GetTransaction(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	require.Equal(t, store.TransactionConfirmed, tx.Status)
	require.Equal(t, f.merchant, tx.RecipientAddress)

	// Replaying the same payment yields 402.
	w = f.do(t, http.MethodPost, "/v1/verify", map[string]interface{}{
		"serviceId": serviceID,
		"payload":   f.paymentPayload(1),
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var result facilitator.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, "Payment already processed", result.Reason)
}

func TestSettlementEndpoint(t *testing.T) {
	f := newFixture(t)
	serviceID := f.registerService(t)

	for i := byte(1); i <= 3; i++ {
		w := f.do(t, http.MethodPost, "/v1/verify", map[string]interface{}{
			"serviceId": serviceID,
			"payload":   f.paymentPayload(i),
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := f.do(t, http.MethodPost, "/v1/settlements", facilitator.SettlementRequest{
		MerchantWallet: f.merchant,
		ServiceID:      serviceID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp facilitator.SettlementResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.TransactionCount)
	require.InDelta(t, 0.15*0.98, resp.Amount, 1e-9)

	// Nothing left to settle.
	w = f.do(t, http.MethodPost, "/v1/settlements", facilitator.SettlementRequest{
		MerchantWallet: f.merchant,
		ServiceID:      serviceID,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	// Settlement record is retrievable.
	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/settlements/%s", resp.SettlementID), nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAgentEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
		"walletAddress": f.sender,
		"stakedAmount":  10.0,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var agent struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))

	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/agents/%s/statistics", agent.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats reputation.AgentStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, 7000, stats.ReputationScore)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/v1/agents/%s/slash", agent.ID), map[string]interface{}{
		"fraudAmount": 500.0,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/agents/missing/statistics", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServiceRequirementsEndpoint(t *testing.T) {
	f := newFixture(t)
	serviceID := f.registerService(t)

	w := f.do(t, http.MethodGet, fmt.Sprintf("/v1/services/%s/requirements", serviceID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var req facilitator.PaymentRequirement
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &req))
	require.Equal(t, facilitator.SchemeSolana, req.Scheme)
	require.Equal(t, "USDC", req.Asset)
	require.Equal(t, f.merchant, req.PayTo)
	require.Equal(t, "0.05", req.Amount)
	require.NotEmpty(t, req.Nonce)
}
