// Package facilitator defines the wire types shared by every component of the
// x402-upl pay-per-call facilitator: the payment payload a caller presents,
// the 402 challenge a resource issues, the verification result and receipt,
// and the settlement request/response surface.
//
// Framework middleware adapters live outside this module; they decode the
// X-Payment header with DecodePaymentHeader, call the verifier, and translate
// the VerificationResult to HTTP semantics.
package facilitator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PaymentHeader is the HTTP header carrying a base64-encoded PaymentPayload.
const PaymentHeader = "X-Payment"

// SchemeSolana identifies the payment scheme used in 402 challenges.
const SchemeSolana = "solana"

// PaymentPayload is the claimed ledger payment a caller presents for a
// protected resource. Timestamp is Unix milliseconds at payment creation.
type PaymentPayload struct {
	Network   string `json:"network"`
	Asset     string `json:"asset"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce,omitempty"`
}

// PaymentRequirement is the 402 challenge body. It is generated per challenge
// and never persisted; the field order below is the byte-stable contract every
// adapter must emit.
type PaymentRequirement struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
	PayTo   string `json:"payTo"`
	Amount  string `json:"amount"`
	Timeout int    `json:"timeout"`
	Nonce   string `json:"nonce"`
	Memo    string `json:"memo,omitempty"`
}

// NewPaymentRequirement builds a challenge with a fresh nonce.
func NewPaymentRequirement(network, asset, payTo, amount string, timeoutSeconds int) PaymentRequirement {
	return PaymentRequirement{
		Scheme:  SchemeSolana,
		Network: network,
		Asset:   asset,
		PayTo:   payTo,
		Amount:  amount,
		Timeout: timeoutSeconds,
		Nonce:   uuid.NewString(),
	}
}

// Receipt proves a verified payment. Immutable once created.
type Receipt struct {
	TransactionID string `json:"transactionId"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	Timestamp     int64  `json:"timestamp"`
	BlockHash     string `json:"blockHash"`
	Slot          uint64 `json:"slot"`
	Signature     string `json:"signature"`
	Verifiable    bool   `json:"verifiable"`
}

// VerificationResult is the outcome of verifying a payment claim.
// Verification never fails with an error; every failure mode is reported as
// Valid=false with a reason.
type VerificationResult struct {
	Valid         bool     `json:"valid"`
	Reason        string   `json:"reason,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
	Receipt       *Receipt `json:"receipt,omitempty"`
}

// Invalid builds a failed VerificationResult with a formatted reason.
func Invalid(format string, args ...interface{}) VerificationResult {
	return VerificationResult{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// SettlementRequest asks the facilitator to pay out accumulated confirmed
// transactions for one (merchant, service) pair.
type SettlementRequest struct {
	MerchantWallet string `json:"merchantWallet"`
	ServiceID      string `json:"serviceId"`
	SettlementType string `json:"settlementType,omitempty"`
}

// SettlementResponse reports the outcome of a settlement request.
type SettlementResponse struct {
	SettlementID         string  `json:"settlementId"`
	Amount               float64 `json:"amount"`
	TransactionSignature string  `json:"transactionSignature"`
	Status               string  `json:"status"`
	Timestamp            int64   `json:"timestamp"`
	TransactionCount     int     `json:"transactionCount"`
	Fee                  float64 `json:"fee"`
}

// EncodePaymentHeader serializes a payload into the X-Payment header value.
func EncodePaymentHeader(p PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader parses an X-Payment header value back into a payload.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	var p PaymentPayload
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return p, NewPaymentError(ErrCodeInvalidPayload, "payment header is not valid base64", nil)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, NewPaymentError(ErrCodeInvalidPayload, "payment header is not valid JSON", nil)
	}
	return p, nil
}
