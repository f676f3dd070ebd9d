package facilitator

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayload          = "invalid_payload"
	ErrCodeUnknownAsset            = "unknown_asset"
	ErrCodeSettlementFailed        = "settlement_failed"
	ErrCodeNoUnsettledTransactions = "no_unsettled_transactions"
	ErrCodeAgentNotFound           = "agent_not_found"
	ErrCodeServiceNotFound         = "service_not_found"
	ErrCodeTransactionNotFound     = "transaction_not_found"
	ErrCodeDuplicateRegistration   = "duplicate_registration"
	ErrCodeAlreadyRated            = "already_rated"
	ErrCodeUnauthorizedRating      = "unauthorized_rating"
	ErrCodeInvalidSchema           = "invalid_schema"
	ErrCodeWebhookConfigMissing    = "webhook_config_missing"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}
