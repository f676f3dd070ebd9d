// Package store defines the persistence collaborator the facilitator core
// depends on: entity structs and narrow repository interfaces over create,
// read, update-by-id, and find-many-by-filter. Schema ownership is external
// to this module; the in-memory implementation backs tests and single-node
// deployments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// TransactionStatus is the lifecycle state of an accepted payment.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionConfirming TransactionStatus = "confirming"
	TransactionConfirmed  TransactionStatus = "confirmed"
	TransactionFailed     TransactionStatus = "failed"
)

// SettlementStatus is the lifecycle state of a payout batch.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
	SettlementCancelled SettlementStatus = "cancelled"
)

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryCompleted DeliveryStatus = "completed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Transaction records an accepted payment. Created on confirmation; only
// settlement mutates the settledAt/settlementId/settlementSignature fields.
type Transaction struct {
	ID                  string
	AgentID             string
	ServiceID           string
	RecipientAddress    string
	Amount              float64
	Token               string
	Signature           string
	Status              TransactionStatus
	ResponseTimeMs      int
	BlockHash           string
	Slot                uint64
	CreatedAt           time.Time
	ConfirmedAt         *time.Time
	SettledAt           *time.Time
	SettlementID        string
	SettlementSignature string
}

// Settlement aggregates unsettled transactions for one (merchant, service)
// pair into a single payout, net of the platform fee.
type Settlement struct {
	ID                   string
	MerchantWallet       string
	ServiceID            string
	TotalAmount          float64
	PlatformFee          float64
	MerchantAmount       float64
	TransactionCount     int
	Status               SettlementStatus
	SettlementType       string
	TransactionSignature string
	ErrorMessage         string
	RequestedAt          time.Time
	CompletedAt          *time.Time
}

// Agent is a paying caller with a reputation aggregate and staked collateral.
type Agent struct {
	ID                     string
	WalletAddress          string
	StakedAmount           float64
	SlashedAmount          float64
	ReputationScore        int
	TotalTransactions      int
	SuccessfulTransactions int
	TotalSpent             float64
	CreditLimit            float64
	MetadataURI            string
	CreatedAt              time.Time
}

// Service is a registered pay-per-call resource.
type Service struct {
	ID              string
	URL             string
	ProxyURL        string
	Name            string
	Description     string
	Category        string
	OwnerWallet     string
	PricePerCall    float64
	InputSchema     json.RawMessage
	OutputSchema    json.RawMessage
	TotalCalls      int
	SuccessfulCalls int
	TotalRevenue    float64
	TotalRatings    int
	AverageRating   float64
	ReputationScore int
	Verified        bool
	WebhookURL      string
	CreatedAt       time.Time
}

// Rating is one agent's rating of a transaction against a service.
type Rating struct {
	ID            string
	TransactionID string
	AgentID       string
	ServiceID     string
	Rating        float64
	Comment       string
	CreatedAt     time.Time
}

// Dispute records a resolved fraud slashing action.
type Dispute struct {
	ID          string
	AgentID     string
	Type        string
	Status      string
	Description string
	EvidenceURI string
	SlashAmount float64
	ResolvedAt  time.Time
}

// WebhookDelivery is one at-least-once notification attempt chain.
type WebhookDelivery struct {
	ID            string
	WebhookURL    string
	EventType     string
	Payload       map[string]interface{}
	Status        DeliveryStatus
	Attempts      int
	MaxAttempts   int
	NextRetryAt   time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	Error         string
	CreatedAt     time.Time
}

// WebhookConfig holds a merchant's webhook endpoint and signing secret.
type WebhookConfig struct {
	ID         string
	WebhookURL string
	Secret     string
	Enabled    bool
}

// SettlementSchedule is a recurring payout trigger for one (service,
// merchant) pair.
type SettlementSchedule struct {
	ID             string
	ServiceID      string
	MerchantWallet string
	CronExpression string
	MinimumAmount  float64
	Enabled        bool
}

// TransactionFilter selects transactions. Zero fields are ignored.
type TransactionFilter struct {
	ServiceID        string
	RecipientAddress string
	Status           TransactionStatus
	Unsettled        bool
	IDs              []string
}

// ServiceFilter selects services. Zero fields are ignored.
type ServiceFilter struct {
	Category    string
	OwnerWallet string
	Verified    *bool
}

// TransactionStore persists accepted payments.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	FindTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)

	// MarkTransactionsSettled atomically stamps settledAt, settlementId, and
	// settlementSignature on every listed transaction.
	MarkTransactionsSettled(ctx context.Context, ids []string, settlementID, signature string, at time.Time) error
}

// SettlementStore persists payout batches.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, id string) (*Settlement, error)
	UpdateSettlement(ctx context.Context, s *Settlement) error
}

// AgentStore persists callers and their reputation aggregates.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	CreateDispute(ctx context.Context, d *Dispute) error
}

// ServiceStore persists registered resources and ratings.
type ServiceStore interface {
	CreateService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	GetServiceByURL(ctx context.Context, url string) (*Service, error)
	UpdateService(ctx context.Context, s *Service) error
	FindServices(ctx context.Context, filter ServiceFilter) ([]*Service, error)

	CreateRating(ctx context.Context, r *Rating) error
	FindRatingByTransaction(ctx context.Context, transactionID string) (*Rating, error)
	FindRatings(ctx context.Context, serviceID string) ([]*Rating, error)
}

// WebhookStore persists delivery records and endpoint configs.
type WebhookStore interface {
	CreateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error
	GetWebhookDelivery(ctx context.Context, id string) (*WebhookDelivery, error)
	UpdateWebhookDelivery(ctx context.Context, d *WebhookDelivery) error

	// FindDueWebhookDeliveries returns pending deliveries whose nextRetryAt
	// has passed, up to limit.
	FindDueWebhookDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)

	CreateWebhookConfig(ctx context.Context, c *WebhookConfig) error
	FindWebhookConfig(ctx context.Context, webhookURL string) (*WebhookConfig, error)
}

// ScheduleStore persists recurring settlement schedules.
type ScheduleStore interface {
	CreateSettlementSchedule(ctx context.Context, s *SettlementSchedule) error
	FindEnabledSchedules(ctx context.Context) ([]*SettlementSchedule, error)
	DeleteSettlementSchedule(ctx context.Context, id string) error
}

// Store is the full persistence collaborator.
type Store interface {
	TransactionStore
	SettlementStore
	AgentStore
	ServiceStore
	WebhookStore
	ScheduleStore
}
