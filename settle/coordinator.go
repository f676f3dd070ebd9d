// Package settle batches confirmed payments into merchant payouts. A
// settlement aggregates every confirmed, unsettled transaction for one
// (merchant, service) pair, deducts the platform fee, and pays the remainder
// in a single treasury-signed token transfer.
package settle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/ledger"
	"github.com/x402-upl/facilitator/store"
	"github.com/x402-upl/facilitator/webhook"
)

const (
	// platformFeeRate is the cut retained from each settlement.
	platformFeeRate = 0.02

	// confirmTimeout bounds how long a payout is polled for confirmation.
	confirmTimeout = 60 * time.Second
)

// USDCMint is the default payout asset.
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Config tunes a Coordinator.
type Config struct {
	// PayoutMint is the token settlements are paid in. Defaults to USDC.
	PayoutMint string

	// FeeRate overrides the platform fee when positive.
	FeeRate float64
}

// Coordinator executes settlements. At most one settlement runs at a time
// per (merchant, service) pair; concurrent requests for the same pair are
// serialized so the same transactions can never be paid out twice.
type Coordinator struct {
	store  store.Store
	ledger ledger.Client
	hooks  *webhook.Service
	cfg    Config
	log    *logrus.Logger

	// locks holds one mutex per (merchant, service) pair ever settled and
	// is never evicted; entries are a few dozen bytes and the pair set is
	// bounded by the service catalog.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Coordinator. hooks may be nil when webhook notifications are
// not wanted.
func New(st store.Store, ledgerClient ledger.Client, hooks *webhook.Service, cfg Config, log *logrus.Logger) *Coordinator {
	if cfg.PayoutMint == "" {
		cfg.PayoutMint = USDCMint
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = platformFeeRate
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		store:  st,
		ledger: ledgerClient,
		hooks:  hooks,
		cfg:    cfg,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// pairLock returns the mutex guarding one (merchant, service) pair.
func (c *Coordinator) pairLock(merchantWallet, serviceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := serviceID + "|" + merchantWallet
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Settle pays out every confirmed, unsettled transaction for the requested
// (merchant, service) pair. Returns no_unsettled_transactions when there is
// nothing to pay.
func (c *Coordinator) Settle(ctx context.Context, req facilitator.SettlementRequest) (*facilitator.SettlementResponse, error) {
	lock := c.pairLock(req.MerchantWallet, req.ServiceID)
	lock.Lock()
	defer lock.Unlock()

	txs, err := c.store.FindTransactions(ctx, store.TransactionFilter{
		ServiceID:        req.ServiceID,
		RecipientAddress: req.MerchantWallet,
		Status:           store.TransactionConfirmed,
		Unsettled:        true,
	})
	if err != nil {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeSettlementFailed,
			"failed to load unsettled transactions", map[string]interface{}{"error": err.Error()})
	}
	if len(txs) == 0 {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeNoUnsettledTransactions,
			"no unsettled transactions for merchant", map[string]interface{}{"merchantWallet": req.MerchantWallet})
	}

	var total float64
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		total += tx.Amount
		ids = append(ids, tx.ID)
	}
	fee := total * c.cfg.FeeRate
	merchantAmount := total - fee

	settlement := &store.Settlement{
		MerchantWallet:   req.MerchantWallet,
		ServiceID:        req.ServiceID,
		TotalAmount:      total,
		PlatformFee:      fee,
		MerchantAmount:   merchantAmount,
		TransactionCount: len(txs),
		Status:           store.SettlementPending,
		SettlementType:   req.SettlementType,
	}
	if err := c.store.CreateSettlement(ctx, settlement); err != nil {
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeSettlementFailed,
			"failed to create settlement record", map[string]interface{}{"error": err.Error()})
	}

	signature, err := c.payout(ctx, req.MerchantWallet, merchantAmount)
	if err != nil {
		settlement.Status = store.SettlementFailed
		settlement.ErrorMessage = err.Error()
		if uerr := c.store.UpdateSettlement(ctx, settlement); uerr != nil {
			c.log.WithError(uerr).Error("failed to record settlement failure")
		}
		return nil, facilitator.NewPaymentError(facilitator.ErrCodeSettlementFailed,
			"settlement payout failed", map[string]interface{}{"error": err.Error()})
	}

	now := time.Now()
	settlement.Status = store.SettlementCompleted
	settlement.TransactionSignature = signature
	settlement.CompletedAt = &now
	if err := c.store.UpdateSettlement(ctx, settlement); err != nil {
		c.log.WithError(err).Error("failed to record settlement completion")
	}
	if err := c.store.MarkTransactionsSettled(ctx, ids, settlement.ID, signature, now); err != nil {
		c.log.WithError(err).WithField("settlementId", settlement.ID).
			Error("failed to mark transactions settled")
	}

	c.log.WithFields(logrus.Fields{
		"settlementId":     settlement.ID,
		"merchantWallet":   req.MerchantWallet,
		"serviceId":        req.ServiceID,
		"merchantAmount":   merchantAmount,
		"transactionCount": len(txs),
	}).Info("settlement completed")

	c.notify(ctx, req.ServiceID, settlement)

	return &facilitator.SettlementResponse{
		SettlementID:         settlement.ID,
		Amount:               merchantAmount,
		TransactionSignature: signature,
		Status:               string(store.SettlementCompleted),
		Timestamp:            now.UnixMilli(),
		TransactionCount:     len(txs),
		Fee:                  fee,
	}, nil
}

// payout sends the merchant's share on-chain and waits for confirmation.
func (c *Coordinator) payout(ctx context.Context, merchantWallet string, amount float64) (string, error) {
	decimals, err := c.ledger.GetMintDecimals(ctx, c.cfg.PayoutMint)
	if err != nil {
		return "", fmt.Errorf("failed to resolve payout mint decimals: %w", err)
	}

	raw := uint64(math.Floor(amount * math.Pow10(int(decimals))))
	if raw == 0 {
		return "", fmt.Errorf("payout amount rounds to zero")
	}

	signature, err := c.ledger.TransferToken(ctx, c.cfg.PayoutMint, merchantWallet, raw)
	if err != nil {
		return "", err
	}

	confirmed, err := c.ledger.WaitForConfirmation(ctx, signature, confirmTimeout)
	if err != nil {
		return "", fmt.Errorf("payout confirmation failed: %w", err)
	}
	if !confirmed {
		return "", fmt.Errorf("payout not confirmed within %s", confirmTimeout)
	}
	return signature, nil
}

// notify enqueues the settlement.completed webhook when the service has an
// endpoint configured.
func (c *Coordinator) notify(ctx context.Context, serviceID string, s *store.Settlement) {
	if c.hooks == nil {
		return
	}
	svc, err := c.store.GetService(ctx, serviceID)
	if err != nil || svc.WebhookURL == "" {
		return
	}

	payload := map[string]interface{}{
		"settlementId":     s.ID,
		"amount":           s.MerchantAmount,
		"fee":              s.PlatformFee,
		"transactionCount": s.TransactionCount,
		"signature":        s.TransactionSignature,
		"timestamp":        s.CompletedAt.UnixMilli(),
	}
	if _, err := c.hooks.Enqueue(ctx, svc.WebhookURL, "settlement.completed", payload); err != nil {
		c.log.WithError(err).WithField("settlementId", s.ID).
			Warn("failed to enqueue settlement webhook")
	}
}

// pendingTotal sums the confirmed, unsettled amount for one pair without
// taking the settlement lock.
func (c *Coordinator) pendingTotal(ctx context.Context, merchantWallet, serviceID string) (float64, error) {
	txs, err := c.store.FindTransactions(ctx, store.TransactionFilter{
		ServiceID:        serviceID,
		RecipientAddress: merchantWallet,
		Status:           store.TransactionConfirmed,
		Unsettled:        true,
	})
	if err != nil {
		return 0, err
	}
	var total float64
	for _, tx := range txs {
		total += tx.Amount
	}
	return total, nil
}

// GetSettlement returns one settlement record.
func (c *Coordinator) GetSettlement(ctx context.Context, id string) (*store.Settlement, error) {
	return c.store.GetSettlement(ctx, id)
}
