// Package verify reconciles claimed payments against the ledger. The single
// entry point, Verifier.VerifyPayment, is the contract every framework
// adapter calls: it validates the claim structurally, rejects replays,
// fetches the on-chain transaction, reconstructs the transferred amount from
// balance deltas, and emits a receipt. It never returns an error; every
// failure mode is a VerificationResult with Valid=false.
package verify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	facilitator "github.com/x402-upl/facilitator"
	"github.com/x402-upl/facilitator/ledger"
	"github.com/x402-upl/facilitator/signature"
)

// Known mint addresses for the default supported assets.
const (
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	CashMint = "CASHVDm2wsJXfhj6VWxb7GiMdoLc17Du7paH4bNr5woT"
)

const lamportsPerSol = 1_000_000_000

// amountTolerance is the accepted rounding slack: a payment covering 99% of
// the required amount passes.
const amountTolerance = 0.99

// Asset describes a supported payment asset. Native marks the chain's base
// coin, reconciled from lamport balances; otherwise Mint identifies the
// fungible token.
type Asset struct {
	Mint   string
	Native bool
}

// DefaultAssets returns the assets accepted out of the box.
func DefaultAssets() map[string]Asset {
	return map[string]Asset{
		"SOL":  {Native: true},
		"USDC": {Mint: USDCMint},
		"CASH": {Mint: CashMint},
	}
}

// Config tunes a Verifier.
type Config struct {
	// Timeout bounds both payload age at verification time and the replay
	// TTL of an accepted signature. Defaults to 24h.
	Timeout time.Duration

	// Assets maps asset symbols to their ledger identity. Defaults to
	// DefaultAssets when nil.
	Assets map[string]Asset
}

// Verifier validates payment claims against the ledger.
type Verifier struct {
	ledger ledger.Client
	sigs   signature.Store
	cfg    Config
	log    *logrus.Logger
}

// New creates a Verifier. A nil logger falls back to the standard logger.
func New(ledgerClient ledger.Client, sigs signature.Store, cfg Config, log *logrus.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 24 * time.Hour
	}
	if cfg.Assets == nil {
		cfg.Assets = DefaultAssets()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Verifier{ledger: ledgerClient, sigs: sigs, cfg: cfg, log: log}
}

// VerifyPayment checks a claimed payment against the ledger.
//
// requiredAmount is in the asset's decimal units; requiredRecipient is the
// wallet the challenge named in payTo. On success the signature is recorded
// in the replay store with the configured TTL and a receipt is attached.
func (v *Verifier) VerifyPayment(ctx context.Context, payload facilitator.PaymentPayload, requiredAmount float64, requiredRecipient string) (result facilitator.VerificationResult) {
	defer func() {
		if r := recover(); r != nil {
			v.log.WithField("panic", r).Error("payment verification panicked")
			result = facilitator.Invalid("Unknown verification error")
		}
	}()

	if reason := v.validateStructure(payload); reason != "" {
		return facilitator.Invalid("%s", reason)
	}

	processed, err := v.sigs.Has(ctx, payload.Signature)
	if err != nil {
		return facilitator.Invalid("Signature store unavailable: %v", err)
	}
	if processed {
		return facilitator.Invalid("Payment already processed")
	}

	detail, err := v.ledger.GetTransaction(ctx, payload.Signature)
	if err != nil || detail == nil {
		return facilitator.Invalid("Transaction not found on blockchain")
	}
	if detail.Failed {
		return facilitator.Invalid("Transaction failed on blockchain")
	}

	if res := v.reconcile(detail, payload, requiredAmount, requiredRecipient); !res.Valid {
		return res
	}

	if err := v.sigs.Add(ctx, payload.Signature, v.cfg.Timeout); err != nil {
		return facilitator.Invalid("Failed to record payment signature: %v", err)
	}

	receipt := buildReceipt(detail, payload)
	return facilitator.VerificationResult{
		Valid:         true,
		TransactionID: payload.Signature,
		Receipt:       &receipt,
	}
}

// ClearProcessedSignatures wipes the replay store.
func (v *Verifier) ClearProcessedSignatures(ctx context.Context) error {
	return v.sigs.Clear(ctx)
}

// validateStructure performs the fail-fast checks that need no I/O.
// Returns an empty string when the payload is structurally sound.
func (v *Verifier) validateStructure(p facilitator.PaymentPayload) string {
	if p.Network == "" || p.Asset == "" || p.From == "" || p.To == "" ||
		p.Amount == "" || p.Signature == "" || p.Timestamp == 0 {
		return "Invalid payload structure"
	}

	if _, ok := v.cfg.Assets[p.Asset]; !ok {
		return fmt.Sprintf("Unknown asset: %s", p.Asset)
	}

	if _, err := solana.PublicKeyFromBase58(p.From); err != nil {
		return "Invalid payload structure"
	}
	if _, err := solana.PublicKeyFromBase58(p.To); err != nil {
		return "Invalid payload structure"
	}

	sigBytes, err := base58.Decode(p.Signature)
	if err != nil || len(sigBytes) != 64 {
		return "Invalid payload structure"
	}

	if _, err := strconv.ParseFloat(p.Amount, 64); err != nil {
		return "Invalid payload structure"
	}

	age := time.Now().UnixMilli() - p.Timestamp
	if age < 0 || age > v.cfg.Timeout.Milliseconds() {
		return "Payment timestamp expired"
	}

	return ""
}

// reconcile checks the transaction's participants against the claim and
// reconstructs the transferred amount from balance deltas.
func (v *Verifier) reconcile(detail *ledger.TransactionDetail, p facilitator.PaymentPayload, requiredAmount float64, requiredRecipient string) facilitator.VerificationResult {
	if detail.AccountIndexOf(p.From) == -1 {
		return facilitator.Invalid("Sender does not match transaction")
	}
	if p.To != requiredRecipient {
		return facilitator.Invalid("Recipient does not match required recipient")
	}

	asset := v.cfg.Assets[p.Asset]

	var transferred float64
	if asset.Native {
		transferred = nativeTransferred(detail, p.To)
	} else {
		transferred = tokenTransferred(detail, asset.Mint, p.From)
	}

	if transferred < requiredAmount*amountTolerance {
		return facilitator.Invalid("Insufficient payment: expected %s, received %s",
			formatAmount(requiredAmount), formatAmount(transferred))
	}

	return facilitator.VerificationResult{Valid: true}
}

// nativeTransferred reads the recipient's lamport balance delta.
func nativeTransferred(detail *ledger.TransactionDetail, recipient string) float64 {
	idx := detail.AccountIndexOf(recipient)
	if idx == -1 || idx >= len(detail.PreBalances) || idx >= len(detail.PostBalances) {
		return 0
	}
	delta := int64(detail.PostBalances[idx]) - int64(detail.PreBalances[idx])
	if delta <= 0 {
		return 0
	}
	return float64(delta) / lamportsPerSol
}

// tokenTransferred sums the debit across every token account of the sender
// holding the asset's mint. Summing per-account debits keeps
// multi-instruction transfers correct.
func tokenTransferred(detail *ledger.TransactionDetail, mint, sender string) float64 {
	var total float64
	for _, pre := range detail.PreTokenBalances {
		if pre.Mint != mint {
			continue
		}

		owner := pre.Owner
		if owner == "" && pre.AccountIndex < len(detail.AccountKeys) {
			owner = detail.AccountKeys[pre.AccountIndex]
		}
		if owner != sender {
			continue
		}

		for _, post := range detail.PostTokenBalances {
			if post.AccountIndex != pre.AccountIndex {
				continue
			}
			if pre.UIAmount > post.UIAmount {
				total += pre.UIAmount - post.UIAmount
			}
			break
		}
	}
	return total
}

// formatAmount renders an amount with minimal digits ("1", "0.98").
func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

func buildReceipt(detail *ledger.TransactionDetail, p facilitator.PaymentPayload) facilitator.Receipt {
	return facilitator.Receipt{
		TransactionID: p.Signature,
		From:          p.From,
		To:            p.To,
		Amount:        p.Amount,
		Asset:         p.Asset,
		Timestamp:     p.Timestamp,
		BlockHash:     detail.BlockHash,
		Slot:          detail.Slot,
		Signature:     p.Signature,
		Verifiable:    true,
	}
}
