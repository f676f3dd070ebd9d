// Package ledger is the facilitator's access layer to the Solana ledger.
// It exposes a narrow Client interface over the RPC node: fetch a finalized
// transaction with its balance meta, read a mint's decimal precision, submit
// a treasury-signed token transfer, and poll for confirmation.
//
// The neutral TransactionDetail model keeps verification logic independent of
// RPC wire types, so the verifier can be exercised against fakes.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrTransactionNotFound is returned when a signature does not resolve to a
// transaction on the ledger.
var ErrTransactionNotFound = errors.New("transaction not found")

// TokenBalance is a token account balance snapshot from transaction meta.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	UIAmount     float64
}

// TransactionDetail is the subset of an on-chain transaction the facilitator
// reconciles against: account keys, native balance deltas, and token balance
// snapshots before and after execution.
type TransactionDetail struct {
	Slot              uint64
	BlockHash         string
	Failed            bool
	AccountKeys       []string
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// AccountIndexOf returns the index of the given account key in the
// transaction's account list, or -1 if absent.
func (d *TransactionDetail) AccountIndexOf(key string) int {
	for i, k := range d.AccountKeys {
		if k == key {
			return i
		}
	}
	return -1
}

// Client is the ledger-access collaborator. All calls are blocking I/O with
// no built-in retry; callers impose their own timeout via ctx. Once a
// transfer is broadcast its effect is final regardless of caller-side timeout.
type Client interface {
	// GetTransaction fetches a transaction by its base58 signature.
	// Returns ErrTransactionNotFound if the ledger has no such transaction.
	GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error)

	// GetMintDecimals reads the decimal precision of a fungible token mint.
	GetMintDecimals(ctx context.Context, mint string) (uint8, error)

	// TransferToken submits a signed transfer of amount (in the token's
	// smallest unit) from the treasury to the recipient's wallet, and
	// returns the transaction signature.
	TransferToken(ctx context.Context, mint, recipient string, amount uint64) (string, error)

	// WaitForConfirmation polls until the transaction is confirmed, failed,
	// or the timeout elapses. Returns true only on confirmation.
	WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) (bool, error)
}
