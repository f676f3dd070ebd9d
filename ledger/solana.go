package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
)

// confirmPollInterval is how often WaitForConfirmation re-checks status.
const confirmPollInterval = time.Second

// SolanaClient implements Client against a Solana RPC node.
type SolanaClient struct {
	rpc      *rpc.Client
	treasury solana.PrivateKey
}

// NewSolanaClient creates a read-only ledger client. TransferToken fails
// until a treasury key is configured.
func NewSolanaClient(rpcURL string) *SolanaClient {
	return &SolanaClient{rpc: rpc.New(rpcURL)}
}

// NewSolanaClientWithTreasury creates a ledger client that can sign payouts
// with the given base58-encoded treasury private key.
func NewSolanaClientWithTreasury(rpcURL, treasuryKeyBase58 string) (*SolanaClient, error) {
	treasury, err := solana.PrivateKeyFromBase58(treasuryKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid treasury private key: %w", err)
	}
	return &SolanaClient{rpc: rpc.New(rpcURL), treasury: treasury}, nil
}

// TreasuryAddress returns the treasury public key, or an empty string when no
// signing key is configured.
func (c *SolanaClient) TreasuryAddress() string {
	if c.treasury == nil {
		return ""
	}
	return c.treasury.PublicKey().String()
}

// GetTransaction fetches a confirmed transaction and maps it into the neutral
// TransactionDetail model.
func (c *SolanaClient) GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction signature: %w", err)
	}

	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if out == nil || out.Meta == nil {
		return nil, ErrTransactionNotFound
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	detail := &TransactionDetail{
		Slot:         out.Slot,
		BlockHash:    tx.Message.RecentBlockhash.String(),
		Failed:       out.Meta.Err != nil,
		PreBalances:  out.Meta.PreBalances,
		PostBalances: out.Meta.PostBalances,
	}
	for _, key := range tx.Message.AccountKeys {
		detail.AccountKeys = append(detail.AccountKeys, key.String())
	}
	detail.PreTokenBalances = mapTokenBalances(out.Meta.PreTokenBalances)
	detail.PostTokenBalances = mapTokenBalances(out.Meta.PostTokenBalances)

	return detail, nil
}

func mapTokenBalances(balances []rpc.TokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(balances))
	for _, b := range balances {
		tb := TokenBalance{
			AccountIndex: int(b.AccountIndex),
			Mint:         b.Mint.String(),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			if amount, err := strconv.ParseFloat(b.UiTokenAmount.UiAmountString, 64); err == nil {
				tb.UIAmount = amount
			}
		}
		out = append(out, tb)
	}
	return out
}

// GetMintDecimals reads the mint account and decodes its decimal precision.
func (c *SolanaClient) GetMintDecimals(ctx context.Context, mint string) (uint8, error) {
	mintPubkey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint address: %w", err)
	}

	account, err := c.rpc.GetAccountInfo(ctx, mintPubkey)
	if err != nil {
		return 0, fmt.Errorf("failed to get mint account: %w", err)
	}
	if account == nil || account.Value == nil {
		return 0, fmt.Errorf("mint account not found: %s", mint)
	}

	var mintData token.Mint
	if err := bin.NewBinDecoder(account.Value.Data.GetBinary()).Decode(&mintData); err != nil {
		return 0, fmt.Errorf("failed to decode mint data: %w", err)
	}
	return mintData.Decimals, nil
}

// TransferToken builds, signs, and submits a TransferChecked from the
// treasury's associated token account to the recipient's. The recipient's
// associated account is created in the same transaction when missing.
func (c *SolanaClient) TransferToken(ctx context.Context, mint, recipient string, amount uint64) (string, error) {
	if c.treasury == nil {
		return "", fmt.Errorf("treasury signing key not configured")
	}

	mintPubkey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint address: %w", err)
	}
	recipientPubkey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}

	treasuryPubkey := c.treasury.PublicKey()

	sourceATA, _, err := solana.FindAssociatedTokenAddress(treasuryPubkey, mintPubkey)
	if err != nil {
		return "", fmt.Errorf("failed to derive source ATA: %w", err)
	}
	destinationATA, _, err := solana.FindAssociatedTokenAddress(recipientPubkey, mintPubkey)
	if err != nil {
		return "", fmt.Errorf("failed to derive destination ATA: %w", err)
	}

	decimals, err := c.GetMintDecimals(ctx, mint)
	if err != nil {
		return "", err
	}

	builder := solana.NewTransactionBuilder()

	destAccount, err := c.rpc.GetAccountInfo(ctx, destinationATA)
	if err != nil || destAccount == nil || destAccount.Value == nil {
		createIx := associatedtokenaccount.NewCreateInstruction(
			treasuryPubkey,
			recipientPubkey,
			mintPubkey,
		).Build()
		builder.AddInstruction(createIx)
	}

	transferIx, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mintPubkey).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(treasuryPubkey).
		ValidateAndBuild()
	if err != nil {
		return "", fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	builder.AddInstruction(transferIx)

	latest, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := builder.
		SetRecentBlockHash(latest.Value.Blockhash).
		SetFeePayer(treasuryPubkey).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(treasuryPubkey) {
			return &c.treasury
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return sig.String(), nil
}

// WaitForConfirmation polls signature status until the transaction reaches
// confirmed or finalized commitment, fails on-chain, or the timeout elapses.
func (c *SolanaClient) WaitForConfirmation(ctx context.Context, signature string, timeout time.Duration) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, fmt.Errorf("invalid transaction signature: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && status != nil && len(status.Value) > 0 && status.Value[0] != nil {
			v := status.Value[0]
			if v.Err != nil {
				return false, nil
			}
			if v.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				v.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(confirmPollInterval):
		}
	}
	return false, nil
}

// Ensure SolanaClient implements Client
var _ Client = (*SolanaClient)(nil)
