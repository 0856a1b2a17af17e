package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/relayflow-go/internal/domain/credential"
)

const defaultSolanaRPCURL = rpc.DevNet_RPC

// Ledger is the part of the Solana RPC client the connector uses.
type Ledger interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// TransferConnector moves SOL from the credential's wallet to config.to.
// config.amount is in SOL. Output is the transaction signature.
type TransferConnector struct {
	ledger Ledger
}

// NewTransferConnector creates a Solana connector against rpcURL, devnet when empty.
func NewTransferConnector(rpcURL string) *TransferConnector {
	if rpcURL == "" {
		rpcURL = defaultSolanaRPCURL
	}
	return &TransferConnector{ledger: rpc.New(rpcURL)}
}

// NewTransferConnectorWithLedger is NewTransferConnector with an injected RPC client.
func NewTransferConnectorWithLedger(ledger Ledger) *TransferConnector {
	return &TransferConnector{ledger: ledger}
}

// Spec reports that to and amount must be present, neither of them bindable.
func (c *TransferConnector) Spec() FieldSpec {
	return FieldSpec{Required: []string{"to", "amount"}}
}

// Execute signs a system transfer with the credential's private key and
// broadcasts it, returning the signature.
func (c *TransferConnector) Execute(ctx context.Context, config, secret map[string]interface{}) (Result, error) {
	if err := requireConfig(config, "to", "amount"); err != nil {
		return Result{}, err
	}
	rawKey, err := secretString(secret, credential.KeyPrivateKey)
	if err != nil {
		return Result{}, err
	}

	from, err := solana.PrivateKeyFromBase58(rawKey)
	if err != nil {
		return Result{}, fmt.Errorf("invalid signing key: %v", err)
	}
	to, err := solana.PublicKeyFromBase58(configString(config, "to"))
	if err != nil {
		return Result{}, fmt.Errorf("invalid destination address: %v", err)
	}
	lamports, err := toLamports(configString(config, "amount"))
	if err != nil {
		return Result{}, err
	}

	recent, err := c.ledger.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return Result{}, fmt.Errorf("solana: failed to fetch blockhash: %v", err)
	}
	if recent == nil || recent.Value == nil {
		return Result{}, fmt.Errorf("solana: empty blockhash response")
	}

	payer := from.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, payer, to).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return Result{}, fmt.Errorf("solana: failed to build transaction: %v", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &from
		}
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("solana: failed to sign transaction: %v", err)
	}

	sig, err := c.ledger.SendTransaction(ctx, tx)
	if err != nil {
		return Result{}, fmt.Errorf("solana: failed to send transaction: %v", err)
	}

	return Result{Output: sig.String()}, nil
}

// Bounds on the decimal magnitude of an amount in SOL, checked before any
// arithmetic so a huge exponent never reaches the big.Int rescale.
const (
	maxAmountLen       = 64
	maxAmountMagnitude = 12  // 10^12 SOL is above MaxUint64 lamports
	minAmountMagnitude = -10 // 10^-10 SOL rounds to zero lamports
)

func toLamports(amount string) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if len(amount) > maxAmountLen {
		return 0, fmt.Errorf("amount %q is too long", amount[:maxAmountLen]+"...")
	}
	sol, err := decimal.NewFromString(amount)
	if err != nil || !sol.IsPositive() {
		return 0, fmt.Errorf("amount must be a positive number, got %q", amount)
	}
	// value < 10^(digits+exp)
	magnitude := int64(len(sol.Coefficient().String())) + int64(sol.Exponent())
	if magnitude > maxAmountMagnitude {
		return 0, fmt.Errorf("amount %q is too large", amount)
	}
	if magnitude < minAmountMagnitude {
		return 0, fmt.Errorf("amount %q is below one lamport", amount)
	}
	// half away from zero, which is half up for positive amounts
	lamports := sol.Mul(decimal.NewFromInt(int64(solana.LAMPORTS_PER_SOL))).Round(0)
	if lamports.IsZero() {
		return 0, fmt.Errorf("amount %q is below one lamport", amount)
	}
	n := lamports.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("amount %q is too large", amount)
	}
	return n.Uint64(), nil
}
