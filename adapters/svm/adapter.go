// Package svm implements the chain adapter for Solana using
// gagliardetto/solana-go: companion wallet generation, SOL and SPL token
// balance reads, and system/token program transfers.
package svm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	settler "github.com/railpay/settler"
)

// Adapter serves one Solana cluster identified by its CAIP-2 network.
//
// SPL transfers address the recipient by wallet owner; the destination's
// associated token account must already exist. Intent providers hand out
// initialized deposit accounts, so the engine never needs to create one.
type Adapter struct {
	network settler.Network
	client  *rpc.Client
	logger  *slog.Logger
}

// New creates an adapter over an existing RPC client.
func New(network settler.Network, client *rpc.Client, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{network: network, client: client, logger: logger}
}

// Dial connects to a Solana RPC endpoint.
func Dial(network settler.Network, rpcURL string, logger *slog.Logger) *Adapter {
	return New(network, rpc.New(rpcURL), logger)
}

// Namespace returns the network this adapter serves.
func (a *Adapter) Namespace() settler.Network {
	return a.network
}

// GenerateAccount mints a fresh Ed25519 wallet.
func (a *Adapter) GenerateAccount(ctx context.Context) (settler.GeneratedAccount, error) {
	wallet := solana.NewWallet()
	return settler.GeneratedAccount{
		Address:    wallet.PublicKey().String(),
		PrivateKey: wallet.PrivateKey.String(),
	}, nil
}

// GetBalance returns the address's balance in base units: lamports for SOL,
// token base units for SPL assets. A missing token account reads as zero —
// before the first deposit the companion's account simply does not exist.
func (a *Adapter) GetBalance(ctx context.Context, asset settler.Asset, address string) (*big.Int, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}

	if asset.Native() {
		out, err := a.client.GetBalance(ctx, owner, rpc.CommitmentFinalized)
		if err != nil {
			return nil, fmt.Errorf("balance query for %s failed: %w", address, err)
		}
		return new(big.Int).SetUint64(out.Value), nil
	}

	mint, err := solana.PublicKeyFromBase58(asset.Contract)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %s: %w", asset.Contract, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token account: %w", err)
	}

	out, err := a.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		if strings.Contains(err.Error(), "could not find account") {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("token balance query for %s failed: %w", address, err)
	}
	balance, ok := new(big.Int).SetString(out.Value.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable token balance %q", out.Value.Amount)
	}
	return balance, nil
}

// SendTransfer signs and broadcasts a transfer from the companion wallet.
func (a *Adapter) SendTransfer(ctx context.Context, req settler.TransferRequest) (string, error) {
	key, err := solana.PrivateKeyFromBase58(req.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	from := key.PublicKey()

	to, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return "", fmt.Errorf("invalid destination %s: %w", req.To, err)
	}
	if !req.Amount.IsUint64() {
		return "", fmt.Errorf("amount %s exceeds uint64 range", req.Amount)
	}
	amount := req.Amount.Uint64()

	instruction, err := a.buildInstruction(req.Asset, amount, from, to)
	if err != nil {
		return "", err
	}

	blockhash, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("blockhash query failed: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(from) {
			return &key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	signature, err := a.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}

	a.logger.Info("transfer broadcast",
		"network", a.network,
		"asset", req.Asset.String(),
		"tx_hash", signature.String())
	return signature.String(), nil
}

// buildInstruction assembles a system transfer for SOL or a token program
// transfer between associated token accounts for SPL assets.
func (a *Adapter) buildInstruction(asset settler.Asset, amount uint64, from, to solana.PublicKey) (solana.Instruction, error) {
	if asset.Native() {
		return system.NewTransferInstruction(amount, from, to).Build(), nil
	}

	mint, err := solana.PublicKeyFromBase58(asset.Contract)
	if err != nil {
		return nil, fmt.Errorf("invalid mint %s: %w", asset.Contract, err)
	}
	source, _, err := solana.FindAssociatedTokenAddress(from, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source token account: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(to, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination token account: %w", err)
	}
	return token.NewTransferInstruction(amount, source, destination, from, nil).Build(), nil
}

// Ensure Adapter implements settler.ChainAdapter
var _ settler.ChainAdapter = (*Adapter)(nil)
