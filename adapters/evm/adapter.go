// Package evm implements the chain adapter for EVM networks using
// go-ethereum: companion keypair generation, native and ERC-20 balance
// reads, and EIP-155 signed transfers.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	settler "github.com/railpay/settler"
)

// nativeTransferGasLimit is the fixed gas cost of a plain value transfer.
const nativeTransferGasLimit = 21000

// erc20ABI is the minimal ABI surface the adapter needs.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Backend is the subset of ethclient.Client the adapter uses. Narrowed for
// testability; *ethclient.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Adapter serves one EVM chain identified by its CAIP-2 network.
type Adapter struct {
	network settler.Network
	chainID *big.Int
	backend Backend
	erc20   abi.ABI
	logger  *slog.Logger
}

// New creates an adapter over an existing backend.
func New(network settler.Network, chainID *big.Int, backend Backend, logger *slog.Logger) (*Adapter, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		network: network,
		chainID: chainID,
		backend: backend,
		erc20:   parsed,
		logger:  logger,
	}, nil
}

// Dial connects to an RPC endpoint and derives the chain ID from the
// network's CAIP-2 reference (e.g. "eip155:8453" -> 8453).
func Dial(ctx context.Context, network settler.Network, rpcURL string, logger *slog.Logger) (*Adapter, error) {
	_, reference, err := network.Parse()
	if err != nil {
		return nil, err
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, fmt.Errorf("network %s has no numeric chain id", network)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return New(network, chainID, client, logger)
}

// Namespace returns the network this adapter serves.
func (a *Adapter) Namespace() settler.Network {
	return a.network
}

// GenerateAccount mints a fresh secp256k1 keypair and derives its address.
func (a *Adapter) GenerateAccount(ctx context.Context) (settler.GeneratedAccount, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return settler.GeneratedAccount{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return settler.GeneratedAccount{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: common.Bytes2Hex(crypto.FromECDSA(key)),
	}, nil
}

// GetBalance returns the address's balance in base units: wei for the native
// asset, token units via balanceOf for ERC-20 contracts.
func (a *Adapter) GetBalance(ctx context.Context, asset settler.Asset, address string) (*big.Int, error) {
	account := common.HexToAddress(address)

	if asset.Native() {
		balance, err := a.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, fmt.Errorf("balance query for %s failed: %w", address, err)
		}
		return balance, nil
	}

	data, err := a.erc20.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	contract := common.HexToAddress(asset.Contract)
	raw, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call for %s failed: %w", address, err)
	}
	outputs, err := a.erc20.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", outputs[0])
	}
	return balance, nil
}

// SendTransfer signs and broadcasts a transfer from the companion account.
// An error return means the broadcast cannot be assumed to have happened.
func (a *Adapter) SendTransfer(ctx context.Context, req settler.TransferRequest) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(req.PrivateKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("nonce query failed: %w", err)
	}
	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price query failed: %w", err)
	}

	var tx *types.Transaction
	if req.Asset.Native() {
		to := common.HexToAddress(req.To)
		tx = types.NewTransaction(nonce, to, req.Amount, nativeTransferGasLimit, gasPrice, nil)
	} else {
		data, err := a.erc20.Pack("transfer", common.HexToAddress(req.To), req.Amount)
		if err != nil {
			return "", fmt.Errorf("failed to pack transfer: %w", err)
		}
		contract := common.HexToAddress(req.Asset.Contract)
		gasLimit, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data})
		if err != nil {
			return "", fmt.Errorf("gas estimate failed: %w", err)
		}
		tx = types.NewTransaction(nonce, contract, new(big.Int), gasLimit, gasPrice, data)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}

	a.logger.Info("transfer broadcast",
		"network", a.network,
		"asset", req.Asset.String(),
		"tx_hash", signed.Hash().Hex())
	return signed.Hash().Hex(), nil
}

// Ensure Adapter implements settler.ChainAdapter
var _ settler.ChainAdapter = (*Adapter)(nil)
