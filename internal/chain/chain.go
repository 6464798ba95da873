// Package chain handles all interactions with the meal escrow contract.
//
// The contract is the authoritative ledger: funds move only there. This
// package submits lock/release/cancel transactions, reads current escrow
// state, and filters the event log for the listener. It performs no mirror
// writes and holds no business logic.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrTxReverted        = errors.New("chain: transaction reverted")
)

// SubmissionError wraps submission failures with context.
type SubmissionError struct {
	Op     string // Operation that failed (lock, release, cancel)
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmissionError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Ledger is the full contract surface used by the command handler and the
// event listener.
type Ledger interface {
	LockFund(ctx context.Context, escrowID common.Hash, payee common.Address, metadata string, amount *big.Int) (*Receipt, error)
	ReleaseFund(ctx context.Context, escrowID common.Hash) (*Receipt, error)
	CancelFund(ctx context.Context, escrowID common.Hash, reason string) (*Receipt, error)
	GetEscrow(ctx context.Context, escrowID common.Hash) (*EscrowState, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEscrowEvents(ctx context.Context, fromBlock, toBlock uint64) ([]RawEvent, error)
	Close() error
}

// EthClient abstracts go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Minimal ABI for the meal escrow contract.
const escrowABI = `[
	{"inputs":[{"name":"escrowId","type":"bytes32"},{"name":"payee","type":"address"},{"name":"metadata","type":"string"},{"name":"amount","type":"uint256"}],"name":"lockFund","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"bytes32"}],"name":"releaseFund","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"bytes32"},{"name":"reason","type":"string"}],"name":"cancelFund","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"bytes32"}],"name":"getEscrow","outputs":[{"name":"payer","type":"address"},{"name":"payee","type":"address"},{"name":"amount","type":"uint256"},{"name":"locked","type":"bool"},{"name":"released","type":"bool"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"bytes32"},{"indexed":true,"name":"payer","type":"address"},{"indexed":true,"name":"payee","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"timestamp","type":"uint256"},{"indexed":false,"name":"metadata","type":"string"}],"name":"FundLocked","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"bytes32"},{"indexed":true,"name":"payer","type":"address"},{"indexed":true,"name":"payee","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"timestamp","type":"uint256"},{"indexed":false,"name":"releaseTxRef","type":"string"}],"name":"PaymentReleased","type":"event"}
]`

const (
	// DefaultGasLimit when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultSubmitTimeout bounds submit-and-wait-for-inclusion.
	// A submission still pending after this resolves to ErrTimeout.
	DefaultSubmitTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Event type names as they appear in envelopes and the ingested-event log.
const (
	EventFundLocked      = "FundLocked"
	EventPaymentReleased = "PaymentReleased"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new contract client
type Config struct {
	RPCURL     string
	PrivateKey string // Hex string, with or without 0x prefix
	ChainID    int64
	Contract   string

	// SubmitTimeout overrides DefaultSubmitTimeout when positive.
	SubmitTimeout time.Duration
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// Receipt identifies a transaction accepted into a block.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// EscrowState is the contract's current view of one escrow.
type EscrowState struct {
	Payer    common.Address
	Payee    common.Address
	Amount   *big.Int
	Locked   bool
	Released bool
}

// RawEvent is one decoded contract log, before envelope normalization.
type RawEvent struct {
	Type        string // EventFundLocked or EventPaymentReleased
	EscrowID    common.Hash
	Payer       common.Address
	Payee       common.Address
	Amount      *big.Int
	Timestamp   uint64
	Metadata    string // FundLocked only
	ReleaseRef  string // PaymentReleased only
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// Client submits transactions to and reads state from the escrow contract.
type Client struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	contract      common.Address
	contractABI   abi.ABI
	submitTimeout time.Duration

	fundLockedTopic      common.Hash
	paymentReleasedTopic common.Hash
}

// Compile-time interface check
var _ Ledger = (*Client)(nil)

// New creates a new contract client
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		privateKey:           privateKey,
		address:              crypto.PubkeyToAddress(*publicKey),
		chainID:              big.NewInt(cfg.ChainID),
		contract:             common.HexToAddress(cfg.Contract),
		contractABI:          parsedABI,
		submitTimeout:        cfg.SubmitTimeout,
		fundLockedTopic:      parsedABI.Events["FundLocked"].ID,
		paymentReleasedTopic: parsedABI.Events["PaymentReleased"].ID,
	}
	if c.submitTimeout <= 0 {
		c.submitTimeout = DefaultSubmitTimeout
	}

	for _, opt := range opts {
		opt(c)
	}

	// Connect to RPC if no client provided
	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.Contract == "" {
		return fmt.Errorf("escrow contract address required")
	}
	return nil
}

// Address returns the submitting (admin) address.
func (c *Client) Address() string {
	return c.address.Hex()
}

// Close releases the underlying RPC connection.
func (c *Client) Close() error {
	c.client.Close()
	return nil
}

// -----------------------------------------------------------------------------
// Submissions
// -----------------------------------------------------------------------------

// LockFund submits a lock transaction and waits for block inclusion.
func (c *Client) LockFund(ctx context.Context, escrowID common.Hash, payee common.Address, metadata string, amount *big.Int) (*Receipt, error) {
	data, err := c.contractABI.Pack("lockFund", escrowID, payee, metadata, amount)
	if err != nil {
		return nil, &SubmissionError{Op: "lock", Err: err}
	}
	return c.submit(ctx, "lock", data)
}

// ReleaseFund submits a release transaction and waits for block inclusion.
func (c *Client) ReleaseFund(ctx context.Context, escrowID common.Hash) (*Receipt, error) {
	data, err := c.contractABI.Pack("releaseFund", escrowID)
	if err != nil {
		return nil, &SubmissionError{Op: "release", Err: err}
	}
	return c.submit(ctx, "release", data)
}

// CancelFund submits a cancellation transaction and waits for block inclusion.
func (c *Client) CancelFund(ctx context.Context, escrowID common.Hash, reason string) (*Receipt, error) {
	data, err := c.contractABI.Pack("cancelFund", escrowID, reason)
	if err != nil {
		return nil, &SubmissionError{Op: "cancel", Err: err}
	}
	return c.submit(ctx, "cancel", data)
}

// submit signs, sends, and waits for the transaction to be mined.
// The whole operation is bounded by submitTimeout.
func (c *Client) submit(ctx context.Context, op string, data []byte) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &SubmissionError{Op: op, Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &SubmissionError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return c.waitMined(ctx, op, signedTx.Hash())
}

// waitMined polls for the transaction receipt until mined or ctx expires.
func (c *Client) waitMined(ctx context.Context, op string, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, &SubmissionError{Op: op, TxHash: txHash.Hex(), Err: ErrTxReverted}
			}
			return &Receipt{
				TxHash:      txHash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, &SubmissionError{Op: op, TxHash: txHash.Hex(), Err: ErrTimeout}
		case <-ticker.C:
		}
	}
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetEscrow reads the contract's current state for one escrow.
func (c *Client) GetEscrow(ctx context.Context, escrowID common.Hash) (*EscrowState, error) {
	data, err := c.contractABI.Pack("getEscrow", escrowID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getEscrow call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getEscrow: %w", err)
	}

	out, err := c.contractABI.Unpack("getEscrow", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getEscrow result: %w", err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("unexpected getEscrow result arity: %d", len(out))
	}

	state := &EscrowState{}
	var ok bool
	if state.Payer, ok = out[0].(common.Address); !ok {
		return nil, fmt.Errorf("unexpected payer type %T", out[0])
	}
	if state.Payee, ok = out[1].(common.Address); !ok {
		return nil, fmt.Errorf("unexpected payee type %T", out[1])
	}
	if state.Amount, ok = out[2].(*big.Int); !ok {
		return nil, fmt.Errorf("unexpected amount type %T", out[2])
	}
	if state.Locked, ok = out[3].(bool); !ok {
		return nil, fmt.Errorf("unexpected locked type %T", out[3])
	}
	if state.Released, ok = out[4].(bool); !ok {
		return nil, fmt.Errorf("unexpected released type %T", out[4])
	}
	return state, nil
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}
