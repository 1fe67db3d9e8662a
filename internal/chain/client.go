// Package chain is the boundary adapter to the escrow smart contract.
// It owns transaction signing, per-signer nonce sequencing, and receipt
// confirmation; amounts cross this boundary as integer wei only.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrUnreachable       = errors.New("chain: RPC unreachable")
	ErrReverted          = errors.New("chain: transaction reverted")
	// ErrTimeout means the transaction was submitted but confirmation was
	// not observed within the window. The outcome is indeterminate: the
	// transaction may still land. Callers must not blindly retry.
	ErrTimeout = errors.New("chain: confirmation timed out")
)

// CallError wraps contract call failures with context.
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Escrow contract external ABI. createJob is payable: the lock amount
// rides as transaction value.
const escrowABI = `[
	{"inputs":[{"name":"jobId","type":"uint256"},{"name":"timeLimitHours","type":"uint256"}],"name":"createJob","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"jobId","type":"uint256"},{"name":"worker","type":"address"}],"name":"releasePayment","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"jobId","type":"uint256"}],"name":"refundExpiredJob","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"jobId","type":"uint256"}],"name":"cancelJob","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"jobId","type":"uint256"}],"name":"getJob","outputs":[{"name":"employer","type":"address"},{"name":"worker","type":"address"},{"name":"amount","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"released","type":"bool"},{"name":"refunded","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"jobId","type":"uint256"}],"name":"getJobBalance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getContractStats","outputs":[{"name":"totalLocked","type":"uint256"},{"name":"totalFees","type":"uint256"},{"name":"contractBalance","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit for escrow calls when estimation fails.
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new escrow client
type Config struct {
	RPCURL             string
	ChainID            int64
	ContractAddr       string
	PlatformPrivateKey string // Hex string, 0x prefix optional
	ConfirmTimeout     time.Duration
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// WithKeyring sets the employer-side signing keyring.
func WithKeyring(k Keyring) Option {
	return func(c *Client) { c.keyring = k }
}

// Receipt is a confirmed transaction result.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// JobInfo is the contract's view of a job, used for reconciliation.
type JobInfo struct {
	Employer common.Address
	Worker   common.Address
	Amount   *big.Int
	Deadline *big.Int
	Released bool
	Refunded bool
}

// Stats mirrors getContractStats.
type Stats struct {
	TotalLockedWei  *big.Int
	TotalFeesWei    *big.Int
	ContractBalance *big.Int
}

// Client talks to the escrow contract. Platform-initiated operations
// (release, refund) sign with the platform key; employer-initiated
// operations (lock, cancel) resolve keys through the Keyring. Submissions
// are serialized per signing address because chain nonces are strictly
// sequential.
type Client struct {
	client       EthClient
	contract     common.Address
	chainID      *big.Int
	platformKey  *ecdsa.PrivateKey
	platformAddr common.Address
	keyring      Keyring
	abi          abi.ABI
	timeout      time.Duration

	nonceMu sync.Mutex
	signers map[common.Address]*sync.Mutex

	pollInterval time.Duration
}

// New creates a new escrow client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	platformKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PlatformPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		contract:     common.HexToAddress(cfg.ContractAddr),
		chainID:      big.NewInt(cfg.ChainID),
		platformKey:  platformKey,
		platformAddr: crypto.PubkeyToAddress(platformKey.PublicKey),
		abi:          parsedABI,
		timeout:      cfg.ConfirmTimeout,
		signers:      make(map[common.Address]*sync.Mutex),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultConfirmationTimeout
	}
	c.pollInterval = ConfirmationPollInterval

	for _, opt := range opts {
		opt(c)
	}
	if c.keyring == nil {
		c.keyring = NewDevKeyring()
	}
	if c.client == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		c.client = ec
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrUnreachable)
	}
	key := strings.TrimPrefix(cfg.PlatformPrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain ID required")
	}
	if !common.IsHexAddress(cfg.ContractAddr) {
		return fmt.Errorf("%w: contract address %q", ErrInvalidAddress, cfg.ContractAddr)
	}
	return nil
}

// PlatformAddress returns the platform signer's address.
func (c *Client) PlatformAddress() string {
	return c.platformAddr.Hex()
}

// ContractAddress returns the escrow contract address.
func (c *Client) ContractAddress() string {
	return c.contract.Hex()
}

// Close closes the underlying client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Settlement operations
// -----------------------------------------------------------------------------

// Lock reserves amountWei (pay + fee) in escrow for a job, signed by the
// employer. timeLimitHours bounds the contract-side deadline.
func (c *Client) Lock(ctx context.Context, jobID int64, timeLimitHours int, amountWei *big.Int, employer common.Address) (*Receipt, error) {
	key, err := c.keyring.Key(employer)
	if err != nil {
		return nil, &CallError{Op: "lock", Err: err}
	}
	data, err := c.abi.Pack("createJob", big.NewInt(jobID), big.NewInt(int64(timeLimitHours)))
	if err != nil {
		return nil, &CallError{Op: "lock", Err: err}
	}
	return c.transact(ctx, "lock", key, amountWei, data)
}

// Release pays out a job's escrow to the worker. Platform-signed.
func (c *Client) Release(ctx context.Context, jobID int64, worker common.Address) (*Receipt, error) {
	data, err := c.abi.Pack("releasePayment", big.NewInt(jobID), worker)
	if err != nil {
		return nil, &CallError{Op: "release", Err: err}
	}
	return c.transact(ctx, "release", c.platformKey, nil, data)
}

// Refund returns an expired job's escrow to the employer. Platform-signed.
func (c *Client) Refund(ctx context.Context, jobID int64) (*Receipt, error) {
	data, err := c.abi.Pack("refundExpiredJob", big.NewInt(jobID))
	if err != nil {
		return nil, &CallError{Op: "refund", Err: err}
	}
	return c.transact(ctx, "refund", c.platformKey, nil, data)
}

// Cancel returns a cancelled job's escrow to the employer, signed by the
// employer.
func (c *Client) Cancel(ctx context.Context, jobID int64, employer common.Address) (*Receipt, error) {
	key, err := c.keyring.Key(employer)
	if err != nil {
		return nil, &CallError{Op: "cancel", Err: err}
	}
	data, err := c.abi.Pack("cancelJob", big.NewInt(jobID))
	if err != nil {
		return nil, &CallError{Op: "cancel", Err: err}
	}
	return c.transact(ctx, "cancel", key, nil, data)
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// BalanceOf returns the native-token balance of an address in wei.
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return bal, nil
}

// GetJob returns the contract's record of a job.
func (c *Client) GetJob(ctx context.Context, jobID int64) (*JobInfo, error) {
	out, err := c.view(ctx, "getJob", big.NewInt(jobID))
	if err != nil {
		return nil, err
	}
	if len(out) != 6 {
		return nil, &CallError{Op: "getJob", Err: fmt.Errorf("unexpected output arity %d", len(out))}
	}
	info := &JobInfo{}
	var ok bool
	if info.Employer, ok = out[0].(common.Address); !ok {
		return nil, &CallError{Op: "getJob", Err: errors.New("malformed employer field")}
	}
	info.Worker, _ = out[1].(common.Address)
	info.Amount, _ = out[2].(*big.Int)
	info.Deadline, _ = out[3].(*big.Int)
	info.Released, _ = out[4].(bool)
	info.Refunded, _ = out[5].(bool)
	return info, nil
}

// JobBalance returns the wei still locked for a job.
func (c *Client) JobBalance(ctx context.Context, jobID int64) (*big.Int, error) {
	out, err := c.view(ctx, "getJobBalance", big.NewInt(jobID))
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, &CallError{Op: "getJobBalance", Err: errors.New("malformed balance")}
	}
	return bal, nil
}

// ContractStats returns aggregate escrow totals.
func (c *Client) ContractStats(ctx context.Context) (*Stats, error) {
	out, err := c.view(ctx, "getContractStats")
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, &CallError{Op: "getContractStats", Err: fmt.Errorf("unexpected output arity %d", len(out))}
	}
	s := &Stats{}
	s.TotalLockedWei, _ = out[0].(*big.Int)
	s.TotalFeesWei, _ = out[1].(*big.Int)
	s.ContractBalance, _ = out[2].(*big.Int)
	return s, nil
}

// IsReachable reports whether the RPC endpoint answers.
func (c *Client) IsReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.client.NetworkID(ctx)
	return err == nil
}

func (c *Client) view(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, &CallError{Op: method, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Transaction plumbing
// -----------------------------------------------------------------------------

// signerMu returns the per-address submission mutex.
func (c *Client) signerMu(addr common.Address) *sync.Mutex {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	mu, ok := c.signers[addr]
	if !ok {
		mu = &sync.Mutex{}
		c.signers[addr] = mu
	}
	return mu
}

// transact signs, submits, and confirms a contract call. The per-signer
// mutex is held from nonce fetch through send so concurrent submissions
// from one address never race on a nonce; confirmation polling happens
// outside it.
func (c *Client) transact(ctx context.Context, op string, key *ecdsa.PrivateKey, value *big.Int, data []byte) (*Receipt, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	mu := c.signerMu(from)
	mu.Lock()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		mu.Unlock()
		return nil, &CallError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		mu.Unlock()
		return nil, &CallError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation failure usually means the call would revert, but some
		// nodes also fail estimation transiently; fall back and let the
		// receipt decide.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		mu.Unlock()
		return nil, &CallError{Op: op, Err: err}
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		mu.Unlock()
		return nil, &CallError{Op: op, TxHash: signedTx.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	mu.Unlock()

	return c.waitReceipt(ctx, op, signedTx.Hash())
}

// waitReceipt polls for the transaction receipt within the confirmation
// window.
func (c *Client) waitReceipt(ctx context.Context, op string, hash common.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &CallError{Op: op, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, &CallError{Op: op, TxHash: hash.Hex(), Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == 0 {
				return nil, &CallError{Op: op, TxHash: hash.Hex(), Err: ErrReverted}
			}
			return &Receipt{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}
