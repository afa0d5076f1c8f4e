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

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/transaction"
)

// nativeDecimals is the exponent between wei and the native token unit.
const nativeDecimals = 18

// Backend is the subset of the node API the pipeline depends on. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Snapshot summarises network metadata for health reporting.
type Snapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
}

// Option configures a Client.
type Option func(*Client)

// WithName labels the client in logs and snapshots.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithSigner sets the key used to sign every transaction.
func WithSigner(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.key = key
		if key != nil {
			c.from = crypto.PubkeyToAddress(key.PublicKey)
		}
	}
}

// WithRouter sets the pool-manager contract address.
func WithRouter(addr common.Address) Option {
	return func(c *Client) { c.router = addr }
}

// WithGasLimit fixes the gas limit instead of estimating it per transaction.
func WithGasLimit(limit uint64) Option {
	return func(c *Client) { c.gasLimit = limit }
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Client drives the build, sign, send and confirm stages against one chain.
type Client struct {
	name         string
	backend      Backend
	closer       func()
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	router       common.Address
	gasLimit     uint64
	pollInterval time.Duration

	nonceMu     sync.Mutex
	nonce       uint64
	nonceLoaded bool
}

// NewClient wraps an already connected backend.
func NewClient(ctx context.Context, backend Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.New("链访问后端不能为空")
	}
	c := &Client{backend: backend, pollInterval: 2 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return c, nil
}

// Dial connects to the node described by def and returns a ready-to-use client.
func Dial(ctx context.Context, name string, def Definition, key *ecdsa.PrivateKey) (*Client, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if def.Router != "" && !common.IsHexAddress(def.Router) {
		return nil, fmt.Errorf("无效的合约地址 %q", def.Router)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	c, err := NewClient(ctx, eth,
		WithName(name),
		WithSigner(key),
		WithRouter(common.HexToAddress(def.Router)),
		WithGasLimit(def.GasLimit),
		WithPollInterval(def.PollInterval))
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

// ParseKey decodes a hex encoded secp256k1 private key.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return key, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Address returns the signer address.
func (c *Client) Address() common.Address { return c.from }

// Pipeline exposes the client as the executor's four collaborators.
func (c *Client) Pipeline() transaction.Pipeline {
	return transaction.Pipeline{Builder: c, Signer: c, Sender: c, Confirmer: c}
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取最新区块高度失败")
	}
	return Snapshot{Name: c.name, ChainID: c.chainID.String(), BlockNumber: block}, nil
}

// NativeBalance returns the wallet balance in native token units.
func (c *Client) NativeBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if !common.IsHexAddress(wallet) {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid wallet address %q", wallet))
	}
	wei, err := c.backend.BalanceAt(ctx, common.HexToAddress(wallet), nil)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "查询余额失败")
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals), nil
}

func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if !c.nonceLoaded {
		n, err := c.backend.PendingNonceAt(ctx, c.from)
		if err != nil {
			return 0, err
		}
		c.nonce = n
		c.nonceLoaded = true
	}
	n := c.nonce
	c.nonce++
	return n, nil
}

// resetNonce forces the next build to reload the pending nonce from the node.
func (c *Client) resetNonce() {
	c.nonceMu.Lock()
	c.nonceLoaded = false
	c.nonceMu.Unlock()
}
