package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	xerrors "OpenLP-Agent/internal/errors"
	"OpenLP-Agent/internal/transaction"
)

// routerABI is the pool-manager interface every liquidity operation targets.
const routerABI = `[
 {"type":"function","name":"addLiquidity","stateMutability":"payable","inputs":[{"name":"pool","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"removeLiquidity","stateMutability":"nonpayable","inputs":[{"name":"pool","type":"bytes32"},{"name":"bps","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"closePosition","stateMutability":"nonpayable","inputs":[{"name":"pool","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"claimFees","stateMutability":"nonpayable","inputs":[{"name":"pool","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"swap","stateMutability":"payable","inputs":[{"name":"pool","type":"bytes32"},{"name":"amountIn","type":"uint256"}],"outputs":[]}
]`

var parsedRouter = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid router abi: %v", err))
	}
	return parsed
}()

// gasHeadroom pads estimated gas by 20%.
const gasHeadroom = 120

// Build encodes the request as a dynamic-fee transaction with the next nonce.
func (c *Client) Build(ctx context.Context, req transaction.Request) (transaction.Unsigned, error) {
	if c.key == nil {
		return transaction.Unsigned{}, xerrors.New(xerrors.CodeInvalidArgument, "chain client has no signer key")
	}
	if w := req.Payload.Wallet; w != "" && (!common.IsHexAddress(w) || common.HexToAddress(w) != c.from) {
		return transaction.Unsigned{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("wallet %s is not controlled by signer %s", w, c.from.Hex()))
	}
	to, value, data, err := c.encode(req)
	if err != nil {
		return transaction.Unsigned{}, err
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return transaction.Unsigned{}, upstream(err, "获取小费建议失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return transaction.Unsigned{}, upstream(err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := c.gasLimit
	if gas == 0 {
		estimated, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &to, Value: value, Data: data})
		if err != nil {
			return transaction.Unsigned{}, upstream(err, "估算 gas 失败")
		}
		gas = estimated * gasHeadroom / 100
	}

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return transaction.Unsigned{}, upstream(err, "查询交易计数失败")
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	return transaction.Unsigned{RequestID: req.ID, Wallet: c.from.Hex(), Tx: tx}, nil
}

// Sign signs the transaction with the client key for the connected chain.
func (c *Client) Sign(_ context.Context, u transaction.Unsigned) (transaction.Signed, error) {
	tx, ok := u.Tx.(*coretypes.Transaction)
	if !ok || tx == nil {
		return transaction.Signed{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unexpected transaction payload %T", u.Tx))
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return transaction.Signed{}, xerrors.Wrap(xerrors.CodeTransactionFailure, err, "签名交易失败")
	}
	return transaction.Signed{RequestID: u.RequestID, Wallet: u.Wallet, Tx: signed}, nil
}

// Send broadcasts the transaction and returns its hash. A rejected broadcast
// makes the next build reload the pending nonce.
func (c *Client) Send(ctx context.Context, s transaction.Signed) (string, error) {
	tx, ok := s.Tx.(*coretypes.Transaction)
	if !ok || tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unexpected transaction payload %T", s.Tx))
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		c.resetNonce()
		return "", upstream(err, "发送交易失败")
	}
	return tx.Hash().Hex(), nil
}

// Confirm polls for the receipt until it appears or ctx ends.
func (c *Client) Confirm(ctx context.Context, handle string) (transaction.Confirmation, error) {
	hash := common.HexToHash(handle)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return transaction.Confirmation{
				Success:     receipt.Status == coretypes.ReceiptStatusSuccessful,
				Handle:      handle,
				FinalizedAt: time.Now().UTC(),
				Detail:      fmt.Sprintf("block=%s gas_used=%d", receipt.BlockNumber, receipt.GasUsed),
			}, nil
		case err != nil && ctx.Err() != nil:
			return transaction.Confirmation{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易回执超时")
		case err != nil && !receiptPending(err):
			return transaction.Confirmation{}, upstream(err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return transaction.Confirmation{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易回执超时")
		case <-ticker.C:
		}
	}
}

// receiptPending reports whether a receipt lookup error means the
// transaction is not available yet, either unmined or still being indexed.
func receiptPending(err error) bool {
	if errors.Is(err, gethcore.NotFound) {
		return true
	}
	return strings.Contains(err.Error(), "transaction indexing is in progress")
}

func (c *Client) encode(req transaction.Request) (common.Address, *big.Int, []byte, error) {
	p := req.Payload
	if req.Type == transaction.TypeWithdraw {
		if !common.IsHexAddress(p.Recipient) {
			return common.Address{}, nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "withdraw requires a recipient address")
		}
		return common.HexToAddress(p.Recipient), toWei(p.Amount), nil, nil
	}
	if c.router == (common.Address{}) {
		return common.Address{}, nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "router address not configured")
	}
	if p.PoolID == "" {
		return common.Address{}, nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "pool id is required")
	}
	pool := poolKey(p.PoolID)
	value := new(big.Int)

	var (
		data []byte
		err  error
	)
	switch req.Type {
	case transaction.TypeAddLiquidity:
		value = toWei(p.Amount)
		data, err = parsedRouter.Pack("addLiquidity", pool, value)
	case transaction.TypeRemoveLiquidity:
		data, err = parsedRouter.Pack("removeLiquidity", pool, toBasisPoints(p.Percentage))
	case transaction.TypeClosePosition:
		data, err = parsedRouter.Pack("closePosition", pool)
	case transaction.TypeClaimFees:
		data, err = parsedRouter.Pack("claimFees", pool)
	case transaction.TypeSwap:
		value = toWei(p.Amount)
		data, err = parsedRouter.Pack("swap", pool, value)
	default:
		return common.Address{}, nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported transaction type %q", req.Type))
	}
	if err != nil {
		return common.Address{}, nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode router call")
	}
	return c.router, value, data, nil
}

// poolKey accepts a 32-byte hex pool id as-is and hashes anything else.
func poolKey(id string) [32]byte {
	trimmed := strings.TrimPrefix(id, "0x")
	if len(trimmed) == 64 {
		if raw := common.FromHex(trimmed); len(raw) == 32 {
			return common.BytesToHash(raw)
		}
	}
	return crypto.Keccak256Hash([]byte(id))
}

func toWei(amount decimal.Decimal) *big.Int {
	if amount.IsNegative() {
		return new(big.Int)
	}
	return amount.Shift(nativeDecimals).BigInt()
}

// toBasisPoints converts a percentage in (0,100] to basis points; zero means all.
func toBasisPoints(pct decimal.Decimal) *big.Int {
	if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return big.NewInt(10_000)
	}
	return pct.Shift(2).Round(0).BigInt()
}

func upstream(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, msg)
}
