// Package evm moves ERC-20 assets and settles executions through a UniswapV2-style router
// on an EVM chain, signing with the custody account's key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"github.com/vadiminshakov/cryptodca/internal/services/router"
	"go.uber.org/zap"
)

const defaultDeadline = 2 * time.Minute

// Backend is the chain access the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client is the custody account on chain.
type Client struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	custody  common.Address
	chainID  *big.Int
	router   common.Address
	deadline time.Duration
	clock    func() time.Time
	// txMu keeps nonce assignment of concurrent sends ordered.
	txMu  sync.Mutex
	close func()
	l     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.l = l
		}
	}
}

// WithDeadline sets how long a submitted swap stays valid on chain.
func WithDeadline(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithClock overrides the time source used for swap deadlines.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// ParseKey decodes a hex private key and returns it with its address.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "decode private key")
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}

// Dial connects to rpcURL and builds a client for the custody key.
func Dial(ctx context.Context, rpcURL, hexKey string, routerAddr common.Address, opts ...Option) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("rpc url is required")
	}
	key, _, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rpc")
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, errors.Wrap(err, "get chain id")
	}
	c, err := New(eth, chainID, key, routerAddr, opts...)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.close = eth.Close
	return c, nil
}

// Close releases the rpc connection opened by Dial.
func (c *Client) Close() {
	if c.close != nil {
		c.close()
	}
}

// New builds a client over backend.
func New(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey, routerAddr common.Address, opts ...Option) (*Client, error) {
	if backend == nil || key == nil || chainID == nil {
		return nil, errors.New("backend, chain id and key are required")
	}
	if routerAddr == (common.Address{}) {
		return nil, errors.New("router address is required")
	}
	c := &Client{
		backend:  backend,
		key:      key,
		custody:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).Set(chainID),
		router:   routerAddr,
		deadline: defaultDeadline,
		clock:    time.Now,
		l:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Custody returns the address holding escrowed assets.
func (c *Client) Custody() common.Address {
	return c.custody
}

// Pull moves amount from an account that approved custody.
func (c *Client) Pull(ctx context.Context, asset, from common.Address, amount decimal.Decimal) error {
	receipt, err := c.transact(ctx, c.token(asset), "transferFrom", from, c.custody, amount.BigInt())
	if err != nil {
		return errors.Wrapf(err, "transferFrom %s", from.Hex())
	}
	c.l.Info("asset pulled",
		zap.String("asset", asset.Hex()),
		zap.String("from", from.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx", receipt.TxHash.Hex()))
	return nil
}

// Push pays amount out of custody.
func (c *Client) Push(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error {
	receipt, err := c.transact(ctx, c.token(asset), "transfer", to, amount.BigInt())
	if err != nil {
		return errors.Wrapf(err, "transfer to %s", to.Hex())
	}
	ref, _ := engine.IntentIDFrom(ctx)
	c.l.Info("asset pushed",
		zap.String("asset", asset.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.String("intent_id", ref),
		zap.String("tx", receipt.TxHash.Hex()))
	return nil
}

// Quote asks the router for the output of a direct swap and returns the swap calldata.
// Minimum, recipient and deadline in the calldata are placeholders filled at settlement.
func (c *Client) Quote(ctx context.Context, req router.QuoteRequest) (router.Quote, error) {
	if err := domain.ValidateAmount("quote amount", req.Amount); err != nil {
		return router.Quote{}, err
	}
	if err := req.Pair.Validate(); err != nil {
		return router.Quote{}, err
	}

	path := []common.Address{req.Pair.Source, req.Pair.Target}
	var out []any
	err := c.routerContract().Call(&bind.CallOpts{Context: ctx}, &out, "getAmountsOut", req.Amount.BigInt(), path)
	if err != nil {
		return router.Quote{}, errors.Wrap(err, "getAmountsOut")
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return router.Quote{}, errors.Errorf("router returned %d amounts for a %d hop path", len(amounts), len(path))
	}

	instruction, err := packSwap(swap{
		AmountIn:     req.Amount.BigInt(),
		AmountOutMin: new(big.Int),
		Path:         path,
		To:           common.Address{},
		Deadline:     new(big.Int),
	})
	if err != nil {
		return router.Quote{}, err
	}

	expected := decimal.NewFromBigInt(amounts[len(amounts)-1], 0)
	return router.Quote{
		Expected:    expected,
		Rate:        expected.Div(req.Amount),
		Instruction: instruction,
	}, nil
}

// Settle executes the swap instruction for req. The instruction must swap exactly the
// request's input along a path from its input to its output asset; the minimum output,
// recipient and deadline are always taken from the request.
func (c *Client) Settle(ctx context.Context, req engine.SettlementRequest) (engine.SettlementResult, error) {
	s, err := unpackSwap(req.Instruction)
	if err != nil {
		return engine.SettlementResult{}, err
	}
	if err := checkSwap(s, req); err != nil {
		return engine.SettlementResult{}, err
	}

	amountIn := req.InputAmount.BigInt()
	if err := c.ensureAllowance(ctx, req.InputAsset, amountIn); err != nil {
		return engine.SettlementResult{}, err
	}

	s.AmountOutMin = req.MinimumOutput.BigInt()
	s.To = req.Beneficiary
	s.Deadline = big.NewInt(c.clock().Add(c.deadline).Unix())

	receipt, err := c.transact(ctx, c.routerContract(), swapMethod, s.AmountIn, s.AmountOutMin, s.Path, s.To, s.Deadline)
	if err != nil {
		return engine.SettlementResult{}, errors.Wrapf(err, "swap %s", req.ID)
	}

	output := decimal.NewFromBigInt(receivedIn(receipt, req.OutputAsset, req.Beneficiary), 0)
	c.l.Info("swap settled",
		zap.String("intent_id", req.ID),
		zap.String("input", req.InputAmount.String()),
		zap.String("output", output.String()),
		zap.String("minimum_output", req.MinimumOutput.String()),
		zap.String("tx", receipt.TxHash.Hex()))

	return engine.SettlementResult{Output: output, Reference: receipt.TxHash.Hex()}, nil
}

func checkSwap(s swap, req engine.SettlementRequest) error {
	if len(s.Path) < 2 {
		return errors.Errorf("swap path has %d hops", len(s.Path))
	}
	if s.Path[0] != req.InputAsset || s.Path[len(s.Path)-1] != req.OutputAsset {
		return errors.Errorf("swap path %s..%s does not convert %s into %s",
			s.Path[0].Hex(), s.Path[len(s.Path)-1].Hex(), req.InputAsset.Hex(), req.OutputAsset.Hex())
	}
	if s.AmountIn.Cmp(req.InputAmount.BigInt()) != 0 {
		return errors.Errorf("swap spends %s, execution input is %s", s.AmountIn.String(), req.InputAmount.String())
	}
	return nil
}

func (c *Client) ensureAllowance(ctx context.Context, asset common.Address, amount *big.Int) error {
	var out []any
	if err := c.token(asset).Call(&bind.CallOpts{Context: ctx}, &out, "allowance", c.custody, c.router); err != nil {
		return errors.Wrap(err, "read router allowance")
	}
	current, ok := out[0].(*big.Int)
	if ok && current.Cmp(amount) >= 0 {
		return nil
	}
	if _, err := c.transact(ctx, c.token(asset), "approve", c.router, amount); err != nil {
		return errors.Wrap(err, "approve router")
	}
	return nil
}

// BalanceOf reads account's balance of asset.
func (c *Client) BalanceOf(ctx context.Context, asset, account common.Address) (decimal.Decimal, error) {
	var out []any
	if err := c.token(asset).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return decimal.Zero, errors.Wrap(err, "balanceOf")
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.New("malformed balanceOf result")
	}
	return decimal.NewFromBigInt(v, 0), nil
}

func (c *Client) token(asset common.Address) *bind.BoundContract {
	return bind.NewBoundContract(asset, erc20ABI, c.backend, c.backend, c.backend)
}

func (c *Client) routerContract() *bind.BoundContract {
	return bind.NewBoundContract(c.router, routerABI, c.backend, c.backend, c.backend)
}

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*types.Receipt, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, errors.Wrap(err, "build transactor")
	}
	opts.Context = ctx

	c.txMu.Lock()
	tx, err := contract.Transact(opts, method, args...)
	c.txMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", method)
	}

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, errors.Wrapf(err, "wait for %s %s", method, tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.Errorf("%s %s reverted", method, tx.Hash().Hex())
	}
	return receipt, nil
}
