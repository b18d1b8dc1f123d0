package evm

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"github.com/vadiminshakov/cryptodca/internal/services/router"
)

// well-known development key
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	devAddress = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	routerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdt       = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

// fakeChain answers the calls the client makes and mines every transaction at once.
// Swaps deliver twice the input as a Transfer log.
type fakeChain struct {
	Backend

	mu        sync.Mutex
	sent      []*types.Transaction
	allowance *big.Int
	revert    bool
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if *msg.To == routerAddr {
		method, err := routerABI.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		in := args[0].(*big.Int)
		return method.Outputs.Pack([]*big.Int{in, new(big.Int).Mul(in, big.NewInt(2))})
	}

	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method.Name {
	case "allowance":
		allowance := f.allowance
		if allowance == nil {
			allowance = new(big.Int)
		}
		return method.Outputs.Pack(allowance)
	default:
		return method.Outputs.Pack(big.NewInt(1000))
	}
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeChain) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() != hash {
			continue
		}
		receipt := &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}
		if f.revert {
			receipt.Status = types.ReceiptStatusFailed
		}
		if *tx.To() == routerAddr {
			s, err := unpackSwap(tx.Data())
			if err != nil {
				return nil, err
			}
			out := new(big.Int).Mul(s.AmountIn, big.NewInt(2))
			receipt.Logs = []*types.Log{transferLog(s.Path[len(s.Path)-1], routerAddr, s.To, out)}
		}
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) transactions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func transferLog(asset, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: asset,
		Topics: []common.Hash{
			erc20ABI.Events["Transfer"].ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

func newTestClient(t *testing.T, chain *fakeChain) *Client {
	t.Helper()
	key, _, err := ParseKey(devKey)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c, err := New(chain, big.NewInt(31337), key, routerAddr, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return c
}

func TestParseKey(t *testing.T) {
	_, addr, err := ParseKey(devKey)
	require.NoError(t, err)
	assert.Equal(t, devAddress, addr)

	_, _, err = ParseKey("0xnothex")
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	key, _, err := ParseKey(devKey)
	require.NoError(t, err)

	_, err = New(nil, big.NewInt(1), key, routerAddr)
	assert.Error(t, err)
	_, err = New(&fakeChain{}, big.NewInt(1), key, common.Address{})
	assert.Error(t, err)

	c, err := New(&fakeChain{}, big.NewInt(1), key, routerAddr)
	require.NoError(t, err)
	assert.Equal(t, devAddress, c.Custody())
}

func TestClient_Quote(t *testing.T) {
	c := newTestClient(t, &fakeChain{})

	q, err := c.Quote(context.Background(), router.QuoteRequest{
		Pair:   domain.Pair{Source: usdt, Target: weth},
		Amount: decimal.NewFromInt(9950),
	})
	require.NoError(t, err)
	assert.True(t, q.Expected.Equal(decimal.NewFromInt(19_900)))
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(2)))

	s, err := unpackSwap(q.Instruction)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{usdt, weth}, s.Path)
	assert.Equal(t, int64(9950), s.AmountIn.Int64())

	_, err = c.Quote(context.Background(), router.QuoteRequest{Pair: domain.Pair{Source: usdt, Target: usdt}, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, domain.ErrInvalidAsset)
}

func TestClient_SettleFillsRequestTerms(t *testing.T) {
	chain := &fakeChain{}
	c := newTestClient(t, chain)
	ctx := context.Background()

	q, err := c.Quote(ctx, router.QuoteRequest{Pair: domain.Pair{Source: usdt, Target: weth}, Amount: decimal.NewFromInt(9950)})
	require.NoError(t, err)

	res, err := c.Settle(ctx, engine.SettlementRequest{
		ID:            "intent-1",
		InputAsset:    usdt,
		OutputAsset:   weth,
		InputAmount:   decimal.NewFromInt(9950),
		MinimumOutput: decimal.NewFromInt(19_800),
		Instruction:   q.Instruction,
		Beneficiary:   alice,
	})
	require.NoError(t, err)
	assert.True(t, res.Output.Equal(decimal.NewFromInt(19_900)))

	sent := chain.transactions()
	require.Len(t, sent, 2, "approve then swap")
	assert.Equal(t, usdt, *sent[0].To())
	assert.Equal(t, res.Reference, sent[1].Hash().Hex())

	s, err := unpackSwap(sent[1].Data())
	require.NoError(t, err)
	assert.Equal(t, int64(19_800), s.AmountOutMin.Int64())
	assert.Equal(t, alice, s.To)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 2, 0, 0, time.UTC).Unix(), s.Deadline.Int64())
}

func TestClient_SettleSkipsApproveWithAllowance(t *testing.T) {
	chain := &fakeChain{allowance: big.NewInt(1_000_000)}
	c := newTestClient(t, chain)

	instruction, err := packSwap(swap{AmountIn: big.NewInt(500), AmountOutMin: new(big.Int), Path: []common.Address{usdt, weth}, Deadline: new(big.Int)})
	require.NoError(t, err)

	_, err = c.Settle(context.Background(), engine.SettlementRequest{
		ID: "intent-2", InputAsset: usdt, OutputAsset: weth,
		InputAmount: decimal.NewFromInt(500), Instruction: instruction, Beneficiary: devAddress,
	})
	require.NoError(t, err)
	assert.Len(t, chain.transactions(), 1)
}

func TestClient_SettleRejectsForeignInstructions(t *testing.T) {
	c := newTestClient(t, &fakeChain{})
	req := engine.SettlementRequest{ID: "intent-3", InputAsset: usdt, OutputAsset: weth, InputAmount: decimal.NewFromInt(500), Beneficiary: alice}

	wrongPath, err := packSwap(swap{AmountIn: big.NewInt(500), AmountOutMin: new(big.Int), Path: []common.Address{weth, usdt}, Deadline: new(big.Int)})
	require.NoError(t, err)
	wrongAmount, err := packSwap(swap{AmountIn: big.NewInt(501), AmountOutMin: new(big.Int), Path: []common.Address{usdt, weth}, Deadline: new(big.Int)})
	require.NoError(t, err)
	approve, err := erc20ABI.Pack("approve", alice, big.NewInt(1))
	require.NoError(t, err)

	tests := []struct {
		name        string
		instruction []byte
	}{
		{"empty", nil},
		{"other method", approve},
		{"reversed path", wrongPath},
		{"different input", wrongAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := req
			r.Instruction = tt.instruction
			_, err := c.Settle(context.Background(), r)
			assert.Error(t, err)
		})
	}
}

func TestClient_PushReportsRevert(t *testing.T) {
	chain := &fakeChain{}
	c := newTestClient(t, chain)
	ctx := engine.WithIntentID(context.Background(), "intent-4")

	require.NoError(t, c.Push(ctx, weth, alice, decimal.NewFromInt(10)))
	require.NoError(t, c.Pull(ctx, usdt, alice, decimal.NewFromInt(10)))

	sent := chain.transactions()
	require.Len(t, sent, 2)
	assert.Equal(t, uint64(0), sent[0].Nonce())
	assert.Equal(t, uint64(1), sent[1].Nonce())

	chain.revert = true
	err := c.Push(ctx, weth, alice, decimal.NewFromInt(10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}

func TestReceivedIn(t *testing.T) {
	receipt := &types.Receipt{Logs: []*types.Log{
		transferLog(weth, routerAddr, alice, big.NewInt(70)),
		transferLog(weth, routerAddr, alice, big.NewInt(30)),
		transferLog(weth, routerAddr, devAddress, big.NewInt(1000)),
		transferLog(usdt, routerAddr, alice, big.NewInt(1000)),
	}}
	assert.Equal(t, int64(100), receivedIn(receipt, weth, alice).Int64())
	assert.Equal(t, int64(0), receivedIn(receipt, usdt, devAddress).Int64())
}
