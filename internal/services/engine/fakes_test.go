package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
)

var (
	admin       = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	executor    = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob         = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdt        = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	weth        = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	dai         = common.HexToAddress("0x00000000000000000000000000000000000000f3")
	custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

type memStore struct {
	mu      sync.Mutex
	batches []state.Batch
	err     error
}

func (s *memStore) Commit(b state.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *memStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// replay rebuilds the snapshot a restarted process would load.
func (s *memStore) replay() *state.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := state.NewSnapshot()
	for _, b := range s.batches {
		snap.Apply(b)
	}
	return snap
}

// fakeTransfer tracks what custody holds and what it paid out.
type fakeTransfer struct {
	mu      sync.Mutex
	custody map[common.Address]decimal.Decimal
	paid    map[[2]common.Address]decimal.Decimal
	refs    map[string]bool
	pullErr error
	pushErr error
	onPull  func()
	onPush  func()
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{
		custody: make(map[common.Address]decimal.Decimal),
		paid:    make(map[[2]common.Address]decimal.Decimal),
		refs:    make(map[string]bool),
	}
}

func (f *fakeTransfer) Pull(ctx context.Context, asset, _ common.Address, amount decimal.Decimal) error {
	f.mu.Lock()
	hook := f.onPull
	f.onPull = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.custody[asset] = f.custody[asset].Add(amount)
	return nil
}

func (f *fakeTransfer) Push(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error {
	f.mu.Lock()
	hook := f.onPush
	f.onPush = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	if f.custody[asset].LessThan(amount) {
		return fmt.Errorf("custody holds %s of %s, need %s", f.custody[asset], asset.Hex(), amount)
	}
	f.custody[asset] = f.custody[asset].Sub(amount)
	key := [2]common.Address{asset, to}
	f.paid[key] = f.paid[key].Add(amount)
	if ref, ok := IntentIDFrom(ctx); ok {
		f.refs[ref] = true
	}
	return nil
}

func (f *fakeTransfer) Transferred(_ context.Context, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[reference], nil
}

func (f *fakeTransfer) held(asset common.Address) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.custody[asset]
}

func (f *fakeTransfer) paidTo(asset, to common.Address) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[[2]common.Address{asset, to}]
}

func (f *fakeTransfer) move(asset common.Address, delta decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.custody[asset] = f.custody[asset].Add(delta)
}

// fakeSettler converts at a fixed rate, moving funds through fakeTransfer's custody.
type fakeSettler struct {
	mu          sync.Mutex
	transfer    *fakeTransfer
	rate        decimal.Decimal
	shortBy     decimal.Decimal
	err         error
	onSettle    func(req SettlementRequest)
	requests    []SettlementRequest
	compensated []string
	settled     map[string]SettlementResult
}

func newFakeSettler(transfer *fakeTransfer) *fakeSettler {
	return &fakeSettler{
		transfer: transfer,
		rate:     decimal.NewFromInt(2),
		shortBy:  decimal.Zero,
		settled:  make(map[string]SettlementResult),
	}
}

func (s *fakeSettler) Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	hook := s.onSettle
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return SettlementResult{}, s.err
	}

	out := req.InputAmount.Mul(s.rate).Floor().Sub(s.shortBy)
	s.transfer.move(req.InputAsset, req.InputAmount.Neg())
	if req.Beneficiary == custodyAddr {
		s.transfer.move(req.OutputAsset, out)
	}
	res := SettlementResult{Output: out, Reference: "ref-" + req.ID}
	s.settled[req.ID] = res
	return res, nil
}

func (s *fakeSettler) Compensate(_ context.Context, req SettlementRequest, res SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfer.move(req.InputAsset, req.InputAmount)
	if req.Beneficiary == custodyAddr {
		s.transfer.move(req.OutputAsset, res.Output.Neg())
	}
	delete(s.settled, req.ID)
	s.compensated = append(s.compensated, req.ID)
	return nil
}

func (s *fakeSettler) Settled(_ context.Context, id string) (SettlementResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.settled[id]
	return res, ok, nil
}

func (s *fakeSettler) lastRequest() SettlementRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// settleOnly hides the lookup and compensation capabilities of a settler.
type settleOnly struct {
	s Settler
}

func (s settleOnly) Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error) {
	return s.s.Settle(ctx, req)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	e        *Engine
	store    *memStore
	transfer *fakeTransfer
	settler  *fakeSettler
	clock    *testClock
	events   *recordingPublisher
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  &memStore{},
		clock:  &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		events: &recordingPublisher{},
	}
	f.transfer = newFakeTransfer()
	f.settler = newFakeSettler(f.transfer)
	f.e = f.build(t, state.NewSnapshot(), f.settler)
	return f
}

func (f *fixture) build(t *testing.T, snap *state.Snapshot, settler Settler) *Engine {
	t.Helper()

	e, err := New(snap, f.store, f.transfer, settler, custodyAddr,
		WithClock(f.clock.Now),
		WithPublisher(f.events),
		WithIDGenerator(func() string {
			f.seq++
			return fmt.Sprintf("intent-%d", f.seq)
		}),
	)
	require.NoError(t, err)
	return e
}

func newInitialized(t *testing.T) *fixture {
	t.Helper()

	f := newFixture(t)
	require.NoError(t, f.e.Initialize(context.Background(), domain.InitConfig{
		Admin:                admin,
		Executors:            []common.Address{executor},
		EligibleSourceAssets: []common.Address{usdt},
	}))
	return f
}

func planParams(amount, chunk int64) domain.PlanParams {
	return domain.PlanParams{
		Pair:               domain.Pair{Source: usdt, Target: weth},
		Amount:             decimal.NewFromInt(amount),
		AmountPerExecution: decimal.NewFromInt(chunk),
		ToleranceBps:       100,
	}
}

func (f *fixture) create(t *testing.T, owner common.Address, amount, chunk int64) *domain.Plan {
	t.Helper()
	p, err := f.e.CreatePlan(context.Background(), owner, planParams(amount, chunk))
	require.NoError(t, err)
	return p
}

func (f *fixture) plan(t *testing.T, id domain.PlanID) *domain.Plan {
	t.Helper()
	p, err := f.e.GetPlan(id)
	require.NoError(t, err)
	return p
}

// assertConserved checks custody holds exactly what the engine owes and every plan balances.
func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	for _, asset := range []common.Address{usdt, weth} {
		assert.True(t, f.transfer.held(asset).Equal(f.e.Liabilities(asset)),
			"custody %s holds %s, liabilities %s", asset.Hex(), f.transfer.held(asset), f.e.Liabilities(asset))
	}
	for _, p := range f.e.Plans(PlanFilter{}) {
		assert.True(t, p.Conserved(), "plan %s not conserved", p.ID.Hex())
		assert.False(t, p.Balance.IsNegative())
	}
}

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}
