package state

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

var (
	owner  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	source = common.HexToAddress("0x2222222222222222222222222222222222222222")
	target = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func testPlan(t *testing.T) *domain.Plan {
	t.Helper()
	params := domain.PlanParams{
		Owner:              owner,
		Pair:               domain.Pair{Source: source, Target: target},
		Amount:             decimal.NewFromInt(100),
		AmountPerExecution: decimal.NewFromInt(50),
	}
	return domain.NewPlan(params, nil, time.Unix(1_700_000_000, 0).UTC())
}

func testRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	r, err := domain.NewRegistry(domain.InitConfig{Admin: owner, EligibleSourceAssets: []common.Address{source}})
	require.NoError(t, err)
	return r
}

func TestWALStore_ReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	store, snap, err := Open(dir)
	require.NoError(t, err)
	require.Nil(t, snap.Registry)
	require.Empty(t, snap.Plans)

	plan := testPlan(t)
	require.NoError(t, store.Commit(Batch{Op: "initialize", Registry: testRegistry(t)}))
	require.NoError(t, store.Commit(Batch{Op: "create", Plans: []*domain.Plan{plan}}))

	pending := &domain.Intent{ID: "i-1", Kind: domain.IntentExecution, Status: domain.IntentPending, PlanID: plan.ID}
	plan.Reserve(pending.ID)
	require.NoError(t, store.Commit(Batch{Op: "execute", Plans: []*domain.Plan{plan}, Intents: []*domain.Intent{pending}}))

	require.NoError(t, store.Commit(Batch{
		Op:       "withdraw",
		Proceeds: []domain.LedgerEntry{{Holder: owner, Asset: target, Amount: decimal.NewFromInt(7)}},
		Fees:     []domain.LedgerEntry{{Holder: domain.FeeHolder, Asset: source, Amount: decimal.NewFromInt(1)}},
	}))
	require.NoError(t, store.Close())

	store, snap, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, snap.Registry)
	assert.True(t, snap.Registry.IsSourceAssetEligible(source))

	got, ok := snap.Plans[plan.ID]
	require.True(t, ok)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "i-1", got.InFlight)

	require.Contains(t, snap.Intents, "i-1")
	assert.True(t, snap.Proceeds.Balance(owner, target).Equal(decimal.NewFromInt(7)))
	assert.True(t, snap.Fees.Balance(domain.FeeHolder, source).Equal(decimal.NewFromInt(1)))
}

func TestWALStore_SettledIntentsAndDeletesAreDropped(t *testing.T) {
	dir := t.TempDir()
	store, _, err := Open(dir)
	require.NoError(t, err)

	plan := testPlan(t)
	intent := &domain.Intent{ID: "i-2", Status: domain.IntentPending}
	require.NoError(t, store.Commit(Batch{Op: "create", Plans: []*domain.Plan{plan}, Intents: []*domain.Intent{intent}}))

	done := intent.Clone()
	done.Status = domain.IntentDone
	require.NoError(t, store.Commit(Batch{Op: "cancel", Deleted: []domain.PlanID{plan.ID}, Intents: []*domain.Intent{done}}))
	require.NoError(t, store.Close())

	store, snap, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	assert.Empty(t, snap.Plans)
	assert.Empty(t, snap.Intents)
}

func TestWALStore_CheckpointReplay(t *testing.T) {
	dir := t.TempDir()
	store, _, err := Open(dir, WithCheckpointEvery(2))
	require.NoError(t, err)

	plan := testPlan(t)
	require.NoError(t, store.Commit(Batch{Op: "initialize", Registry: testRegistry(t)}))
	require.NoError(t, store.Commit(Batch{Op: "create", Plans: []*domain.Plan{plan}}))

	plan.Fund(decimal.NewFromInt(25))
	require.NoError(t, store.Commit(Batch{Op: "fund", Plans: []*domain.Plan{plan}}))
	require.NoError(t, store.Close())

	store, snap, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, snap.Registry)
	require.Contains(t, snap.Plans, plan.ID)
	assert.True(t, snap.Plans[plan.ID].Balance.Equal(decimal.NewFromInt(125)))
	assert.Equal(t, 1, store.sinceCheckpoint)
}

func TestWALStore_EmptyBatchIsSkipped(t *testing.T) {
	store, _, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	before := store.CurrentIndex()
	require.NoError(t, store.Commit(Batch{Op: "noop"}))
	assert.Equal(t, before, store.CurrentIndex())
}

func TestWALStore_NilStore(t *testing.T) {
	var s *WALStore
	require.Error(t, s.Commit(Batch{Op: "x", Deleted: []domain.PlanID{{}}}))
	require.Error(t, s.Close())
	require.Zero(t, s.CurrentIndex())
}
