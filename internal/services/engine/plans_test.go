package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.e.Initialized())
	_, err := f.e.CreatePlan(ctx, alice, planParams(100, 50))
	require.ErrorIs(t, err, domain.ErrNotInitialized)
	_, err = f.e.GetFee()
	require.ErrorIs(t, err, domain.ErrNotInitialized)

	require.ErrorIs(t, f.e.Initialize(ctx, domain.InitConfig{}), domain.ErrUnauthorized)

	cfg := domain.InitConfig{Admin: admin, Executors: []common.Address{executor}, EligibleSourceAssets: []common.Address{usdt}}
	require.NoError(t, f.e.Initialize(ctx, cfg))
	require.ErrorIs(t, f.e.Initialize(ctx, cfg), domain.ErrAlreadyInitialized)

	assert.True(t, f.e.Initialized())
	assert.Equal(t, domain.Version, f.e.Version())
	assert.True(t, f.e.HasRole(domain.RoleAdmin, admin))
	assert.True(t, f.e.HasRole(domain.RoleDefaultAdmin, admin))
	assert.True(t, f.e.HasRole(domain.RoleExecutor, executor))
	assert.False(t, f.e.HasRole(domain.RoleExecutor, alice))
	assert.True(t, f.e.IsSourceAssetEligible(usdt))
	assert.False(t, f.e.IsSourceAssetEligible(dai))

	fee, err := f.e.GetFee()
	require.NoError(t, err)
	assert.Equal(t, int64(domain.DefaultFeeRateBps), fee)
	tolerance, err := f.e.GetExecuteTolerance()
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultExecutionTolerance, tolerance)

	assert.Equal(t, []domain.EventType{domain.EventInitialized}, f.events.types())
}

func TestCreatePlan(t *testing.T) {
	f := newInitialized(t)

	plan := f.create(t, alice, 100, 50)

	assert.Equal(t, domain.DerivePlanID(alice, usdt, weth, d(50)), plan.ID)
	assert.Equal(t, f.e.GetPID(alice, usdt, weth, d(50)), plan.ID)
	assert.Equal(t, alice, plan.Owner)
	assert.Equal(t, domain.PlanStatusActive, plan.Status)
	assert.True(t, plan.Balance.Equal(d(100)))
	assert.True(t, plan.LastExecutedAt.IsZero())
	assert.True(t, f.transfer.held(usdt).Equal(d(100)))
	assert.Contains(t, f.events.types(), domain.EventPlanCreated)
	f.assertConserved(t)

	_, err := f.e.CreatePlan(context.Background(), alice, planParams(100, 50))
	require.ErrorIs(t, err, domain.ErrPlanAlreadyActive)
	assert.True(t, f.transfer.held(usdt).Equal(d(100)), "rejected create must not pull")
}

func TestCreatePlan_OwnerIsCaller(t *testing.T) {
	f := newInitialized(t)

	params := planParams(100, 50)
	params.Owner = bob
	plan, err := f.e.CreatePlan(context.Background(), alice, params)
	require.NoError(t, err)
	assert.Equal(t, alice, plan.Owner)
	assert.Equal(t, domain.DerivePlanID(alice, usdt, weth, d(50)), plan.ID)
}

func TestCreatePlan_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		params func() domain.PlanParams
		want   error
	}{
		{
			name:   "ineligible source",
			params: func() domain.PlanParams { p := planParams(100, 50); p.Pair.Source = dai; return p },
			want:   domain.ErrAssetNotEligible,
		},
		{
			name:   "same asset",
			params: func() domain.PlanParams { p := planParams(100, 50); p.Pair.Target = usdt; return p },
			want:   domain.ErrInvalidAsset,
		},
		{
			name:   "zero amount",
			params: func() domain.PlanParams { return planParams(0, 50) },
			want:   domain.ErrInvalidAmount,
		},
		{
			name:   "amount below chunk",
			params: func() domain.PlanParams { return planParams(40, 50) },
			want:   domain.ErrInvalidAmount,
		},
		{
			name: "fractional chunk",
			params: func() domain.PlanParams {
				p := planParams(100, 50)
				p.AmountPerExecution = decimal.RequireFromString("12.5")
				return p
			},
			want: domain.ErrInvalidAmount,
		},
		{
			name:   "tolerance out of range",
			params: func() domain.PlanParams { p := planParams(100, 50); p.ToleranceBps = 10_001; return p },
			want:   domain.ErrInvalidTolerance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newInitialized(t)

			_, err := f.e.CreatePlan(context.Background(), alice, tt.params())
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.e.Plans(PlanFilter{}))
			assert.True(t, f.transfer.held(usdt).IsZero())
		})
	}
}

func TestCreatePlan_BelowConfiguredMinimum(t *testing.T) {
	f := newInitialized(t)
	require.NoError(t, f.e.SetMinimumAmountPerExecution(context.Background(), admin, d(60)))

	_, err := f.e.CreatePlan(context.Background(), alice, planParams(100, 50))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestCreatePlan_PullFailureFreesSlot(t *testing.T) {
	f := newInitialized(t)
	f.transfer.pullErr = errors.New("allowance too low")

	_, err := f.e.CreatePlan(context.Background(), alice, planParams(100, 50))
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Empty(t, f.e.Plans(PlanFilter{}))

	f.transfer.pullErr = nil
	f.create(t, alice, 100, 50)
}

func TestCreatePlan_DistinctOwnersDoNotInterfere(t *testing.T) {
	f := newInitialized(t)

	a := f.create(t, alice, 100, 50)
	b := f.create(t, bob, 300, 50)
	require.NotEqual(t, a.ID, b.ID)

	_, err := f.e.ExecutePlan(context.Background(), executor, nil, a.ID, decimal.Zero)
	require.NoError(t, err)

	assert.True(t, f.plan(t, a.ID).Balance.Equal(d(50)))
	assert.True(t, f.plan(t, b.ID).Balance.Equal(d(300)))

	owned := f.e.Plans(PlanFilter{Owner: bob})
	require.Len(t, owned, 1)
	assert.Equal(t, b.ID, owned[0].ID)
	f.assertConserved(t)
}

func TestFundPlan(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	plan := f.create(t, alice, 100, 50)

	funded, err := f.e.FundPlan(ctx, alice, plan.ID, d(25))
	require.NoError(t, err)
	assert.True(t, funded.Balance.Equal(d(125)))
	assert.True(t, funded.TotalFunded.Equal(d(125)))

	_, err = f.e.FundPlan(ctx, bob, plan.ID, d(25))
	require.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = f.e.FundPlan(ctx, alice, plan.ID, d(-1))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.e.FundPlan(ctx, alice, domain.PlanID{1}, d(25))
	require.ErrorIs(t, err, domain.ErrPlanNotFound)

	f.transfer.pullErr = errors.New("rejected")
	_, err = f.e.FundPlan(ctx, alice, plan.ID, d(25))
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(d(125)))
	f.assertConserved(t)
}

func TestPauseResume(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	plan := f.create(t, alice, 100, 50)

	require.ErrorIs(t, f.e.PausePlan(ctx, bob, plan.ID), domain.ErrNotOwner)
	require.ErrorIs(t, f.e.ResumePlan(ctx, alice, plan.ID), domain.ErrPlanNotPaused)

	require.NoError(t, f.e.PausePlan(ctx, alice, plan.ID))
	assert.Equal(t, domain.PlanStatusPaused, f.plan(t, plan.ID).Status)
	require.ErrorIs(t, f.e.PausePlan(ctx, alice, plan.ID), domain.ErrPlanNotActive)

	_, err := f.e.ExecutePlan(ctx, executor, nil, plan.ID, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrPlanNotExecutable)

	_, err = f.e.FundPlan(ctx, alice, plan.ID, d(10))
	require.NoError(t, err, "paused plans accept funding")

	require.NoError(t, f.e.ResumePlan(ctx, alice, plan.ID))
	assert.Equal(t, domain.PlanStatusActive, f.plan(t, plan.ID).Status)

	_, err = f.e.ExecutePlan(ctx, executor, nil, plan.ID, decimal.Zero)
	require.NoError(t, err)
	f.assertConserved(t)
}

func TestPausePlan_CommitFailureLeavesState(t *testing.T) {
	f := newInitialized(t)
	plan := f.create(t, alice, 100, 50)

	f.store.fail(errors.New("disk full"))
	require.Error(t, f.e.PausePlan(context.Background(), alice, plan.ID))
	assert.Equal(t, domain.PlanStatusActive, f.plan(t, plan.ID).Status)
}

func TestCancelPlan_RefundsAndFreesSlot(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	plan := f.create(t, alice, 30, 10)

	_, err := f.e.CancelPlan(ctx, bob, plan.ID, bob)
	require.ErrorIs(t, err, domain.ErrNotOwner)

	refund, err := f.e.CancelPlan(ctx, alice, plan.ID, common.Address{})
	require.NoError(t, err)
	assert.True(t, refund.Equal(d(30)))
	assert.True(t, f.transfer.paidTo(usdt, alice).Equal(d(30)))
	assert.True(t, f.transfer.held(usdt).IsZero())

	_, err = f.e.GetPlan(plan.ID)
	require.ErrorIs(t, err, domain.ErrPlanNotFound)
	assert.Empty(t, f.e.PendingIntents())
	assert.Contains(t, f.events.types(), domain.EventPlanCancelled)

	again := f.create(t, alice, 30, 10)
	assert.Equal(t, plan.ID, again.ID)
	assert.True(t, again.Balance.Equal(d(30)))
	assert.True(t, again.TotalFunded.Equal(d(30)))
	f.assertConserved(t)
}

func TestCancelPlan_RefundToOtherAccount(t *testing.T) {
	f := newInitialized(t)
	plan := f.create(t, alice, 100, 50)
	require.NoError(t, f.e.PausePlan(context.Background(), alice, plan.ID))

	refund, err := f.e.CancelPlan(context.Background(), alice, plan.ID, bob)
	require.NoError(t, err)
	assert.True(t, refund.Equal(d(100)))
	assert.True(t, f.transfer.paidTo(usdt, bob).Equal(d(100)))
	assert.True(t, f.transfer.paidTo(usdt, alice).IsZero())
}

func TestCancelPlan_PushFailureRestoresPlan(t *testing.T) {
	f := newInitialized(t)
	plan := f.create(t, alice, 100, 50)
	f.transfer.pushErr = errors.New("recipient rejected")

	_, err := f.e.CancelPlan(context.Background(), alice, plan.ID, common.Address{})
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	restored := f.plan(t, plan.ID)
	assert.Equal(t, domain.PlanStatusActive, restored.Status)
	assert.True(t, restored.Balance.Equal(d(100)))
	assert.Empty(t, f.e.PendingIntents())
	f.assertConserved(t)
}

func TestCancelPlan_CompletedIsTerminal(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	plan := f.create(t, alice, 50, 50)

	_, err := f.e.ExecutePlan(ctx, executor, nil, plan.ID, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, domain.PlanStatusCompleted, f.plan(t, plan.ID).Status)

	_, err = f.e.CancelPlan(ctx, alice, plan.ID, common.Address{})
	require.ErrorIs(t, err, domain.ErrPlanTerminal)
}

func TestCreatePlan_ReusesCompletedSlot(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	plan := f.create(t, alice, 70, 50)

	_, err := f.e.ExecutePlan(ctx, executor, nil, plan.ID, decimal.Zero)
	require.NoError(t, err)
	completed := f.plan(t, plan.ID)
	require.Equal(t, domain.PlanStatusCompleted, completed.Status)
	require.True(t, completed.Balance.Equal(d(20)))

	again := f.create(t, alice, 50, 50)
	assert.Equal(t, domain.PlanStatusActive, again.Status)
	assert.True(t, again.Balance.Equal(d(70)), "residual carried into the new plan")
	assert.True(t, again.LastExecutedAt.Equal(completed.LastExecutedAt))

	_, err = f.e.ExecutePlan(ctx, executor, nil, plan.ID, decimal.Zero)
	require.ErrorIs(t, err, domain.ErrTooSoon, "recreating must not reset the cadence")
	f.assertConserved(t)
}

// completedSlot leaves alice's 70/50 plan Completed with a residual of 20.
func completedSlot(t *testing.T, f *fixture) domain.PlanID {
	t.Helper()
	plan := f.create(t, alice, 70, 50)
	_, err := f.e.ExecutePlan(context.Background(), executor, nil, plan.ID, decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, domain.PlanStatusCompleted, f.plan(t, plan.ID).Status)
	return plan.ID
}

func TestCreatePlan_FundWhileRecreatingIsRejected(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	id := completedSlot(t, f)

	pulling := make(chan struct{})
	release := make(chan struct{})
	f.transfer.onPull = func() {
		close(pulling)
		<-release
	}

	type result struct {
		plan *domain.Plan
		err  error
	}
	created := make(chan result, 1)
	go func() {
		p, err := f.e.CreatePlan(ctx, alice, planParams(50, 50))
		created <- result{p, err}
	}()
	<-pulling

	_, err := f.e.FundPlan(ctx, alice, id, d(40))
	require.ErrorIs(t, err, domain.ErrPlanBusy)
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	close(release)
	res := <-created
	require.NoError(t, res.err)
	assert.Equal(t, domain.PlanStatusActive, res.plan.Status)
	assert.True(t, res.plan.Balance.Equal(d(70)), "residual carried, rejected funding not counted")
	f.assertConserved(t)
}

func TestCreatePlan_SlotReactivatedDuringDepositIsRefused(t *testing.T) {
	f := newInitialized(t)
	ctx := context.Background()
	id := completedSlot(t, f)

	// reactivate the slot directly while the create's pull is in flight
	f.transfer.onPull = func() {
		f.e.mu.Lock()
		plan := f.e.st.Plans[id].Clone()
		plan.Fund(d(40))
		f.e.st.Plans[id] = plan
		f.e.mu.Unlock()
		f.transfer.move(usdt, d(40))
	}

	_, err := f.e.CreatePlan(ctx, alice, planParams(50, 50))
	require.ErrorIs(t, err, domain.ErrPlanAlreadyActive)

	plan := f.plan(t, id)
	assert.Equal(t, domain.PlanStatusActive, plan.Status)
	assert.True(t, plan.Balance.Equal(d(60)), "the live plan keeps its balance")
	assert.True(t, f.transfer.paidTo(usdt, alice).Equal(d(50)), "the deposit is returned")
	f.assertConserved(t)
}

func TestCreatePlan_RejectsChunkBeyondUint256(t *testing.T) {
	f := newInitialized(t)
	wrapped := decimal.RequireFromString("115792089237316195423570985008687907853269984665640564039457584007913129639986")

	params := planParams(50, 50)
	params.Amount = wrapped
	params.AmountPerExecution = wrapped
	_, err := f.e.CreatePlan(context.Background(), alice, params)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	assert.Empty(t, f.e.Plans(PlanFilter{}))
	assert.True(t, f.transfer.held(usdt).IsZero())
}
