package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
)

// crashDuringExecution reserves a chunk and returns the request, as a process
// killed before the settler answered would leave it.
func crashDuringExecution(t *testing.T, f *fixture) (domain.PlanID, SettlementRequest) {
	t.Helper()
	plan := f.create(t, alice, 100, 50)
	req, _, err := f.e.reserveExecution(executor, nil, plan.ID, d(90))
	require.NoError(t, err)
	return plan.ID, req
}

func TestReconcile_Execution(t *testing.T) {
	tests := []struct {
		name         string
		settle       bool
		shortBy      int64
		wantBalance  int64
		wantExecuted uint64
		wantProceeds int64
	}{
		{name: "settled before crash", settle: true, wantBalance: 50, wantExecuted: 1, wantProceeds: 100},
		{name: "never settled", settle: false, wantBalance: 100},
		{name: "settled below minimum", settle: true, shortBy: 20, wantBalance: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newInitialized(t)
			id, req := crashDuringExecution(t, f)
			if tt.settle {
				f.settler.shortBy = d(tt.shortBy)
				_, err := f.settler.Settle(context.Background(), req)
				require.NoError(t, err)
			}

			restarted := f.build(t, f.store.replay(), f.settler)
			require.Len(t, restarted.PendingIntents(), 1)
			require.NoError(t, restarted.Reconcile(context.Background()))

			plan, err := restarted.GetPlan(id)
			require.NoError(t, err)
			assert.True(t, plan.Balance.Equal(d(tt.wantBalance)), "balance %s", plan.Balance)
			assert.Empty(t, plan.InFlight)
			assert.Equal(t, tt.wantExecuted, plan.Executions)
			assert.True(t, restarted.ProceedsOf(alice, weth).Equal(d(tt.wantProceeds)))
			assert.Empty(t, restarted.PendingIntents())
			assert.True(t, plan.Conserved())
		})
	}
}

func TestReconcile_WithoutCheckerLeavesExecutionPending(t *testing.T) {
	f := newInitialized(t)
	id, _ := crashDuringExecution(t, f)

	restarted := f.build(t, f.store.replay(), settleOnly{s: f.settler})
	require.NoError(t, restarted.Reconcile(context.Background()))

	assert.Len(t, restarted.PendingIntents(), 1)
	plan, err := restarted.GetPlan(id)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.InFlight)

	_, err = restarted.CancelPlan(context.Background(), alice, id, alice)
	require.ErrorIs(t, err, domain.ErrExecutionInProgress)
}

func TestReconcile_Withdrawal(t *testing.T) {
	tests := []struct {
		name         string
		transferred  bool
		wantProceeds int64
	}{
		{name: "payout completed", transferred: true, wantProceeds: 0},
		{name: "payout lost", transferred: false, wantProceeds: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newInitialized(t)
			plan := f.create(t, alice, 100, 50)
			_, err := f.e.ExecutePlan(context.Background(), executor, nil, plan.ID, decimal.Zero)
			require.NoError(t, err)

			f.e.mu.Lock()
			intent := &domain.Intent{
				ID:          "withdraw-1",
				Kind:        domain.IntentWithdrawal,
				Status:      domain.IntentPending,
				Holder:      alice,
				Asset:       weth,
				Amount:      d(100),
				Destination: alice,
				CreatedAt:   f.clock.Now(),
			}
			zeroed := []domain.LedgerEntry{{Holder: alice, Asset: weth, Amount: decimal.Zero}}
			require.NoError(t, f.e.commitLocked(f.e.ledgerBatch("withdraw_reserve", domain.IntentWithdrawal, zeroed, intent)))
			f.e.mu.Unlock()

			if tt.transferred {
				require.NoError(t, f.transfer.Push(WithIntentID(context.Background(), "withdraw-1"), weth, alice, d(100)))
			}

			restarted := f.build(t, f.store.replay(), f.settler)
			require.NoError(t, restarted.Reconcile(context.Background()))

			assert.True(t, restarted.ProceedsOf(alice, weth).Equal(d(tt.wantProceeds)))
			assert.Empty(t, restarted.PendingIntents())
		})
	}
}

func TestReconcile_RetriesRefund(t *testing.T) {
	f := newInitialized(t)
	plan := f.create(t, alice, 30, 10)

	f.e.mu.Lock()
	intent := &domain.Intent{
		ID:          "refund-1",
		Kind:        domain.IntentRefund,
		Status:      domain.IntentPending,
		PlanID:      plan.ID,
		Holder:      alice,
		Asset:       usdt,
		Amount:      d(30),
		Destination: alice,
		CreatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.e.commitLocked(state.Batch{Op: "cancel_plan", Deleted: []domain.PlanID{plan.ID}, Intents: []*domain.Intent{intent}}))
	f.e.mu.Unlock()

	restarted := f.build(t, f.store.replay(), f.settler)
	require.NoError(t, restarted.Reconcile(context.Background()))

	assert.True(t, f.transfer.paidTo(usdt, alice).Equal(d(30)))
	assert.Empty(t, restarted.PendingIntents())

	require.NoError(t, restarted.Reconcile(context.Background()))
	assert.True(t, f.transfer.paidTo(usdt, alice).Equal(d(30)), "a settled refund is not paid twice")
}
