package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
	"go.uber.org/zap"
)

// Withdraw pays out the caller's accrued proceeds in asset to to (the caller when zero).
func (e *Engine) Withdraw(ctx context.Context, caller, asset, to common.Address) (amount decimal.Decimal, err error) {
	defer e.track("withdraw", &err)()

	return e.withdraw(ctx, caller, caller, asset, to, domain.IntentWithdrawal)
}

// WithdrawFee pays out the accumulated protocol fee in asset. Admin only.
func (e *Engine) WithdrawFee(ctx context.Context, caller, asset, to common.Address) (amount decimal.Decimal, err error) {
	defer e.track("withdraw_fee", &err)()

	e.mu.Lock()
	reg, err := e.registryLocked()
	if err == nil {
		err = reg.Require(domain.RoleAdmin, caller)
	}
	e.mu.Unlock()
	if err != nil {
		return decimal.Zero, err
	}

	return e.withdraw(ctx, caller, domain.FeeHolder, asset, to, domain.IntentFeeWithdrawal)
}

func (e *Engine) withdraw(ctx context.Context, caller, holder, asset, to common.Address, kind domain.IntentKind) (decimal.Decimal, error) {
	if to == (common.Address{}) {
		to = caller
	}

	e.mu.Lock()
	if _, err := e.registryLocked(); err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}
	ledger := e.ledgerLocked(kind)
	amount := ledger.Balance(holder, asset)
	if !amount.IsPositive() {
		e.mu.Unlock()
		return decimal.Zero, errors.Wrapf(domain.ErrNothingToWithdraw, "%s has no %s entry", holder.Hex(), asset.Hex())
	}

	now := e.clock()
	intent := &domain.Intent{
		ID:          e.newID(),
		Kind:        kind,
		Status:      domain.IntentPending,
		Holder:      holder,
		Asset:       asset,
		Amount:      amount,
		Destination: to,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	zeroed := []domain.LedgerEntry{{Holder: holder, Asset: asset, Amount: decimal.Zero}}
	if err := e.commitLocked(e.ledgerBatch("withdraw_reserve", kind, zeroed, intent)); err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}
	e.mu.Unlock()

	pushErr := e.transfer.Push(WithIntentID(ctx, intent.ID), asset, to, amount)

	e.mu.Lock()
	defer e.mu.Unlock()

	if pushErr != nil {
		e.restoreWithdrawalLocked(intent, pushErr)
		return decimal.Zero, errors.Wrapf(domain.ErrTransferFailed, "push %s of %s to %s: %v",
			amount.String(), asset.Hex(), to.Hex(), pushErr)
	}

	done := intent.Clone()
	done.Status = domain.IntentDone
	done.UpdatedAt = e.clock()
	if err := e.commitLocked(state.Batch{Op: "withdraw_settle", Intents: []*domain.Intent{done}}); err != nil {
		e.l.Warn("withdrawal settled but intent not marked done", zap.String("intent_id", intent.ID), zap.Error(err))
	}

	evType := domain.EventProceedsWithdrawn
	if kind == domain.IntentFeeWithdrawal {
		evType = domain.EventFeesWithdrawn
	}
	e.l.Info("withdrawal settled",
		zap.String("kind", string(kind)),
		zap.String("holder", holder.Hex()),
		zap.String("asset", asset.Hex()),
		zap.String("amount", amount.String()),
		zap.String("to", to.Hex()))
	e.emit(domain.Event{Type: evType, Actor: caller, Asset: &asset, Amount: amount, To: &to})

	return amount, nil
}

// restoreWithdrawalLocked credits a failed payout back. Executions may have grown
// the entry while the push was in flight, so the amount is added rather than set.
func (e *Engine) restoreWithdrawalLocked(intent *domain.Intent, cause error) {
	ledger := e.ledgerLocked(intent.Kind)
	restored := []domain.LedgerEntry{{
		Holder: intent.Holder,
		Asset:  intent.Asset,
		Amount: ledger.Balance(intent.Holder, intent.Asset).Add(intent.Amount),
	}}

	failed := intent.Clone()
	failed.Status = domain.IntentFailed
	failed.UpdatedAt = e.clock()
	if cause != nil {
		failed.Error = cause.Error()
	}

	if err := e.commitLocked(e.ledgerBatch("withdraw_rollback", intent.Kind, restored, failed)); err != nil {
		e.l.Error("withdrawal rollback not recorded",
			zap.String("intent_id", intent.ID),
			zap.String("holder", intent.Holder.Hex()),
			zap.String("amount", intent.Amount.String()),
			zap.Error(err))
		return
	}

	e.l.Warn("withdrawal rolled back",
		zap.String("intent_id", intent.ID),
		zap.String("holder", intent.Holder.Hex()),
		zap.String("asset", intent.Asset.Hex()),
		zap.String("amount", intent.Amount.String()),
		zap.Error(cause))
}

func (e *Engine) ledgerLocked(kind domain.IntentKind) domain.Ledger {
	if kind == domain.IntentFeeWithdrawal {
		return e.st.Fees
	}
	return e.st.Proceeds
}

func (e *Engine) ledgerBatch(op string, kind domain.IntentKind, entries []domain.LedgerEntry, intent *domain.Intent) state.Batch {
	b := state.Batch{Op: op, Intents: []*domain.Intent{intent}}
	if kind == domain.IntentFeeWithdrawal {
		b.Fees = entries
	} else {
		b.Proceeds = entries
	}
	return b
}
