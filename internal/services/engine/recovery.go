package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
	"go.uber.org/zap"
)

// Reconcile settles intents left pending by a crash. Executions are resolved through
// a SettlementChecker and payouts through a TransferChecker; without a checker an
// intent stays pending and its plan or ledger entry stays reserved.
func (e *Engine) Reconcile(ctx context.Context) error {
	pending := e.PendingIntents()
	if len(pending) == 0 {
		return nil
	}

	e.l.Info("reconciling pending intents", zap.Int("count", len(pending)))

	for _, intent := range pending {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "reconciliation canceled")
		}

		var err error
		switch intent.Kind {
		case domain.IntentExecution:
			err = e.reconcileExecution(ctx, intent)
		case domain.IntentWithdrawal, domain.IntentFeeWithdrawal:
			err = e.reconcileWithdrawal(ctx, intent)
		case domain.IntentRefund:
			err = e.reconcileRefund(ctx, intent)
		default:
			e.l.Warn("unknown intent kind left pending", zap.String("intent_id", intent.ID), zap.String("kind", string(intent.Kind)))
		}
		if err != nil {
			e.l.Error("failed to reconcile intent", zap.String("intent_id", intent.ID), zap.Error(err))
			return err
		}
	}

	return nil
}

func (e *Engine) reconcileExecution(ctx context.Context, intent *domain.Intent) error {
	checker, ok := e.settler.(SettlementChecker)
	if !ok {
		e.l.Warn("settler cannot look up settlements, execution left pending",
			zap.String("intent_id", intent.ID),
			zap.String("plan_id", intent.PlanID.Hex()))
		return nil
	}

	res, found, err := checker.Settled(ctx, intent.ID)
	if err != nil {
		return errors.Wrapf(err, "look up settlement %s", intent.ID)
	}

	short := found && res.Output.LessThan(intent.MinimumOutput)
	if short {
		e.compensateStale(ctx, intent, res)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if found && !short {
		_, err := e.settleExecutionLocked(intent, res)
		return err
	}

	cause := errors.Wrapf(domain.ErrSettlementFailed, "execution %s did not settle before restart", intent.ID)
	if short {
		cause = errors.Wrapf(domain.ErrSlippageExceeded, "execution %s output %s below minimum %s",
			intent.ID, res.Output.String(), intent.MinimumOutput.String())
	}
	e.rollbackExecutionLocked(intent, cause)

	return nil
}

// compensateStale reverses an under-delivering settlement found after a restart.
func (e *Engine) compensateStale(ctx context.Context, intent *domain.Intent, res SettlementResult) {
	c, ok := e.settler.(Compensator)
	if !ok {
		return
	}

	e.mu.Lock()
	plan, found := e.st.Plans[intent.PlanID]
	var target common.Address
	if found {
		target = plan.TargetAsset
	}
	e.mu.Unlock()
	if !found {
		e.l.Warn("plan of under-delivering settlement is gone, not compensating", zap.String("intent_id", intent.ID))
		return
	}

	req := SettlementRequest{
		ID:            intent.ID,
		InputAsset:    intent.Asset,
		OutputAsset:   target,
		InputAmount:   intent.Amount.Sub(intent.Fee),
		MinimumOutput: intent.MinimumOutput,
		Beneficiary:   intent.Destination,
	}
	if err := c.Compensate(WithIntentID(ctx, intent.ID), req, res); err != nil {
		e.l.Error("failed to compensate under-delivering settlement",
			zap.String("intent_id", intent.ID),
			zap.String("plan_id", intent.PlanID.Hex()),
			zap.Error(err))
	}
}

func (e *Engine) reconcileWithdrawal(ctx context.Context, intent *domain.Intent) error {
	checker, ok := e.transfer.(TransferChecker)
	if !ok {
		e.l.Warn("transfer cannot look up payouts, withdrawal left pending", zap.String("intent_id", intent.ID))
		return nil
	}

	transferred, err := checker.Transferred(ctx, intent.ID)
	if err != nil {
		return errors.Wrapf(err, "look up transfer %s", intent.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !transferred {
		e.restoreWithdrawalLocked(intent, errors.New("payout did not complete before restart"))
		return nil
	}

	return e.markDoneLocked(intent, "withdraw_settle")
}

// reconcileRefund retries an unconfirmed cancellation refund with the same reference;
// the plan record is already gone so there is nothing to roll back to.
func (e *Engine) reconcileRefund(ctx context.Context, intent *domain.Intent) error {
	checker, ok := e.transfer.(TransferChecker)
	if !ok {
		e.l.Warn("transfer cannot look up payouts, refund left pending", zap.String("intent_id", intent.ID))
		return nil
	}

	transferred, err := checker.Transferred(ctx, intent.ID)
	if err != nil {
		return errors.Wrapf(err, "look up transfer %s", intent.ID)
	}
	if !transferred {
		if err := e.transfer.Push(WithIntentID(ctx, intent.ID), intent.Asset, intent.Destination, intent.Amount); err != nil {
			return errors.Wrapf(domain.ErrTransferFailed, "retry refund %s: %v", intent.ID, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.markDoneLocked(intent, "cancel_plan_settle")
}

func (e *Engine) markDoneLocked(intent *domain.Intent, op string) error {
	done := intent.Clone()
	done.Status = domain.IntentDone
	done.UpdatedAt = e.clock()
	if err := e.commitLocked(state.Batch{Op: op, Intents: []*domain.Intent{done}}); err != nil {
		return err
	}
	e.l.Info("intent reconciled", zap.String("intent_id", intent.ID), zap.String("kind", string(intent.Kind)))
	return nil
}
