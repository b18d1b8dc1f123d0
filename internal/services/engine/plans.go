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

// CreatePlan escrows params.Amount from caller and opens an active plan in the derived slot.
// The caller always becomes the owner.
func (e *Engine) CreatePlan(ctx context.Context, caller common.Address, params domain.PlanParams) (plan *domain.Plan, err error) {
	defer e.track("create_plan", &err)()

	params.Owner = caller
	id := params.ID()

	e.mu.Lock()
	reg, err := e.registryLocked()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := params.Validate(reg.MinimumAmountPerExecution); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if !reg.IsSourceAssetEligible(params.Pair.Source) {
		e.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrAssetNotEligible, "source asset %s", params.Pair.Source.Hex())
	}
	if err := e.checkSlotFreeLocked(id); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.busy[id] = struct{}{}
	e.mu.Unlock()

	pullErr := e.transfer.Pull(WithIntentID(ctx, id.Hex()), params.Pair.Source, caller, params.Amount)

	e.mu.Lock()
	delete(e.busy, id)

	if pullErr != nil {
		e.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrTransferFailed, "pull %s of %s from %s: %v",
			params.Amount.String(), params.Pair.Source.Hex(), caller.Hex(), pullErr)
	}
	// the slot may have been reactivated while the pull was in flight
	if prev, ok := e.st.Plans[id]; ok && prev.Status.Occupied() {
		status := prev.Status
		e.mu.Unlock()
		e.returnDeposit(ctx, params.Pair.Source, caller, params.Amount)
		return nil, errors.Wrapf(domain.ErrPlanAlreadyActive, "plan %s became %s during the deposit", id.Hex(), status)
	}
	defer e.mu.Unlock()

	var predecessor *domain.Plan
	if prev, ok := e.st.Plans[id]; ok && prev.Status == domain.PlanStatusCompleted {
		predecessor = prev
	}
	plan = domain.NewPlan(params, predecessor, e.clock())

	if err := e.commitLocked(state.Batch{Op: "create_plan", Plans: []*domain.Plan{plan}}); err != nil {
		e.l.Error("plan record failed after pull, funds held in custody",
			zap.String("plan_id", id.Hex()),
			zap.String("owner", caller.Hex()),
			zap.String("amount", params.Amount.String()),
			zap.Error(err))
		return nil, err
	}

	e.l.Info("plan created",
		zap.String("plan_id", id.Hex()),
		zap.String("owner", caller.Hex()),
		zap.String("pair", params.Pair.String()),
		zap.String("balance", plan.Balance.String()),
		zap.String("amount_per_execution", plan.AmountPerExecution.String()),
		zap.Bool("reused_slot", predecessor != nil))
	e.emit(domain.Event{
		Type:   domain.EventPlanCreated,
		Actor:  caller,
		PlanID: &id,
		Asset:  &plan.SourceAsset,
		Amount: params.Amount,
	})

	return plan.Clone(), nil
}

func (e *Engine) checkSlotFreeLocked(id domain.PlanID) error {
	if _, busy := e.busy[id]; busy {
		return errors.Wrapf(domain.ErrPlanAlreadyActive, "plan %s has a transfer in progress", id.Hex())
	}
	if prev, ok := e.st.Plans[id]; ok && prev.Status.Occupied() {
		return errors.Wrapf(domain.ErrPlanAlreadyActive, "plan %s is %s", id.Hex(), prev.Status)
	}
	return nil
}

// ownedPlanLocked resolves id and checks caller owns it.
func (e *Engine) ownedPlanLocked(caller common.Address, id domain.PlanID) (*domain.Plan, error) {
	if _, err := e.registryLocked(); err != nil {
		return nil, err
	}
	p, ok := e.st.Plans[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrPlanNotFound, "plan %s", id.Hex())
	}
	if p.Owner != caller {
		return nil, errors.Wrapf(domain.ErrNotOwner, "plan %s", id.Hex())
	}
	return p, nil
}

// FundPlan escrows additional source asset into an owned plan.
func (e *Engine) FundPlan(ctx context.Context, caller common.Address, id domain.PlanID, amount decimal.Decimal) (plan *domain.Plan, err error) {
	defer e.track("fund_plan", &err)()

	if err := domain.ValidateAmount("amount", amount); err != nil {
		return nil, err
	}

	e.mu.Lock()
	current, err := e.ownedPlanLocked(caller, id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if _, busy := e.busy[id]; busy {
		e.mu.Unlock()
		return nil, errors.Wrapf(domain.ErrPlanBusy, "plan %s", id.Hex())
	}
	asset := current.SourceAsset
	e.mu.Unlock()

	if err := e.transfer.Pull(WithIntentID(ctx, id.Hex()), asset, caller, amount); err != nil {
		return nil, errors.Wrapf(domain.ErrTransferFailed, "pull %s of %s from %s: %v",
			amount.String(), asset.Hex(), caller.Hex(), err)
	}

	e.mu.Lock()
	current, err = e.ownedPlanLocked(caller, id)
	if err == nil {
		if _, busy := e.busy[id]; busy {
			err = errors.Wrapf(domain.ErrPlanBusy, "plan %s", id.Hex())
		}
	}
	if err != nil {
		e.mu.Unlock()
		// the plan was cancelled or is being recreated while the pull was in flight
		e.returnDeposit(ctx, asset, caller, amount)
		return nil, err
	}
	defer e.mu.Unlock()

	plan = current.Clone()
	wasCompleted := plan.Status == domain.PlanStatusCompleted
	plan.Fund(amount)

	if err := e.commitLocked(state.Batch{Op: "fund_plan", Plans: []*domain.Plan{plan}}); err != nil {
		e.l.Error("plan funding record failed after pull, funds held in custody",
			zap.String("plan_id", id.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, err
	}

	e.l.Info("plan funded",
		zap.String("plan_id", id.Hex()),
		zap.String("amount", amount.String()),
		zap.String("balance", plan.Balance.String()),
		zap.String("status", plan.Status.String()))
	e.emit(domain.Event{Type: domain.EventPlanFunded, Actor: caller, PlanID: &id, Asset: &asset, Amount: amount})
	if wasCompleted && plan.Status == domain.PlanStatusActive {
		e.emit(domain.Event{Type: domain.EventPlanResumed, Actor: caller, PlanID: &id})
	}

	return plan.Clone(), nil
}

// returnDeposit sends back a pull that could not be recorded. A failure is logged
// with everything an operator needs to repay by hand.
func (e *Engine) returnDeposit(ctx context.Context, asset, to common.Address, amount decimal.Decimal) {
	if err := e.transfer.Push(ctx, asset, to, amount); err != nil {
		e.l.Error("failed to return unrecorded deposit",
			zap.String("asset", asset.Hex()),
			zap.String("to", to.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}

// PausePlan stops executions of an active plan.
func (e *Engine) PausePlan(ctx context.Context, caller common.Address, id domain.PlanID) (err error) {
	defer e.track("pause_plan", &err)()

	return e.transition(caller, id, "pause_plan", domain.EventPlanPaused, (*domain.Plan).Pause)
}

// ResumePlan re-enables executions of a paused plan.
func (e *Engine) ResumePlan(ctx context.Context, caller common.Address, id domain.PlanID) (err error) {
	defer e.track("resume_plan", &err)()

	return e.transition(caller, id, "resume_plan", domain.EventPlanResumed, (*domain.Plan).Resume)
}

func (e *Engine) transition(caller common.Address, id domain.PlanID, op string, evType domain.EventType, apply func(*domain.Plan) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.ownedPlanLocked(caller, id)
	if err != nil {
		return err
	}
	plan := current.Clone()
	if err := apply(plan); err != nil {
		return err
	}
	if err := e.commitLocked(state.Batch{Op: op, Plans: []*domain.Plan{plan}}); err != nil {
		return err
	}

	e.l.Info("plan status changed", zap.String("plan_id", id.Hex()), zap.String("status", plan.Status.String()))
	e.emit(domain.Event{Type: evType, Actor: caller, PlanID: &id})

	return nil
}

// CancelPlan refunds the remaining balance to refundTo (the owner when zero) and frees the slot.
func (e *Engine) CancelPlan(ctx context.Context, caller common.Address, id domain.PlanID, refundTo common.Address) (refund decimal.Decimal, err error) {
	defer e.track("cancel_plan", &err)()

	if refundTo == (common.Address{}) {
		refundTo = caller
	}

	e.mu.Lock()
	current, err := e.ownedPlanLocked(caller, id)
	if err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}
	if err := current.CheckCancel(); err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}

	original := current.Clone()
	refund = original.Balance
	now := e.clock()
	intent := &domain.Intent{
		ID:          e.newID(),
		Kind:        domain.IntentRefund,
		Status:      domain.IntentPending,
		PlanID:      id,
		Holder:      caller,
		Asset:       original.SourceAsset,
		Amount:      refund,
		Destination: refundTo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b := state.Batch{Op: "cancel_plan", Deleted: []domain.PlanID{id}}
	if refund.IsPositive() {
		b.Intents = []*domain.Intent{intent}
	}
	if err := e.commitLocked(b); err != nil {
		e.mu.Unlock()
		return decimal.Zero, err
	}
	e.busy[id] = struct{}{}
	e.mu.Unlock()

	var pushErr error
	if refund.IsPositive() {
		pushErr = e.transfer.Push(WithIntentID(ctx, intent.ID), original.SourceAsset, refundTo, refund)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, id)

	if pushErr != nil {
		failed := intent.Clone()
		failed.Status = domain.IntentFailed
		failed.Error = pushErr.Error()
		failed.UpdatedAt = e.clock()
		if err := e.commitLocked(state.Batch{Op: "cancel_plan_rollback", Plans: []*domain.Plan{original}, Intents: []*domain.Intent{failed}}); err != nil {
			e.l.Error("cancel rollback not recorded", zap.String("plan_id", id.Hex()), zap.Error(err))
		}
		return decimal.Zero, errors.Wrapf(domain.ErrTransferFailed, "refund %s to %s: %v", refund.String(), refundTo.Hex(), pushErr)
	}

	if refund.IsPositive() {
		done := intent.Clone()
		done.Status = domain.IntentDone
		done.UpdatedAt = e.clock()
		if err := e.commitLocked(state.Batch{Op: "cancel_plan_settle", Intents: []*domain.Intent{done}}); err != nil {
			e.l.Warn("refund settled but intent not marked done", zap.String("intent_id", intent.ID), zap.Error(err))
		}
	}

	e.l.Info("plan cancelled",
		zap.String("plan_id", id.Hex()),
		zap.String("refund", refund.String()),
		zap.String("refund_to", refundTo.Hex()))
	e.emit(domain.Event{
		Type:   domain.EventPlanCancelled,
		Actor:  caller,
		PlanID: &id,
		Asset:  &original.SourceAsset,
		Amount: refund,
		To:     &refundTo,
	})

	return refund, nil
}
