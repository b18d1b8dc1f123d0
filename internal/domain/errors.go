package domain

import "github.com/pkg/errors"

// ErrorKind groups domain errors by the way callers are expected to react to them.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation the request itself is malformed or the caller lacks a capability.
	KindValidation
	// KindState the request is well-formed but conflicts with the current state.
	KindState
	// KindSettlement an external collaborator refused or under-delivered.
	KindSettlement
	// KindInsufficientBalance the plan cannot fund another execution.
	KindInsufficientBalance
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindSettlement:
		return "settlement"
	case KindInsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

// Error is a named domain failure. Sentinels are compared with errors.Is
// after any amount of wrapping.
type Error struct {
	Kind ErrorKind
	Code string
	msg  string
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrInvalidAmount    = newError(KindValidation, "invalid_amount", "invalid amount")
	ErrInvalidTolerance = newError(KindValidation, "invalid_tolerance", "invalid tolerance")
	ErrInvalidFee       = newError(KindValidation, "invalid_fee", "invalid fee rate")
	ErrInvalidAsset     = newError(KindValidation, "invalid_asset", "invalid asset")
	ErrAssetNotEligible = newError(KindValidation, "asset_not_eligible", "source asset is not eligible")
	ErrUnauthorized     = newError(KindValidation, "unauthorized", "caller lacks the required role")
	ErrNotOwner         = newError(KindValidation, "not_owner", "caller is not the plan owner")

	ErrNotInitialized      = newError(KindState, "not_initialized", "engine is not initialized")
	ErrAlreadyInitialized  = newError(KindState, "already_initialized", "engine is already initialized")
	ErrPlanNotFound        = newError(KindState, "plan_not_found", "plan not found")
	ErrPlanAlreadyActive   = newError(KindState, "plan_already_active", "plan already active")
	ErrPlanTerminal        = newError(KindState, "plan_terminal", "plan is in a terminal state")
	ErrPlanNotActive       = newError(KindState, "plan_not_active", "plan is not active")
	ErrPlanNotPaused       = newError(KindState, "plan_not_paused", "plan is not paused")
	ErrPlanNotExecutable   = newError(KindState, "plan_not_executable", "plan is not executable")
	ErrExecutionInProgress = newError(KindState, "execution_in_progress", "plan execution already in progress")
	ErrPlanBusy            = newError(KindState, "plan_busy", "plan slot has a create or cancel in progress")
	ErrTooSoon             = newError(KindState, "too_soon", "execution window has not elapsed")
	ErrNothingToWithdraw   = newError(KindState, "nothing_to_withdraw", "nothing to withdraw")

	ErrSettlementFailed = newError(KindSettlement, "settlement_failed", "settlement failed")
	ErrSlippageExceeded = newError(KindSettlement, "slippage_exceeded", "settlement output below minimum")
	ErrTransferFailed   = newError(KindSettlement, "transfer_failed", "asset transfer failed")

	ErrInsufficientBalance = newError(KindInsufficientBalance, "insufficient_balance", "plan balance is below the execution amount")
)

// KindOf returns the kind of the first domain error found in err's chain.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// CodeOf returns the machine-readable code of the domain error in err's chain.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
