package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
)

// AssetTransfer moves assets between external accounts and the engine's custody account.
type AssetTransfer interface {
	// Pull moves amount of asset from the given account into custody.
	Pull(ctx context.Context, asset, from common.Address, amount decimal.Decimal) error
	// Push moves amount of asset from custody to the given account.
	Push(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error
}

// TransferChecker is implemented by transfers that can tell whether a referenced
// transfer completed. It lets recovery settle push intents left pending by a crash.
type TransferChecker interface {
	Transferred(ctx context.Context, reference string) (bool, error)
}

// SettlementRequest is everything the settler needs to convert one chunk.
type SettlementRequest struct {
	ID            string
	InputAsset    common.Address
	OutputAsset   common.Address
	InputAmount   decimal.Decimal
	MinimumOutput decimal.Decimal
	// Instruction is the opaque executable route produced by the quoting service.
	Instruction []byte
	Beneficiary common.Address
}

// SettlementResult reports what the beneficiary actually received.
type SettlementResult struct {
	Output    decimal.Decimal
	Reference string
}

// Settler performs the conversion. It is trusted only to report its output,
// which the engine checks against the minimum.
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error)
}

// Compensator reverses a settlement whose output fell below the minimum.
type Compensator interface {
	Compensate(ctx context.Context, req SettlementRequest, res SettlementResult) error
}

// SettlementChecker looks up a settlement by request id after a restart.
type SettlementChecker interface {
	Settled(ctx context.Context, id string) (SettlementResult, bool, error)
}

// Committer durably applies commit batches.
type Committer interface {
	Commit(b state.Batch) error
}

// Publisher receives events after the state change they describe is committed.
type Publisher interface {
	Publish(e domain.Event)
}

// Recorder observes operation outcomes.
type Recorder interface {
	ObserveOperation(op string, err error, took time.Duration)
	ObserveExecution(source, target common.Address, fee, output decimal.Decimal)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, error, time.Duration) {}

func (nopRecorder) ObserveExecution(common.Address, common.Address, decimal.Decimal, decimal.Decimal) {}

type intentKey struct{}

// WithIntentID attaches the intent id of the operation to ctx. The engine sets it
// on every collaborator call so collaborators can record an idempotency reference.
func WithIntentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, intentKey{}, id)
}

// IntentIDFrom returns the intent id attached by WithIntentID.
func IntentIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(intentKey{}).(string)
	return id, ok && id != ""
}
