// Package router quotes and settles conversions against a liquidity pool held in the in-process bank.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/services/bank"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"github.com/vadiminshakov/cryptodca/internal/services/pricer"
	"go.uber.org/zap"
)

// Route is the executable instruction produced by Quote.
type Route struct {
	Source   common.Address `json:"source"`
	Target   common.Address `json:"target"`
	Rate     string         `json:"rate"`
	QuotedAt time.Time      `json:"quoted_at"`
}

// QuoteRequest asks for the output of converting Amount along Pair.
type QuoteRequest struct {
	Pair   domain.Pair
	Amount decimal.Decimal
}

// Quote is the expected output with the instruction that realizes it.
type Quote struct {
	Expected    decimal.Decimal
	Rate        decimal.Decimal
	Instruction []byte
}

// Router settles conversions at the pricer's current rate.
type Router struct {
	bank           *bank.Bank
	pool           common.Address
	custody        common.Address
	pricer         pricer.Pricer
	enforceMinimum bool
	haircutBps     int64
	clock          func() time.Time
	l              *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.l = l
		}
	}
}

// WithoutMinimumCheck makes the router deliver whatever the rate yields,
// leaving the minimum-output check to the caller.
func WithoutMinimumCheck() Option {
	return func(r *Router) {
		r.enforceMinimum = false
	}
}

// WithHaircut delivers bps less than the quoted rate, standing in for price movement
// between quote and settlement.
func WithHaircut(bps int64) Option {
	return func(r *Router) {
		if domain.ValidateBps(bps) {
			r.haircutBps = bps
		}
	}
}

// WithClock overrides the time source of quotes.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New creates a router paying out of pool and charging custody.
func New(b *bank.Bank, p pricer.Pricer, pool, custody common.Address, opts ...Option) (*Router, error) {
	if b == nil {
		return nil, errors.New("bank is required")
	}
	if p == nil {
		return nil, errors.New("pricer is required")
	}
	if pool == (common.Address{}) || custody == (common.Address{}) {
		return nil, errors.New("pool and custody addresses are required")
	}

	r := &Router{
		bank:           b,
		pool:           pool,
		custody:        custody,
		pricer:         p,
		enforceMinimum: true,
		clock:          time.Now,
		l:              zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Quote prices req without moving funds.
func (r *Router) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if err := domain.ValidateAmount("quote amount", req.Amount); err != nil {
		return Quote{}, err
	}
	rate, err := r.pricer.GetPrice(ctx, req.Pair)
	if err != nil {
		return Quote{}, errors.Wrapf(err, "price %s", req.Pair.String())
	}

	instruction, err := json.Marshal(Route{
		Source:   req.Pair.Source,
		Target:   req.Pair.Target,
		Rate:     rate.String(),
		QuotedAt: r.clock(),
	})
	if err != nil {
		return Quote{}, errors.Wrap(err, "encode route")
	}

	return Quote{
		Expected:    req.Amount.Mul(rate).Floor(),
		Rate:        rate,
		Instruction: instruction,
	}, nil
}

// Settle converts req.InputAmount from custody into the beneficiary's target balance.
func (r *Router) Settle(ctx context.Context, req engine.SettlementRequest) (engine.SettlementResult, error) {
	if len(req.Instruction) > 0 {
		var route Route
		if err := json.Unmarshal(req.Instruction, &route); err != nil {
			return engine.SettlementResult{}, errors.Wrap(err, "decode route instruction")
		}
		if route.Source != req.InputAsset || route.Target != req.OutputAsset {
			return engine.SettlementResult{}, fmt.Errorf("route %s->%s does not match request %s->%s",
				route.Source.Hex(), route.Target.Hex(), req.InputAsset.Hex(), req.OutputAsset.Hex())
		}
	}

	pair := domain.Pair{Source: req.InputAsset, Target: req.OutputAsset}
	rate, err := r.pricer.GetPrice(ctx, pair)
	if err != nil {
		return engine.SettlementResult{}, errors.Wrapf(err, "price %s", pair.String())
	}

	output, _ := req.InputAmount.Mul(rate).
		Mul(decimal.NewFromInt(domain.BpsDenominator - r.haircutBps)).
		QuoRem(decimal.NewFromInt(domain.BpsDenominator), 0)
	if r.enforceMinimum && output.LessThan(req.MinimumOutput) {
		return engine.SettlementResult{}, errors.Wrapf(domain.ErrSlippageExceeded, "router output %s below minimum %s",
			output.String(), req.MinimumOutput.String())
	}
	if !output.IsPositive() {
		return engine.SettlementResult{}, fmt.Errorf("input %s yields no output", req.InputAmount.String())
	}

	reference := "sim-" + req.ID
	if err := r.bank.TransferBatch(ctx, reference,
		bank.Leg{Asset: req.InputAsset, From: r.custody, To: r.pool, Amount: req.InputAmount},
		bank.Leg{Asset: req.OutputAsset, From: r.pool, To: req.Beneficiary, Amount: output},
	); err != nil {
		return engine.SettlementResult{}, errors.Wrap(err, "settle legs")
	}
	r.bank.RecordReceipt(req.ID, output, reference)

	r.l.Info("settled",
		zap.String("id", req.ID),
		zap.String("pair", pair.String()),
		zap.String("input", req.InputAmount.String()),
		zap.String("output", output.String()),
		zap.String("beneficiary", req.Beneficiary.Hex()))

	return engine.SettlementResult{Output: output, Reference: reference}, nil
}

// Compensate reverses a settlement the engine rejected.
func (r *Router) Compensate(ctx context.Context, req engine.SettlementRequest, res engine.SettlementResult) error {
	if err := r.bank.TransferBatch(ctx, "",
		bank.Leg{Asset: req.OutputAsset, From: req.Beneficiary, To: r.pool, Amount: res.Output},
		bank.Leg{Asset: req.InputAsset, From: r.pool, To: r.custody, Amount: req.InputAmount},
	); err != nil {
		return errors.Wrapf(err, "reverse settlement %s", req.ID)
	}
	r.bank.DropReceipt(req.ID)

	r.l.Info("settlement reversed", zap.String("id", req.ID), zap.String("output", res.Output.String()))
	return nil
}

// Settled looks up a settlement by request id.
func (r *Router) Settled(_ context.Context, id string) (engine.SettlementResult, bool, error) {
	output, reference, ok := r.bank.Receipt(id)
	if !ok {
		return engine.SettlementResult{}, false, nil
	}
	return engine.SettlementResult{Output: output, Reference: reference}, true, nil
}
