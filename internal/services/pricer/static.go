package pricer

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

// StaticPricer serves rates from a table. The reverse direction of a configured
// pair is derived as the inverse rate.
type StaticPricer struct {
	mu    sync.RWMutex
	rates map[domain.Pair]decimal.Decimal
}

// NewStaticPricer creates a pricer with no rates.
func NewStaticPricer() *StaticPricer {
	return &StaticPricer{rates: make(map[domain.Pair]decimal.Decimal)}
}

// SetPrice sets the rate of pair.
func (p *StaticPricer) SetPrice(pair domain.Pair, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("rate must be positive, got %s", rate.String())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[pair] = rate
	return nil
}

// GetPrice returns the rate of pair.
func (p *StaticPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Decimal{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if rate, ok := p.rates[pair]; ok {
		return rate, nil
	}
	if rate, ok := p.rates[domain.Pair{Source: pair.Target, Target: pair.Source}]; ok {
		return decimal.NewFromInt(1).DivRound(rate, 18), nil
	}
	return decimal.Decimal{}, fmt.Errorf("no price for %s", pair.String())
}
