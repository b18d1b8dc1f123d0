// Package pricer provides exchange rates between plan assets.
package pricer

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
)

// Pricer returns how many base units of pair.Target one base unit of pair.Source buys.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}
