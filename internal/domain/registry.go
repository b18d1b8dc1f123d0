package domain

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Version is reported by the read surface.
const Version = "1.0.0"

const (
	DefaultFeeRateBps         = 50
	DefaultExecutionTolerance = 15 * time.Minute
)

// DefaultMinimumAmountPerExecution is one base unit.
var DefaultMinimumAmountPerExecution = decimal.NewFromInt(1)

// Role is a 32-byte capability identifier.
type Role = common.Hash

var (
	RoleDefaultAdmin = Role{}
	RoleAdmin        = crypto.Keccak256Hash([]byte("ADMIN"))
	RoleExecutor     = crypto.Keccak256Hash([]byte("EXECUTOR"))
)

// RoleByName resolves the symbolic role names accepted by the API and CLI.
func RoleByName(name string) (Role, bool) {
	switch name {
	case "DEFAULT_ADMIN", "DEFAULT_ADMIN_ROLE":
		return RoleDefaultAdmin, true
	case "ADMIN", "ADMIN_ROLE":
		return RoleAdmin, true
	case "EXECUTOR", "EXECUTOR_ROLE":
		return RoleExecutor, true
	}
	return Role{}, false
}

// InitConfig is the one-time bootstrap of the registry.
type InitConfig struct {
	Admin                     common.Address
	Executors                 []common.Address
	Router                    common.Address
	EligibleSourceAssets      []common.Address
	FeeRateBps                *int64
	ExecutionTolerance        *time.Duration
	MinimumAmountPerExecution *decimal.Decimal
}

// Registry is the single versioned record of roles and protocol parameters.
// Every mutation bumps Revision.
type Registry struct {
	Initialized               bool                    `json:"initialized"`
	Revision                  uint64                  `json:"revision"`
	Admin                     common.Address          `json:"admin"`
	Executors                 map[common.Address]bool `json:"executors"`
	Router                    common.Address          `json:"router"`
	FeeRateBps                int64                   `json:"fee_rate_bps"`
	ExecutionTolerance        time.Duration           `json:"execution_tolerance"`
	MinimumAmountPerExecution decimal.Decimal         `json:"minimum_amount_per_execution"`
	EligibleSourceAssets      map[common.Address]bool `json:"eligible_source_assets"`
}

// NewRegistry validates cfg and fills defaults for omitted parameters.
func NewRegistry(cfg InitConfig) (*Registry, error) {
	if cfg.Admin == (common.Address{}) {
		return nil, errors.Wrap(ErrUnauthorized, "admin must be set")
	}

	r := &Registry{
		Initialized:               true,
		Revision:                  1,
		Admin:                     cfg.Admin,
		Executors:                 make(map[common.Address]bool, len(cfg.Executors)),
		Router:                    cfg.Router,
		FeeRateBps:                DefaultFeeRateBps,
		ExecutionTolerance:        DefaultExecutionTolerance,
		MinimumAmountPerExecution: DefaultMinimumAmountPerExecution,
		EligibleSourceAssets:      make(map[common.Address]bool, len(cfg.EligibleSourceAssets)),
	}
	for _, e := range cfg.Executors {
		if e != (common.Address{}) {
			r.Executors[e] = true
		}
	}
	for _, a := range cfg.EligibleSourceAssets {
		if a != (common.Address{}) {
			r.EligibleSourceAssets[a] = true
		}
	}
	if cfg.FeeRateBps != nil {
		if err := r.SetFee(*cfg.FeeRateBps); err != nil {
			return nil, err
		}
	}
	if cfg.ExecutionTolerance != nil {
		if err := r.SetExecutionTolerance(*cfg.ExecutionTolerance); err != nil {
			return nil, err
		}
	}
	if cfg.MinimumAmountPerExecution != nil {
		if err := r.SetMinimumAmountPerExecution(*cfg.MinimumAmountPerExecution); err != nil {
			return nil, err
		}
	}
	r.Revision = 1

	return r, nil
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	if r == nil {
		return nil
	}
	c := *r
	c.Executors = make(map[common.Address]bool, len(r.Executors))
	for k, v := range r.Executors {
		c.Executors[k] = v
	}
	c.EligibleSourceAssets = make(map[common.Address]bool, len(r.EligibleSourceAssets))
	for k, v := range r.EligibleSourceAssets {
		c.EligibleSourceAssets[k] = v
	}
	return &c
}

// HasRole reports whether account holds role. The admin holds both admin roles.
func (r *Registry) HasRole(role Role, account common.Address) bool {
	if r == nil || !r.Initialized || account == (common.Address{}) {
		return false
	}
	switch role {
	case RoleDefaultAdmin, RoleAdmin:
		return account == r.Admin
	case RoleExecutor:
		return r.Executors[account]
	}
	return false
}

// Require returns ErrUnauthorized unless account holds role.
func (r *Registry) Require(role Role, account common.Address) error {
	if !r.HasRole(role, account) {
		return errors.Wrapf(ErrUnauthorized, "%s lacks role %s", account.Hex(), role.Hex())
	}
	return nil
}

// IsSourceAssetEligible reports whether plans may escrow asset.
func (r *Registry) IsSourceAssetEligible(asset common.Address) bool {
	if r == nil {
		return false
	}
	return r.EligibleSourceAssets[asset]
}

// ExecutorList returns executors in byte order.
func (r *Registry) ExecutorList() []common.Address {
	return sortedAddresses(r.Executors)
}

// EligibleSourceAssetList returns eligible assets in byte order.
func (r *Registry) EligibleSourceAssetList() []common.Address {
	return sortedAddresses(r.EligibleSourceAssets)
}

// SetFee sets the protocol fee rate in basis points.
func (r *Registry) SetFee(bps int64) error {
	if !ValidateBps(bps) {
		return errors.Wrapf(ErrInvalidFee, "fee must be within [0, %d] bps, got %d", BpsDenominator, bps)
	}
	r.FeeRateBps = bps
	r.Revision++
	return nil
}

// SetExecutionTolerance sets the minimum spacing between executions of one plan.
func (r *Registry) SetExecutionTolerance(d time.Duration) error {
	if d < 0 {
		return errors.Wrapf(ErrInvalidTolerance, "execution tolerance must not be negative, got %s", d)
	}
	r.ExecutionTolerance = d
	r.Revision++
	return nil
}

// SetMinimumAmountPerExecution sets the smallest chunk accepted at plan creation.
func (r *Registry) SetMinimumAmountPerExecution(amount decimal.Decimal) error {
	if err := ValidateAmount("minimum amount per execution", amount); err != nil {
		return err
	}
	r.MinimumAmountPerExecution = amount
	r.Revision++
	return nil
}

// SetEligibleSourceAssets replaces the allow-list.
func (r *Registry) SetEligibleSourceAssets(assets []common.Address) error {
	next := make(map[common.Address]bool, len(assets))
	for _, a := range assets {
		if a == (common.Address{}) {
			return errors.Wrap(ErrInvalidAsset, "eligible source asset must not be the zero address")
		}
		next[a] = true
	}
	r.EligibleSourceAssets = next
	r.Revision++
	return nil
}

// GrantExecutor adds account to the executor set.
func (r *Registry) GrantExecutor(account common.Address) error {
	if account == (common.Address{}) {
		return errors.Wrap(ErrUnauthorized, "executor must not be the zero address")
	}
	r.Executors[account] = true
	r.Revision++
	return nil
}

// RevokeExecutor removes account from the executor set.
func (r *Registry) RevokeExecutor(account common.Address) {
	delete(r.Executors, account)
	r.Revision++
}

// TransferAdmin hands both admin roles to account.
func (r *Registry) TransferAdmin(account common.Address) error {
	if account == (common.Address{}) {
		return errors.Wrap(ErrUnauthorized, "admin must not be the zero address")
	}
	r.Admin = account
	r.Revision++
	return nil
}

func sortedAddresses(set map[common.Address]bool) []common.Address {
	out := make([]common.Address, 0, len(set))
	for a, ok := range set {
		if ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
