package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// PlanID identifies a plan slot. Equal tuples always produce equal ids.
type PlanID = common.Hash

// DerivePlanID hashes the packed tuple (owner, source, target, uint256 amountPerExecution)
// with keccak256, matching abi.encodePacked on an EVM. Callers reject amounts that do not
// fit a uint256 (see FitsUint256); larger values would wrap onto another slot.
func DerivePlanID(owner, source, target common.Address, amountPerExecution decimal.Decimal) PlanID {
	return crypto.Keccak256Hash(
		owner.Bytes(),
		source.Bytes(),
		target.Bytes(),
		math.U256Bytes(amountPerExecution.BigInt()),
	)
}

// ParsePlanID decodes a 0x-prefixed 32-byte hex id.
func ParsePlanID(s string) (PlanID, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return PlanID{}, false
	}
	return common.BytesToHash(b), true
}
