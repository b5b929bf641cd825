package consensus

import "github.com/holiman/uint256"

// baseFeeElasticity is the EIP-1559 elasticity multiplier: the target gas
// usage is block_gas_limit / elasticity.
const baseFeeElasticity = 2

// baseFeeMaxChangeDenominator bounds the per-block base fee swing to
// 1/8th, the same constant Ethereum mainnet uses.
const baseFeeMaxChangeDenominator = 8

// nextBaseFee computes the child block's base fee from its parent's
// gas_used and base_fee_per_gas, per the EIP-1559 rule: unchanged at
// exactly the target, otherwise adjusted proportionally to the distance
// from target, saturating at zero on the way down.
func nextBaseFee(parentBaseFee *uint256.Int, parentGasUsed, blockGasLimit uint64) *uint256.Int {
	target := blockGasLimit / baseFeeElasticity
	if target == 0 {
		return new(uint256.Int).Set(parentBaseFee)
	}
	if parentGasUsed == target {
		return new(uint256.Int).Set(parentBaseFee)
	}

	if parentGasUsed > target {
		delta := parentGasUsed - target
		change := new(uint256.Int).Mul(parentBaseFee, uint256.NewInt(delta))
		change.Div(change, uint256.NewInt(uint64(target)))
		change.Div(change, uint256.NewInt(baseFeeMaxChangeDenominator))
		if change.IsZero() {
			change = uint256.NewInt(1)
		}
		return new(uint256.Int).Add(parentBaseFee, change)
	}

	delta := target - parentGasUsed
	change := new(uint256.Int).Mul(parentBaseFee, uint256.NewInt(delta))
	change.Div(change, uint256.NewInt(uint64(target)))
	change.Div(change, uint256.NewInt(baseFeeMaxChangeDenominator))
	if change.Cmp(parentBaseFee) >= 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(parentBaseFee, change)
}
