package state

import "fmt"

// DefaultCollateralRatio is the minimum collateral / borrowed multiple.
const DefaultCollateralRatio uint64 = 2

// RiskParams defines the pool's borrowing policy.
type RiskParams struct {
	// CollateralRatio: collateral must be >= CollateralRatio * borrowed.
	CollateralRatio uint64

	// EnforcePoolLiquidity additionally caps a borrow at
	// Σ deposited - Σ borrowed. Off by default.
	EnforcePoolLiquidity bool
}

// DefaultRiskParams returns the policy the pool runs with unless configured
// otherwise.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		CollateralRatio:      DefaultCollateralRatio,
		EnforcePoolLiquidity: false,
	}
}

// Validate rejects ratios that would allow debt larger than collateral.
func (p RiskParams) Validate() error {
	if p.CollateralRatio < 1 {
		return fmt.Errorf("collateral ratio must be >= 1, got %d", p.CollateralRatio)
	}
	return nil
}
