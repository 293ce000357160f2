package settlement

import (
	"math/big"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/mathutil"
	"github.com/wagmilabs/treasury/vault"
)

// ComputePlan derives the claimant's pro-rata payout from a treasury
// snapshot: for each asset, balance times claimant deposits over total
// deposits, in exact minor-unit integer arithmetic. Dust from the
// integer division stays in the vault, at most one minor unit per
// asset.
func ComputePlan(state *vault.State, claimantDeposits, totalDeposits *big.Int) ([]jobs.TransferPlan, error) {
	if totalDeposits == nil || totalDeposits.Sign() <= 0 {
		return nil, errors.New("total deposits must be positive")
	}
	if claimantDeposits == nil || claimantDeposits.Sign() < 0 {
		return nil, errors.New("claimant deposits must be non-negative")
	}
	if claimantDeposits.Cmp(totalDeposits) > 0 {
		return nil, errors.New("claimant deposits exceed total deposits")
	}

	plan := make([]jobs.TransferPlan, 0, len(state.Balances))
	for i := range state.Balances {
		bal := state.Balances[i]
		amount := new(big.Int).Div(new(big.Int).Mul(bal.MinorUnits, claimantDeposits), totalDeposits)
		plan = append(plan, jobs.TransferPlan{
			AssetID:          bal.Asset.ID,
			Symbol:           bal.Asset.Symbol,
			Kind:             bal.Asset.Kind,
			TokenAddress:     bal.Asset.TokenAddress,
			Decimals:         bal.Asset.Decimals,
			AmountMinorUnits: amount.String(),
			AmountFormatted:  mathutil.FormatUnits(amount, bal.Asset.Decimals),
		})
	}
	return plan, nil
}

// Share renders the claimant's fraction of deposits for display.
func Share(claimantDeposits, totalDeposits *big.Int) float64 {
	if totalDeposits == nil || totalDeposits.Sign() == 0 {
		return 0
	}
	share, _ := new(big.Rat).SetFrac(claimantDeposits, totalDeposits).Float64()
	return share
}
