package rebalance

import (
	"math"
	"math/big"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/mathutil"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/vault"
)

// percentScale holds target percents as integers with 4 decimal
// places, so 100% is 1_000_000 and plan arithmetic stays exact.
const percentScale = 10_000

const fullScale = 100 * percentScale

// position is one asset's place in a rebalance plan. All USD values
// are integers at the shared price scale.
type position struct {
	Asset         params.Asset
	Balance       *big.Int
	PriceRaw      *big.Int
	PercentScaled int64
	CurrentUsdRaw *big.Int
	TargetUsdRaw  *big.Int
	// Delta is current minus target: positive means overweight.
	Delta *big.Int
}

// plan is the deterministic target computation for one job iteration.
type plan struct {
	EthPercent      float64
	Positions       []*position
	TotalUsdRaw     *big.Int
	ToleranceUsdRaw *big.Int
	// Seller and Buyer are the first overweight and first underweight
	// positions in configuration order, nil when within tolerance.
	Seller *position
	Buyer  *position
}

// buildPlan derives per-asset USD targets from the consensus percent.
// Every configured asset needs a price snapshot at the shared scale;
// the native asset targets ethPct, the stable asset the remainder, and
// any other asset zero.
func buildPlan(cfg *params.Config, state *vault.State, prices map[string]*pricing.Snapshot, ethPct float64) (*plan, error) {
	ethPct = mathutil.ClampFloat(ethPct, 0, 100)
	nativeScaled := int64(math.Round(ethPct * percentScale))

	p := &plan{
		EthPercent:  ethPct,
		TotalUsdRaw: big.NewInt(0),
	}
	for i := range cfg.Assets {
		asset := cfg.Assets[i]
		snap, ok := prices[asset.ID]
		if !ok {
			return nil, errors.Errorf("no price snapshot for asset %s", asset.ID)
		}
		if snap.PriceDecimals != cfg.PriceDecimals {
			return nil, errors.Errorf(
				"price scale mismatch for asset %s: snapshot has %d decimals, planner requires %d",
				asset.ID, snap.PriceDecimals, cfg.PriceDecimals,
			)
		}
		priceRaw, err := snap.Raw()
		if err != nil {
			return nil, errors.Wrapf(err, "invalid price for asset %s", asset.ID)
		}

		var percentScaled int64
		switch {
		case asset.IsNative():
			percentScaled = nativeScaled
		case asset.ID == cfg.StableAssetID:
			percentScaled = fullScale - nativeScaled
		}

		balance := state.BalanceFor(asset.ID)
		currentUsdRaw := new(big.Int).Div(new(big.Int).Mul(balance, priceRaw), asset.Unit())
		pos := &position{
			Asset:         asset,
			Balance:       balance,
			PriceRaw:      priceRaw,
			PercentScaled: percentScaled,
			CurrentUsdRaw: currentUsdRaw,
		}
		p.Positions = append(p.Positions, pos)
		p.TotalUsdRaw.Add(p.TotalUsdRaw, currentUsdRaw)
	}
	if p.TotalUsdRaw.Sign() == 0 {
		return p, nil
	}

	// Targets sum exactly to the total: integer division remainders
	// fold into the first position.
	assigned := big.NewInt(0)
	for _, pos := range p.Positions {
		pos.TargetUsdRaw = new(big.Int).Div(
			new(big.Int).Mul(p.TotalUsdRaw, big.NewInt(pos.PercentScaled)),
			big.NewInt(fullScale),
		)
		assigned.Add(assigned, pos.TargetUsdRaw)
	}
	if remainder := new(big.Int).Sub(p.TotalUsdRaw, assigned); remainder.Sign() != 0 {
		first := p.Positions[0]
		first.TargetUsdRaw.Add(first.TargetUsdRaw, remainder)
	}

	toleranceScaled := int64(math.Round(cfg.TolerancePercent * percentScale))
	tolerance := new(big.Int).Div(
		new(big.Int).Mul(p.TotalUsdRaw, big.NewInt(toleranceScaled)),
		big.NewInt(fullScale),
	)
	if min := cfg.MinUsdDeltaRaw(); tolerance.Cmp(min) < 0 {
		tolerance = min
	}
	p.ToleranceUsdRaw = tolerance

	for _, pos := range p.Positions {
		pos.Delta = new(big.Int).Sub(pos.CurrentUsdRaw, pos.TargetUsdRaw)
		if p.Seller == nil && pos.Delta.Cmp(tolerance) > 0 {
			p.Seller = pos
		}
		if p.Buyer == nil && pos.Delta.Cmp(new(big.Int).Neg(tolerance)) < 0 {
			p.Buyer = pos
		}
	}
	// A swap needs both sides out of band.
	if p.Seller == nil || p.Buyer == nil {
		p.Seller, p.Buyer = nil, nil
	}
	return p, nil
}

// usdToMinor converts a USD amount at the price scale into the asset's
// minor units.
func usdToMinor(usdRaw, unit, priceRaw *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(usdRaw, unit), priceRaw)
}

// usdOf values a minor-unit balance at the price scale.
func usdOf(balance, priceRaw, unit *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(balance, priceRaw), unit)
}

// totals renders the plan for outcome recording.
func (p *plan) totals(priceDecimals int) *Totals {
	t := &Totals{
		EthPercent:  p.EthPercent,
		TotalUsdRaw: p.TotalUsdRaw.String(),
	}
	if p.ToleranceUsdRaw != nil {
		t.ToleranceUsdRaw = p.ToleranceUsdRaw.String()
	}
	for _, pos := range p.Positions {
		at := AssetTotal{
			AssetID:       pos.Asset.ID,
			Symbol:        pos.Asset.Symbol,
			BalanceMinor:  pos.Balance.String(),
			CurrentUsdRaw: pos.CurrentUsdRaw.String(),
			TargetPercent: float64(pos.PercentScaled) / percentScale,
			PriceRaw:      pos.PriceRaw.String(),
			PriceDecimals: priceDecimals,
		}
		if pos.TargetUsdRaw != nil {
			at.TargetUsdRaw = pos.TargetUsdRaw.String()
		}
		if pos.Delta != nil {
			at.DeltaUsdRaw = pos.Delta.String()
		}
		t.Assets = append(t.Assets, at)
	}
	return t
}
