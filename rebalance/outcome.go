package rebalance

import (
	"context"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
)

const (
	lastKey    = "rebalance:last"
	historyKey = "rebalance:history"
)

// Mode classifies how a rebalance job ended.
type Mode string

const (
	ModeExecuted Mode = "executed"
	ModeDryRun   Mode = "dry-run"
	ModeSkipped  Mode = "skipped"
)

// AssetTotal is one asset's position in the plan, all USD values at the
// shared price scale.
type AssetTotal struct {
	AssetID          string  `json:"assetId"`
	Symbol           string  `json:"symbol"`
	BalanceMinor     string  `json:"balanceMinorUnits"`
	CurrentUsdRaw    string  `json:"currentUsdRaw"`
	TargetUsdRaw     string  `json:"targetUsdRaw"`
	TargetPercent    float64 `json:"targetPercent"`
	DeltaUsdRaw      string  `json:"deltaUsdRaw"`
	PriceRaw         string  `json:"priceRaw"`
	PriceDecimals    int     `json:"priceDecimals"`
}

// Totals summarizes the plan arithmetic behind an outcome.
type Totals struct {
	EthPercent      float64      `json:"ethPercent"`
	TotalUsdRaw     string       `json:"totalUsdRaw"`
	ToleranceUsdRaw string       `json:"toleranceUsdRaw"`
	Assets          []AssetTotal `json:"assets"`
}

// ActionResult records the single swap an outcome planned or executed.
type ActionResult struct {
	SellAssetID      string `json:"sellAssetId"`
	BuyAssetID       string `json:"buyAssetId"`
	SellAmountMinor  string `json:"sellAmountMinorUnits"`
	ExpectedBuyMinor string `json:"expectedBuyMinorUnits"`
	Iterations       int    `json:"iterations"`
	Route            string `json:"route,omitempty"`
	ApprovalTxHash   string `json:"approvalTxHash,omitempty"`
	TxHash           string `json:"txHash,omitempty"`
}

// Outcome is the persisted result of one rebalance job.
type Outcome struct {
	JobID     string               `json:"jobId"`
	Reason    jobs.RebalanceReason `json:"reason"`
	Mode      Mode                 `json:"mode"`
	Timestamp int64                `json:"timestamp"`
	Totals    *Totals              `json:"totals,omitempty"`
	Message   string               `json:"message,omitempty"`
	Actions   []ActionResult       `json:"actions,omitempty"`
}

// recordOutcome writes the outcome to the last-outcome key and
// prepends it to the capped history list.
func recordOutcome(ctx context.Context, store kv.Store, outcome *Outcome, historyLimit int64) error {
	encoded, err := kv.EncodeJSON(outcome)
	if err != nil {
		return errors.Wrap(err, "could not encode rebalance outcome")
	}
	pipe := store.Pipeline()
	pipe.Set(lastKey, encoded, kv.SetOptions{})
	pipe.LPush(historyKey, encoded)
	if historyLimit > 0 {
		pipe.LTrim(historyKey, 0, historyLimit-1)
	}
	return errors.Wrap(pipe.Exec(ctx), "could not record rebalance outcome")
}

// LastOutcome reads the most recent outcome, or nil when none exists.
func LastOutcome(ctx context.Context, store kv.Store) (*Outcome, error) {
	raw, err := store.Get(ctx, lastKey)
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read last rebalance outcome")
	}
	outcome := new(Outcome)
	if err := kv.DecodeJSON(raw, outcome); err != nil {
		return nil, errors.Wrap(err, "could not decode rebalance outcome")
	}
	return outcome, nil
}

// History reads up to limit outcomes, newest first.
func History(ctx context.Context, store kv.Store, limit int64) ([]*Outcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := store.LRange(ctx, historyKey, 0, limit-1)
	if err != nil {
		return nil, errors.Wrap(err, "could not read rebalance history")
	}
	out := make([]*Outcome, 0, len(entries))
	for _, raw := range entries {
		outcome := new(Outcome)
		if err := kv.DecodeJSON(raw, outcome); err != nil {
			log.WithError(err).Warn("Skipping unparsable rebalance outcome")
			continue
		}
		out = append(out, outcome)
	}
	return out, nil
}
