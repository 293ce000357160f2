// Package params defines the treasury configuration: the asset list,
// deposit webhook validation constants, rebalance and settlement
// tuning, and the TTLs governing the queue and lock layer.
package params

import (
	"math/big"
	"strings"
	"time"
)

// AssetKind distinguishes the chain's gas currency from ERC-20 tokens.
type AssetKind string

const (
	// AssetKindNative is the L2 gas currency.
	AssetKindNative AssetKind = "native"
	// AssetKindToken is an ERC-20 token.
	AssetKindToken AssetKind = "token"
)

// NativeQuoteSentinel is the pseudo-address the quote aggregator uses
// to denote the native currency in sellToken/buyToken parameters.
const NativeQuoteSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Asset is one treasury holding. Exactly one configured asset is
// native; token assets carry a nonempty contract address.
type Asset struct {
	ID           string    `yaml:"id" json:"id"`
	Kind         AssetKind `yaml:"kind" json:"kind"`
	Symbol       string    `yaml:"symbol" json:"symbol"`
	TokenAddress string    `yaml:"address,omitempty" json:"tokenAddress,omitempty"`
	Decimals     uint8     `yaml:"decimals" json:"decimals"`
	PriceFeedID  string    `yaml:"priceId" json:"priceFeedId"`
}

// IsNative reports whether the asset is the chain's gas currency.
func (a *Asset) IsNative() bool {
	return a.Kind == AssetKindNative
}

// Unit returns 10^decimals, the number of minor units per whole unit.
func (a *Asset) Unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals)), nil)
}

// QuoteAddress returns the address identifying this asset in
// aggregator quote parameters: the token contract, or the native
// sentinel.
func (a *Asset) QuoteAddress() string {
	if a.IsNative() {
		return NativeQuoteSentinel
	}
	return a.TokenAddress
}

// Config contains the constant configs for a treasury deployment.
type Config struct {
	// Chain constants.
	ChainID    int64   `yaml:"chainId"`    // ChainID of the target L2.
	ProposalID string  `yaml:"proposalId"` // ProposalID of the single continuous allocation proposal.
	Assets     []Asset `yaml:"assets"`     // Assets the vault holds, in planning priority order.

	// Deposit webhook validation.
	RequiredDepositWei    int64  `yaml:"requiredDepositWei"` // RequiredDepositWei is the exact deposit value the webhook accepts.
	RequiredConfirmations uint64 `yaml:"confirmations"`      // RequiredConfirmations before a deposit is recorded.

	// Rebalance planning.
	StableAssetID         string  `yaml:"stableAssetId"`         // StableAssetID receives the non-native side of the allocation.
	SlippageBps           int64   `yaml:"slippageBps"`           // SlippageBps passed to the aggregator, clamped to [1, 500].
	TolerancePercent      float64 `yaml:"tolerancePercent"`      // TolerancePercent of total USD value tolerated per asset.
	MinUsdDelta           int64   `yaml:"minUsdDelta"`           // MinUsdDelta is the tolerance floor in whole USD.
	PriceDecimals         int     `yaml:"priceDecimals"`         // PriceDecimals is the shared fixed-point scale for USD prices.
	MaxQuoteIterations    int     `yaml:"maxQuoteIterations"`    // MaxQuoteIterations bounds the planner's convergence loop.
	RebalanceHistoryLimit int64   `yaml:"rebalanceHistoryLimit"` // RebalanceHistoryLimit caps the outcome ring buffer.

	// Settlement.
	SettlementMaxAge       time.Duration `yaml:"settlementMaxAge"`       // SettlementMaxAge after which a stuck status may be replaced.
	SettlementHistoryLimit int64         `yaml:"settlementHistoryLimit"` // SettlementHistoryLimit caps the status ring buffer.

	// Pricing.
	PriceCacheTTL time.Duration `yaml:"priceCacheTtl"` // PriceCacheTTL bounds snapshot staleness.

	// Queue and locks.
	RequestLockTTL     time.Duration `yaml:"requestLockTtl"`     // RequestLockTTL bounds HTTP request critical sections.
	JobGateTTL         time.Duration `yaml:"jobGateTtl"`         // JobGateTTL bounds the consumer gate and worker critical sections.
	JobDedupeTTL       time.Duration `yaml:"jobDedupeTtl"`       // JobDedupeTTL is the default enqueue dedup window.
	JobMaxAge          time.Duration `yaml:"jobMaxAge"`          // JobMaxAge after which the sweeper drops queued jobs.
	WorkerPollInterval time.Duration `yaml:"workerPollInterval"` // WorkerPollInterval between queue polls.

	// Authorization.
	SignatureMaxAge time.Duration `yaml:"signatureMaxAge"` // SignatureMaxAge rejects older signed vote and claim messages.

	// Retention.
	RecordTTL time.Duration `yaml:"-"` // RecordTTL for transaction and per-user ledger keys.
}

var baseMainnetConfig = &Config{
	// Chain constants.
	ChainID:    8453,
	ProposalID: "allocation-1",
	Assets: []Asset{
		{
			ID:          "eth",
			Kind:        AssetKindNative,
			Symbol:      "ETH",
			Decimals:    18,
			PriceFeedID: "ETH",
		},
		{
			ID:           "usdc",
			Kind:         AssetKindToken,
			Symbol:       "USDC",
			TokenAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Decimals:     6,
			PriceFeedID:  "USDC",
		},
	},

	// Deposit webhook validation.
	RequiredDepositWei:    100_000_000_000_000, // 0.0001 ETH.
	RequiredConfirmations: 1,

	// Rebalance planning.
	StableAssetID:         "usdc",
	SlippageBps:           100,
	TolerancePercent:      1.0,
	MinUsdDelta:           5,
	PriceDecimals:         8,
	MaxQuoteIterations:    3,
	RebalanceHistoryLimit: 20,

	// Settlement.
	SettlementMaxAge:       5 * time.Minute,
	SettlementHistoryLimit: 50,

	// Pricing.
	PriceCacheTTL: 60 * time.Second,

	// Queue and locks.
	RequestLockTTL:     30 * time.Second,
	JobGateTTL:         120 * time.Second,
	JobDedupeTTL:       5 * time.Minute,
	JobMaxAge:          5 * time.Minute,
	WorkerPollInterval: 2 * time.Second,

	// Authorization.
	SignatureMaxAge: 5 * time.Minute,

	// Retention.
	RecordTTL: 365 * 24 * time.Hour,
}

// BaseMainnetConfig returns the configuration for the Base L2 mainnet.
func BaseMainnetConfig() *Config {
	return baseMainnetConfig.Copy()
}

// UseBaseMainnetConfig for treasury services.
func UseBaseMainnetConfig() {
	OverrideTreasuryConfig(BaseMainnetConfig())
}

// NativeAsset returns the configured native asset.
func (c *Config) NativeAsset() *Asset {
	for i := range c.Assets {
		if c.Assets[i].IsNative() {
			return &c.Assets[i]
		}
	}
	return nil
}

// StableAsset returns the asset receiving the non-native allocation.
func (c *Config) StableAsset() *Asset {
	return c.AssetByID(c.StableAssetID)
}

// AssetByID looks up a configured asset by identifier.
func (c *Config) AssetByID(id string) *Asset {
	for i := range c.Assets {
		if strings.EqualFold(c.Assets[i].ID, id) {
			return &c.Assets[i]
		}
	}
	return nil
}

// MinUsdDeltaRaw returns the tolerance floor scaled to PriceDecimals.
func (c *Config) MinUsdDeltaRaw() *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(c.PriceDecimals)), nil)
	return scale.Mul(scale, big.NewInt(c.MinUsdDelta))
}

// RequiredDeposit returns the exact accepted deposit value in wei.
func (c *Config) RequiredDeposit() *big.Int {
	return big.NewInt(c.RequiredDepositWei)
}
