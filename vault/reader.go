// Package vault reads the treasury wallet's holdings from the chain: a
// point-in-time balance snapshot across every configured asset. The
// snapshot is read fresh on every call and never persisted as truth.
package vault

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/evm"
)

const codeCacheTTL = 10 * time.Minute

// Balance is one asset's holding in minor units.
type Balance struct {
	Asset      params.Asset `json:"asset"`
	MinorUnits *big.Int     `json:"minorUnits"`
}

// State is a snapshot of the vault at a block.
type State struct {
	WalletAddress        string    `json:"walletAddress"`
	BlockNumber          uint64    `json:"blockNumber"`
	BlockHash            string    `json:"blockHash"`
	BlockTimestamp       int64     `json:"blockTimestamp"`
	FinalizedBlockNumber *uint64   `json:"finalizedBlockNumber,omitempty"`
	Balances             []Balance `json:"balances"`
}

// BalanceFor returns the snapshot balance of an asset, or zero when the
// asset is not part of the snapshot.
func (s *State) BalanceFor(assetID string) *big.Int {
	for i := range s.Balances {
		if s.Balances[i].Asset.ID == assetID {
			return s.Balances[i].MinorUnits
		}
	}
	return big.NewInt(0)
}

// Reader reads vault state from the chain.
type Reader struct {
	client evm.Client
	wallet common.Address
	assets []params.Asset

	// codeCache memoizes per-token code presence so misconfigured
	// assets warn once per TTL instead of erroring on every read.
	codeCache *gocache.Cache

	mu   sync.Mutex
	last *State
}

// NewReader builds a reader over the client for the given wallet. The
// asset list comes from the active treasury config.
func NewReader(client evm.Client, wallet common.Address) *Reader {
	return &Reader{
		client:    client,
		wallet:    wallet,
		assets:    params.TreasuryConfig().Assets,
		codeCache: gocache.New(codeCacheTTL, 2*codeCacheTTL),
	}
}

// Wallet returns the vault address the reader snapshots.
func (r *Reader) Wallet() common.Address {
	return r.wallet
}

// ReadState snapshots every configured asset's balance at the latest
// block. The latest header is required; the finalized header and every
// per-asset read degrade to null / zero on failure so one bad asset
// never sinks the snapshot.
func (r *Reader) ReadState(ctx context.Context) (*State, error) {
	head, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not read latest header")
	}
	state := &State{
		WalletAddress:  r.wallet.Hex(),
		BlockNumber:    head.Number.Uint64(),
		BlockHash:      head.Hash().Hex(),
		BlockTimestamp: int64(head.Time),
	}

	if finalized, err := r.client.HeaderByNumber(ctx, evm.FinalizedBlockNumber); err != nil {
		log.WithError(err).Debug("Could not read finalized header")
	} else if finalized != nil {
		n := finalized.Number.Uint64()
		state.FinalizedBlockNumber = &n
	}

	blockNumber := new(big.Int).SetUint64(state.BlockNumber)
	for i := range r.assets {
		asset := r.assets[i]
		state.Balances = append(state.Balances, Balance{
			Asset:      asset,
			MinorUnits: r.readBalance(ctx, &asset, blockNumber),
		})
	}
	r.logDiff(state)
	return state, nil
}

func (r *Reader) readBalance(ctx context.Context, asset *params.Asset, blockNumber *big.Int) *big.Int {
	if asset.IsNative() {
		bal, err := r.client.BalanceAt(ctx, r.wallet, blockNumber)
		if err != nil {
			log.WithError(err).WithField("asset", asset.ID).Warn("Could not read native balance, using zero")
			return big.NewInt(0)
		}
		return bal
	}

	token := common.HexToAddress(asset.TokenAddress)
	if !r.hasCode(ctx, asset.ID, token) {
		log.WithFields(logrus.Fields{
			"asset": asset.ID,
			"token": token.Hex(),
		}).Warn("No contract code at token address, using zero balance")
		return big.NewInt(0)
	}
	bal, err := evm.ERC20BalanceOf(ctx, r.client, token, r.wallet, blockNumber)
	if err != nil {
		log.WithError(err).WithField("asset", asset.ID).Warn("Could not read token balance, using zero")
		return big.NewInt(0)
	}
	return bal
}

func (r *Reader) hasCode(ctx context.Context, assetID string, token common.Address) bool {
	if cached, ok := r.codeCache.Get(assetID); ok {
		return cached.(bool)
	}
	code, err := r.client.CodeAt(ctx, token, nil)
	if err != nil {
		log.WithError(err).WithField("asset", assetID).Warn("Could not check token code")
		return false
	}
	present := len(code) > 0
	r.codeCache.Set(assetID, present, gocache.DefaultExpiration)
	return present
}

// logDiff logs balance movement against the previous snapshot. The
// retained snapshot is advisory only.
func (r *Reader) logDiff(state *State) {
	r.mu.Lock()
	last := r.last
	r.last = state
	r.mu.Unlock()
	if last == nil {
		return
	}
	for i := range state.Balances {
		asset := state.Balances[i].Asset
		prev := last.BalanceFor(asset.ID)
		curr := state.Balances[i].MinorUnits
		if prev.Cmp(curr) != 0 {
			log.WithFields(logrus.Fields{
				"asset": asset.ID,
				"from":  prev.String(),
				"to":    curr.String(),
			}).Info("Vault balance changed")
		}
	}
}
