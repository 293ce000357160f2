// Package pricing maintains per-asset USD price snapshots in the kv
// store with a short TTL, falling through to the upstream oracle on a
// miss. Prices are held as integers at a shared fixed-point scale so
// the rebalance planner never mixes float arithmetic into monetary
// math.
package pricing

import (
	"context"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/mathutil"
	"golang.org/x/sync/errgroup"
)

const snapshotPrefix = "price:snapshot:"

// Snapshot is one asset's cached USD price. PriceRaw is authoritative;
// PriceUsd exists for display only.
type Snapshot struct {
	AssetID       string  `json:"assetId"`
	Symbol        string  `json:"symbol"`
	PriceUsd      float64 `json:"priceUsd"`
	Source        string  `json:"source"`
	UpdatedAt     int64   `json:"updatedAt"`
	ExpiresAt     int64   `json:"expiresAt"`
	PriceDecimals int     `json:"priceDecimals"`
	PriceRaw      string  `json:"priceRaw"`
}

// Raw parses the fixed-point price.
func (s *Snapshot) Raw() (*big.Int, error) {
	return mathutil.ParseBig(s.PriceRaw)
}

// Service reads and refreshes price snapshots.
type Service struct {
	store         kv.Store
	oracle        Oracle
	ttl           time.Duration
	priceDecimals int
	now           func() time.Time
}

// Option adjusts service construction.
type Option func(*Service)

// WithTTL overrides the snapshot TTL.
func WithTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds a pricing service over the store and oracle. TTL
// and price scale defaults come from the active treasury config.
func NewService(store kv.Store, oracle Oracle, opts ...Option) *Service {
	cfg := params.TreasuryConfig()
	s := &Service{
		store:         store,
		oracle:        oracle,
		ttl:           cfg.PriceCacheTTL,
		priceDecimals: cfg.PriceDecimals,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func snapshotKey(assetID string) string {
	return snapshotPrefix + assetID
}

// GetPrice returns a live snapshot for the asset, refreshing from the
// oracle when the cached one is missing or expired. When the oracle
// fails, a cached snapshot is still returned as a degraded fallback.
func (s *Service) GetPrice(ctx context.Context, asset *params.Asset) (*Snapshot, error) {
	cached, err := s.readCached(ctx, asset.ID)
	if err != nil {
		log.WithError(err).WithField("asset", asset.ID).Warn("Could not read cached price")
	}
	nowMs := s.now().UnixMilli()
	if cached != nil && cached.ExpiresAt > nowMs {
		cacheHits.Inc()
		return cached, nil
	}

	cacheMisses.Inc()
	fresh, err := s.fetch(ctx, asset)
	if err != nil {
		oracleFailures.Inc()
		if cached != nil {
			log.WithError(err).WithField("asset", asset.ID).Warn("Price fetch failed, serving cached snapshot")
			return cached, nil
		}
		return nil, err
	}
	if err := s.writeSnapshot(ctx, fresh); err != nil {
		log.WithError(err).WithField("asset", asset.ID).Warn("Could not store price snapshot")
	}
	return fresh, nil
}

// GetPrices fetches snapshots for every asset in parallel and returns
// a map holding only the successful ones. Callers that require all
// assets treat a missing entry as fatal.
func (s *Service) GetPrices(ctx context.Context, assets []params.Asset) (map[string]*Snapshot, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]*Snapshot, len(assets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range assets {
		asset := &assets[i]
		g.Go(func() error {
			snap, err := s.GetPrice(gctx, asset)
			if err != nil {
				log.WithError(err).WithField("asset", asset.ID).Warn("Skipping asset without price")
				return nil
			}
			mu.Lock()
			out[asset.ID] = snap
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) readCached(ctx context.Context, assetID string) (*Snapshot, error) {
	raw, err := s.store.Get(ctx, snapshotKey(assetID))
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read price snapshot")
	}
	snap := new(Snapshot)
	if err := kv.DecodeJSON(raw, snap); err != nil {
		return nil, errors.Wrap(err, "could not decode price snapshot")
	}
	return snap, nil
}

func (s *Service) fetch(ctx context.Context, asset *params.Asset) (*Snapshot, error) {
	amount, err := s.oracle.SpotPrice(ctx, asset.PriceFeedID)
	if err != nil {
		return nil, err
	}
	raw, err := mathutil.ScaleDecimal(amount, s.priceDecimals)
	if err != nil {
		return nil, errors.Wrapf(err, "oracle returned unusable price %q for %s", amount, asset.ID)
	}
	if raw.Sign() == 0 {
		return nil, errors.Errorf("oracle returned zero price for %s", asset.ID)
	}
	display, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		display = 0
	}
	now := s.now()
	return &Snapshot{
		AssetID:       asset.ID,
		Symbol:        asset.Symbol,
		PriceUsd:      display,
		Source:        s.oracle.Source(),
		UpdatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(s.ttl).UnixMilli(),
		PriceDecimals: s.priceDecimals,
		PriceRaw:      raw.String(),
	}, nil
}

func (s *Service) writeSnapshot(ctx context.Context, snap *Snapshot) error {
	encoded, err := kv.EncodeJSON(snap)
	if err != nil {
		return errors.Wrap(err, "could not encode price snapshot")
	}
	// The key TTL outlives ExpiresAt so a dead oracle can still be
	// bridged by the degraded fallback read.
	if _, err := s.store.Set(ctx, snapshotKey(snap.AssetID), encoded, kv.SetOptions{TTL: 10 * s.ttl}); err != nil {
		return errors.Wrap(err, "could not write price snapshot")
	}
	return nil
}
