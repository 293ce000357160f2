package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/kv"
)

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]string
	errs   map[string]error
	calls  int
}

func (f *fakeOracle) SpotPrice(_ context.Context, symbol string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[symbol]; err != nil {
		return "", err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return "", errors.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (f *fakeOracle) Source() string { return "fake" }

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAssets() (params.Asset, params.Asset) {
	cfg := params.BaseMainnetConfig()
	return cfg.Assets[0], cfg.Assets[1]
}

func TestService_GetPriceFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.Now = func() time.Time { return now }
	oracle := &fakeOracle{prices: map[string]string{"ETH": "2419.53017264"}}
	svc := NewService(store, oracle, WithTTL(60*time.Second), WithClock(func() time.Time { return now }))
	eth, _ := testAssets()

	snap, err := svc.GetPrice(ctx, &eth)
	require.NoError(t, err)
	require.Equal(t, "241953017264", snap.PriceRaw)
	require.Equal(t, 8, snap.PriceDecimals)
	require.Equal(t, "fake", snap.Source)
	require.Equal(t, now.UnixMilli(), snap.UpdatedAt)
	require.Equal(t, 1, oracle.callCount())

	// Within the TTL the cache answers; the oracle stays idle.
	now = now.Add(30 * time.Second)
	snap, err = svc.GetPrice(ctx, &eth)
	require.NoError(t, err)
	require.Equal(t, "241953017264", snap.PriceRaw)
	require.Equal(t, 1, oracle.callCount())

	// Past the TTL the snapshot refreshes.
	now = now.Add(31 * time.Second)
	oracle.prices["ETH"] = "2500"
	snap, err = svc.GetPrice(ctx, &eth)
	require.NoError(t, err)
	require.Equal(t, "250000000000", snap.PriceRaw)
	require.Equal(t, 2, oracle.callCount())
}

func TestService_GetPriceFallsBackToCacheOnOracleFailure(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.Now = func() time.Time { return now }
	oracle := &fakeOracle{prices: map[string]string{"ETH": "2000"}}
	svc := NewService(store, oracle, WithTTL(60*time.Second), WithClock(func() time.Time { return now }))
	eth, _ := testAssets()

	_, err := svc.GetPrice(ctx, &eth)
	require.NoError(t, err)

	// Oracle dies after the soft expiry; the stale snapshot bridges.
	now = now.Add(2 * time.Minute)
	oracle.errs = map[string]error{"ETH": errors.New("oracle down")}
	snap, err := svc.GetPrice(ctx, &eth)
	require.NoError(t, err)
	require.Equal(t, "200000000000", snap.PriceRaw)
}

func TestService_GetPriceNoCacheNoOracle(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{errs: map[string]error{"ETH": errors.New("oracle down")}}
	svc := NewService(kv.NewMemoryStore(), oracle)
	eth, _ := testAssets()

	_, err := svc.GetPrice(ctx, &eth)
	require.Error(t, err)
}

func TestService_GetPriceRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{prices: map[string]string{"ETH": "not-a-number"}}
	svc := NewService(kv.NewMemoryStore(), oracle)
	eth, _ := testAssets()
	_, err := svc.GetPrice(ctx, &eth)
	require.Error(t, err)

	oracle.prices["ETH"] = "0"
	_, err = svc.GetPrice(ctx, &eth)
	require.Error(t, err)
}

func TestService_GetPricesPartialSuccess(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{
		prices: map[string]string{"ETH": "2000"},
		errs:   map[string]error{"USDC": errors.New("oracle down")},
	}
	svc := NewService(kv.NewMemoryStore(), oracle)
	cfg := params.BaseMainnetConfig()

	got, err := svc.GetPrices(ctx, cfg.Assets)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Contains(t, got, "eth")
	require.Equal(t, "200000000000", got["eth"].PriceRaw)
}

func TestService_GetPricesAllAssets(t *testing.T) {
	ctx := context.Background()
	oracle := &fakeOracle{prices: map[string]string{"ETH": "2000", "USDC": "0.9999"}}
	svc := NewService(kv.NewMemoryStore(), oracle)
	cfg := params.BaseMainnetConfig()

	got, err := svc.GetPrices(ctx, cfg.Assets)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "99990000", got["usdc"].PriceRaw)
}

func TestCoinbaseOracle_SpotPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/prices/ETH-USD/spot", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"data":{"amount":"2419.53","currency":"USD"}}`))
		require.NoError(t, err)
	}))
	defer srv.Close()

	oracle, err := NewCoinbaseOracle(srv.URL)
	require.NoError(t, err)
	amount, err := oracle.SpotPrice(context.Background(), "eth")
	require.NoError(t, err)
	require.Equal(t, "2419.53", amount)
}

func TestCoinbaseOracle_SpotPriceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/prices/EMPTY-USD/spot":
			_, _ = w.Write([]byte(`{"data":{"amount":"","currency":"USD"}}`))
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	oracle, err := NewCoinbaseOracle(srv.URL)
	require.NoError(t, err)

	_, err = oracle.SpotPrice(context.Background(), "empty")
	require.Error(t, err)
	_, err = oracle.SpotPrice(context.Background(), "eth")
	require.Error(t, err)
}
