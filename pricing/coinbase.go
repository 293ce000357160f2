package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/api/client"
)

// CoinbaseHost is the default price oracle endpoint.
const CoinbaseHost = "https://api.coinbase.com"

// Oracle fetches spot USD prices for asset symbols.
type Oracle interface {
	// SpotPrice returns the USD price as the upstream decimal string.
	SpotPrice(ctx context.Context, symbol string) (string, error)
	// Source names the oracle in stored snapshots.
	Source() string
}

// CoinbaseOracle reads spot prices from the Coinbase public API.
type CoinbaseOracle struct {
	c *client.Client
}

// NewCoinbaseOracle builds an oracle against host, which defaults to
// the public Coinbase API when empty.
func NewCoinbaseOracle(host string, opts ...client.ClientOpt) (*CoinbaseOracle, error) {
	if host == "" {
		host = CoinbaseHost
	}
	c, err := client.NewClient(host, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "could not build price oracle client")
	}
	return &CoinbaseOracle{c: c}, nil
}

// Source implements Oracle.
func (o *CoinbaseOracle) Source() string {
	return "coinbase"
}

// SpotPrice implements Oracle. GET /v2/prices/<SYMBOL>-USD/spot.
func (o *CoinbaseOracle) SpotPrice(ctx context.Context, symbol string) (string, error) {
	var resp struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/v2/prices/%s-USD/spot", strings.ToUpper(symbol))
	if err := o.c.GetJSON(ctx, path, &resp); err != nil {
		return "", errors.Wrapf(err, "could not fetch spot price for %s", symbol)
	}
	if resp.Data.Amount == "" {
		return "", errors.Errorf("price oracle returned no amount for %s", symbol)
	}
	return resp.Data.Amount, nil
}
