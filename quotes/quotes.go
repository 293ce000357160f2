// Package quotes wraps the swap-quote aggregator's HTTP surface. The
// aggregator is a black box: it receives a sell/buy pair and amount and
// returns the expected proceeds plus opaque calldata for submission.
package quotes

import (
	"context"
	"encoding/json"
	"math/big"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/api/client"
	"github.com/wagmilabs/treasury/mathutil"
)

const quotePath = "/swap/allowance-holder/quote"

// Request identifies one quote lookup. Token addresses use the native
// sentinel for the gas currency.
type Request struct {
	SellToken   string
	BuyToken    string
	SellAmount  *big.Int
	Taker       string
	ChainID     int64
	SlippageBps int64
}

// AllowanceIssue reports the spender that needs an ERC-20 allowance
// before the swap can execute.
type AllowanceIssue struct {
	Spender string `json:"spender"`
}

// Issues carries the aggregator's pre-flight findings.
type Issues struct {
	Allowance *AllowanceIssue `json:"allowance"`
}

// Transaction is the submission payload built by the aggregator.
type Transaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Fill describes one routing leg.
type Fill struct {
	Source        string `json:"source"`
	ProportionBps string `json:"proportionBps"`
}

// Route describes how the aggregator splits the swap.
type Route struct {
	Fills []Fill `json:"fills,omitempty"`
}

// Quote is the aggregator response consumed by the planner.
type Quote struct {
	BuyAmount   string      `json:"buyAmount"`
	SellAmount  string      `json:"sellAmount"`
	Issues      *Issues     `json:"issues,omitempty"`
	Transaction Transaction `json:"transaction"`
	Route       *Route      `json:"route,omitempty"`
}

// BuyAmountInt parses the expected proceeds in minor units.
func (q *Quote) BuyAmountInt() (*big.Int, error) {
	v, err := mathutil.ParseBig(q.BuyAmount)
	return v, errors.Wrap(err, "invalid quote buyAmount")
}

// SellAmountInt parses the quoted sell amount in minor units.
func (q *Quote) SellAmountInt() (*big.Int, error) {
	v, err := mathutil.ParseBig(q.SellAmount)
	return v, errors.Wrap(err, "invalid quote sellAmount")
}

// TxValue parses the submission value, defaulting to zero.
func (q *Quote) TxValue() (*big.Int, error) {
	if q.Transaction.Value == "" {
		return big.NewInt(0), nil
	}
	v, err := mathutil.ParseBig(q.Transaction.Value)
	return v, errors.Wrap(err, "invalid quote transaction value")
}

// TxGas parses the gas limit hint, zero when absent.
func (q *Quote) TxGas() uint64 {
	if q.Transaction.Gas == "" {
		return 0
	}
	gas, err := strconv.ParseUint(q.Transaction.Gas, 10, 64)
	if err != nil {
		return 0
	}
	return gas
}

// AllowanceSpender returns the spender needing approval, or empty.
func (q *Quote) AllowanceSpender() string {
	if q.Issues == nil || q.Issues.Allowance == nil {
		return ""
	}
	return q.Issues.Allowance.Spender
}

// Aggregator fetches swap quotes. The rebalance planner depends on
// this capability, not the HTTP client.
type Aggregator interface {
	GetQuote(ctx context.Context, req Request) (*Quote, error)
}

// Client is the HTTP aggregator client.
type Client struct {
	c *client.Client
}

// NewClient builds an aggregator client against host.
func NewClient(host string, opts ...client.ClientOpt) (*Client, error) {
	c, err := client.NewClient(host, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "could not build aggregator client")
	}
	return &Client{c: c}, nil
}

// GetQuote implements Aggregator. Non-2xx responses are fatal for the
// calling job.
func (c *Client) GetQuote(ctx context.Context, req Request) (*Quote, error) {
	if req.SellAmount == nil || req.SellAmount.Sign() <= 0 {
		return nil, errors.New("quote request requires a positive sell amount")
	}
	query := url.Values{
		"sellToken":  []string{req.SellToken},
		"buyToken":   []string{req.BuyToken},
		"sellAmount": []string{req.SellAmount.String()},
		"taker":      []string{req.Taker},
		"chainId":    []string{strconv.FormatInt(req.ChainID, 10)},
	}
	if req.SlippageBps > 0 {
		query.Set("slippageBps", strconv.FormatInt(mathutil.Clamp(req.SlippageBps, 1, 500), 10))
	}
	body, err := c.c.Get(ctx, quotePath, client.WithQuery(query))
	if err != nil {
		return nil, errors.Wrap(err, "quote request failed")
	}
	quote := new(Quote)
	if err := json.Unmarshal(body, quote); err != nil {
		return nil, errors.Wrap(err, "could not decode quote response")
	}
	if quote.BuyAmount == "" {
		return nil, errors.New("aggregator returned no buyAmount")
	}
	return quote, nil
}
