// Package rebalance converges the vault's holdings toward the
// deposit-weighted consensus allocation. Each job iteration plans at
// most one swap from live prices and a treasury snapshot, refines the
// sell amount against aggregator quotes, and optionally executes it
// from the vault key.
package rebalance

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/evm"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/mathutil"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/quotes"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"
)

// Skip messages surfaced on outcomes.
const (
	msgExecutionDisabled = "execution disabled"
	msgWithinTolerance   = "within tolerance"
	msgZeroBalance       = "zero balance"
	msgRoundedToZero     = "rounded to zero"
)

// defaultEthPercent applies when no depositor has voted.
const defaultEthPercent = 50.0

// Heartbeat refreshes the caller's processing window. The executor
// invokes it around every suspension point.
type Heartbeat func(ctx context.Context) error

func noopHeartbeat(context.Context) error { return nil }

// ServiceConfig wires the executor's collaborators.
type ServiceConfig struct {
	Store      kv.Store
	Client     evm.Client
	Reader     *vault.Reader
	Prices     *pricing.Service
	Votes      *votes.Store
	Aggregator quotes.Aggregator
	// Transactor is required only when Execute is set.
	Transactor *evm.Transactor
	Wallet     common.Address
	Execute    bool
}

// Service plans and executes rebalances.
type Service struct {
	cfg *ServiceConfig
	now func() time.Time
}

// NewService builds a rebalance executor.
func NewService(cfg *ServiceConfig) *Service {
	return &Service{cfg: cfg, now: time.Now}
}

// Run executes one rebalance job iteration and records its outcome.
// A returned error means nothing was recorded and the job should be
// retried by requeue.
func (s *Service) Run(ctx context.Context, jobID string, payload *jobs.RebalancePayload, hb Heartbeat) (*Outcome, error) {
	if hb == nil {
		hb = noopHeartbeat
	}
	tcfg := params.TreasuryConfig()
	outcome := &Outcome{
		JobID:     jobID,
		Reason:    payload.Reason,
		Timestamp: s.now().UnixMilli(),
	}
	logFields := logrus.Fields{"job": jobID, "reason": payload.Reason}
	log.WithFields(logFields).WithField("state", "planning").Info("Starting rebalance")

	if err := hb(ctx); err != nil {
		return nil, err
	}
	results, err := s.cfg.Votes.Aggregate(ctx, tcfg.ProposalID)
	if err != nil {
		return nil, errors.Wrap(err, "could not aggregate votes")
	}
	ethPct := defaultEthPercent
	if results.Totals.TotalWeight > 0 {
		ethPct = results.Totals.WeightedEthPercent
	}

	if err := hb(ctx); err != nil {
		return nil, err
	}
	state, err := s.cfg.Reader.ReadState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read treasury state")
	}
	if err := hb(ctx); err != nil {
		return nil, err
	}
	priceMap, err := s.cfg.Prices.GetPrices(ctx, tcfg.Assets)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch prices")
	}
	for i := range tcfg.Assets {
		if _, ok := priceMap[tcfg.Assets[i].ID]; !ok {
			return nil, errors.Errorf("price unavailable for asset %s", tcfg.Assets[i].ID)
		}
	}

	p, err := buildPlan(tcfg, state, priceMap, ethPct)
	if err != nil {
		return nil, err
	}
	outcome.Totals = p.totals(tcfg.PriceDecimals)

	if p.TotalUsdRaw.Sign() == 0 {
		return s.finish(ctx, outcome, ModeSkipped, msgZeroBalance, tcfg)
	}
	if p.Seller == nil {
		return s.finish(ctx, outcome, ModeSkipped, msgWithinTolerance, tcfg)
	}

	log.WithFields(logFields).WithFields(logrus.Fields{
		"state":  "quoting",
		"seller": p.Seller.Asset.ID,
		"buyer":  p.Buyer.Asset.ID,
	}).Info("Refining swap amount")
	proposal, err := s.refine(ctx, tcfg, p, hb)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return s.finish(ctx, outcome, ModeSkipped, msgRoundedToZero, tcfg)
	}
	outcome.Actions = []ActionResult{proposal.action()}

	if !s.cfg.Execute {
		return s.finish(ctx, outcome, ModeDryRun, msgExecutionDisabled, tcfg)
	}
	if err := s.execute(ctx, tcfg, proposal, &outcome.Actions[0], hb); err != nil {
		return nil, err
	}

	// Refresh totals so the recorded outcome reflects post-swap
	// balances. Failures here degrade to the pre-swap totals.
	log.WithFields(logFields).WithField("state", "refreshing").Info("Re-reading treasury state")
	if err := hb(ctx); err != nil {
		return nil, err
	}
	if post, err := s.cfg.Reader.ReadState(ctx); err != nil {
		log.WithError(err).Warn("Could not re-read treasury state after swap")
	} else if postPrices, err := s.cfg.Prices.GetPrices(ctx, tcfg.Assets); err != nil {
		log.WithError(err).Warn("Could not refresh prices after swap")
	} else if postPlan, err := buildPlan(tcfg, post, postPrices, ethPct); err != nil {
		log.WithError(err).Warn("Could not rebuild totals after swap")
	} else {
		outcome.Totals = postPlan.totals(tcfg.PriceDecimals)
	}
	return s.finish(ctx, outcome, ModeExecuted, "", tcfg)
}

// swapProposal is an accepted quote pending execution.
type swapProposal struct {
	Seller     *position
	Buyer      *position
	SellAmount *big.Int
	Quote      *quotes.Quote
	Iterations int
}

func (sp *swapProposal) action() ActionResult {
	a := ActionResult{
		SellAssetID:      sp.Seller.Asset.ID,
		BuyAssetID:       sp.Buyer.Asset.ID,
		SellAmountMinor:  sp.SellAmount.String(),
		ExpectedBuyMinor: sp.Quote.BuyAmount,
		Iterations:       sp.Iterations,
	}
	if sp.Quote.Route != nil {
		sources := make([]string, 0, len(sp.Quote.Route.Fills))
		for _, fill := range sp.Quote.Route.Fills {
			sources = append(sources, fill.Source)
		}
		a.Route = strings.Join(sources, "+")
	}
	return a
}

// refine iterates quotes until the projected post-swap deltas fall
// within tolerance, the sell amount caps at the seller balance, or the
// iteration budget runs out. A nil proposal means the initial amount
// rounded to zero.
func (s *Service) refine(ctx context.Context, tcfg *params.Config, p *plan, hb Heartbeat) (*swapProposal, error) {
	seller, buyer := p.Seller, p.Buyer
	sellerUnit, buyerUnit := seller.Asset.Unit(), buyer.Asset.Unit()

	usdToSwap := mathutil.MinBig(mathutil.AbsBig(seller.Delta), mathutil.AbsBig(buyer.Delta))
	sellAmount := usdToMinor(usdToSwap, sellerUnit, seller.PriceRaw)
	if sellAmount.Sign() == 0 {
		return nil, nil
	}

	req := quotes.Request{
		SellToken:   seller.Asset.QuoteAddress(),
		BuyToken:    buyer.Asset.QuoteAddress(),
		Taker:       s.cfg.Wallet.Hex(),
		ChainID:     tcfg.ChainID,
		SlippageBps: tcfg.SlippageBps,
	}

	var accepted *quotes.Quote
	iterations := 0
	for i := 0; i < tcfg.MaxQuoteIterations; i++ {
		capped := false
		if sellAmount.Cmp(seller.Balance) > 0 {
			sellAmount = new(big.Int).Set(seller.Balance)
			capped = true
		}
		req.SellAmount = sellAmount
		if err := hb(ctx); err != nil {
			return nil, err
		}
		quote, err := s.cfg.Aggregator.GetQuote(ctx, req)
		if err != nil {
			return nil, errors.Wrap(err, "quote fetch failed")
		}
		if err := hb(ctx); err != nil {
			return nil, err
		}
		buyAmount, err := quote.BuyAmountInt()
		if err != nil {
			return nil, err
		}
		accepted = quote
		iterations = i + 1

		projSellerUsd := usdOf(new(big.Int).Sub(seller.Balance, sellAmount), seller.PriceRaw, sellerUnit)
		projBuyerUsd := usdOf(new(big.Int).Add(buyer.Balance, buyAmount), buyer.PriceRaw, buyerUnit)
		sellerDelta := new(big.Int).Sub(projSellerUsd, seller.TargetUsdRaw)
		buyerDelta := new(big.Int).Sub(projBuyerUsd, buyer.TargetUsdRaw)
		log.WithFields(logrus.Fields{
			"iteration":   iterations,
			"sellAmount":  sellAmount.String(),
			"buyAmount":   buyAmount.String(),
			"sellerDelta": sellerDelta.String(),
			"buyerDelta":  buyerDelta.String(),
		}).Debug("Projected post-swap deltas")

		if capped {
			break
		}
		withinTolerance := mathutil.AbsBig(sellerDelta).Cmp(p.ToleranceUsdRaw) <= 0 &&
			mathutil.AbsBig(buyerDelta).Cmp(p.ToleranceUsdRaw) <= 0
		if withinTolerance {
			break
		}
		// Seller flipped underweight: selling more would overshoot
		// further, so the current quote stands.
		if sellerDelta.Sign() < 0 {
			break
		}
		adjustmentUsd := new(big.Int).Div(
			new(big.Int).Add(mathutil.AbsBig(sellerDelta), mathutil.AbsBig(buyerDelta)),
			big.NewInt(2),
		)
		adjustmentMinor := usdToMinor(adjustmentUsd, sellerUnit, seller.PriceRaw)
		if adjustmentMinor.Sign() == 0 {
			break
		}
		sellAmount = new(big.Int).Add(sellAmount, adjustmentMinor)
	}

	return &swapProposal{
		Seller:     seller,
		Buyer:      buyer,
		SellAmount: sellAmount,
		Quote:      accepted,
		Iterations: iterations,
	}, nil
}

// execute submits the accepted swap: a fresh quote for calldata, an
// allowance when selling a token, then the swap transaction itself.
func (s *Service) execute(ctx context.Context, tcfg *params.Config, sp *swapProposal, action *ActionResult, hb Heartbeat) error {
	if s.cfg.Transactor == nil {
		return errors.New("execution enabled without a transactor")
	}

	// The accepted quote may be stale after the refinement loop; the
	// submitted calldata always comes from a final fetch at the
	// accepted sell amount.
	if err := hb(ctx); err != nil {
		return err
	}
	finalQuote, err := s.cfg.Aggregator.GetQuote(ctx, quotes.Request{
		SellToken:   sp.Seller.Asset.QuoteAddress(),
		BuyToken:    sp.Buyer.Asset.QuoteAddress(),
		SellAmount:  sp.SellAmount,
		Taker:       s.cfg.Wallet.Hex(),
		ChainID:     tcfg.ChainID,
		SlippageBps: tcfg.SlippageBps,
	})
	if err != nil {
		return errors.Wrap(err, "final quote fetch failed")
	}
	if err := hb(ctx); err != nil {
		return err
	}
	action.ExpectedBuyMinor = finalQuote.BuyAmount

	if !sp.Seller.Asset.IsNative() {
		if err := s.ensureAllowance(ctx, sp, finalQuote, action, hb); err != nil {
			return err
		}
	}

	value, err := finalQuote.TxValue()
	if err != nil {
		return err
	}
	// Selling the native asset funds the swap through the tx value;
	// the aggregator reports zero there and must be overridden.
	if sp.Seller.Asset.IsNative() {
		value = sp.SellAmount
	}
	data, err := hexutil.Decode(finalQuote.Transaction.Data)
	if err != nil {
		return errors.Wrap(err, "could not decode quote calldata")
	}

	log.WithField("state", "submitting").Info("Submitting swap transaction")
	if err := hb(ctx); err != nil {
		return err
	}
	receipt, err := s.cfg.Transactor.SendAndWait(ctx, evm.TxRequest{
		To:    common.HexToAddress(finalQuote.Transaction.To),
		Value: value,
		Data:  data,
		Gas:   finalQuote.TxGas(),
	})
	if err != nil {
		return errors.Wrap(err, "swap transaction failed")
	}
	if err := hb(ctx); err != nil {
		return err
	}
	action.TxHash = receipt.TxHash.Hex()
	log.WithFields(logrus.Fields{
		"state": "confirming",
		"hash":  action.TxHash,
		"block": receipt.BlockNumber,
	}).Info("Swap confirmed")
	return nil
}

// ensureAllowance raises the spender's ERC-20 allowance to the sell
// amount when the current one falls short.
func (s *Service) ensureAllowance(ctx context.Context, sp *swapProposal, quote *quotes.Quote, action *ActionResult, hb Heartbeat) error {
	spender := quote.AllowanceSpender()
	if spender == "" {
		spender = quote.Transaction.To
	}
	token := common.HexToAddress(sp.Seller.Asset.TokenAddress)
	spenderAddr := common.HexToAddress(spender)

	if err := hb(ctx); err != nil {
		return err
	}
	current, err := evm.ERC20Allowance(ctx, s.cfg.Client, token, s.cfg.Wallet, spenderAddr)
	if err != nil {
		return errors.Wrap(err, "could not read allowance")
	}
	if current.Cmp(sp.SellAmount) >= 0 {
		return nil
	}

	data, err := evm.PackApprove(spenderAddr, sp.SellAmount)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"state":   "approving",
		"token":   token.Hex(),
		"spender": spenderAddr.Hex(),
		"amount":  sp.SellAmount.String(),
	}).Info("Approving aggregator allowance")
	if err := hb(ctx); err != nil {
		return err
	}
	receipt, err := s.cfg.Transactor.SendAndWait(ctx, evm.TxRequest{To: token, Data: data})
	if err != nil {
		return errors.Wrap(err, "approval transaction failed")
	}
	if err := hb(ctx); err != nil {
		return err
	}
	action.ApprovalTxHash = receipt.TxHash.Hex()
	return nil
}

func (s *Service) finish(ctx context.Context, outcome *Outcome, mode Mode, message string, tcfg *params.Config) (*Outcome, error) {
	outcome.Mode = mode
	outcome.Message = message
	if err := recordOutcome(ctx, s.cfg.Store, outcome, tcfg.RebalanceHistoryLimit); err != nil {
		return nil, err
	}
	outcomesRecorded.WithLabelValues(string(mode)).Inc()
	log.WithFields(logrus.Fields{
		"job":     outcome.JobID,
		"mode":    mode,
		"message": message,
	}).Info("Recorded rebalance outcome")
	return outcome, nil
}
