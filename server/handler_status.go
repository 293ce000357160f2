package server

import (
	"net/http"

	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/network/httputil"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"
)

// StatusResponse is the consolidated treasury snapshot.
type StatusResponse struct {
	ChainID                 int64                        `json:"chainId"`
	ProposalID              string                       `json:"proposalId"`
	TotalDepositsMinorUnits string                       `json:"totalDepositsMinorUnits"`
	Totals                  *votes.Totals                `json:"totals"`
	Treasury                *vault.State                 `json:"treasury,omitempty"`
	Prices                  map[string]*pricing.Snapshot `json:"prices"`
	Processing              bool                         `json:"processing"`
	QueueSize               int64                        `json:"queueSize"`
}

// GetStatus aggregates the ledger, consensus, vault and queue views
// into one snapshot. Chain and price reads degrade to partial output.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tcfg := params.TreasuryConfig()

	total, err := s.cfg.Ledger.TotalDeposits(ctx)
	if err != nil {
		httputil.HandleError(w, "Could not read total deposits: "+err.Error(), http.StatusInternalServerError)
		return
	}
	totals, err := s.cfg.Votes.ReadTotals(ctx, tcfg.ProposalID)
	if err != nil {
		httputil.HandleError(w, "Could not read vote totals: "+err.Error(), http.StatusInternalServerError)
		return
	}
	size, err := s.cfg.Queue.Size(ctx)
	if err != nil {
		httputil.HandleError(w, "Could not read queue size: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := &StatusResponse{
		ChainID:                 tcfg.ChainID,
		ProposalID:              tcfg.ProposalID,
		TotalDepositsMinorUnits: total.String(),
		Totals:                  totals,
		QueueSize:               size,
	}
	if s.cfg.Worker != nil {
		resp.Processing = s.cfg.Worker.IsProcessing()
	}
	if state, err := s.cfg.Reader.ReadState(ctx); err != nil {
		log.WithError(err).Warn("Could not read treasury state for status")
	} else {
		resp.Treasury = state
	}
	if prices, err := s.cfg.Prices.GetPrices(ctx, tcfg.Assets); err != nil {
		log.WithError(err).Warn("Could not read prices for status")
		resp.Prices = map[string]*pricing.Snapshot{}
	} else {
		resp.Prices = prices
	}
	httputil.WriteJson(w, resp)
}
