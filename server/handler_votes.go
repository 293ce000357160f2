package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/crypto/signing"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/locks"
	"github.com/wagmilabs/treasury/mathutil"
	"github.com/wagmilabs/treasury/network/httputil"
	"github.com/wagmilabs/treasury/votes"
)

// VoteRequest is a signed allocation vote.
type VoteRequest struct {
	Address    string `json:"address"`
	EthPercent int64  `json:"ethPercent"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

// VoteResponse returns the recorded vote with the refreshed totals.
type VoteResponse struct {
	Vote   *votes.Vote   `json:"vote"`
	Totals *votes.Totals `json:"totals"`
}

// PostVote verifies and records an allocation vote, then refreshes the
// consensus and schedules a rebalance.
func (s *Service) PostVote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tcfg := params.TreasuryConfig()

	var req VoteRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	switch {
	case err == io.EOF:
		httputil.HandleError(w, "No data submitted", http.StatusBadRequest)
		return
	case err != nil:
		httputil.HandleError(w, "Could not decode request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.Address) {
		httputil.HandleError(w, "Invalid address", http.StatusBadRequest)
		return
	}
	addr := strings.ToLower(req.Address)
	pct := mathutil.Clamp(req.EthPercent, 0, 100)

	if err := signing.CheckFreshness(req.Timestamp, s.now(), tcfg.SignatureMaxAge); err != nil {
		httputil.HandleError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	message := signing.VoteMessage(pct, req.Timestamp)
	if err := signing.Verify(message, req.Signature, addr); err != nil {
		httputil.HandleError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	stats, err := s.cfg.Ledger.GetUserStats(ctx, addr)
	if err != nil {
		httputil.HandleError(w, "Could not read depositor stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil || stats.TotalValueMinorUnits.Sign() <= 0 {
		httputil.HandleError(w, "Voting requires a deposit", http.StatusForbidden)
		return
	}

	lock, ok, err := s.cfg.Locks.Acquire(ctx, locks.OpVote, addr, tcfg.RequestLockTTL)
	if err != nil {
		httputil.HandleError(w, "Could not acquire vote lock: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		httputil.HandleError(w, "Vote already in progress", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.WithError(err).Warn("Could not release vote lock")
		}
	}()

	vote := &votes.Vote{
		ProposalID:        tcfg.ProposalID,
		Address:           addr,
		EthPercent:        pct,
		DepositMinorUnits: stats.TotalValueMinorUnits.String(),
		Timestamp:         req.Timestamp,
	}
	if err := s.cfg.Votes.Record(ctx, tcfg.ProposalID, vote); err != nil {
		httputil.HandleError(w, "Could not record vote: "+err.Error(), http.StatusInternalServerError)
		return
	}
	results, err := s.cfg.Votes.Aggregate(ctx, tcfg.ProposalID)
	if err != nil {
		httputil.HandleError(w, "Could not aggregate votes: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := s.cfg.Queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{
		Reason:  jobs.RebalanceReasonVote,
		Context: map[string]string{"address": addr},
	}, jobs.EnqueueOptions{}); err != nil {
		log.WithError(err).Warn("Could not enqueue vote rebalance")
	} else if s.cfg.Worker != nil {
		s.cfg.Worker.Kick()
	}
	httputil.WriteJson(w, &VoteResponse{Vote: vote, Totals: &results.Totals})
}

// VotesResponse is the consensus view, optionally with one caller's
// recorded vote.
type VotesResponse struct {
	Totals *votes.Totals `json:"totals"`
	Vote   *votes.Vote   `json:"vote,omitempty"`
}

// GetVotes returns the current consensus totals and, when an address
// query parameter is present, that depositor's vote.
func (s *Service) GetVotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tcfg := params.TreasuryConfig()

	totals, err := s.cfg.Votes.ReadTotals(ctx, tcfg.ProposalID)
	if err != nil {
		httputil.HandleError(w, "Could not read vote totals: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := &VotesResponse{Totals: totals}
	if address := r.URL.Query().Get("address"); address != "" {
		if !common.IsHexAddress(address) {
			httputil.HandleError(w, "Invalid address", http.StatusBadRequest)
			return
		}
		vote, err := s.cfg.Votes.Get(ctx, tcfg.ProposalID, strings.ToLower(address))
		if err != nil {
			httputil.HandleError(w, "Could not read vote: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Vote = vote
	}
	httputil.WriteJson(w, resp)
}
