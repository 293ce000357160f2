package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/network/httputil"
	"github.com/wagmilabs/treasury/rebalance"
)

// RebalanceRequest triggers a manual rebalance.
type RebalanceRequest struct {
	Manual bool `json:"manual"`
}

// RebalanceTriggerResponse reports the enqueued job.
type RebalanceTriggerResponse struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"jobId,omitempty"`
}

// PostRebalance enqueues a manual rebalance job and nudges the worker
// to process it immediately.
func (s *Service) PostRebalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RebalanceRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	switch {
	case err == io.EOF:
		httputil.HandleError(w, "No data submitted", http.StatusBadRequest)
		return
	case err != nil:
		httputil.HandleError(w, "Could not decode request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Manual {
		httputil.HandleError(w, "Only manual rebalances can be requested", http.StatusBadRequest)
		return
	}

	job, err := s.cfg.Queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{
		Reason: jobs.RebalanceReasonManual,
	}, jobs.EnqueueOptions{})
	if err != nil {
		httputil.HandleError(w, "Could not enqueue rebalance: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if s.cfg.Worker != nil {
		s.cfg.Worker.Kick()
	}
	httputil.WriteJson(w, &RebalanceTriggerResponse{Queued: true, JobID: job.ID})
}

// RebalancesResponse is the last recorded outcome plus the bounded
// outcome history, newest first.
type RebalancesResponse struct {
	Last    *rebalance.Outcome   `json:"last,omitempty"`
	History []*rebalance.Outcome `json:"history"`
}

// GetRebalances returns the last rebalance outcome and the ring of
// recent outcomes.
func (s *Service) GetRebalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tcfg := params.TreasuryConfig()

	last, err := rebalance.LastOutcome(ctx, s.cfg.Store)
	if err != nil {
		httputil.HandleError(w, "Could not read last outcome: "+err.Error(), http.StatusInternalServerError)
		return
	}
	history, err := rebalance.History(ctx, s.cfg.Store, tcfg.RebalanceHistoryLimit)
	if err != nil {
		httputil.HandleError(w, "Could not read outcome history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []*rebalance.Outcome{}
	}
	httputil.WriteJson(w, &RebalancesResponse{Last: last, History: history})
}
