package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/crypto/signing"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/locks"
	"github.com/wagmilabs/treasury/network/httputil"
	"github.com/wagmilabs/treasury/settlement"
)

// syncClaimMaxSkip bounds how many queued jobs a synchronous claim may
// rotate past while hunting for its own settlement job.
const syncClaimMaxSkip = 25

// ClaimRequest is a signed settlement claim.
type ClaimRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// ClaimResponse reports whether a new settlement was queued and the
// current status record.
type ClaimResponse struct {
	Queued bool               `json:"queued"`
	Status *settlement.Status `json:"status"`
}

// PostClaim verifies a claim signature and enqueues the depositor's
// settlement. With ?sync=true the job is also executed before the
// response is written.
func (s *Service) PostClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tcfg := params.TreasuryConfig()

	var req ClaimRequest
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

	if err := signing.CheckFreshness(req.Timestamp, s.now(), tcfg.SignatureMaxAge); err != nil {
		httputil.HandleError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	message := signing.ClaimMessage(addr, req.Timestamp)
	if err := signing.Verify(message, req.Signature, addr); err != nil {
		httputil.HandleError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	lock, ok, err := s.cfg.Locks.Acquire(ctx, locks.OpSettlement, addr, tcfg.RequestLockTTL)
	if err != nil {
		httputil.HandleError(w, "Could not acquire settlement lock: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		httputil.HandleError(w, "Settlement already in progress", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.WithError(err).Warn("Could not release settlement lock")
		}
	}()

	result, err := s.cfg.Settlement.Request(ctx, addr)
	if err != nil {
		if errors.Is(err, settlement.ErrNothingToClaim) {
			httputil.HandleError(w, err.Error(), http.StatusForbidden)
			return
		}
		httputil.HandleError(w, "Could not request settlement: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !result.Queued {
		httputil.WriteJson(w, &ClaimResponse{Queued: false, Status: result.Status})
		return
	}

	status := result.Status
	if r.URL.Query().Get("sync") == "true" && s.cfg.Worker != nil {
		ran, err := s.cfg.Worker.RunJobByID(ctx, status.JobID, syncClaimMaxSkip)
		if err != nil {
			log.WithError(err).Warn("Could not run settlement synchronously")
		}
		if ran {
			refreshed, err := settlement.StatusByJobID(ctx, s.cfg.Store, status.JobID)
			if err != nil {
				httputil.HandleError(w, "Could not read settlement status: "+err.Error(), http.StatusInternalServerError)
				return
			}
			if refreshed != nil {
				status = refreshed
			}
		}
	} else if s.cfg.Worker != nil {
		s.cfg.Worker.Kick()
	}
	httputil.WriteJson(w, &ClaimResponse{Queued: true, Status: status})
}

// ClaimStatusResponse is the settlement view for one depositor: the
// last known status plus a freshly computed plan preview when a live
// deposit remains.
type ClaimStatusResponse struct {
	Address string              `json:"address"`
	Status  *settlement.Status  `json:"status,omitempty"`
	Share   float64             `json:"share,omitempty"`
	Preview []jobs.TransferPlan `json:"preview,omitempty"`
}

// GetClaim returns the depositor's settlement status and a preview of
// what a claim now would pay out.
func (s *Service) GetClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		httputil.HandleError(w, "Invalid address", http.StatusBadRequest)
		return
	}
	addr := strings.ToLower(address)

	status, err := settlement.StatusByAddress(ctx, s.cfg.Store, addr)
	if err != nil {
		httputil.HandleError(w, "Could not read settlement status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := &ClaimStatusResponse{Address: addr, Status: status}

	stats, err := s.cfg.Ledger.GetUserStats(ctx, addr)
	if err != nil {
		httputil.HandleError(w, "Could not read depositor stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if stats != nil && stats.TotalValueMinorUnits.Sign() > 0 {
		total, err := s.cfg.Ledger.TotalDeposits(ctx)
		if err != nil {
			httputil.HandleError(w, "Could not read total deposits: "+err.Error(), http.StatusInternalServerError)
			return
		}
		state, err := s.cfg.Reader.ReadState(ctx)
		if err != nil {
			httputil.HandleError(w, "Could not read treasury state: "+err.Error(), http.StatusInternalServerError)
			return
		}
		plan, err := settlement.ComputePlan(state, stats.TotalValueMinorUnits, total)
		if err != nil {
			httputil.HandleError(w, "Could not compute settlement plan: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Share = settlement.Share(stats.TotalValueMinorUnits, total)
		resp.Preview = plan
	}
	httputil.WriteJson(w, resp)
}
