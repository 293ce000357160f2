// Package settlement pays out a depositor's pro-rata share of the
// vault. The HTTP side computes an exact per-asset transfer plan and
// enqueues it; the worker side executes the transfers, zeroes the
// depositor's ledger, removes their vote and schedules a follow-up
// rebalance.
package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/evm"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"
)

// ErrNothingToClaim is returned when the address has no live deposit.
var ErrNothingToClaim = errors.New("address has no deposits to settle")

// ErrExecutionFailed marks a permanent settlement failure: the status
// is already persisted as failed and the job must not be requeued. The
// depositor retries with a fresh claim request.
var ErrExecutionFailed = errors.New("settlement execution failed")

// Heartbeat refreshes the caller's processing window.
type Heartbeat func(ctx context.Context) error

func noopHeartbeat(context.Context) error { return nil }

func dedupeKey(address string) string {
	return "settlement:" + strings.ToLower(address)
}

// ServiceConfig wires the settlement collaborators.
type ServiceConfig struct {
	Store  kv.Store
	Ledger *ledger.Ledger
	Votes  *votes.Store
	Reader *vault.Reader
	Queue  *jobs.Queue
	// Transactor is required only when Execute is set.
	Transactor *evm.Transactor
	Execute    bool
}

// Service plans and executes settlements.
type Service struct {
	cfg *ServiceConfig
	now func() time.Time
}

// NewService builds a settlement service.
func NewService(cfg *ServiceConfig) *Service {
	return &Service{cfg: cfg, now: time.Now}
}

// RequestResult is the outcome of a settlement request.
type RequestResult struct {
	// Queued is false when an existing status suppressed the request.
	Queued bool
	Status *Status
}

// Request computes the claimant's plan and enqueues a settlement job.
// Replays within the dedup window return the prior status; stale
// non-terminal statuses and executed statuses superseded by new
// deposits are cleared and replaced.
func (s *Service) Request(ctx context.Context, address string) (*RequestResult, error) {
	tcfg := params.TreasuryConfig()
	addr := strings.ToLower(address)

	stats, err := s.cfg.Ledger.GetUserStats(ctx, addr)
	if err != nil {
		return nil, err
	}
	if stats == nil || stats.TotalValueMinorUnits.Sign() <= 0 {
		return nil, ErrNothingToClaim
	}

	prior, err := StatusByAddress(ctx, s.cfg.Store, addr)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		replace, err := s.shouldReplace(prior, tcfg.SettlementMaxAge)
		if err != nil {
			return nil, err
		}
		if !replace {
			return &RequestResult{Queued: false, Status: prior}, nil
		}
		log.WithFields(logrus.Fields{
			"address": addr,
			"state":   prior.State,
			"job":     prior.JobID,
		}).Info("Clearing superseded settlement status")
		if err := clearStatus(ctx, s.cfg.Store, prior); err != nil {
			return nil, err
		}
		if err := s.cfg.Queue.ReleaseDedupe(ctx, dedupeKey(addr)); err != nil {
			return nil, err
		}
	}

	totalDeposits, err := s.cfg.Ledger.TotalDeposits(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.cfg.Reader.ReadState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read treasury state")
	}
	plan, err := ComputePlan(state, stats.TotalValueMinorUnits, totalDeposits)
	if err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	payload := &jobs.SettlementPayload{
		Address:                 addr,
		Share:                   Share(stats.TotalValueMinorUnits, totalDeposits),
		Plan:                    plan,
		TotalDepositsMinorUnits: totalDeposits.String(),
		RequestID:               uuid.NewString(),
		RequestedAt:             now,
	}
	job, err := s.cfg.Queue.Enqueue(ctx, jobs.TypeSettlement, payload, jobs.EnqueueOptions{
		DedupeKey: dedupeKey(addr),
		DedupeTTL: tcfg.SettlementMaxAge,
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Another writer won the dedup race; surface its status.
		prior, err := StatusByAddress(ctx, s.cfg.Store, addr)
		if err != nil {
			return nil, err
		}
		return &RequestResult{Queued: false, Status: prior}, nil
	}

	status := &Status{
		JobID:     job.ID,
		RequestID: payload.RequestID,
		Address:   addr,
		Share:     payload.Share,
		Plan:      plan,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeStatus(ctx, s.cfg.Store, status, tcfg.SettlementHistoryLimit); err != nil {
		return nil, err
	}
	return &RequestResult{Queued: true, Status: status}, nil
}

// shouldReplace decides whether a prior status yields to a new request.
// Queued, executing and failed statuses yield once stale; executed and
// dry-run statuses yield because the caller has live deposits again.
func (s *Service) shouldReplace(prior *Status, maxAge time.Duration) (bool, error) {
	if prior.State.Terminal() {
		return true, nil
	}
	age := s.now().UnixMilli() - prior.UpdatedAt
	return age > maxAge.Milliseconds(), nil
}

// Run executes one settlement job: the transfers of the recorded plan,
// then the ledger and vote bookkeeping, then the follow-up rebalance.
func (s *Service) Run(ctx context.Context, jobID string, payload *jobs.SettlementPayload, hb Heartbeat) (*Status, error) {
	if hb == nil {
		hb = noopHeartbeat
	}
	tcfg := params.TreasuryConfig()
	addr := strings.ToLower(payload.Address)
	now := s.now().UnixMilli()

	status := &Status{
		JobID:     jobID,
		RequestID: payload.RequestID,
		Address:   addr,
		Share:     payload.Share,
		Plan:      payload.Plan,
		State:     StateExecuting,
		CreatedAt: payload.RequestedAt,
		UpdatedAt: now,
	}
	// The executing state is persisted before any transfer so a crash
	// mid-plan is visible and not silently retried.
	if err := writeStatus(ctx, s.cfg.Store, status, tcfg.SettlementHistoryLimit); err != nil {
		return nil, err
	}

	if !s.cfg.Execute {
		status.State = StateDryRun
		status.UpdatedAt = s.now().UnixMilli()
		if err := writeStatus(ctx, s.cfg.Store, status, tcfg.SettlementHistoryLimit); err != nil {
			return nil, err
		}
		settlementsFinished.WithLabelValues(string(StateDryRun)).Inc()
		log.WithField("address", addr).Info("Settlement dry-run recorded, no transfers sent")
		return status, nil
	}
	if s.cfg.Transactor == nil {
		return nil, errors.New("execution enabled without a transactor")
	}

	claimant := common.HexToAddress(addr)
	for i := range payload.Plan {
		item := &payload.Plan[i]
		amount, err := item.Amount()
		if err != nil {
			return s.fail(ctx, status, errors.Wrapf(err, "invalid plan amount for %s", item.AssetID), tcfg)
		}
		if amount.Sign() == 0 {
			log.WithField("asset", item.AssetID).Debug("Skipping zero-amount plan item")
			continue
		}

		req := evm.TxRequest{To: claimant, Value: amount}
		if item.Kind == params.AssetKindToken {
			data, err := evm.PackTransfer(claimant, amount)
			if err != nil {
				return s.fail(ctx, status, err, tcfg)
			}
			req = evm.TxRequest{To: common.HexToAddress(item.TokenAddress), Data: data}
		}
		if err := hb(ctx); err != nil {
			// Requeue is only safe while nothing has been paid out.
			if len(status.Transactions) > 0 {
				return s.fail(ctx, status, errors.Wrap(err, "lost processing window mid-plan"), tcfg)
			}
			return nil, err
		}
		receipt, err := s.cfg.Transactor.SendAndWait(ctx, req)
		if err != nil {
			return s.fail(ctx, status, errors.Wrapf(err, "transfer of %s failed", item.AssetID), tcfg)
		}
		status.Transactions = append(status.Transactions, receipt.TxHash.Hex())
		status.UpdatedAt = s.now().UnixMilli()
		if err := writeStatus(ctx, s.cfg.Store, status, tcfg.SettlementHistoryLimit); err != nil {
			log.WithError(err).Warn("Could not persist transfer progress")
		}
		if err := hb(ctx); err != nil {
			return s.fail(ctx, status, errors.Wrap(err, "lost processing window mid-plan"), tcfg)
		}
		log.WithFields(logrus.Fields{
			"asset":  item.AssetID,
			"amount": item.AmountMinorUnits,
			"hash":   receipt.TxHash.Hex(),
		}).Info("Settlement transfer confirmed")
	}

	if err := s.cfg.Ledger.MarkUserSettled(ctx, addr); err != nil {
		return s.fail(ctx, status, errors.Wrap(err, "could not zero settled deposits"), tcfg)
	}
	if err := s.cfg.Votes.Remove(ctx, tcfg.ProposalID, addr); err != nil {
		return s.fail(ctx, status, errors.Wrap(err, "could not remove allocation vote"), tcfg)
	}
	if _, err := s.cfg.Queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{
		Reason:  jobs.RebalanceReasonManual,
		Context: map[string]string{"triggeredBy": "settlement", "address": addr},
	}, jobs.EnqueueOptions{}); err != nil {
		log.WithError(err).Warn("Could not enqueue follow-up rebalance")
	}

	status.State = StateExecuted
	status.UpdatedAt = s.now().UnixMilli()
	if err := writeStatus(ctx, s.cfg.Store, status, tcfg.SettlementHistoryLimit); err != nil {
		return s.fail(ctx, status, errors.Wrap(err, "could not persist executed status"), tcfg)
	}
	settlementsFinished.WithLabelValues(string(StateExecuted)).Inc()
	log.WithFields(logrus.Fields{
		"address":   addr,
		"transfers": len(status.Transactions),
	}).Info("Settlement executed")
	return status, nil
}

// fail persists the failed status and wraps the cause as permanent so
// the worker never requeues the plan. Once a transfer has landed a
// replay would pay it again, so every error past that point must come
// through here.
func (s *Service) fail(ctx context.Context, status *Status, cause error, tcfg *params.Config) (*Status, error) {
	status.State = StateFailed
	status.Error = cause.Error()
	status.UpdatedAt = s.now().UnixMilli()
	if err := writeStatus(ctx, s.cfg.Store, status, tcfg.SettlementHistoryLimit); err != nil {
		log.WithError(err).Error("Could not persist failed settlement status")
	}
	settlementsFinished.WithLabelValues(string(StateFailed)).Inc()
	return status, errors.Wrap(ErrExecutionFailed, cause.Error())
}
