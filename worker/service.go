// Package worker runs the single logical job consumer: a periodic poll
// that claims at most one job at a time from the durable queue and
// dispatches it to the rebalance or settlement executor. Processing
// transitions are published on an event feed for the status stream.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wagmilabs/treasury/async"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/rebalance"
	"github.com/wagmilabs/treasury/settlement"
)

var log = logrus.WithField("prefix", "worker")

// ProcessingEvent marks a transition of the worker's busy state.
type ProcessingEvent struct {
	Active bool
	JobID  string
	Type   jobs.Type
}

// Config wires the worker's collaborators.
type Config struct {
	Queue      *jobs.Queue
	Rebalance  *rebalance.Service
	Settlement *settlement.Service
	// PollInterval between queue polls; zero uses the config default.
	PollInterval time.Duration
}

// Service is the job consumer.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	feed event.Feed
	kick chan struct{}

	mu         sync.Mutex
	processing bool
	lastErr    error
}

// New builds the worker service.
func New(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = params.TreasuryConfig().WorkerPollInterval
	}
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		kick:   make(chan struct{}, 1),
	}
}

// Start begins polling. The in-process busy flag is reconciled from
// the store's processing records first, so a restart mid-TTL reports
// the truthful state.
func (s *Service) Start() {
	if inflight, err := s.cfg.Queue.ProcessingJobs(s.ctx); err != nil {
		log.WithError(err).Warn("Could not reconcile processing records at startup")
	} else if len(inflight) > 0 {
		log.WithField("count", len(inflight)).Info("Found in-flight processing records, waiting for TTL expiry")
	}
	async.RunEvery(s.ctx, s.cfg.PollInterval, s.poll)
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.kick:
				s.poll()
			}
		}
	}()
	log.WithField("pollInterval", s.cfg.PollInterval).Info("Worker started")
}

// Stop halts polling. An executing critical section completes.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status surfaces the most recent poll failure.
func (s *Service) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Kick requests an immediate poll without waiting for the ticker.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// IsProcessing reports the in-process busy flag. Freshness is bounded
// by the processing window itself, not by store polling.
func (s *Service) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// SubscribeProcessing delivers busy-state transitions to ch.
func (s *Service) SubscribeProcessing(ch chan<- ProcessingEvent) event.Subscription {
	return s.feed.Subscribe(ch)
}

func (s *Service) poll() {
	claim, err := s.cfg.Queue.ClaimNext(s.ctx)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		log.WithError(err).Warn("Could not claim next job")
		return
	}
	if claim == nil {
		return
	}
	s.runClaim(claim)
}

// RunJobByID claims a specific job while holding the gate and executes
// it synchronously. Used by the HTTP claim path.
func (s *Service) RunJobByID(ctx context.Context, jobID string, maxSkip int) (bool, error) {
	claim, err := s.cfg.Queue.ClaimByID(ctx, jobID, maxSkip)
	if err != nil {
		return false, err
	}
	if claim == nil {
		return false, nil
	}
	s.runClaim(claim)
	return true, nil
}

func (s *Service) runClaim(claim *jobs.Claim) {
	job := claim.Job
	s.setProcessing(true, job)
	defer s.setProcessing(false, job)
	started := time.Now()
	logFields := logrus.Fields{"id": job.ID, "type": job.Type, "attempt": job.Attempts}
	log.WithFields(logFields).Info("Executing job")

	err := s.dispatch(claim)
	if err == nil {
		if ackErr := claim.Ack(s.ctx); ackErr != nil {
			log.WithError(ackErr).WithFields(logFields).Error("Could not ack job")
		}
		log.WithFields(logFields).WithField("elapsed", time.Since(started)).Info("Job done")
		return
	}

	requeue := !errors.Is(err, settlement.ErrExecutionFailed) && !errors.Is(err, errBadJob)
	log.WithError(err).WithFields(logFields).WithField("requeue", requeue).Error("Job failed")
	if failErr := claim.Fail(s.ctx, requeue); failErr != nil {
		log.WithError(failErr).WithFields(logFields).Error("Could not fail job")
	}
}

// errBadJob marks undecodable payloads and unknown types; requeueing
// those would loop forever.
var errBadJob = errors.New("malformed job")

func (s *Service) dispatch(claim *jobs.Claim) error {
	job := claim.Job
	switch job.Type {
	case jobs.TypeRebalance:
		payload := new(jobs.RebalancePayload)
		if err := job.DecodePayload(payload); err != nil {
			return errors.Wrap(errBadJob, err.Error())
		}
		_, err := s.cfg.Rebalance.Run(s.ctx, job.ID, payload, claim.Heartbeat)
		return err
	case jobs.TypeSettlement:
		payload := new(jobs.SettlementPayload)
		if err := job.DecodePayload(payload); err != nil {
			return errors.Wrap(errBadJob, err.Error())
		}
		_, err := s.cfg.Settlement.Run(s.ctx, job.ID, payload, claim.Heartbeat)
		return err
	default:
		return errors.Wrapf(errBadJob, "unknown job type %q", job.Type)
	}
}

func (s *Service) setProcessing(active bool, job *jobs.Job) {
	s.mu.Lock()
	s.processing = active
	s.mu.Unlock()
	s.feed.Send(ProcessingEvent{Active: active, JobID: job.ID, Type: job.Type})
}
