package jobs

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/locks"
)

const (
	queueKey         = "jobs:queue:main"
	gateKey          = "jobs:lock:main"
	processingPrefix = "jobs:processing:"
	dedupePrefix     = "jobs:dedupe:"

	scanBatch = 100
)

// ErrGateLost is returned by Heartbeat when the consumer gate expired
// and another consumer may now own the job. The holder must stop
// working the claim.
var ErrGateLost = errors.New("consumer gate ownership lost")

// Queue is the durable single-consumer job queue.
type Queue struct {
	store       kv.Store
	locks       *locks.Registry
	gateTTL     time.Duration
	dedupeTTL   time.Duration
	maxAge      time.Duration
	sweepChance float64
	now         func() time.Time
	randFloat   func() float64
}

// Option adjusts queue construction.
type Option func(*Queue)

// WithGateTTL overrides the consumer gate and processing record TTL.
func WithGateTTL(d time.Duration) Option {
	return func(q *Queue) { q.gateTTL = d }
}

// WithDedupeTTL overrides the default dedup window.
func WithDedupeTTL(d time.Duration) Option {
	return func(q *Queue) { q.dedupeTTL = d }
}

// WithMaxAge overrides the age past which the sweeper drops jobs.
func WithMaxAge(d time.Duration) Option {
	return func(q *Queue) { q.maxAge = d }
}

// WithSweepChance overrides the per-claim sweep probability.
func WithSweepChance(p float64) Option {
	return func(q *Queue) { q.sweepChance = p }
}

// WithClock overrides the queue's clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue builds a queue over the given store. TTL and sweeper
// defaults come from the active treasury config.
func NewQueue(store kv.Store, opts ...Option) *Queue {
	cfg := params.TreasuryConfig()
	q := &Queue{
		store:       store,
		locks:       locks.NewRegistry(store),
		gateTTL:     cfg.JobGateTTL,
		dedupeTTL:   cfg.JobDedupeTTL,
		maxAge:      cfg.JobMaxAge,
		sweepChance: 0.1,
		now:         time.Now,
		randFloat:   rand.Float64,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// EnqueueOptions control deduplication of an enqueue.
type EnqueueOptions struct {
	// DedupeKey suppresses the enqueue while another job holds the key.
	DedupeKey string
	// DedupeTTL bounds the suppression window; zero uses the default.
	DedupeTTL time.Duration
}

// Enqueue appends a job to the queue tail. When a dedup key is given
// and another writer owns it, the enqueue is suppressed and a nil job
// is returned.
func (q *Queue) Enqueue(ctx context.Context, typ Type, payload interface{}, opts EnqueueOptions) (*Job, error) {
	if opts.DedupeKey != "" {
		ttl := opts.DedupeTTL
		if ttl <= 0 {
			ttl = q.dedupeTTL
		}
		ok, err := q.store.Set(ctx, dedupePrefix+opts.DedupeKey, "1", kv.SetOptions{NX: true, TTL: ttl})
		if err != nil {
			return nil, errors.Wrap(err, "could not reserve dedup key")
		}
		if !ok {
			jobsSuppressed.WithLabelValues(string(typ)).Inc()
			log.WithFields(logrus.Fields{
				"type":      typ,
				"dedupeKey": opts.DedupeKey,
			}).Debug("Enqueue suppressed by dedup key")
			return nil, nil
		}
	}

	raw, err := kv.EncodeJSON(payload)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode job payload")
	}
	job := &Job{
		ID:         uuid.NewString(),
		Type:       typ,
		Payload:    []byte(raw),
		EnqueuedAt: q.now().UnixMilli(),
	}
	encoded, err := kv.EncodeJSON(job)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode job")
	}
	if _, err := q.store.RPush(ctx, queueKey, encoded); err != nil {
		return nil, errors.Wrap(err, "could not push job")
	}
	jobsEnqueued.WithLabelValues(string(typ)).Inc()
	log.WithFields(logrus.Fields{
		"id":   job.ID,
		"type": job.Type,
	}).Info("Enqueued job")
	return job, nil
}

// ReleaseDedupe frees an enqueue dedup key before its TTL lapses.
func (q *Queue) ReleaseDedupe(ctx context.Context, key string) error {
	_, err := q.store.Del(ctx, dedupePrefix+key)
	return errors.Wrap(err, "could not release dedup key")
}

// ClaimNext claims the job at the queue head. It returns nil without
// error when another consumer holds the gate or the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*Claim, error) {
	gate, ok, err := q.locks.AcquireKey(ctx, gateKey, q.gateTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if q.randFloat() < q.sweepChance {
		if err := q.sweepLocked(ctx); err != nil {
			log.WithError(err).Warn("Could not sweep stale jobs")
		}
	}

	raw, err := q.store.LPop(ctx, queueKey)
	if errors.Is(err, kv.ErrNil) {
		return nil, gate.Release(ctx)
	}
	if err != nil {
		releaseErr := gate.Release(ctx)
		return nil, firstErr(errors.Wrap(err, "could not pop job"), releaseErr)
	}

	job := new(Job)
	if err := kv.DecodeJSON(raw, job); err != nil {
		log.WithError(err).Warn("Dropping unparsable job at queue head")
		return nil, gate.Release(ctx)
	}
	return q.startProcessing(ctx, gate, job, raw)
}

// ClaimByID claims a specific job, scanning up to maxSkip entries from
// the head. Non-matching entries are re-appended at the tail in their
// original order; if the job is not found the queue is restored and
// the gate released.
func (q *Queue) ClaimByID(ctx context.Context, jobID string, maxSkip int) (*Claim, error) {
	gate, ok, err := q.locks.AcquireKey(ctx, gateKey, q.gateTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if err := q.sweepLocked(ctx); err != nil {
		log.WithError(err).Warn("Could not sweep stale jobs")
	}

	var (
		skipped  []string
		claimed  *Job
		claimRaw string
	)
	for i := 0; i < maxSkip; i++ {
		raw, err := q.store.LPop(ctx, queueKey)
		if errors.Is(err, kv.ErrNil) {
			break
		}
		if err != nil {
			restoreErr := q.restoreSkipped(ctx, skipped)
			releaseErr := gate.Release(ctx)
			return nil, firstErr(errors.Wrap(err, "could not scan queue"), restoreErr, releaseErr)
		}
		job := new(Job)
		if err := kv.DecodeJSON(raw, job); err != nil {
			log.WithError(err).Warn("Dropping unparsable job during scan")
			continue
		}
		if job.ID == jobID {
			claimed, claimRaw = job, raw
			break
		}
		skipped = append(skipped, raw)
	}

	if err := q.restoreSkipped(ctx, skipped); err != nil {
		log.WithError(err).WithField("count", len(skipped)).Error("Could not restore skipped jobs")
	}
	if claimed == nil {
		return nil, gate.Release(ctx)
	}
	return q.startProcessing(ctx, gate, claimed, claimRaw)
}

func (q *Queue) restoreSkipped(ctx context.Context, skipped []string) error {
	if len(skipped) == 0 {
		return nil
	}
	_, err := q.store.RPush(ctx, queueKey, skipped...)
	return err
}

// startProcessing stamps the attempt and writes the processing record.
// On failure the raw entry goes back to the queue head so the job is
// not lost.
func (q *Queue) startProcessing(ctx context.Context, gate *locks.Lock, job *Job, raw string) (*Claim, error) {
	job.Attempts++
	job.LastAttemptAt = q.now().UnixMilli()
	encoded, err := kv.EncodeJSON(job)
	if err == nil {
		_, err = q.store.Set(ctx, processingPrefix+job.ID, encoded, kv.SetOptions{TTL: q.gateTTL})
	}
	if err != nil {
		if _, pushErr := q.store.LPush(ctx, queueKey, raw); pushErr != nil {
			log.WithError(pushErr).WithField("id", job.ID).Error("Could not restore job after claim failure")
		}
		releaseErr := gate.Release(ctx)
		return nil, firstErr(errors.Wrap(err, "could not write processing record"), releaseErr)
	}
	jobsClaimed.WithLabelValues(string(job.Type)).Inc()
	return &Claim{Job: job, queue: q, gate: gate}, nil
}

// Claim is a held job. Exactly one of Ack or Fail must be called.
type Claim struct {
	Job *Job

	queue *Queue
	gate  *locks.Lock
	done  bool
}

func (c *Claim) processingKey() string {
	return processingPrefix + c.Job.ID
}

// Ack marks the job done: the processing record is removed, then the
// gate is released.
func (c *Claim) Ack(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	_, delErr := c.queue.store.Del(ctx, c.processingKey())
	releaseErr := c.gate.Release(ctx)
	return firstErr(errors.Wrap(delErr, "could not delete processing record"), releaseErr)
}

// Fail abandons the job. With requeue, the job (with its incremented
// attempt count) returns to the queue head so the next claim retries.
func (c *Claim) Fail(ctx context.Context, requeue bool) error {
	if c.done {
		return nil
	}
	c.done = true
	jobsFailed.WithLabelValues(string(c.Job.Type)).Inc()
	_, delErr := c.queue.store.Del(ctx, c.processingKey())
	var pushErr error
	if requeue {
		encoded, err := kv.EncodeJSON(c.Job)
		if err == nil {
			_, err = c.queue.store.LPush(ctx, queueKey, encoded)
		}
		pushErr = errors.Wrap(err, "could not requeue job")
	}
	releaseErr := c.gate.Release(ctx)
	return firstErr(errors.Wrap(delErr, "could not delete processing record"), pushErr, releaseErr)
}

// Heartbeat refreshes the processing record and gate TTLs. Long
// critical sections call this around every suspension point.
func (c *Claim) Heartbeat(ctx context.Context) error {
	if c.done {
		return nil
	}
	_, expErr := c.queue.store.Expire(ctx, c.processingKey(), c.queue.gateTTL)
	ok, extErr := c.gate.Extend(ctx, c.queue.gateTTL)
	if extErr == nil && !ok {
		extErr = ErrGateLost
	}
	return firstErr(errors.Wrap(expErr, "could not refresh processing record"), extErr)
}

// sweepLocked drops queued jobs older than maxAge and unparsable
// entries, rebuilding the list in order. Callers must hold the gate.
func (q *Queue) sweepLocked(ctx context.Context) error {
	entries, err := q.store.LRange(ctx, queueKey, 0, -1)
	if err != nil {
		return errors.Wrap(err, "could not read queue")
	}
	if len(entries) == 0 {
		return nil
	}
	cutoff := q.now().Add(-q.maxAge).UnixMilli()
	kept := make([]string, 0, len(entries))
	for _, raw := range entries {
		job := new(Job)
		if err := kv.DecodeJSON(raw, job); err != nil {
			continue
		}
		if job.EnqueuedAt < cutoff {
			continue
		}
		kept = append(kept, raw)
	}
	dropped := len(entries) - len(kept)
	if dropped == 0 {
		return nil
	}
	pipe := q.store.Pipeline()
	pipe.Del(queueKey)
	if len(kept) > 0 {
		pipe.RPush(queueKey, kept...)
	}
	if err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "could not rebuild queue")
	}
	jobsSwept.Add(float64(dropped))
	log.WithFields(logrus.Fields{
		"dropped": dropped,
		"kept":    len(kept),
	}).Info("Swept stale jobs from queue")
	return nil
}

// Size returns the number of queued jobs.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.store.LLen(ctx, queueKey)
	if err == nil {
		queueDepth.Set(float64(n))
	}
	return n, errors.Wrap(err, "could not read queue length")
}

// Peek returns up to limit queued jobs from the head without claiming.
func (q *Queue) Peek(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := q.store.LRange(ctx, queueKey, 0, limit-1)
	if err != nil {
		return nil, errors.Wrap(err, "could not read queue")
	}
	out := make([]*Job, 0, len(entries))
	for _, raw := range entries {
		job := new(Job)
		if err := kv.DecodeJSON(raw, job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Clear drops every queued job and returns how many were removed.
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	n, err := q.store.LLen(ctx, queueKey)
	if err != nil {
		return 0, errors.Wrap(err, "could not read queue length")
	}
	if _, err := q.store.Del(ctx, queueKey); err != nil {
		return 0, errors.Wrap(err, "could not clear queue")
	}
	return n, nil
}

// ProcessingJobs lists the decoded processing records of in-flight
// jobs.
func (q *Queue) ProcessingJobs(ctx context.Context) ([]*Job, error) {
	var (
		cursor uint64
		out    []*Job
	)
	for {
		keys, next, err := q.store.Scan(ctx, cursor, processingPrefix+"*", scanBatch)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan processing records")
		}
		for _, key := range keys {
			raw, err := q.store.Get(ctx, key)
			if errors.Is(err, kv.ErrNil) {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(err, "could not read processing record")
			}
			job := new(Job)
			if err := kv.DecodeJSON(raw, job); err != nil {
				log.WithError(err).WithField("key", key).Warn("Skipping unparsable processing record")
				continue
			}
			out = append(out, job)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// IsProcessing reports whether a job of the given type (or any job for
// TypeAny) is currently executing.
func (q *Queue) IsProcessing(ctx context.Context, typ Type) (bool, error) {
	jobs, err := q.ProcessingJobs(ctx)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if typ == TypeAny || j.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

// firstErr returns the first non-nil error. errors.Wrap passes nil
// through, so callers may hand over pre-wrapped values.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
