package settlement

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
)

const (
	jobStatusPrefix  = "settlement:job:"
	userStatusPrefix = "settlement:user:"
	historyKey       = "settlement:history"
)

// State is the lifecycle of a settlement request.
type State string

const (
	StateQueued    State = "queued"
	StateExecuting State = "executing"
	StateExecuted  State = "executed"
	StateDryRun    State = "dry-run"
	StateFailed    State = "failed"
)

// Terminal reports whether the state will not change on its own.
func (s State) Terminal() bool {
	return s == StateExecuted || s == StateDryRun
}

// Status is the persisted record of one settlement request. The
// address-keyed copy is canonical for deduplication; the job-keyed
// copy serves job-scoped lookups.
type Status struct {
	JobID        string              `json:"jobId"`
	RequestID    string              `json:"requestId"`
	Address      string              `json:"address"`
	Share        float64             `json:"share"`
	Plan         []jobs.TransferPlan `json:"plan"`
	State        State               `json:"state"`
	CreatedAt    int64               `json:"createdAt"`
	UpdatedAt    int64               `json:"updatedAt"`
	Transactions []string            `json:"transactions,omitempty"`
	Error        string              `json:"error,omitempty"`
}

func jobStatusKey(jobID string) string {
	return jobStatusPrefix + jobID
}

func userStatusKey(address string) string {
	return userStatusPrefix + strings.ToLower(address)
}

// writeStatus persists the status under both keys and, on terminal
// states, prepends it to the capped history ring.
func writeStatus(ctx context.Context, store kv.Store, status *Status, historyLimit int64) error {
	encoded, err := kv.EncodeJSON(status)
	if err != nil {
		return errors.Wrap(err, "could not encode settlement status")
	}
	pipe := store.Pipeline()
	pipe.Set(userStatusKey(status.Address), encoded, kv.SetOptions{})
	pipe.Set(jobStatusKey(status.JobID), encoded, kv.SetOptions{})
	if status.State.Terminal() || status.State == StateFailed {
		pipe.LPush(historyKey, encoded)
		if historyLimit > 0 {
			pipe.LTrim(historyKey, 0, historyLimit-1)
		}
	}
	return errors.Wrap(pipe.Exec(ctx), "could not write settlement status")
}

func readStatus(ctx context.Context, store kv.Store, key string) (*Status, error) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read settlement status")
	}
	status := new(Status)
	if err := kv.DecodeJSON(raw, status); err != nil {
		return nil, errors.Wrap(err, "could not decode settlement status")
	}
	return status, nil
}

// StatusByAddress returns the canonical status for a depositor, or nil.
func StatusByAddress(ctx context.Context, store kv.Store, address string) (*Status, error) {
	return readStatus(ctx, store, userStatusKey(address))
}

// StatusByJobID returns the job-keyed status copy, or nil.
func StatusByJobID(ctx context.Context, store kv.Store, jobID string) (*Status, error) {
	return readStatus(ctx, store, jobStatusKey(jobID))
}

// History reads up to limit terminal statuses, newest first.
func History(ctx context.Context, store kv.Store, limit int64) ([]*Status, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := store.LRange(ctx, historyKey, 0, limit-1)
	if err != nil {
		return nil, errors.Wrap(err, "could not read settlement history")
	}
	out := make([]*Status, 0, len(entries))
	for _, raw := range entries {
		status := new(Status)
		if err := kv.DecodeJSON(raw, status); err != nil {
			log.WithError(err).Warn("Skipping unparsable settlement status")
			continue
		}
		out = append(out, status)
	}
	return out, nil
}

func clearStatus(ctx context.Context, store kv.Store, status *Status) error {
	keys := []string{userStatusKey(status.Address)}
	if status.JobID != "" {
		keys = append(keys, jobStatusKey(status.JobID))
	}
	_, err := store.Del(ctx, keys...)
	return errors.Wrap(err, "could not clear settlement status")
}
