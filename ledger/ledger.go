// Package ledger records validated deposits: one immutable transaction
// record per hash, a per-sender time-ordered index, and cumulative
// per-sender totals. The totals are the source of truth for vote
// weights and settlement shares.
package ledger

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/mathutil"
)

const (
	txPrefix        = "tx:"
	userTxPrefix    = "user:tx:"
	userStatsPrefix = "user:stats:"

	scanBatch = 100
)

// Transaction is the stored record of one validated deposit.
type Transaction struct {
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	ValueMinorUnits string `json:"valueMinorUnits"`
	BlockNumber     uint64 `json:"blockNumber"`
	BlockHash       string `json:"blockHash"`
	Timestamp       int64  `json:"timestamp"`
	ChainID         int64  `json:"chainId"`
	Confirmations   uint64 `json:"confirmations"`
}

// Value parses the deposit value in minor units.
func (t *Transaction) Value() (*big.Int, error) {
	return mathutil.ParseBig(t.ValueMinorUnits)
}

// UserStats is one depositor's cumulative ledger entry.
type UserStats struct {
	Address                  string
	TotalValueMinorUnits     *big.Int
	TotalTransactions        int64
	LastTransactionHash      string
	LastTransactionTimestamp int64
	SettledAt                int64
}

// Ledger reads and writes deposit state in the kv store.
type Ledger struct {
	store     kv.Store
	recordTTL time.Duration
	now       func() time.Time
}

// Option adjusts ledger construction.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRecordTTL overrides the retention of transaction and user keys.
func WithRecordTTL(d time.Duration) Option {
	return func(l *Ledger) { l.recordTTL = d }
}

// New builds a ledger over the store. Retention defaults come from the
// active treasury config.
func New(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		recordTTL: params.TreasuryConfig().RecordTTL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func txKey(hash string) string {
	return txPrefix + strings.ToLower(hash)
}

func userTxKey(address string) string {
	return userTxPrefix + strings.ToLower(address)
}

func userStatsKey(address string) string {
	return userStatsPrefix + strings.ToLower(address)
}

// RecordDeposit stores the transaction and updates the sender's totals.
// It is idempotent on the hash: a replay returns false and leaves every
// total unchanged. The detail record is written first so that a crash
// mid-update is recoverable by re-posting the same hash.
func (l *Ledger) RecordDeposit(ctx context.Context, tx *Transaction) (bool, error) {
	value, err := tx.Value()
	if err != nil {
		return false, errors.Wrap(err, "invalid deposit value")
	}
	record := *tx
	record.Hash = strings.ToLower(tx.Hash)
	record.From = strings.ToLower(tx.From)
	record.To = strings.ToLower(tx.To)
	encoded, err := kv.EncodeJSON(&record)
	if err != nil {
		return false, errors.Wrap(err, "could not encode transaction")
	}
	accepted, err := l.store.Set(ctx, txKey(tx.Hash), encoded, kv.SetOptions{NX: true, TTL: l.recordTTL})
	if err != nil {
		return false, errors.Wrap(err, "could not store transaction")
	}
	if !accepted {
		log.WithField("hash", tx.Hash).Debug("Deposit already recorded")
		return false, nil
	}

	from := record.From
	stats, err := l.GetUserStats(ctx, from)
	if err != nil {
		return false, errors.Wrap(err, "could not read user stats")
	}
	total := big.NewInt(0)
	var count int64
	var settledAt int64
	if stats != nil {
		total = stats.TotalValueMinorUnits
		count = stats.TotalTransactions
		settledAt = stats.SettledAt
	}
	total = new(big.Int).Add(total, value)
	count++

	fields := map[string]string{
		"totalValueMinorUnits":     total.String(),
		"totalTransactions":        strconv.FormatInt(count, 10),
		"lastTransactionHash":      record.Hash,
		"lastTransactionTimestamp": strconv.FormatInt(record.Timestamp, 10),
	}
	if settledAt > 0 {
		fields["settledAt"] = strconv.FormatInt(settledAt, 10)
	}

	pipe := l.store.Pipeline()
	pipe.ZAdd(userTxKey(from), float64(record.Timestamp), record.Hash)
	pipe.HSet(userStatsKey(from), fields)
	pipe.Expire(userTxKey(from), l.recordTTL)
	pipe.Expire(userStatsKey(from), l.recordTTL)
	if err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "could not update user ledger")
	}
	return true, nil
}

// GetTransaction loads a stored deposit by hash. Missing records
// surface kv.ErrNil.
func (l *Ledger) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	raw, err := l.store.Get(ctx, txKey(hash))
	if err != nil {
		return nil, err
	}
	tx := new(Transaction)
	if err := kv.DecodeJSON(raw, tx); err != nil {
		return nil, errors.Wrap(err, "could not decode transaction")
	}
	return tx, nil
}

// GetUserStats loads one depositor's totals, or nil when the address
// has no ledger entry.
func (l *Ledger) GetUserStats(ctx context.Context, address string) (*UserStats, error) {
	fields, err := l.store.HGetAll(ctx, userStatsKey(address))
	if err != nil {
		return nil, errors.Wrap(err, "could not read user stats")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return statsFromFields(strings.ToLower(address), fields), nil
}

// GetAllUserStats iterates every depositor's totals via SCAN.
func (l *Ledger) GetAllUserStats(ctx context.Context) ([]*UserStats, error) {
	var (
		cursor uint64
		out    []*UserStats
	)
	for {
		keys, next, err := l.store.Scan(ctx, cursor, userStatsPrefix+"*", scanBatch)
		if err != nil {
			return nil, errors.Wrap(err, "could not scan user stats")
		}
		for _, key := range keys {
			fields, err := l.store.HGetAll(ctx, key)
			if err != nil {
				return nil, errors.Wrap(err, "could not read user stats")
			}
			if len(fields) == 0 {
				continue
			}
			out = append(out, statsFromFields(strings.TrimPrefix(key, userStatsPrefix), fields))
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// TotalDeposits sums every depositor's live total.
func (l *Ledger) TotalDeposits(ctx context.Context) (*big.Int, error) {
	all, err := l.GetAllUserStats(ctx)
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, stats := range all {
		total.Add(total, stats.TotalValueMinorUnits)
	}
	return total, nil
}

// MarkUserSettled zeroes the depositor's total and stamps settledAt.
// Prior transaction records stay in place.
func (l *Ledger) MarkUserSettled(ctx context.Context, address string) error {
	stats, err := l.GetUserStats(ctx, address)
	if err != nil {
		return err
	}
	if stats == nil {
		return errors.Errorf("no ledger entry for %s", strings.ToLower(address))
	}
	err = l.store.HSet(ctx, userStatsKey(address), map[string]string{
		"totalValueMinorUnits": "0",
		"settledAt":            strconv.FormatInt(l.now().UnixMilli(), 10),
	})
	return errors.Wrap(err, "could not mark user settled")
}

// ListUserTransactions returns up to limit of the sender's deposits,
// newest first. Records that have aged out of retention are skipped.
func (l *Ledger) ListUserTransactions(ctx context.Context, address string, limit int64) ([]*Transaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	hashes, err := l.store.ZRevRange(ctx, userTxKey(address), 0, limit-1)
	if err != nil {
		return nil, errors.Wrap(err, "could not read user transaction index")
	}
	out := make([]*Transaction, 0, len(hashes))
	for _, hash := range hashes {
		tx, err := l.GetTransaction(ctx, hash)
		if errors.Is(err, kv.ErrNil) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("hash", hash).Warn("Skipping unreadable transaction record")
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func statsFromFields(address string, fields map[string]string) *UserStats {
	stats := &UserStats{
		Address:              address,
		TotalValueMinorUnits: big.NewInt(0),
	}
	if raw, ok := fields["totalValueMinorUnits"]; ok {
		if v, err := mathutil.ParseBig(raw); err == nil {
			stats.TotalValueMinorUnits = v
		}
	}
	if raw, ok := fields["totalTransactions"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.TotalTransactions = v
		}
	}
	stats.LastTransactionHash = fields["lastTransactionHash"]
	if raw, ok := fields["lastTransactionTimestamp"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.LastTransactionTimestamp = v
		}
	}
	if raw, ok := fields["settledAt"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.SettledAt = v
		}
	}
	return stats
}
