// Package votes stores per-depositor allocation votes and computes the
// deposit-weighted consensus. Weights derive from the live ledger at
// aggregation time using a fixed scale of 10^9, so consensus math never
// touches floating point; floats appear only in the persisted display
// fields.
package votes

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/mathutil"
)

// WeightScale is the fixed-point scale of vote weights: a weight of
// 10^9 is a 100% share of deposits.
const WeightScale = 1_000_000_000

const pctScale = 10_000 // 4 decimal places for the reported consensus

// Vote is one depositor's allocation preference.
type Vote struct {
	ProposalID        string  `json:"proposalId"`
	Address           string  `json:"address"`
	EthPercent        int64   `json:"ethPercent"`
	Weight            float64 `json:"weight"`
	DepositMinorUnits string  `json:"depositMinorUnits"`
	Timestamp         int64   `json:"timestamp"`
}

// Totals is the aggregated consensus for a proposal.
type Totals struct {
	ProposalID         string  `json:"proposalId"`
	WeightedEthPercent float64 `json:"weightedEthPercent"`
	TotalWeight        float64 `json:"totalWeight"`
	TotalVoters        int64   `json:"totalVoters"`
	UpdatedAt          int64   `json:"updatedAt"`
}

// Results bundles the recomputed totals with the recomputed votes.
type Results struct {
	Totals Totals
	Votes  []*Vote
}

// Store reads and writes allocation votes.
type Store struct {
	store  kv.Store
	ledger *ledger.Ledger
}

// NewStore builds a vote store over the kv store and deposit ledger.
func NewStore(store kv.Store, l *ledger.Ledger) *Store {
	return &Store{store: store, ledger: l}
}

func recordsKey(proposalID string) string {
	return "allocvote:" + proposalID + ":records"
}

func totalsKey(proposalID string) string {
	return "allocvote:" + proposalID + ":totals"
}

// Record writes one depositor's vote, replacing any prior vote for the
// proposal. The percent is clamped to [0, 100].
func (s *Store) Record(ctx context.Context, proposalID string, vote *Vote) error {
	stored := *vote
	stored.ProposalID = proposalID
	stored.Address = strings.ToLower(vote.Address)
	stored.EthPercent = mathutil.Clamp(vote.EthPercent, 0, 100)
	encoded, err := kv.EncodeJSON(&stored)
	if err != nil {
		return errors.Wrap(err, "could not encode vote")
	}
	err = s.store.HSet(ctx, recordsKey(proposalID), map[string]string{stored.Address: encoded})
	return errors.Wrap(err, "could not store vote")
}

// Get loads one depositor's vote, or nil when none exists.
func (s *Store) Get(ctx context.Context, proposalID, address string) (*Vote, error) {
	raw, err := s.store.HGet(ctx, recordsKey(proposalID), strings.ToLower(address))
	if errors.Is(err, kv.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not read vote")
	}
	vote := new(Vote)
	if err := kv.DecodeJSON(raw, vote); err != nil {
		return nil, errors.Wrap(err, "could not decode vote")
	}
	return vote, nil
}

// Remove deletes one depositor's vote and refreshes the totals.
func (s *Store) Remove(ctx context.Context, proposalID, address string) error {
	if _, err := s.store.HDel(ctx, recordsKey(proposalID), strings.ToLower(address)); err != nil {
		return errors.Wrap(err, "could not remove vote")
	}
	_, err := s.Aggregate(ctx, proposalID)
	return err
}

// loadVotes reads every vote record, tolerating string and pre-decoded
// shapes and skipping unparsable entries.
func (s *Store) loadVotes(ctx context.Context, proposalID string) ([]*Vote, error) {
	fields, err := s.store.HGetAll(ctx, recordsKey(proposalID))
	if err != nil {
		return nil, errors.Wrap(err, "could not read vote records")
	}
	out := make([]*Vote, 0, len(fields))
	for addr, raw := range fields {
		vote := new(Vote)
		if err := kv.DecodeJSON(raw, vote); err != nil {
			log.WithError(err).WithField("address", addr).Warn("Skipping unparsable vote record")
			continue
		}
		if vote.Address == "" {
			vote.Address = addr
		}
		out = append(out, vote)
	}
	// Hash iteration order is random; keep aggregation deterministic.
	sortVotes(out)
	return out, nil
}

// Aggregate recomputes the deposit-weighted consensus from the live
// ledger, persists the refreshed votes and totals, and returns them.
// It is stateless and safe to invoke concurrently; the final write is
// last-writer-wins and executing jobs use the returned value directly.
func (s *Store) Aggregate(ctx context.Context, proposalID string) (*Results, error) {
	votes, err := s.loadVotes(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	allStats, err := s.ledger.GetAllUserStats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not read ledger for aggregation")
	}

	deposits := make(map[string]*big.Int, len(allStats))
	totalDeposits := big.NewInt(0)
	for _, stats := range allStats {
		deposits[stats.Address] = stats.TotalValueMinorUnits
		totalDeposits.Add(totalDeposits, stats.TotalValueMinorUnits)
	}

	var (
		weightScale    = big.NewInt(WeightScale)
		sumWeightedPct = big.NewInt(0)
		totalWeight    = big.NewInt(0)
		totalVoters    int64
	)
	for _, vote := range votes {
		deposit, ok := deposits[strings.ToLower(vote.Address)]
		if !ok {
			deposit = big.NewInt(0)
		}
		vote.DepositMinorUnits = deposit.String()

		weight := big.NewInt(0)
		if totalDeposits.Sign() > 0 {
			weight = new(big.Int).Div(new(big.Int).Mul(deposit, weightScale), totalDeposits)
		}
		vote.Weight = float64(weight.Int64()) / WeightScale

		if weight.Sign() == 0 {
			continue
		}
		pct := mathutil.Clamp(vote.EthPercent, 0, 100)
		sumWeightedPct.Add(sumWeightedPct, new(big.Int).Mul(weight, big.NewInt(pct)))
		totalWeight.Add(totalWeight, weight)
		totalVoters++
	}

	// The mean divides by the unclamped weight sum so proportions
	// survive; only the reported participation weight clamps to 1.
	weightedEthPercent := 0.0
	if totalWeight.Sign() > 0 {
		pct4 := mathutil.DivRound(new(big.Int).Mul(sumWeightedPct, big.NewInt(pctScale)), totalWeight)
		weightedEthPercent = mathutil.ClampFloat(float64(pct4.Int64())/pctScale, 0, 100)
	}
	reportedWeight := float64(mathutil.MinBig(totalWeight, weightScale).Int64()) / WeightScale

	results := &Results{
		Totals: Totals{
			ProposalID:         proposalID,
			WeightedEthPercent: weightedEthPercent,
			TotalWeight:        reportedWeight,
			TotalVoters:        totalVoters,
		},
		Votes: votes,
	}
	if err := s.persist(ctx, proposalID, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) persist(ctx context.Context, proposalID string, results *Results) error {
	records := make(map[string]string, len(results.Votes))
	for _, vote := range results.Votes {
		encoded, err := kv.EncodeJSON(vote)
		if err != nil {
			return errors.Wrap(err, "could not encode vote")
		}
		records[strings.ToLower(vote.Address)] = encoded
	}
	totals := map[string]string{
		"proposalId":         proposalID,
		"weightedEthPercent": strconv.FormatFloat(results.Totals.WeightedEthPercent, 'f', -1, 64),
		"totalWeight":        strconv.FormatFloat(results.Totals.TotalWeight, 'f', -1, 64),
		"totalVoters":        strconv.FormatInt(results.Totals.TotalVoters, 10),
	}

	pipe := s.store.Pipeline()
	if len(records) > 0 {
		pipe.HSet(recordsKey(proposalID), records)
	}
	pipe.HSet(totalsKey(proposalID), totals)
	return errors.Wrap(pipe.Exec(ctx), "could not persist aggregation")
}

// ReadTotals returns the cached totals without recomputing. Missing
// totals come back zeroed.
func (s *Store) ReadTotals(ctx context.Context, proposalID string) (*Totals, error) {
	fields, err := s.store.HGetAll(ctx, totalsKey(proposalID))
	if err != nil {
		return nil, errors.Wrap(err, "could not read totals")
	}
	totals := &Totals{ProposalID: proposalID}
	if raw, ok := fields["weightedEthPercent"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			totals.WeightedEthPercent = v
		}
	}
	if raw, ok := fields["totalWeight"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			totals.TotalWeight = v
		}
	}
	if raw, ok := fields["totalVoters"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			totals.TotalVoters = v
		}
	}
	return totals, nil
}

// SweepStale removes votes whose depositor has no live deposit, such
// as settled positions, and refreshes totals when anything was swept.
func (s *Store) SweepStale(ctx context.Context, proposalID string) (int, error) {
	votes, err := s.loadVotes(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	if len(votes) == 0 {
		return 0, nil
	}
	allStats, err := s.ledger.GetAllUserStats(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "could not read ledger for sweep")
	}
	live := make(map[string]bool, len(allStats))
	for _, stats := range allStats {
		if stats.TotalValueMinorUnits.Sign() > 0 {
			live[stats.Address] = true
		}
	}

	var stale []string
	for _, vote := range votes {
		addr := strings.ToLower(vote.Address)
		if !live[addr] {
			stale = append(stale, addr)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if _, err := s.store.HDel(ctx, recordsKey(proposalID), stale...); err != nil {
		return 0, errors.Wrap(err, "could not remove stale votes")
	}
	if _, err := s.Aggregate(ctx, proposalID); err != nil {
		return len(stale), err
	}
	log.WithFields(logrus.Fields{
		"proposal": proposalID,
		"removed":  len(stale),
	}).Info("Swept stale votes")
	return len(stale), nil
}

func sortVotes(votes []*Vote) {
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].Address < votes[j].Address
	})
}
