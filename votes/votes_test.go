package votes

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
)

const proposal = "allocation-1"

func newTestStore(t *testing.T) (*Store, *ledger.Ledger, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	l := ledger.New(store)
	return NewStore(store, l), l, store
}

func deposit(t *testing.T, l *ledger.Ledger, hash, from string, value *big.Int) {
	t.Helper()
	recorded, err := l.RecordDeposit(context.Background(), &ledger.Transaction{
		Hash:            hash,
		From:            from,
		To:              "0xvault",
		ValueMinorUnits: value.String(),
		Timestamp:       1000,
		ChainID:         8453,
	})
	require.NoError(t, err)
	require.True(t, recorded)
}

func TestStore_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Record(ctx, proposal, &Vote{
		Address:    "0xAAAA000000000000000000000000000000000001",
		EthPercent: 140, // clamps to 100
		Timestamp:  5000,
	}))

	vote, err := s.Get(ctx, proposal, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	require.NotNil(t, vote)
	require.Equal(t, int64(100), vote.EthPercent)
	require.Equal(t, "0xaaaa000000000000000000000000000000000001", vote.Address)

	// Resubmission replaces the prior vote.
	require.NoError(t, s.Record(ctx, proposal, &Vote{
		Address:    "0xaaaa000000000000000000000000000000000001",
		EthPercent: 25,
		Timestamp:  6000,
	}))
	vote, err = s.Get(ctx, proposal, "0xAAAA000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Equal(t, int64(25), vote.EthPercent)

	missing, err := s.Get(ctx, proposal, "0xnobody")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestStore_AggregateTwoVoters(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	// A holds 3 units, B holds 1: weights 0.75 and 0.25.
	a := "0xaaaa000000000000000000000000000000000001"
	b := "0xbbbb000000000000000000000000000000000002"
	deposit(t, l, "0x01", a, new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)))
	deposit(t, l, "0x02", b, big.NewInt(1e18))

	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: a, EthPercent: 80}))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: b, EthPercent: 0}))

	results, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 60.0, results.Totals.WeightedEthPercent)
	require.Equal(t, 1.0, results.Totals.TotalWeight)
	require.Equal(t, int64(2), results.Totals.TotalVoters)

	// Recomputed weights are persisted on the vote records.
	vote, err := s.Get(ctx, proposal, a)
	require.NoError(t, err)
	require.Equal(t, 0.75, vote.Weight)
	require.Equal(t, new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)).String(), vote.DepositMinorUnits)

	// The cached totals match the returned value.
	totals, err := s.ReadTotals(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 60.0, totals.WeightedEthPercent)
	require.Equal(t, int64(2), totals.TotalVoters)
}

func TestStore_AggregateZeroDeposits(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: "0xaa", EthPercent: 80}))

	results, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 0.0, results.Totals.WeightedEthPercent)
	require.Equal(t, 0.0, results.Totals.TotalWeight)
	require.Equal(t, int64(0), results.Totals.TotalVoters)
}

func TestStore_AggregateNonVotersDiluteParticipation(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	a := "0xaaaa000000000000000000000000000000000001"
	c := "0xcccc000000000000000000000000000000000003"
	deposit(t, l, "0x01", a, big.NewInt(1e18))
	deposit(t, l, "0x02", c, big.NewInt(1e18)) // c never votes

	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: a, EthPercent: 100}))

	results, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)
	// The voter's own mean is unaffected by the silent depositor.
	require.Equal(t, 100.0, results.Totals.WeightedEthPercent)
	require.Equal(t, 0.5, results.Totals.TotalWeight)
	require.Equal(t, int64(1), results.Totals.TotalVoters)
}

func TestStore_AggregateSettledVoterHasZeroWeight(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	a := "0xaaaa000000000000000000000000000000000001"
	b := "0xbbbb000000000000000000000000000000000002"
	deposit(t, l, "0x01", a, big.NewInt(1e18))
	deposit(t, l, "0x02", b, big.NewInt(1e18))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: a, EthPercent: 100}))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: b, EthPercent: 0}))

	require.NoError(t, l.MarkUserSettled(ctx, b))

	results, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 100.0, results.Totals.WeightedEthPercent)
	require.Equal(t, int64(1), results.Totals.TotalVoters, "zero-deposit vote contributes no voter")
}

func TestStore_AggregateRoundsToFourDecimals(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	// Weights 1/3 and 2/3 produce a repeating decimal mean.
	a := "0xaaaa000000000000000000000000000000000001"
	b := "0xbbbb000000000000000000000000000000000002"
	deposit(t, l, "0x01", a, big.NewInt(1e18))
	deposit(t, l, "0x02", b, new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18)))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: a, EthPercent: 100}))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: b, EthPercent: 0}))

	results, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 33.3333, results.Totals.WeightedEthPercent)
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	a := "0xaaaa000000000000000000000000000000000001"
	deposit(t, l, "0x01", a, big.NewInt(1e18))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: a, EthPercent: 70}))
	_, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, proposal, a))

	vote, err := s.Get(ctx, proposal, a)
	require.NoError(t, err)
	require.Nil(t, vote)
	totals, err := s.ReadTotals(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 0.0, totals.WeightedEthPercent)
	require.Equal(t, int64(0), totals.TotalVoters)
}

func TestStore_SweepStale(t *testing.T) {
	ctx := context.Background()
	s, l, _ := newTestStore(t)

	a := "0xaaaa000000000000000000000000000000000001"
	b := "0xbbbb000000000000000000000000000000000002"
	deposit(t, l, "0x01", a, big.NewInt(1e18))
	deposit(t, l, "0x02", b, big.NewInt(1e18))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: a, EthPercent: 50}))
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: b, EthPercent: 50}))
	// A ghost vote with no ledger entry at all.
	require.NoError(t, s.Record(ctx, proposal, &Vote{Address: "0xdddd000000000000000000000000000000000004", EthPercent: 50}))

	require.NoError(t, l.MarkUserSettled(ctx, b))

	removed, err := s.SweepStale(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	vote, err := s.Get(ctx, proposal, b)
	require.NoError(t, err)
	require.Nil(t, vote)
	vote, err = s.Get(ctx, proposal, a)
	require.NoError(t, err)
	require.NotNil(t, vote)

	// Nothing left to sweep.
	removed, err = s.SweepStale(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
}

func TestStore_AggregateTolerantOfStringWrappedRecords(t *testing.T) {
	ctx := context.Background()
	s, l, store := newTestStore(t)

	a := "0xaaaa000000000000000000000000000000000001"
	deposit(t, l, "0x01", a, big.NewInt(1e18))

	// Simulate a driver that stored the vote double-encoded.
	inner, err := kv.EncodeJSON(&Vote{ProposalID: proposal, Address: a, EthPercent: 40})
	require.NoError(t, err)
	outer, err := kv.EncodeJSON(inner)
	require.NoError(t, err)
	require.NoError(t, store.HSet(ctx, "allocvote:"+proposal+":records", map[string]string{a: outer}))

	results, err := s.Aggregate(ctx, proposal)
	require.NoError(t, err)
	require.Equal(t, 40.0, results.Totals.WeightedEthPercent)
	require.Equal(t, int64(1), results.Totals.TotalVoters)
}
