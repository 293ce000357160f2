package worker

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/quotes"
	"github.com/wagmilabs/treasury/rebalance"
	"github.com/wagmilabs/treasury/settlement"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"

	mockEVM "github.com/wagmilabs/treasury/evm/testing"
)

type stubOracle struct{}

func (stubOracle) SpotPrice(_ context.Context, symbol string) (string, error) {
	if symbol == "ETH" {
		return "2000.00", nil
	}
	return "1.00", nil
}

func (stubOracle) Source() string { return "test" }

type stubAggregator struct{}

func (stubAggregator) GetQuote(_ context.Context, _ quotes.Request) (*quotes.Quote, error) {
	return &quotes.Quote{BuyAmount: "1", Transaction: quotes.Transaction{To: "0x42", Data: "0x"}}, nil
}

func newWorker(t *testing.T) (*Service, *jobs.Queue, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	client := mockEVM.NewMockClient()
	wallet := common.HexToAddress("0x00000000000000000000000000000000000000AA")
	l := ledger.New(store)
	voteStore := votes.NewStore(store, l)
	reader := vault.NewReader(client, wallet)
	queue := jobs.NewQueue(store, jobs.WithSweepChance(0))

	rb := rebalance.NewService(&rebalance.ServiceConfig{
		Store:      store,
		Client:     client,
		Reader:     reader,
		Prices:     pricing.NewService(store, stubOracle{}),
		Votes:      voteStore,
		Aggregator: stubAggregator{},
		Wallet:     wallet,
	})
	st := settlement.NewService(&settlement.ServiceConfig{
		Store:  store,
		Ledger: l,
		Votes:  voteStore,
		Reader: reader,
		Queue:  queue,
	})
	svc := New(context.Background(), &Config{Queue: queue, Rebalance: rb, Settlement: st})
	return svc, queue, store
}

func TestPoll_ProcessesRebalanceJob(t *testing.T) {
	svc, queue, store := newWorker(t)
	ctx := context.Background()

	events := make(chan ProcessingEvent, 4)
	sub := svc.SubscribeProcessing(events)
	defer sub.Unsubscribe()

	_, err := queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{Reason: jobs.RebalanceReasonManual}, jobs.EnqueueOptions{})
	require.NoError(t, err)

	svc.poll()

	// Empty vault: the job records a skipped outcome and acks.
	size, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
	outcome, err := rebalance.LastOutcome(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, rebalance.ModeSkipped, outcome.Mode)
	require.False(t, svc.IsProcessing())

	first := <-events
	require.True(t, first.Active)
	require.Equal(t, jobs.TypeRebalance, first.Type)
	second := <-events
	require.False(t, second.Active)
}

func TestPoll_MalformedJobNotRequeued(t *testing.T) {
	svc, queue, _ := newWorker(t)
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, jobs.Type("bogus"), map[string]string{}, jobs.EnqueueOptions{})
	require.NoError(t, err)

	svc.poll()

	size, err := queue.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size, "unknown job types must not requeue")
	processing, err := queue.IsProcessing(ctx, jobs.TypeAny)
	require.NoError(t, err)
	require.False(t, processing)
}

func TestPoll_EmptyQueueIsQuiet(t *testing.T) {
	svc, _, _ := newWorker(t)
	svc.poll()
	require.False(t, svc.IsProcessing())
	require.NoError(t, svc.Status())
}

func TestRunJobByID(t *testing.T) {
	svc, queue, _ := newWorker(t)
	ctx := context.Background()

	blocker, err := queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{Reason: jobs.RebalanceReasonDeposit}, jobs.EnqueueOptions{})
	require.NoError(t, err)
	target, err := queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{Reason: jobs.RebalanceReasonManual}, jobs.EnqueueOptions{})
	require.NoError(t, err)

	ran, err := svc.RunJobByID(ctx, target.ID, 10)
	require.NoError(t, err)
	require.True(t, ran)

	// The skipped job rotated to the tail but is still queued.
	remaining, err := queue.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, blocker.ID, remaining[0].ID)

	ran, err = svc.RunJobByID(ctx, "missing-id", 10)
	require.NoError(t, err)
	require.False(t, ran)
}
