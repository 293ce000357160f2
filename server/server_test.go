package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/kv"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/locks"
	"github.com/wagmilabs/treasury/pricing"
	"github.com/wagmilabs/treasury/quotes"
	"github.com/wagmilabs/treasury/rebalance"
	"github.com/wagmilabs/treasury/settlement"
	"github.com/wagmilabs/treasury/vault"
	"github.com/wagmilabs/treasury/votes"
	"github.com/wagmilabs/treasury/worker"

	mockEVM "github.com/wagmilabs/treasury/evm/testing"
)

var vaultAddr = common.HexToAddress("0x00000000000000000000000000000000000000AA")

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

type fixture struct {
	svc    *Service
	client *mockEVM.MockClient
	store  kv.Store
	ledger *ledger.Ledger
	queue  *jobs.Queue
	worker *worker.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemoryStore()
	client := mockEVM.NewMockClient()
	l := ledger.New(store)
	voteStore := votes.NewStore(store, l)
	reader := vault.NewReader(client, vaultAddr)
	prices := pricing.NewService(store, stubOracle{})
	queue := jobs.NewQueue(store, jobs.WithSweepChance(0))

	rb := rebalance.NewService(&rebalance.ServiceConfig{
		Store:      store,
		Client:     client,
		Reader:     reader,
		Prices:     prices,
		Votes:      voteStore,
		Aggregator: stubAggregator{},
		Wallet:     vaultAddr,
	})
	st := settlement.NewService(&settlement.ServiceConfig{
		Store:  store,
		Ledger: l,
		Votes:  voteStore,
		Reader: reader,
		Queue:  queue,
	})
	wrk := worker.New(context.Background(), &worker.Config{Queue: queue, Rebalance: rb, Settlement: st})

	svc, err := New(&Config{
		Addr:       "127.0.0.1:0",
		Store:      store,
		Client:     client,
		Ledger:     l,
		Votes:      voteStore,
		Prices:     prices,
		Reader:     reader,
		Queue:      queue,
		Locks:      locks.NewRegistry(store),
		Worker:     wrk,
		Settlement: st,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, client: client, store: store, ledger: l, queue: queue, worker: wrk}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.svc.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

// depositTx puts a signed, mined deposit transaction on the mock chain
// and returns its hash.
func depositTx(t *testing.T, client *mockEVM.MockClient, key *ecdsa.PrivateKey, to common.Address, value *big.Int) string {
	t.Helper()
	chainID := big.NewInt(params.TreasuryConfig().ChainID)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     value,
	})
	require.NoError(t, err)
	client.Txs[tx.Hash()] = tx
	client.Receipts[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(90),
		BlockHash:   common.HexToHash("0xb10c"),
	}
	return strings.ToLower(tx.Hash().Hex())
}

func signPersonal(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestPostDeposit_RecordsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	depositor := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	hash := depositTx(t, f.client, key, vaultAddr, params.TreasuryConfig().RequiredDeposit())

	rec := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{Hash: hash})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp DepositResponse
	decodeBody(t, rec, &resp)
	require.True(t, resp.Recorded)
	require.Equal(t, depositor, resp.Transaction.From)

	stats, err := f.ledger.GetUserStats(context.Background(), depositor)
	require.NoError(t, err)
	require.Equal(t, params.TreasuryConfig().RequiredDeposit().String(), stats.TotalValueMinorUnits.String())

	queued, err := f.queue.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, jobs.TypeRebalance, queued[0].Type)
}

func TestPostDeposit_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := depositTx(t, f.client, key, vaultAddr, params.TreasuryConfig().RequiredDeposit())

	first := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{Hash: hash})
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{Hash: hash})
	require.Equal(t, http.StatusOK, second.Code)
	var resp DepositResponse
	decodeBody(t, second, &resp)
	require.False(t, resp.Recorded)

	// Only the first request enqueued a rebalance.
	size, err := f.queue.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestPostDeposit_WrongValueRejected(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := depositTx(t, f.client, key, vaultAddr, big.NewInt(1))

	rec := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{Hash: hash})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostDeposit_WrongRecipientRejected(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := common.HexToAddress("0x00000000000000000000000000000000000000BB")
	hash := depositTx(t, f.client, key, other, params.TreasuryConfig().RequiredDeposit())

	rec := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{Hash: hash})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostDeposit_RevertedRejected(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hash := depositTx(t, f.client, key, vaultAddr, params.TreasuryConfig().RequiredDeposit())
	f.client.Receipts[common.HexToHash(hash)].Status = types.ReceiptStatusFailed

	rec := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{Hash: hash})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostDeposit_UnknownHashRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/deposits", &DepositRequest{
		Hash: "0x" + strings.Repeat("11", 32),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// recordDeposit seeds the ledger directly, bypassing the webhook.
func recordDeposit(t *testing.T, l *ledger.Ledger, address string, value int64) {
	t.Helper()
	_, err := l.RecordDeposit(context.Background(), &ledger.Transaction{
		Hash:            fmt.Sprintf("0xseed%s%d", address[2:10], value),
		From:            strings.ToLower(address),
		To:              strings.ToLower(vaultAddr.Hex()),
		ValueMinorUnits: big.NewInt(value).String(),
		Timestamp:       time.Now().UnixMilli(),
	})
	require.NoError(t, err)
}

func TestPostVote_RecordsAndAggregates(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	recordDeposit(t, f.ledger, addr, 1_000_000)

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, key, "eth_percent:70\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/votes", &VoteRequest{
		Address:    addr,
		EthPercent: 70,
		Signature:  sig,
		Timestamp:  ts,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp VoteResponse
	decodeBody(t, rec, &resp)
	require.Equal(t, int64(70), resp.Vote.EthPercent)
	require.InDelta(t, 70.0, resp.Totals.WeightedEthPercent, 0.001)
	require.Equal(t, int64(1), resp.Totals.TotalVoters)

	// Vote rebalance queued.
	queued, err := f.queue.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
}

func TestPostVote_NonDepositorForbidden(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, key, "eth_percent:50\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/votes", &VoteRequest{
		Address: addr, EthPercent: 50, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPostVote_ExpiredSignatureUnauthorized(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	recordDeposit(t, f.ledger, addr, 1_000_000)

	ts := time.Now().Add(-10 * time.Minute).UnixMilli()
	sig := signPersonal(t, key, "eth_percent:50\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/votes", &VoteRequest{
		Address: addr, EthPercent: 50, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostVote_WrongSignerUnauthorized(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	recordDeposit(t, f.ledger, addr, 1_000_000)

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, other, "eth_percent:50\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/votes", &VoteRequest{
		Address: addr, EthPercent: 50, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetVotes_WithCallerVote(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	recordDeposit(t, f.ledger, addr, 1_000_000)

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, key, "eth_percent:30\ntimestamp:"+fmt.Sprint(ts))
	post := f.do(t, http.MethodPost, "/api/votes", &VoteRequest{
		Address: addr, EthPercent: 30, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusOK, post.Code)

	rec := f.do(t, http.MethodGet, "/api/votes?address="+addr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp VotesResponse
	decodeBody(t, rec, &resp)
	require.NotNil(t, resp.Vote)
	require.Equal(t, int64(30), resp.Vote.EthPercent)
	require.InDelta(t, 30.0, resp.Totals.WeightedEthPercent, 0.001)
}

func TestPostClaim_QueuesSettlement(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	recordDeposit(t, f.ledger, addr, 1_000_000)
	f.client.Balances[vaultAddr] = big.NewInt(1e18)

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, key, "wagmi-claim\naddress:"+addr+"\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/claims", &ClaimRequest{
		Address: addr, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClaimResponse
	decodeBody(t, rec, &resp)
	require.True(t, resp.Queued)
	require.Equal(t, settlement.StateQueued, resp.Status.State)
	require.InDelta(t, 1.0, resp.Status.Share, 0.0001)
}

func TestPostClaim_SyncExecutesDryRun(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	recordDeposit(t, f.ledger, addr, 1_000_000)
	f.client.Balances[vaultAddr] = big.NewInt(1e18)

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, key, "wagmi-claim\naddress:"+addr+"\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/claims?sync=true", &ClaimRequest{
		Address: addr, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClaimResponse
	decodeBody(t, rec, &resp)
	require.True(t, resp.Queued)
	require.Equal(t, settlement.StateDryRun, resp.Status.State)
}

func TestPostClaim_NothingToClaimForbidden(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	ts := time.Now().UnixMilli()
	sig := signPersonal(t, key, "wagmi-claim\naddress:"+addr+"\ntimestamp:"+fmt.Sprint(ts))
	rec := f.do(t, http.MethodPost, "/api/claims", &ClaimRequest{
		Address: addr, Signature: sig, Timestamp: ts,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetClaim_PreviewsPlan(t *testing.T) {
	f := newFixture(t)
	addr := "0x0000000000000000000000000000000000000ccc"
	recordDeposit(t, f.ledger, addr, 1_000_000)
	recordDeposit(t, f.ledger, "0x0000000000000000000000000000000000000ddd", 3_000_000)
	f.client.Balances[vaultAddr] = big.NewInt(4e18)

	rec := f.do(t, http.MethodGet, "/api/claims/"+addr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp ClaimStatusResponse
	decodeBody(t, rec, &resp)
	require.Nil(t, resp.Status)
	require.InDelta(t, 0.25, resp.Share, 0.0001)
	require.NotEmpty(t, resp.Preview)
	require.Equal(t, "1000000000000000000", resp.Preview[0].AmountMinorUnits)
}

func TestPostRebalance_ManualRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/rebalances", &RebalanceRequest{Manual: false})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostRebalance_Enqueues(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/rebalances", &RebalanceRequest{Manual: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RebalanceTriggerResponse
	decodeBody(t, rec, &resp)
	require.True(t, resp.Queued)
	require.NotEmpty(t, resp.JobID)

	size, err := f.queue.Size(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestGetStatus_Snapshot(t *testing.T) {
	f := newFixture(t)
	recordDeposit(t, f.ledger, "0x0000000000000000000000000000000000000eee", 5_000_000)
	f.client.Balances[vaultAddr] = big.NewInt(2e18)

	rec := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp StatusResponse
	decodeBody(t, rec, &resp)
	require.Equal(t, int64(8453), resp.ChainID)
	require.Equal(t, "5000000", resp.TotalDepositsMinorUnits)
	require.NotNil(t, resp.Treasury)
	require.Equal(t, "2000000000000000000", resp.Treasury.BalanceFor("eth").String())
	require.Contains(t, resp.Prices, "eth")
	require.False(t, resp.Processing)
}

func TestStreamEvents_SendsInitialState(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.svc.Router().ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.Contains(t, body, "event: processing")
	require.Contains(t, body, `"processing":false`)
}
