package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	"github.com/wagmilabs/treasury/config/params"
	"github.com/wagmilabs/treasury/jobs"
	"github.com/wagmilabs/treasury/ledger"
	"github.com/wagmilabs/treasury/locks"
	"github.com/wagmilabs/treasury/network/httputil"
)

// DepositRequest is the webhook body announcing an on-chain deposit.
type DepositRequest struct {
	Hash string `json:"hash"`
}

// DepositResponse reports the recording outcome. Recorded is false on
// an idempotent replay of an already-stored hash.
type DepositResponse struct {
	Recorded    bool                `json:"recorded"`
	Transaction *ledger.Transaction `json:"transaction"`
}

// confirmedTx is the immutable part of a confirmed transaction lookup.
// Confirmations are recomputed against the live head on every request.
type confirmedTx struct {
	from           string
	to             string
	value          string
	chainID        int64
	blockNumber    uint64
	blockHash      string
	blockTimestamp int64
}

// PostDeposit validates a deposit transaction on chain and records it
// in the ledger, then schedules a rebalance.
func (s *Service) PostDeposit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tcfg := params.TreasuryConfig()

	var req DepositRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	switch {
	case err == io.EOF:
		httputil.HandleError(w, "No data submitted", http.StatusBadRequest)
		return
	case err != nil:
		httputil.HandleError(w, "Could not decode request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	hash := strings.ToLower(strings.TrimSpace(req.Hash))
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		httputil.HandleError(w, "Invalid transaction hash", http.StatusBadRequest)
		return
	}

	lock, ok, err := s.cfg.Locks.Acquire(ctx, locks.OpTransaction, hash, tcfg.RequestLockTTL)
	if err != nil {
		httputil.HandleError(w, "Could not acquire transaction lock: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		httputil.HandleError(w, "Transaction already in progress", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.WithError(err).Warn("Could not release transaction lock")
		}
	}()

	confirmed, errMsg, code := s.lookupConfirmed(r, hash)
	if errMsg != "" {
		httputil.HandleError(w, errMsg, code)
		return
	}

	if confirmed.chainID != 0 && confirmed.chainID != tcfg.ChainID {
		httputil.HandleError(w, "Transaction is not on the configured chain", http.StatusForbidden)
		return
	}
	if !strings.EqualFold(confirmed.to, s.cfg.Reader.Wallet().Hex()) {
		httputil.HandleError(w, "Transaction recipient is not the treasury vault", http.StatusForbidden)
		return
	}
	if confirmed.value != tcfg.RequiredDeposit().String() {
		httputil.HandleError(w, "Transaction value does not match the required deposit", http.StatusForbidden)
		return
	}

	head, err := s.cfg.Client.BlockNumber(ctx)
	if err != nil {
		httputil.HandleError(w, "Could not read chain head: "+err.Error(), http.StatusInternalServerError)
		return
	}
	confirmations := uint64(0)
	if head >= confirmed.blockNumber {
		confirmations = head - confirmed.blockNumber + 1
	}
	if confirmations < tcfg.RequiredConfirmations {
		httputil.HandleError(w, "Transaction does not have enough confirmations", http.StatusBadRequest)
		return
	}

	record := &ledger.Transaction{
		Hash:            hash,
		From:            confirmed.from,
		To:              strings.ToLower(confirmed.to),
		ValueMinorUnits: confirmed.value,
		BlockNumber:     confirmed.blockNumber,
		BlockHash:       confirmed.blockHash,
		Timestamp:       confirmed.blockTimestamp * 1000,
		ChainID:         tcfg.ChainID,
		Confirmations:   confirmations,
	}
	recorded, err := s.cfg.Ledger.RecordDeposit(ctx, record)
	if err != nil {
		httputil.HandleError(w, "Could not record deposit: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if !recorded {
		httputil.WriteJson(w, &DepositResponse{Recorded: false, Transaction: record})
		return
	}

	if _, err := s.cfg.Queue.Enqueue(ctx, jobs.TypeRebalance, &jobs.RebalancePayload{
		Reason:  jobs.RebalanceReasonDeposit,
		Context: map[string]string{"hash": hash, "address": record.From},
	}, jobs.EnqueueOptions{}); err != nil {
		log.WithError(err).Warn("Could not enqueue deposit rebalance")
	} else if s.cfg.Worker != nil {
		s.cfg.Worker.Kick()
	}
	httputil.WriteJson(w, &DepositResponse{Recorded: true, Transaction: record})
}

// lookupConfirmed fetches the transaction, its receipt and its block
// header, caching the immutable result. Returns a non-empty message
// and status code on validation failure.
func (s *Service) lookupConfirmed(r *http.Request, hash string) (*confirmedTx, string, int) {
	if cached, ok := s.txCache.Get(hash); ok {
		return cached.(*confirmedTx), "", 0
	}
	ctx := r.Context()
	txHash := common.HexToHash(hash)

	tx, pending, err := s.cfg.Client.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, "Transaction not found: " + err.Error(), http.StatusBadRequest
	}
	if pending {
		return nil, "Transaction is still pending", http.StatusBadRequest
	}
	receipt, err := s.cfg.Client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, "Transaction receipt not found: " + err.Error(), http.StatusBadRequest
	}
	if receipt.Status != 1 {
		return nil, "Transaction reverted on chain", http.StatusBadRequest
	}
	header, err := s.cfg.Client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, "Could not read transaction block: " + err.Error(), http.StatusInternalServerError
	}

	from := ""
	if sender, err := senderOf(tx); err == nil {
		from = strings.ToLower(sender.Hex())
	}
	to := ""
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	chainID := int64(0)
	if tx.ChainId() != nil && tx.ChainId().Sign() > 0 {
		chainID = tx.ChainId().Int64()
	}
	confirmed := &confirmedTx{
		from:           from,
		to:             to,
		value:          tx.Value().String(),
		chainID:        chainID,
		blockNumber:    receipt.BlockNumber.Uint64(),
		blockHash:      receipt.BlockHash.Hex(),
		blockTimestamp: int64(header.Time),
	}
	s.txCache.Add(hash, confirmed)
	return confirmed, "", 0
}

func senderOf(tx *types.Transaction) (common.Address, error) {
	return types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
}

// GetDeposits lists a depositor's recent transactions with their
// cumulative stats.
func (s *Service) GetDeposits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		httputil.HandleError(w, "Invalid address", http.StatusBadRequest)
		return
	}
	addr := strings.ToLower(address)

	stats, err := s.cfg.Ledger.GetUserStats(ctx, addr)
	if err != nil {
		httputil.HandleError(w, "Could not read depositor stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	txs, err := s.cfg.Ledger.ListUserTransactions(ctx, addr, 50)
	if err != nil {
		httputil.HandleError(w, "Could not read depositor transactions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	resp := &DepositsResponse{Address: addr, Transactions: txs}
	if stats != nil {
		resp.TotalValueMinorUnits = stats.TotalValueMinorUnits.String()
		resp.TotalTransactions = stats.TotalTransactions
		resp.SettledAt = stats.SettledAt
	} else {
		resp.TotalValueMinorUnits = "0"
	}
	httputil.WriteJson(w, resp)
}

// DepositsResponse is a depositor's ledger view.
type DepositsResponse struct {
	Address              string                `json:"address"`
	TotalValueMinorUnits string                `json:"totalValueMinorUnits"`
	TotalTransactions    int64                 `json:"totalTransactions"`
	SettledAt            int64                 `json:"settledAt,omitempty"`
	Transactions         []*ledger.Transaction `json:"transactions"`
}
