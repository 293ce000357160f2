package evm

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrTransactionReverted is returned by WaitMined when the receipt
// carries a failed status.
var ErrTransactionReverted = errors.New("transaction reverted")

const (
	defaultReceiptPoll    = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
	gasHeadroomPercent    = 20
)

// TxRequest describes one transaction to sign and submit from the
// vault key.
type TxRequest struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	// Gas, when nonzero, skips estimation.
	Gas uint64
}

// Transactor signs and submits vault transactions with EIP-1559 fees.
// All signing happens here; read-only paths never touch the key.
type Transactor struct {
	client         Client
	key            *ecdsa.PrivateKey
	chainID        *big.Int
	address        common.Address
	receiptPoll    time.Duration
	receiptTimeout time.Duration
}

// TransactorOption adjusts transactor construction.
type TransactorOption func(*Transactor)

// WithReceiptPoll overrides the receipt polling cadence.
func WithReceiptPoll(d time.Duration) TransactorOption {
	return func(t *Transactor) { t.receiptPoll = d }
}

// WithReceiptTimeout overrides how long WaitMined waits for inclusion.
func WithReceiptTimeout(d time.Duration) TransactorOption {
	return func(t *Transactor) { t.receiptTimeout = d }
}

// NewTransactor builds a transactor from a hex private key. When
// addressOverride is nonempty it becomes the vault address; a mismatch
// against the key-derived address is logged and the override wins.
func NewTransactor(client Client, keyHex, addressOverride string, chainID int64, opts ...TransactorOption) (*Transactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "could not parse vault key")
	}
	derived := crypto.PubkeyToAddress(key.PublicKey)
	address := derived
	if addressOverride != "" {
		override := common.HexToAddress(addressOverride)
		if override != derived {
			log.WithFields(logrus.Fields{
				"derived":  derived.Hex(),
				"override": override.Hex(),
			}).Warn("Vault address override does not match key-derived address, using override")
		}
		address = override
	}
	t := &Transactor{
		client:         client,
		key:            key,
		chainID:        big.NewInt(chainID),
		address:        address,
		receiptPoll:    defaultReceiptPoll,
		receiptTimeout: defaultReceiptTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Address returns the vault address.
func (t *Transactor) Address() common.Address {
	return t.address
}

// Send signs and submits the request, returning the transaction hash.
func (t *Transactor) Send(ctx context.Context, req TxRequest) (common.Hash, error) {
	nonce, err := t.client.PendingNonceAt(ctx, t.address)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not fetch nonce")
	}
	tip, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not fetch gas tip")
	}
	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not fetch head for base fee")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gas := req.Gas
	if gas == 0 {
		estimate, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  t.address,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return common.Hash{}, errors.Wrap(err, "could not estimate gas")
		}
		gas = estimate + estimate*gasHeadroomPercent/100
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &req.To,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not sign transaction")
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "could not send transaction")
	}
	log.WithFields(logrus.Fields{
		"hash":  signed.Hash().Hex(),
		"to":    req.To.Hex(),
		"nonce": nonce,
	}).Info("Submitted transaction")
	return signed.Hash(), nil
}

// WaitMined polls for the receipt until inclusion, revert, timeout or
// context cancellation.
func (t *Transactor) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(t.receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, errors.Wrapf(ErrTransactionReverted, "tx %s", hash.Hex())
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.WithError(err).WithField("hash", hash.Hex()).Debug("Receipt not available yet")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Errorf("timed out waiting for receipt of %s", hash.Hex())
		case <-ticker.C:
		}
	}
}

// SendAndWait submits the request and blocks until its receipt.
func (t *Transactor) SendAndWait(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	hash, err := t.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return t.WaitMined(ctx, hash)
}
