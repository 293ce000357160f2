// Package testing provides a mock EVM client for treasury tests.
package testing

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/wagmilabs/treasury/evm"
)

// MockClient is an in-memory evm.Client. Zero values behave like an
// empty chain; tests populate the exported maps directly. Methods are
// safe for concurrent use.
type MockClient struct {
	mu sync.Mutex

	Head          *types.Header
	FinalizedHead *types.Header
	FinalizedErr  error

	// Balances holds native balances; Code marks deployed contracts;
	// TokenBalances is token -> holder -> balance; Allowances is
	// token -> owner -> spender -> amount.
	Balances      map[common.Address]*big.Int
	Code          map[common.Address][]byte
	TokenBalances map[common.Address]map[common.Address]*big.Int
	Allowances    map[common.Address]map[common.Address]map[common.Address]*big.Int

	BalanceErrs map[common.Address]error
	CallErr     error

	Txs      map[common.Hash]*types.Transaction
	Receipts map[common.Hash]*types.Receipt
	Sent     []*types.Transaction

	// OnSend, when set, runs under the lock after a transaction is
	// recorded, letting tests apply balance effects.
	OnSend func(tx *types.Transaction)

	// RevertNext makes the next submitted transaction's receipt carry
	// a failed status.
	RevertNext bool

	nonce uint64
}

// NewMockClient returns a mock with a genesis-like head.
func NewMockClient() *MockClient {
	return &MockClient{
		Head: &types.Header{
			Number:  big.NewInt(100),
			Time:    1_700_000_000,
			BaseFee: big.NewInt(1_000_000_000),
		},
		Balances:      make(map[common.Address]*big.Int),
		Code:          make(map[common.Address][]byte),
		TokenBalances: make(map[common.Address]map[common.Address]*big.Int),
		Allowances:    make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		BalanceErrs:   make(map[common.Address]error),
		Txs:           make(map[common.Hash]*types.Transaction),
		Receipts:      make(map[common.Hash]*types.Receipt),
	}
}

// SetToken deploys a token: nonempty code plus a balance table.
func (m *MockClient) SetToken(token common.Address, balances map[common.Address]*big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Code[token] = []byte{0x60, 0x80}
	if m.TokenBalances[token] == nil {
		m.TokenBalances[token] = make(map[common.Address]*big.Int)
	}
	for holder, bal := range balances {
		m.TokenBalances[token][holder] = new(big.Int).Set(bal)
	}
}

// BlockNumber implements evm.Client.
func (m *MockClient) BlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Head.Number.Uint64(), nil
}

// HeaderByNumber implements evm.Client.
func (m *MockClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if number != nil && number.Cmp(evm.FinalizedBlockNumber) == 0 {
		if m.FinalizedErr != nil {
			return nil, m.FinalizedErr
		}
		if m.FinalizedHead != nil {
			return m.FinalizedHead, nil
		}
	}
	return m.Head, nil
}

// BalanceAt implements evm.Client.
func (m *MockClient) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.BalanceErrs[account]; err != nil {
		return nil, err
	}
	if bal, ok := m.Balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// CodeAt implements evm.Client.
func (m *MockClient) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Code[account], nil
}

// CallContract implements evm.Client by interpreting the minimal ERC-20
// read methods.
func (m *MockClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	if call.To == nil || len(call.Data) < 4 {
		return nil, ethereum.NotFound
	}
	method, err := evm.ERC20ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "balanceOf":
		holder := args[0].(common.Address)
		bal := big.NewInt(0)
		if balances := m.TokenBalances[*call.To]; balances != nil && balances[holder] != nil {
			bal = balances[holder]
		}
		return method.Outputs.Pack(new(big.Int).Set(bal))
	case "allowance":
		owner := args[0].(common.Address)
		spender := args[1].(common.Address)
		amount := big.NewInt(0)
		if owners := m.Allowances[*call.To]; owners != nil && owners[owner] != nil && owners[owner][spender] != nil {
			amount = owners[owner][spender]
		}
		return method.Outputs.Pack(new(big.Int).Set(amount))
	}
	return nil, ethereum.NotFound
}

// TransactionByHash implements evm.Client.
func (m *MockClient) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.Txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

// TransactionReceipt implements evm.Client.
func (m *MockClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, ok := m.Receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// PendingNonceAt implements evm.Client.
func (m *MockClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

// SuggestGasTipCap implements evm.Client.
func (m *MockClient) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

// EstimateGas implements evm.Client.
func (m *MockClient) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

// SendTransaction implements evm.Client. The transaction is recorded
// and a receipt is made available immediately.
func (m *MockClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce++
	m.Sent = append(m.Sent, tx)
	m.Txs[tx.Hash()] = tx
	status := types.ReceiptStatusSuccessful
	if m.RevertNext {
		status = types.ReceiptStatusFailed
		m.RevertNext = false
	}
	m.Receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).Set(m.Head.Number),
		BlockHash:   m.Head.Hash(),
	}
	if m.OnSend != nil {
		m.OnSend(tx)
	}
	return nil
}
