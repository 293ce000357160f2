package vault

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/wagmilabs/treasury/config/params"
	mockEVM "github.com/wagmilabs/treasury/evm/testing"
)

var testWallet = common.HexToAddress("0x00000000000000000000000000000000000000AA")

func TestReadState(t *testing.T) {
	cfg := params.TreasuryConfig()
	client := mockEVM.NewMockClient()
	client.Balances[testWallet] = big.NewInt(2_000_000_000_000_000_000)
	token := common.HexToAddress(cfg.AssetByID("usdc").TokenAddress)
	client.SetToken(token, map[common.Address]*big.Int{testWallet: big.NewInt(1_000_000)})
	client.FinalizedHead = client.Head

	reader := NewReader(client, testWallet)
	state, err := reader.ReadState(context.Background())
	require.NoError(t, err)

	require.Equal(t, testWallet.Hex(), state.WalletAddress)
	require.Equal(t, uint64(100), state.BlockNumber)
	require.NotNil(t, state.FinalizedBlockNumber)
	require.Equal(t, uint64(100), *state.FinalizedBlockNumber)
	require.Len(t, state.Balances, len(cfg.Assets))
	require.Equal(t, "2000000000000000000", state.BalanceFor("eth").String())
	require.Equal(t, "1000000", state.BalanceFor("usdc").String())
}

func TestReadState_FinalizedUnavailable(t *testing.T) {
	client := mockEVM.NewMockClient()
	client.FinalizedErr = errors.New("finalized tag unsupported")

	state, err := NewReader(client, testWallet).ReadState(context.Background())
	require.NoError(t, err)
	require.Nil(t, state.FinalizedBlockNumber)
}

func TestReadState_TokenWithoutCode(t *testing.T) {
	// No SetToken call: the token address has no bytecode, so its
	// balance degrades to zero instead of a failed eth_call.
	client := mockEVM.NewMockClient()
	client.Balances[testWallet] = big.NewInt(5)

	state, err := NewReader(client, testWallet).ReadState(context.Background())
	require.NoError(t, err)
	require.Equal(t, "5", state.BalanceFor("eth").String())
	require.Equal(t, "0", state.BalanceFor("usdc").String())
}

func TestReadState_NativeReadErrorDegradesToZero(t *testing.T) {
	client := mockEVM.NewMockClient()
	client.BalanceErrs[testWallet] = errors.New("rpc unavailable")

	state, err := NewReader(client, testWallet).ReadState(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0", state.BalanceFor("eth").String())
}

func TestBalanceFor_UnknownAsset(t *testing.T) {
	state := &State{}
	require.Equal(t, "0", state.BalanceFor("missing").String())
}
