package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI is the minimal token interface the vault touches.
var ERC20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(err)
	}
	ERC20ABI = parsed
}

// ERC20BalanceOf reads a token balance at the given block.
func ERC20BalanceOf(ctx context.Context, client Client, token, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	data, err := ERC20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack balanceOf")
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, blockNumber)
	if err != nil {
		return nil, errors.Wrap(err, "balanceOf call failed")
	}
	return unpackUint256(out, "balanceOf")
}

// ERC20Allowance reads the spender's allowance at the latest block.
func ERC20Allowance(ctx context.Context, client Client, token, owner, spender common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, errors.Wrap(err, "could not pack allowance")
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "allowance call failed")
	}
	return unpackUint256(out, "allowance")
}

// PackApprove builds approve(spender, amount) calldata.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := ERC20ABI.Pack("approve", spender, amount)
	return data, errors.Wrap(err, "could not pack approve")
}

// PackTransfer builds transfer(to, amount) calldata.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	data, err := ERC20ABI.Pack("transfer", to, amount)
	return data, errors.Wrap(err, "could not pack transfer")
}

func unpackUint256(out []byte, method string) (*big.Int, error) {
	values, err := ERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "could not unpack %s result", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("%s returned unexpected type %T", method, values[0])
	}
	return v, nil
}
