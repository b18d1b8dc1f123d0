package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const routerABIJSON = `[
	{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const swapMethod = "swapExactTokensForTokens"

var (
	erc20ABI  = mustParse(erc20ABIJSON)
	routerABI = mustParse(routerABIJSON)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// swap is the decoded form of a router swap instruction.
type swap struct {
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Path         []common.Address
	To           common.Address
	Deadline     *big.Int
}

func packSwap(s swap) ([]byte, error) {
	data, err := routerABI.Pack(swapMethod, s.AmountIn, s.AmountOutMin, s.Path, s.To, s.Deadline)
	if err != nil {
		return nil, errors.Wrap(err, "pack swap")
	}
	return data, nil
}

func unpackSwap(data []byte) (swap, error) {
	if len(data) < 4 {
		return swap{}, errors.New("instruction is shorter than a method selector")
	}
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return swap{}, errors.Wrap(err, "decode instruction selector")
	}
	if method.Name != swapMethod {
		return swap{}, errors.Errorf("instruction calls %s, only %s is allowed", method.Name, swapMethod)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return swap{}, errors.Wrap(err, "decode instruction arguments")
	}

	s := swap{}
	var ok bool
	if s.AmountIn, ok = args[0].(*big.Int); !ok {
		return swap{}, errors.New("malformed amountIn")
	}
	if s.AmountOutMin, ok = args[1].(*big.Int); !ok {
		return swap{}, errors.New("malformed amountOutMin")
	}
	if s.Path, ok = args[2].([]common.Address); !ok {
		return swap{}, errors.New("malformed path")
	}
	if s.To, ok = args[3].(common.Address); !ok {
		return swap{}, errors.New("malformed recipient")
	}
	if s.Deadline, ok = args[4].(*big.Int); !ok {
		return swap{}, errors.New("malformed deadline")
	}
	return s, nil
}

// receivedIn sums the Transfer events of asset to account in receipt.
func receivedIn(receipt *types.Receipt, asset, account common.Address) *big.Int {
	total := new(big.Int)
	transferID := erc20ABI.Events["Transfer"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != asset || len(lg.Topics) != 3 || lg.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != account {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}
