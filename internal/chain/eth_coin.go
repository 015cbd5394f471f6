package chain

import (
	"context"
	"fmt"
	"math/big"

	"campusmint/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthCoinGateway moves the reward token through the deployed ERC-20 contract.
type EthCoinGateway struct {
	conn     *ethConn
	contract *bind.BoundContract
	address  common.Address
}

var _ CoinGateway = (*EthCoinGateway)(nil)

// NewEthCoinGateway dials the endpoint and checks that the contract reports
// the expected number of decimals.
func NewEthCoinGateway(ctx context.Context, cfg EthConfig, decimals uint8) (*EthCoinGateway, error) {
	parsedABI, err := contracts.ParseCoinABI()
	if err != nil {
		return nil, fmt.Errorf("parse coin abi: %w", err)
	}
	conn, err := dialEth(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("coin gateway: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	g := &EthCoinGateway{
		conn:     conn,
		contract: bind.NewBoundContract(address, parsedABI, conn.client, conn.client, conn.client),
		address:  address,
	}

	var onChain uint8
	err = conn.read(ctx, "decimals", func(opts *bind.CallOpts) error {
		var out []interface{}
		if err := g.contract.Call(opts, &out, "decimals"); err != nil {
			return err
		}
		onChain = *abi.ConvertType(out[0], new(uint8)).(*uint8)
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("coin gateway: %w", err)
	}
	if onChain != decimals {
		conn.Close()
		return nil, fmt.Errorf("coin gateway: contract has %d decimals, configured %d", onChain, decimals)
	}
	return g, nil
}

func (*EthCoinGateway) Mode() Mode { return ModeLive }

func (g *EthCoinGateway) Network() string { return g.conn.network }

func (g *EthCoinGateway) Issuer() common.Address { return g.conn.signer }

func (g *EthCoinGateway) Ping(ctx context.Context) error { return g.conn.Ping(ctx) }

func (g *EthCoinGateway) Close() { g.conn.Close() }

func (g *EthCoinGateway) Mint(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error) {
	if err := checkAmount(amount); err != nil {
		return TransferResult{}, err
	}
	receipt, err := g.conn.submit(ctx, "mint", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return g.contract.Transact(opts, "mint", to, amount)
	})
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		From:    g.conn.signer.Hex(),
		To:      to.Hex(),
		Amount:  new(big.Int).Set(amount),
		TxHash:  receipt.TxHash.Hex(),
		Network: g.conn.network,
	}, nil
}

// Transfer sends from the signing account directly, or through transferFrom
// when from is another account that granted the signer an allowance.
func (g *EthCoinGateway) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (TransferResult, error) {
	if err := checkAmount(amount); err != nil {
		return TransferResult{}, err
	}
	receipt, err := g.conn.submit(ctx, "transfer", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		if from == g.conn.signer {
			return g.contract.Transact(opts, "transfer", to, amount)
		}
		return g.contract.Transact(opts, "transferFrom", from, to, amount)
	})
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		From:    from.Hex(),
		To:      to.Hex(),
		Amount:  new(big.Int).Set(amount),
		TxHash:  receipt.TxHash.Hex(),
		Network: g.conn.network,
	}, nil
}

func (g *EthCoinGateway) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return g.readUint(ctx, "balance of", "balanceOf", addr)
}

func (g *EthCoinGateway) TotalSupply(ctx context.Context) (*big.Int, error) {
	return g.readUint(ctx, "total supply", "totalSupply")
}

func (g *EthCoinGateway) readUint(ctx context.Context, op, method string, params ...interface{}) (*big.Int, error) {
	var v *big.Int
	err := g.conn.read(ctx, op, func(opts *bind.CallOpts) error {
		var out []interface{}
		if err := g.contract.Call(opts, &out, method, params...); err != nil {
			return err
		}
		v = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
		return nil
	})
	return v, err
}
