package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// EthConfig carries everything a live gateway needs. All of it is consumed at
// construction; nothing is resolved lazily.
type EthConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	RPCTimeout      time.Duration
	ReceiptTimeout  time.Duration
	Retry           RetryPolicy
}

// ethConn is the connection and signing state shared by one live gateway.
type ethConn struct {
	client    *ethclient.Client
	chainID   *big.Int
	network   string
	signer    common.Address
	transacts *bind.TransactOpts
	cfg       EthConfig
}

func dialEth(ctx context.Context, cfg EthConfig) (*ethConn, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("contract address %q is invalid", cfg.ContractAddress)
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	defer cancel()

	cli, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, classify("dial rpc", err)
	}
	chainID, err := cli.ChainID(dialCtx)
	if err != nil {
		cli.Close()
		return nil, classify("fetch chain id", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &ethConn{
		client:    cli,
		chainID:   chainID,
		network:   NetworkLabel(chainID),
		signer:    txOpts.From,
		transacts: txOpts,
		cfg:       cfg,
	}, nil
}

func (c *ethConn) Close() {
	c.client.Close()
}

func (c *ethConn) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return classify("ping", err)
}

// txOpts returns a per-call copy of the signer options bound to ctx.
func (c *ethConn) txOpts(ctx context.Context) *bind.TransactOpts {
	opts := *c.transacts
	opts.Context = ctx
	return &opts
}

// submit sends a state-changing call and waits for it to be mined. A receipt
// with failed status is reported as ErrChainRejected.
func (c *ethConn) submit(ctx context.Context, op string, send func(*bind.TransactOpts) (*types.Transaction, error)) (*types.Receipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	tx, err := send(c.txOpts(sendCtx))
	cancel()
	if err != nil {
		return nil, classify(op, err)
	}

	log := logrus.WithFields(logrus.Fields{"op": op, "tx": tx.Hash().Hex(), "network": c.network})
	log.Debug("transaction submitted")

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx.Hash())
	if err != nil {
		return nil, classify(op+": wait receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s: tx %s reverted: %w", op, tx.Hash().Hex(), ErrChainRejected)
	}
	log.WithField("block", receipt.BlockNumber).Debug("transaction mined")
	return receipt, nil
}

// read runs a view call with the RPC timeout and the retry policy.
func (c *ethConn) read(ctx context.Context, op string, call func(*bind.CallOpts) error) error {
	return c.cfg.Retry.Do(ctx, op, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
		defer cancel()
		return classify(op, call(&bind.CallOpts{Context: callCtx}))
	})
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.Trim(strings.TrimSpace(hexKey), `"'`)
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

var knownNetworks = map[int64]string{
	1:        "mainnet",
	137:      "polygon",
	80002:    "amoy",
	11155111: "sepolia",
	31337:    "hardhat",
}

// NetworkLabel names a chain id, falling back to chain-<id>.
func NetworkLabel(chainID *big.Int) string {
	if chainID == nil {
		return "unknown"
	}
	if chainID.IsInt64() {
		if name, ok := knownNetworks[chainID.Int64()]; ok {
			return name
		}
	}
	return "chain-" + chainID.String()
}

// ReceiptReader is the subset of ethclient used to poll for receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var receiptPollInterval = 2 * time.Second

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client ReceiptReader, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RetryPolicy retries operations that failed with ErrChainUnavailable.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := p.InitialBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrChainUnavailable) || i == attempts {
			return err
		}

		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
		logrus.WithFields(logrus.Fields{"op": op, "attempt": i, "backoff": backoff}).
			Warnf("retrying after error: %v", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %v", op, ErrChainUnavailable, ctx.Err())
		}
		backoff = p.next(backoff)
	}
	return err
}

// maxRetryBackoff bounds growth when no MaxBackoff is configured.
const maxRetryBackoff = time.Minute

// next grows backoff by the multiplier and stops at the cap.
func (p RetryPolicy) next(backoff time.Duration) time.Duration {
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		ceiling = maxRetryBackoff
	}
	if p.BackoffMultiplier <= 1 || backoff >= ceiling {
		return backoff
	}
	if backoff > ceiling/time.Duration(p.BackoffMultiplier) {
		return ceiling
	}
	return backoff * time.Duration(p.BackoffMultiplier)
}
