package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"campusmint/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthBadgeGateway issues badges through the deployed badge contract.
type EthBadgeGateway struct {
	conn       *ethConn
	contract   *bind.BoundContract
	address    common.Address
	extractors []tokenIDExtractor
}

var _ BadgeGateway = (*EthBadgeGateway)(nil)

func NewEthBadgeGateway(ctx context.Context, cfg EthConfig) (*EthBadgeGateway, error) {
	parsedABI, err := contracts.ParseBadgeABI()
	if err != nil {
		return nil, fmt.Errorf("parse badge abi: %w", err)
	}
	conn, err := dialEth(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("badge gateway: %w", err)
	}
	g := newEthBadgeGateway(conn, parsedABI, common.HexToAddress(cfg.ContractAddress))
	return g, nil
}

func newEthBadgeGateway(conn *ethConn, parsedABI abi.ABI, address common.Address) *EthBadgeGateway {
	bound := bind.NewBoundContract(address, parsedABI, conn.client, conn.client, conn.client)
	g := &EthBadgeGateway{
		conn:     conn,
		contract: bound,
		address:  address,
	}
	g.extractors = []tokenIDExtractor{
		fromMintTransfer(bound, address),
		fromBadgeIssued(bound, address),
		fromCounter(g.totalMinted),
	}
	return g
}

func (*EthBadgeGateway) Mode() Mode { return ModeLive }

func (g *EthBadgeGateway) Network() string { return g.conn.network }

func (g *EthBadgeGateway) Ping(ctx context.Context) error { return g.conn.Ping(ctx) }

func (g *EthBadgeGateway) Close() { g.conn.Close() }

func (g *EthBadgeGateway) Issue(ctx context.Context, req IssueBadgeRequest) (IssueResult, error) {
	receipt, err := g.conn.submit(ctx, "issue badge", func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return g.contract.Transact(opts, "issueBadge",
			req.Student,
			big.NewInt(req.EventID),
			req.EventName,
			req.EventDate,
			req.AchievementType,
			req.MetadataURI,
		)
	})
	if err != nil {
		return IssueResult{}, err
	}

	tokenID, err := extractTokenID(ctx, receipt, g.extractors)
	if err != nil {
		return IssueResult{}, err
	}
	return IssueResult{
		TokenID:  tokenID,
		TxHash:   receipt.TxHash.Hex(),
		Network:  g.conn.network,
		Issuer:   g.conn.signer.Hex(),
		IssuedAt: time.Now().UTC().Truncate(time.Second),
	}, nil
}

// badgeTuple mirrors getBadge's outputs in declaration order.
type badgeTuple struct {
	EventId         *big.Int
	EventName       string
	EventDate       string
	AchievementType string
	MetadataURI     string
	IssuedAt        *big.Int
	Issuer          common.Address
}

func (t badgeTuple) record(tokenID uint64, tokenURI, network string) BadgeRecord {
	rec := BadgeRecord{
		TokenID:         tokenID,
		EventName:       t.EventName,
		EventDate:       t.EventDate,
		AchievementType: t.AchievementType,
		MetadataURI:     t.MetadataURI,
		TokenURI:        tokenURI,
		Issuer:          t.Issuer.Hex(),
		Network:         network,
	}
	if t.EventId != nil && t.EventId.IsInt64() {
		rec.EventID = t.EventId.Int64()
	}
	if t.IssuedAt != nil && t.IssuedAt.IsInt64() {
		rec.IssuedAt = time.Unix(t.IssuedAt.Int64(), 0).UTC()
	}
	return rec
}

func (g *EthBadgeGateway) Badge(ctx context.Context, tokenID uint64) (BadgeRecord, error) {
	id := new(big.Int).SetUint64(tokenID)

	var tuple badgeTuple
	err := g.conn.read(ctx, "get badge", func(opts *bind.CallOpts) error {
		out := []interface{}{&tuple}
		return g.contract.Call(opts, &out, "getBadge", id)
	})
	if err != nil {
		return BadgeRecord{}, err
	}

	var tokenURI string
	err = g.conn.read(ctx, "token uri", func(opts *bind.CallOpts) error {
		var out []interface{}
		if err := g.contract.Call(opts, &out, "tokenURI", id); err != nil {
			return err
		}
		tokenURI = *abi.ConvertType(out[0], new(string)).(*string)
		return nil
	})
	if err != nil {
		return BadgeRecord{}, err
	}
	return tuple.record(tokenID, tokenURI, g.conn.network), nil
}

func (g *EthBadgeGateway) TotalMinted(ctx context.Context) (uint64, error) {
	total, err := g.totalMinted(ctx)
	if err != nil {
		return 0, err
	}
	if !total.IsUint64() {
		return 0, fmt.Errorf("total minted %s overflows: %w", total, ErrChainRejected)
	}
	return total.Uint64(), nil
}

func (g *EthBadgeGateway) totalMinted(ctx context.Context) (*big.Int, error) {
	var total *big.Int
	err := g.conn.read(ctx, "total minted", func(opts *bind.CallOpts) error {
		var out []interface{}
		if err := g.contract.Call(opts, &out, "totalMinted"); err != nil {
			return err
		}
		total = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
		return nil
	})
	return total, err
}
