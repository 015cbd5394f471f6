package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MockBadgeGateway issues badges into its own Ledger. It never touches the network.
type MockBadgeGateway struct {
	ledger *Ledger
	now    func() time.Time
}

var _ BadgeGateway = (*MockBadgeGateway)(nil)

func NewMockBadgeGateway() *MockBadgeGateway {
	return &MockBadgeGateway{ledger: NewLedger(), now: time.Now}
}

func (*MockBadgeGateway) Mode() Mode { return ModeMock }

func (*MockBadgeGateway) Network() string { return MockNetwork }

func (g *MockBadgeGateway) Issue(_ context.Context, req IssueBadgeRequest) (IssueResult, error) {
	if req.Student == (common.Address{}) {
		return IssueResult{}, fmt.Errorf("issue badge: mint to zero address: %w", ErrChainRejected)
	}
	rec, hash := g.ledger.IssueBadge(req, MockIssuer, g.now())
	return IssueResult{
		TokenID:  rec.TokenID,
		TxHash:   hash.Hex(),
		Network:  MockNetwork,
		Issuer:   rec.Issuer,
		IssuedAt: rec.IssuedAt,
	}, nil
}

func (g *MockBadgeGateway) Badge(_ context.Context, tokenID uint64) (BadgeRecord, error) {
	return g.ledger.Badge(tokenID)
}

func (g *MockBadgeGateway) TotalMinted(context.Context) (uint64, error) {
	return g.ledger.TotalMinted(), nil
}

// MockCoinGateway keeps token balances in its own Ledger. Transfers are
// custodial: any from address may be debited if it holds the balance.
type MockCoinGateway struct {
	ledger *Ledger
}

var _ CoinGateway = (*MockCoinGateway)(nil)

func NewMockCoinGateway() *MockCoinGateway {
	return &MockCoinGateway{ledger: NewLedger()}
}

func (*MockCoinGateway) Mode() Mode { return ModeMock }

func (*MockCoinGateway) Network() string { return MockNetwork }

func (*MockCoinGateway) Issuer() common.Address { return MockIssuer }

// Ledger exposes the backing state for invariant checks.
func (g *MockCoinGateway) Ledger() *Ledger { return g.ledger }

func (g *MockCoinGateway) Mint(_ context.Context, to common.Address, amount *big.Int) (TransferResult, error) {
	hash, err := g.ledger.Mint(to, amount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("mint: %w", err)
	}
	return TransferResult{
		From:    MockIssuer.Hex(),
		To:      to.Hex(),
		Amount:  new(big.Int).Set(amount),
		TxHash:  hash.Hex(),
		Network: MockNetwork,
	}, nil
}

func (g *MockCoinGateway) Transfer(_ context.Context, from, to common.Address, amount *big.Int) (TransferResult, error) {
	hash, err := g.ledger.Transfer(from, to, amount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("transfer: %w", err)
	}
	return TransferResult{
		From:    from.Hex(),
		To:      to.Hex(),
		Amount:  new(big.Int).Set(amount),
		TxHash:  hash.Hex(),
		Network: MockNetwork,
	}, nil
}

func (g *MockCoinGateway) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	return g.ledger.BalanceOf(addr), nil
}

func (g *MockCoinGateway) TotalSupply(context.Context) (*big.Int, error) {
	return g.ledger.TotalSupply(), nil
}
