package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mode reports whether a gateway talks to a real contract or to its in-memory ledger.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// MockNetwork is the network label every mock result carries.
const MockNetwork = "mock"

// MockIssuer is the issuer address reported by mock gateways.
var MockIssuer = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// BadgeGateway issues and reads achievement badges.
type BadgeGateway interface {
	Mode() Mode
	Network() string
	Issue(ctx context.Context, req IssueBadgeRequest) (IssueResult, error)
	Badge(ctx context.Context, tokenID uint64) (BadgeRecord, error)
	TotalMinted(ctx context.Context) (uint64, error)
}

// CoinGateway moves the fungible reward token.
type CoinGateway interface {
	Mode() Mode
	Network() string
	// Issuer is the account that signs mints and issuer transfers.
	Issuer() common.Address
	Mint(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error)
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (TransferResult, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
}

type IssueBadgeRequest struct {
	Student         common.Address
	EventID         int64
	EventName       string
	EventDate       string
	AchievementType string
	MetadataURI     string
}

type IssueResult struct {
	TokenID  uint64
	TxHash   string
	Network  string
	Issuer   string
	IssuedAt time.Time
}

// BadgeRecord is the canonical shape of a badge read back from a gateway.
type BadgeRecord struct {
	TokenID         uint64    `json:"tokenId"`
	EventID         int64     `json:"eventId"`
	EventName       string    `json:"eventName"`
	EventDate       string    `json:"eventDate"`
	AchievementType string    `json:"achievementType"`
	MetadataURI     string    `json:"metadataURI"`
	TokenURI        string    `json:"tokenURI"`
	IssuedAt        time.Time `json:"issuedAt"`
	Issuer          string    `json:"issuer"`
	Network         string    `json:"network"`
}

type TransferResult struct {
	From    string
	To      string
	Amount  *big.Int
	TxHash  string
	Network string
}
