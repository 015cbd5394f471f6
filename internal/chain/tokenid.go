package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

var errNoTokenID = errors.New("no token id in receipt")

// tokenIDExtractor is one way of learning which id a mined issuance received.
type tokenIDExtractor struct {
	name    string
	extract func(ctx context.Context, receipt *types.Receipt) (*big.Int, error)
}

// extractTokenID tries each extractor in order and returns the first usable id.
func extractTokenID(ctx context.Context, receipt *types.Receipt, extractors []tokenIDExtractor) (uint64, error) {
	for _, ex := range extractors {
		id, err := ex.extract(ctx, receipt)
		if err != nil {
			logrus.WithFields(logrus.Fields{"strategy": ex.name, "tx": receipt.TxHash.Hex()}).
				Debugf("token id extraction failed: %v", err)
			continue
		}
		if id == nil || id.Sign() <= 0 || !id.IsUint64() {
			continue
		}
		return id.Uint64(), nil
	}
	return 0, fmt.Errorf("tx %s: %w", receipt.TxHash.Hex(), ErrIssuanceUnconfirmed)
}

type mintTransferLog struct {
	From    common.Address
	To      common.Address
	TokenId *big.Int
}

// fromMintTransfer reads the ERC-721 Transfer(0x0 -> student) emitted on mint.
func fromMintTransfer(contract *bind.BoundContract, address common.Address) tokenIDExtractor {
	return tokenIDExtractor{
		name: "transfer-event",
		extract: func(_ context.Context, receipt *types.Receipt) (*big.Int, error) {
			for _, lg := range receipt.Logs {
				if lg == nil || lg.Address != address {
					continue
				}
				var ev mintTransferLog
				if err := contract.UnpackLog(&ev, "Transfer", *lg); err != nil {
					continue
				}
				if ev.From != (common.Address{}) {
					continue
				}
				return ev.TokenId, nil
			}
			return nil, errNoTokenID
		},
	}
}

type badgeIssuedLog struct {
	TokenId         *big.Int
	Student         common.Address
	EventId         *big.Int
	AchievementType string
}

// fromBadgeIssued reads the contract's own BadgeIssued event.
func fromBadgeIssued(contract *bind.BoundContract, address common.Address) tokenIDExtractor {
	return tokenIDExtractor{
		name: "badge-issued-event",
		extract: func(_ context.Context, receipt *types.Receipt) (*big.Int, error) {
			for _, lg := range receipt.Logs {
				if lg == nil || lg.Address != address {
					continue
				}
				var ev badgeIssuedLog
				if err := contract.UnpackLog(&ev, "BadgeIssued", *lg); err != nil {
					continue
				}
				return ev.TokenId, nil
			}
			return nil, errNoTokenID
		},
	}
}

// fromCounter assumes the newest id equals the contract's mint counter.
func fromCounter(read func(ctx context.Context) (*big.Int, error)) tokenIDExtractor {
	return tokenIDExtractor{
		name:    "total-minted",
		extract: func(ctx context.Context, _ *types.Receipt) (*big.Int, error) { return read(ctx) },
	}
}
