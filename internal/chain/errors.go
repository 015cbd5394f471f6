package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrChainUnavailable means the endpoint could not be reached; safe to retry.
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrChainRejected means the call executed and reverted.
	ErrChainRejected = errors.New("call rejected by chain")
	// ErrIssuanceUnconfirmed means a receipt arrived but no token id could be derived from it.
	ErrIssuanceUnconfirmed = errors.New("issuance unconfirmed")
	ErrNotFound            = errors.New("not found")

	// ErrInsufficientBalance also matches ErrChainRejected, since a live
	// transfer over balance reverts.
	ErrInsufficientBalance error = &rejection{msg: "insufficient balance"}
)

type rejection struct {
	msg string
}

func (e *rejection) Error() string { return e.msg }

func (e *rejection) Is(target error) bool { return target == ErrChainRejected }

var (
	insufficientMarkers = []string{
		"insufficient balance",
		"exceeds balance",
		"erc20insufficientbalance",
		"0xe450d38c", // ERC20InsufficientBalance selector
	}
	missingTokenMarkers = []string{
		"nonexistent token",
		"erc721nonexistenttoken",
		"invalid token id",
		"0x7e273289", // ERC721NonexistentToken selector
	}
)

// classify maps a go-ethereum error onto the gateway error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrChainUnavailable, err)
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, insufficientMarkers) {
		return fmt.Errorf("%s: %w: %v", op, ErrInsufficientBalance, err)
	}
	if containsAny(msg, missingTokenMarkers) {
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) || strings.Contains(msg, "revert") {
		return fmt.Errorf("%s: %w: %v", op, ErrChainRejected, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrChainUnavailable, err)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
