// Package units validates wallet addresses and converts token amounts between
// human-readable decimal strings and fixed-point base units.
package units

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
)

// DefaultDecimals is the fractional precision of the reward token.
const DefaultDecimals uint8 = 18

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// ValidateAddress parses s as a 20-byte hex address. Mixed-case input must
// carry a valid EIP-55 checksum.
func ValidateAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if hasMixedCase(body) && addr.Hex()[2:] != body {
		return common.Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
	}
	return addr, nil
}

// IsZero reports whether addr is the zero address.
func IsZero(addr common.Address) bool {
	return addr == (common.Address{})
}

func hasMixedCase(s string) bool {
	return strings.ToLower(s) != s && strings.ToUpper(s) != s
}

// maxDigits is the number of decimal digits in 2^256-1.
const maxDigits = 78

// ToBaseUnits converts a decimal string into an integer count of base units at
// the given precision. The conversion must be exact and fit in a uint256.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}
	// Bound the exponent before any rescale so "1e20000000" never allocates.
	digits := int64(len(d.Coefficient().String()))
	exp := int64(d.Exponent()) + int64(decimals)
	if digits+exp > maxDigits {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrInvalidAmount, amount)
	}
	if -exp >= digits {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, amount, decimals)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, amount, decimals)
	}
	v := shifted.BigInt()
	if v.Cmp(math.MaxBig256) > 0 {
		return nil, fmt.Errorf("%w: %q exceeds uint256", ErrInvalidAmount, amount)
	}
	return v, nil
}

// ToPositiveBaseUnits is ToBaseUnits that also rejects zero.
func ToPositiveBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	v, err := ToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() == 0 {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrInvalidAmount)
	}
	return v, nil
}

// ToDisplayUnits renders base units as a decimal string without trailing
// fractional zeros. A nil base renders as "0".
func ToDisplayUnits(base *big.Int, decimals uint8) string {
	if base == nil {
		return "0"
	}
	return decimal.NewFromBigInt(base, -int32(decimals)).String()
}

// Decimal is an amount as received from API callers. It unmarshals from either
// a JSON string or a JSON number without passing through float64.
type Decimal string

func (d *Decimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Decimal(s)
		return nil
	}
	if _, err := decimal.NewFromString(string(b)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, b)
	}
	*d = Decimal(b)
	return nil
}

func (d Decimal) String() string { return string(d) }
