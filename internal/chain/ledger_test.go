package chain

import (
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"campusmint/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrX = common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrY = common.HexToAddress("0x2222222222222222222222222222222222222222")
	addrZ = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func tokens(t *testing.T, s string) *big.Int {
	t.Helper()
	v, err := units.ToBaseUnits(s, units.DefaultDecimals)
	require.NoError(t, err)
	return v
}

func TestLedgerMintThenTransfer(t *testing.T) {
	l := NewLedger()

	_, err := l.Mint(addrX, tokens(t, "1000"))
	require.NoError(t, err)
	_, err = l.Transfer(addrX, addrY, tokens(t, "400"))
	require.NoError(t, err)

	assert.Equal(t, "600", units.ToDisplayUnits(l.BalanceOf(addrX), 18))
	assert.Equal(t, "400", units.ToDisplayUnits(l.BalanceOf(addrY), 18))
	assert.Equal(t, "1000", units.ToDisplayUnits(l.TotalSupply(), 18))
}

func TestLedgerTransferBoundary(t *testing.T) {
	l := NewLedger()
	_, err := l.Mint(addrX, big.NewInt(500))
	require.NoError(t, err)

	_, err = l.Transfer(addrX, addrY, big.NewInt(501))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.ErrorIs(t, err, ErrChainRejected)
	assert.Equal(t, int64(500), l.BalanceOf(addrX).Int64())

	_, err = l.Transfer(addrX, addrY, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, 0, l.BalanceOf(addrX).Sign())
	assert.Equal(t, int64(500), l.BalanceOf(addrY).Int64())
}

func TestLedgerRejectsZeroRecipient(t *testing.T) {
	l := NewLedger()
	_, err := l.Mint(common.Address{}, big.NewInt(100))
	assert.ErrorIs(t, err, ErrChainRejected)

	_, err = l.Mint(addrX, big.NewInt(100))
	require.NoError(t, err)
	_, err = l.Transfer(addrX, common.Address{}, big.NewInt(40))
	assert.ErrorIs(t, err, ErrChainRejected)
	assert.False(t, errors.Is(err, ErrInsufficientBalance))

	assert.Equal(t, int64(100), l.BalanceOf(addrX).Int64())
	assert.Equal(t, 0, l.BalanceOf(common.Address{}).Sign())
	assert.Equal(t, int64(100), l.TotalSupply().Int64())
}

func TestLedgerMintCapsSupplyAtUint256(t *testing.T) {
	l := NewLedger()
	_, err := l.Mint(addrX, math.MaxBig256)
	require.NoError(t, err)

	_, err = l.Mint(addrY, big.NewInt(1))
	assert.ErrorIs(t, err, ErrChainRejected)
	assert.Equal(t, 0, l.TotalSupply().Cmp(math.MaxBig256))
	assert.Equal(t, 0, l.BalanceOf(addrY).Sign())
}

func TestLedgerUnseededAddressIsZero(t *testing.T) {
	l := NewLedger()
	assert.Equal(t, 0, l.BalanceOf(addrZ).Sign())

	_, err := l.Transfer(addrZ, addrY, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestLedgerRejectsNonPositiveAmounts(t *testing.T) {
	l := NewLedger()
	_, err := l.Mint(addrX, big.NewInt(0))
	assert.ErrorIs(t, err, units.ErrInvalidAmount)
	_, err = l.Mint(addrX, big.NewInt(-5))
	assert.ErrorIs(t, err, units.ErrInvalidAmount)
	_, err = l.Transfer(addrX, addrY, nil)
	assert.ErrorIs(t, err, units.ErrInvalidAmount)
}

func TestLedgerBadgeSequence(t *testing.T) {
	l := NewLedger()
	now := time.Unix(1_700_000_000, 0)

	first, h1 := l.IssueBadge(IssueBadgeRequest{Student: addrX, EventID: 7, AchievementType: "enrolled"}, MockIssuer, now)
	second, h2 := l.IssueBadge(IssueBadgeRequest{Student: addrY, EventID: 7, AchievementType: "enrolled"}, MockIssuer, now)

	assert.Equal(t, uint64(1), first.TokenID)
	assert.Equal(t, uint64(2), second.TokenID)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, uint64(2), l.TotalMinted())

	got, err := l.Badge(2)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = l.Badge(3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerInvariantRandomOps(t *testing.T) {
	l := NewLedger()
	addrs := []common.Address{addrX, addrY, addrZ}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		amount := big.NewInt(rng.Int63n(1000) + 1)
		a := addrs[rng.Intn(len(addrs))]
		b := addrs[rng.Intn(len(addrs))]
		if rng.Intn(3) == 0 {
			_, err := l.Mint(a, amount)
			require.NoError(t, err)
		} else {
			_, err := l.Transfer(a, b, amount)
			if err != nil {
				require.True(t, errors.Is(err, ErrInsufficientBalance))
			}
		}
		assertLedgerConsistent(t, l)
	}
}

func TestLedgerConcurrentTransfersNeverOverdraw(t *testing.T) {
	l := NewLedger()
	_, err := l.Mint(addrX, big.NewInt(100))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := addrY
			if i%2 == 0 {
				to = addrZ
			}
			if _, err := l.Transfer(addrX, to, big.NewInt(10)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 0, l.BalanceOf(addrX).Sign())
	assertLedgerConsistent(t, l)
}

func assertLedgerConsistent(t *testing.T, l *Ledger) {
	t.Helper()
	balances, supply := l.Snapshot()
	sum := new(big.Int)
	for addr, bal := range balances {
		require.GreaterOrEqual(t, bal.Sign(), 0, "negative balance for %s", addr.Hex())
		sum.Add(sum, bal)
	}
	require.Zero(t, sum.Cmp(supply), "sum %s != supply %s", sum, supply)
}
