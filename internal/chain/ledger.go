package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"campusmint/internal/units"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger is the in-memory state behind a mock gateway. Every address starts at
// a zero balance; a starting grant is an explicit Mint. State is lost on restart.
type Ledger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	supply   *big.Int
	badgeSeq uint64
	badges   map[uint64]BadgeRecord
	nonce    uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]*big.Int),
		supply:   new(big.Int),
		badges:   make(map[uint64]BadgeRecord),
	}
}

// IssueBadge stores a badge under the next sequence number.
func (l *Ledger) IssueBadge(req IssueBadgeRequest, issuer common.Address, now time.Time) (BadgeRecord, common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.badgeSeq++
	rec := BadgeRecord{
		TokenID:         l.badgeSeq,
		EventID:         req.EventID,
		EventName:       req.EventName,
		EventDate:       req.EventDate,
		AchievementType: req.AchievementType,
		MetadataURI:     req.MetadataURI,
		TokenURI:        req.MetadataURI,
		IssuedAt:        now.UTC().Truncate(time.Second),
		Issuer:          issuer.Hex(),
		Network:         MockNetwork,
	}
	l.badges[rec.TokenID] = rec
	return rec, l.nextHashLocked("badge")
}

func (l *Ledger) Badge(tokenID uint64) (BadgeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.badges[tokenID]
	if !ok {
		return BadgeRecord{}, fmt.Errorf("badge %d: %w", tokenID, ErrNotFound)
	}
	return rec, nil
}

func (l *Ledger) TotalMinted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.badgeSeq
}

// Mint credits to and grows total supply by amount. Like an ERC-20, it
// rejects the zero address and a supply past 2^256-1.
func (l *Ledger) Mint(to common.Address, amount *big.Int) (common.Hash, error) {
	if err := checkAmount(amount); err != nil {
		return common.Hash{}, err
	}
	if units.IsZero(to) {
		return common.Hash{}, fmt.Errorf("mint to zero address: %w", ErrChainRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if new(big.Int).Add(l.supply, amount).Cmp(math.MaxBig256) > 0 {
		return common.Hash{}, fmt.Errorf("mint %s: total supply overflow: %w", amount, ErrChainRejected)
	}
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	l.supply.Add(l.supply, amount)
	return l.nextHashLocked("mint"), nil
}

// Transfer moves amount from one address to another. The balance check and
// both writes happen under the ledger lock.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) (common.Hash, error) {
	if err := checkAmount(amount); err != nil {
		return common.Hash{}, err
	}
	if units.IsZero(to) {
		return common.Hash{}, fmt.Errorf("transfer to zero address: %w", ErrChainRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal := l.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("%s has %s, needs %s: %w", from.Hex(), fromBal, amount, ErrInsufficientBalance)
	}
	l.balances[from] = new(big.Int).Sub(fromBal, amount)
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return l.nextHashLocked("transfer"), nil
}

func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply)
}

// Snapshot returns a consistent copy of all balances and the total supply.
func (l *Ledger) Snapshot() (map[common.Address]*big.Int, *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[common.Address]*big.Int, len(l.balances))
	for addr, bal := range l.balances {
		out[addr] = new(big.Int).Set(bal)
	}
	return out, new(big.Int).Set(l.supply)
}

func (l *Ledger) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *Ledger) nextHashLocked(kind string) common.Hash {
	l.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce)
	return crypto.Keccak256Hash([]byte("mock-"+kind), buf[:])
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", units.ErrInvalidAmount)
	}
	return nil
}
