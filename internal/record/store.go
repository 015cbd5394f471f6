package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPersistence wraps any failure of the durable store.
	ErrPersistence = errors.New("persistence failure")
	// ErrDuplicateBadge means a badge already exists for the wallet, event and achievement.
	ErrDuplicateBadge = errors.New("badge already recorded")
)

// Badge is the durable record of a minted badge.
type Badge struct {
	TokenID         uint64    `json:"tokenId"`
	UserID          int64     `json:"userId,omitempty"`
	Wallet          string    `json:"wallet"`
	EventID         int64     `json:"eventId"`
	EventName       string    `json:"eventName"`
	EventDate       string    `json:"eventDate"`
	AchievementType string    `json:"achievementType"`
	MetadataURI     string    `json:"metadataURI"`
	Issuer          string    `json:"issuer"`
	TxHash          string    `json:"transactionHash"`
	Network         string    `json:"network"`
	IssuedAt        time.Time `json:"issuedAt"`
}

type TxType string

const (
	TxMint     TxType = "mint"
	TxTransfer TxType = "transfer"
)

// CoinTransaction is one audit entry per successful coin gateway call.
type CoinTransaction struct {
	ID            string    `json:"id"`
	Type          TxType    `json:"type"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	AmountBase    string    `json:"amountWei"`
	AmountDisplay string    `json:"amountTokens"`
	TxHash        string    `json:"transactionHash"`
	Network       string    `json:"network"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BadgeFilter narrows ListBadges. Zero values match everything.
type BadgeFilter struct {
	Wallet  string
	EventID int64
	Limit   int
}

// Recorder persists badges and coin transactions. Wallets are compared
// case-insensitively.
type Recorder interface {
	// FindBadge returns nil, nil when no badge matches.
	FindBadge(ctx context.Context, wallet string, eventID int64, achievementType string) (*Badge, error)
	// SaveBadge fails with ErrDuplicateBadge if the (wallet, event, achievement) key exists.
	SaveBadge(ctx context.Context, badge Badge) error
	RecordTransaction(ctx context.Context, tx CoinTransaction) error
	ListBadges(ctx context.Context, filter BadgeFilter) ([]Badge, error)
	ListTransactions(ctx context.Context, limit int) ([]CoinTransaction, error)
}

const defaultListLimit = 100

func badgeKey(wallet string, eventID int64, achievementType string) string {
	return fmt.Sprintf("%s|%d|%s", strings.ToLower(wallet), eventID, achievementType)
}

func listLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return limit
}

// ledgerData is the state shared by MemoryStore and FileStore.
type ledgerData struct {
	Badges       map[string]Badge  `json:"badges"`
	Transactions []CoinTransaction `json:"transactions"`
}

func newLedgerData() ledgerData {
	return ledgerData{Badges: make(map[string]Badge)}
}

func (d *ledgerData) find(wallet string, eventID int64, achievementType string) *Badge {
	b, ok := d.Badges[badgeKey(wallet, eventID, achievementType)]
	if !ok {
		return nil
	}
	return &b
}

func (d *ledgerData) insert(b Badge) error {
	key := badgeKey(b.Wallet, b.EventID, b.AchievementType)
	if _, ok := d.Badges[key]; ok {
		return fmt.Errorf("%s event %d %s: %w", b.Wallet, b.EventID, b.AchievementType, ErrDuplicateBadge)
	}
	d.Badges[key] = b
	return nil
}

func (d *ledgerData) list(f BadgeFilter) []Badge {
	out := make([]Badge, 0)
	for _, b := range d.Badges {
		if f.Wallet != "" && !strings.EqualFold(f.Wallet, b.Wallet) {
			continue
		}
		if f.EventID != 0 && f.EventID != b.EventID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.After(out[j].IssuedAt)
		}
		return out[i].TokenID > out[j].TokenID
	})
	if n := listLimit(f.Limit); len(out) > n {
		out = out[:n]
	}
	return out
}

func (d *ledgerData) recent(limit int) []CoinTransaction {
	n := listLimit(limit)
	out := make([]CoinTransaction, 0, n)
	for i := len(d.Transactions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d.Transactions[i])
	}
	return out
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data ledgerData
}

var _ Recorder = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newLedgerData()}
}

func (m *MemoryStore) FindBadge(_ context.Context, wallet string, eventID int64, achievementType string) (*Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.find(wallet, eventID, achievementType), nil
}

func (m *MemoryStore) SaveBadge(_ context.Context, badge Badge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.insert(badge)
}

func (m *MemoryStore) RecordTransaction(_ context.Context, tx CoinTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Transactions = append(m.data.Transactions, tx)
	return nil
}

func (m *MemoryStore) ListBadges(_ context.Context, filter BadgeFilter) ([]Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.list(filter), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, limit int) ([]CoinTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.recent(limit), nil
}

// FileStore persists records to a JSON file. Suitable for local dev when no
// database is configured.
type FileStore struct {
	path string
	mu   sync.Mutex
	data ledgerData
}

var _ Recorder = (*FileStore)(nil)

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: newLedgerData(),
	}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistence, path, err)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	if f.data.Badges == nil {
		f.data.Badges = make(map[string]Badge)
	}
	return nil
}

// persist writes through a temp file so a crash never leaves a torn file.
func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) FindBadge(_ context.Context, wallet string, eventID int64, achievementType string) (*Badge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.find(wallet, eventID, achievementType), nil
}

func (f *FileStore) SaveBadge(_ context.Context, badge Badge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.data.insert(badge); err != nil {
		return err
	}
	if err := f.persist(); err != nil {
		delete(f.data.Badges, badgeKey(badge.Wallet, badge.EventID, badge.AchievementType))
		return fmt.Errorf("%w: save badge: %v", ErrPersistence, err)
	}
	return nil
}

func (f *FileStore) RecordTransaction(_ context.Context, tx CoinTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.Transactions = append(f.data.Transactions, tx)
	if err := f.persist(); err != nil {
		f.data.Transactions = f.data.Transactions[:len(f.data.Transactions)-1]
		return fmt.Errorf("%w: record transaction: %v", ErrPersistence, err)
	}
	return nil
}

func (f *FileStore) ListBadges(_ context.Context, filter BadgeFilter) ([]Badge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.list(filter), nil
}

func (f *FileStore) ListTransactions(_ context.Context, limit int) ([]CoinTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.recent(limit), nil
}
