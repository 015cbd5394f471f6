package issuance

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusmint/internal/chain"
	"campusmint/internal/record"
	"campusmint/internal/units"
)

var (
	studentWallet = "0x" + strings.Repeat("a", 39) + "1"
	storeWallet   = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
)

type fixture struct {
	svc    *Service
	badges *chain.MockBadgeGateway
	coins  *chain.MockCoinGateway
	store  *record.MemoryStore
	logger *logrus.Logger
	hook   *logtest.Hook
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts.Log = logger
	if opts.Decimals == 0 {
		opts.Decimals = units.DefaultDecimals
	}

	f := &fixture{
		badges: chain.NewMockBadgeGateway(),
		coins:  chain.NewMockCoinGateway(),
		store:  record.NewMemoryStore(),
		logger: logger,
		hook:   hook,
	}
	f.svc = New(f.badges, f.coins, f.store, opts)
	return f
}

func (f *fixture) fundStore(t *testing.T, amount string) {
	t.Helper()
	base, err := units.ToBaseUnits(amount, units.DefaultDecimals)
	require.NoError(t, err)
	_, err = f.coins.Ledger().Mint(storeWallet, base)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, addr string) string {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), addr)
	require.NoError(t, err)
	return b.Balance
}

func rewardOpts() Options {
	return Options{RewardAmount: "10", RewardSource: storeWallet.Hex()}
}

func enrollment(eventID int64) Enrollment {
	return Enrollment{
		UserID: 3,
		Wallet: studentWallet,
		Event:  Event{ID: eventID, Name: "Intro to Solidity", Date: "2026-11-02"},
	}
}

func TestOnEnrollMintsThenReportsAlreadyMinted(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "100")
	ctx := context.Background()

	first, err := f.svc.OnEnroll(ctx, enrollment(7))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMinted, first.Outcome)
	require.NotNil(t, first.Badge)
	assert.Equal(t, uint64(1), first.Badge.TokenID)
	assert.Equal(t, "ipfs://events/7/enrolled-3.json", first.Badge.MetadataURI)
	assert.Equal(t, chain.MockNetwork, first.Badge.Network)
	require.NotNil(t, first.Reward)
	assert.Equal(t, "10", first.Reward.Amount)
	assert.Empty(t, first.RewardError)

	second, err := f.svc.OnEnroll(ctx, enrollment(7))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyMinted, second.Outcome)
	require.NotNil(t, second.Badge)
	assert.Equal(t, first.Badge.TokenID, second.Badge.TokenID)
	assert.Equal(t, first.Badge.TxHash, second.Badge.TxHash)
	assert.Nil(t, second.Reward)

	minted, _ := f.badges.TotalMinted(ctx)
	assert.Equal(t, uint64(1), minted)
	assert.Equal(t, "10", f.balance(t, studentWallet))
	assert.Equal(t, "90", f.balance(t, storeWallet.Hex()))

	txs, err := f.svc.Transactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, record.TxTransfer, txs[0].Type)
	assert.Equal(t, first.Reward.TransactionID, txs[0].ID)
}

func TestOnEnrollMatchesWalletCaseInsensitively(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.OnEnroll(ctx, enrollment(42))
	require.NoError(t, err)

	upper := enrollment(42)
	upper.Wallet = "0x" + strings.ToUpper(studentWallet[2:])
	res, err := f.svc.OnEnroll(ctx, upper)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyMinted, res.Outcome)
	minted, _ := f.badges.TotalMinted(ctx)
	assert.Equal(t, uint64(1), minted)
}

func TestOnEnrollInvalidRewardWalletStillMints(t *testing.T) {
	f := newFixture(t, Options{RewardAmount: "10", RewardSource: "not-a-wallet"})

	res, err := f.svc.OnEnroll(context.Background(), enrollment(9))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMinted, res.Outcome)
	assert.NotNil(t, res.Badge)
	assert.Nil(t, res.Reward)
	assert.Contains(t, res.RewardError, "reward source wallet")

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "enrollment reward failed" {
			logged = true
		}
	}
	assert.True(t, logged, "reward failure must be logged")
}

func TestOnEnrollRewardInsufficientBalance(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "5")

	res, err := f.svc.OnEnroll(context.Background(), enrollment(11))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMinted, res.Outcome)
	assert.Nil(t, res.Reward)
	assert.NotEmpty(t, res.RewardError)
	assert.Equal(t, "5", f.balance(t, storeWallet.Hex()))
	assert.Equal(t, "0", f.balance(t, studentWallet))
}

func TestOnEnrollRewardDisabled(t *testing.T) {
	for _, amount := range []string{"", "0"} {
		f := newFixture(t, Options{RewardAmount: amount, RewardSource: storeWallet.Hex()})
		f.fundStore(t, "100")

		res, err := f.svc.OnEnroll(context.Background(), enrollment(12))
		require.NoError(t, err)
		assert.Equal(t, OutcomeMinted, res.Outcome)
		assert.Nil(t, res.Reward)
		assert.Empty(t, res.RewardError)
		assert.False(t, f.svc.RewardsEnabled())
	}
}

func TestOnEnrollValidatesBeforeGatewayCalls(t *testing.T) {
	f := newFixture(t, rewardOpts())
	ctx := context.Background()

	bad := enrollment(7)
	bad.Wallet = "0x123"
	res, err := f.svc.OnEnroll(ctx, bad)
	assert.ErrorIs(t, err, units.ErrInvalidAddress)
	assert.Equal(t, OutcomeMintFailed, res.Outcome)

	_, err = f.svc.OnEnroll(ctx, enrollment(0))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	minted, _ := f.badges.TotalMinted(ctx)
	assert.Zero(t, minted)
}

type failingBadges struct {
	*chain.MockBadgeGateway
	err error
}

func (f failingBadges) Issue(context.Context, chain.IssueBadgeRequest) (chain.IssueResult, error) {
	return chain.IssueResult{}, f.err
}

func TestOnEnrollMintFailure(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "100")
	svc := New(failingBadges{chain.NewMockBadgeGateway(), fmt.Errorf("issue badge: %w", chain.ErrChainUnavailable)},
		f.coins, f.store, Options{Decimals: 18, RewardAmount: "10", RewardSource: storeWallet.Hex(), Log: logrus.New()})

	res, err := svc.OnEnroll(context.Background(), enrollment(7))
	assert.ErrorIs(t, err, chain.ErrChainUnavailable)
	assert.Equal(t, OutcomeMintFailed, res.Outcome)
	assert.Nil(t, res.Badge)
	assert.Nil(t, res.Reward)

	stored, _ := f.store.ListBadges(context.Background(), record.BadgeFilter{})
	assert.Empty(t, stored)
	assert.Equal(t, "100", f.balance(t, storeWallet.Hex()))
}

// flakyStore wraps a MemoryStore to simulate save failures and lost races.
type flakyStore struct {
	*record.MemoryStore
	saveErr      error
	mu           sync.Mutex
	hideNextFind bool
}

func (s *flakyStore) FindBadge(ctx context.Context, wallet string, eventID int64, achievementType string) (*record.Badge, error) {
	s.mu.Lock()
	hide := s.hideNextFind
	s.hideNextFind = false
	s.mu.Unlock()
	if hide {
		return nil, nil
	}
	return s.MemoryStore.FindBadge(ctx, wallet, eventID, achievementType)
}

func (s *flakyStore) SaveBadge(ctx context.Context, b record.Badge) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveBadge(ctx, b)
}

func TestOnEnrollPersistenceFailureReturnsBadgeAndSkipsReward(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "100")
	store := &flakyStore{MemoryStore: record.NewMemoryStore(), saveErr: fmt.Errorf("%w: disk full", record.ErrPersistence)}
	svc := New(f.badges, f.coins, store, Options{Decimals: 18, RewardAmount: "10", RewardSource: storeWallet.Hex(), Log: logrus.New()})

	res, err := svc.OnEnroll(context.Background(), enrollment(7))
	assert.ErrorIs(t, err, record.ErrPersistence)
	assert.Equal(t, OutcomeMinted, res.Outcome)
	require.NotNil(t, res.Badge)
	assert.Equal(t, uint64(1), res.Badge.TokenID)
	assert.Nil(t, res.Reward)
	assert.Equal(t, "100", f.balance(t, storeWallet.Hex()))
}

func TestOnEnrollLostRaceReturnsStoredBadge(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "100")
	ctx := context.Background()

	store := &flakyStore{MemoryStore: record.NewMemoryStore(), hideNextFind: true}
	winner := record.Badge{
		TokenID:         99,
		UserID:          3,
		Wallet:          common.HexToAddress(studentWallet).Hex(),
		EventID:         7,
		AchievementType: AchievementEnrolled,
		TxHash:          "0xwinner",
		Network:         chain.MockNetwork,
	}
	require.NoError(t, store.MemoryStore.SaveBadge(ctx, winner))

	svc := New(f.badges, f.coins, store, Options{Decimals: 18, RewardAmount: "10", RewardSource: storeWallet.Hex(), Log: f.logger})
	res, err := svc.OnEnroll(ctx, enrollment(7))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyMinted, res.Outcome)
	require.NotNil(t, res.Badge)
	assert.Equal(t, uint64(99), res.Badge.TokenID)
	assert.Nil(t, res.Reward)
	assert.Equal(t, "0", f.balance(t, studentWallet))
}

func TestOnEnrollConcurrentCallsMintOnce(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "1000")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]EnrollResult, 25)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.OnEnroll(ctx, enrollment(42))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	minted, _ := f.badges.TotalMinted(ctx)
	assert.Equal(t, uint64(1), minted)
	for _, r := range results {
		require.NotNil(t, r.Badge)
		assert.Equal(t, uint64(1), r.Badge.TokenID)
	}
	assert.Equal(t, "10", f.balance(t, studentWallet))
	assert.Equal(t, "990", f.balance(t, storeWallet.Hex()))
}

func TestIssueBadgeAchievementTypes(t *testing.T) {
	f := newFixture(t, rewardOpts())
	f.fundStore(t, "100")
	ctx := context.Background()

	_, err := f.svc.OnEnroll(ctx, enrollment(5))
	require.NoError(t, err)

	res, err := f.svc.IssueBadge(ctx, BadgeRequest{Wallet: studentWallet, EventID: 5, AchievementType: "attended"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMinted, res.Outcome)
	assert.Equal(t, uint64(2), res.Badge.TokenID)
	assert.Equal(t, "ipfs://events/5/attended-"+common.HexToAddress(studentWallet).Hex()+".json", res.Badge.MetadataURI)
	assert.Nil(t, res.Reward)

	again, err := f.svc.IssueBadge(ctx, BadgeRequest{Wallet: studentWallet, EventID: 5, AchievementType: "attended"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyMinted, again.Outcome)

	_, err = f.svc.IssueBadge(ctx, BadgeRequest{Wallet: studentWallet, EventID: 5, AchievementType: "Top Scorer!"})
	assert.ErrorIs(t, err, ErrInvalidAchievement)

	badges, err := f.svc.Badges(ctx, record.BadgeFilter{Wallet: studentWallet})
	require.NoError(t, err)
	assert.Len(t, badges, 2)

	onChain, err := f.svc.Badge(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "attended", onChain.AchievementType)

	_, err = f.svc.Badge(ctx, 50)
	assert.ErrorIs(t, err, chain.ErrNotFound)
}

func TestMintAndTransferCoins(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	recipient := "0x" + strings.Repeat("b", 40)

	minted, err := f.svc.MintCoins(ctx, storeWallet.Hex(), "1000")
	require.NoError(t, err)
	assert.Equal(t, record.TxMint, minted.Transaction.Type)
	assert.Equal(t, "1000", minted.Transaction.AmountDisplay)
	assert.Equal(t, "1000000000000000000000", minted.Transaction.AmountBase)
	assert.Len(t, minted.Transaction.ID, 36)
	assert.Empty(t, minted.RecordError)

	moved, err := f.svc.TransferCoins(ctx, storeWallet.Hex(), recipient, "400")
	require.NoError(t, err)
	assert.Equal(t, record.TxTransfer, moved.Transaction.Type)

	assert.Equal(t, "600", f.balance(t, storeWallet.Hex()))
	assert.Equal(t, "400", f.balance(t, recipient))
	supply, err := f.svc.Supply(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", supply.TotalSupply)
	assert.Equal(t, "mock", supply.Mode)

	_, err = f.svc.TransferCoins(ctx, storeWallet.Hex(), recipient, "600.000000000000000001")
	assert.ErrorIs(t, err, chain.ErrInsufficientBalance)
	assert.ErrorIs(t, err, chain.ErrChainRejected)

	_, err = f.svc.TransferCoins(ctx, "", recipient, "1")
	assert.ErrorIs(t, err, chain.ErrInsufficientBalance, "mock issuer starts empty")

	_, err = f.svc.MintCoins(ctx, recipient, "-1")
	assert.ErrorIs(t, err, units.ErrInvalidAmount)
	_, err = f.svc.MintCoins(ctx, "bogus", "1")
	assert.ErrorIs(t, err, units.ErrInvalidAddress)

	txs, err := f.svc.Transactions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	total := new(big.Int)
	balances, supplyBase := f.coins.Ledger().Snapshot()
	for _, b := range balances {
		total.Add(total, b)
	}
	assert.Equal(t, 0, total.Cmp(supplyBase))
}

// gatedBadges blocks Issue until release is closed and then honours ctx.
type gatedBadges struct {
	*chain.MockBadgeGateway
	entered chan struct{}
	release chan struct{}
}

func (g gatedBadges) Issue(ctx context.Context, req chain.IssueBadgeRequest) (chain.IssueResult, error) {
	close(g.entered)
	<-g.release
	if err := ctx.Err(); err != nil {
		return chain.IssueResult{}, err
	}
	return g.MockBadgeGateway.Issue(ctx, req)
}

func TestOnEnrollSurvivesLeaderCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	gate := gatedBadges{MockBadgeGateway: f.badges, entered: make(chan struct{}), release: make(chan struct{})}
	svc := New(gate, f.coins, f.store, Options{Decimals: 18, Log: f.logger})

	leaderCtx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res EnrollResult
		err error
	}
	leader := make(chan outcome, 1)
	go func() {
		res, err := svc.OnEnroll(leaderCtx, enrollment(8))
		leader <- outcome{res, err}
	}()
	<-gate.entered

	follower := make(chan outcome, 1)
	go func() {
		res, err := svc.OnEnroll(context.Background(), enrollment(8))
		follower <- outcome{res, err}
	}()

	cancel()
	close(gate.release)

	l := <-leader
	require.NoError(t, l.err)
	assert.Equal(t, OutcomeMinted, l.res.Outcome)
	fl := <-follower
	require.NoError(t, fl.err)
	require.NotNil(t, fl.res.Badge)
	assert.Equal(t, l.res.Badge.TokenID, fl.res.Badge.TokenID)

	minted, _ := f.badges.TotalMinted(context.Background())
	assert.Equal(t, uint64(1), minted)
}

func TestGrantRewardSourceRecordsMint(t *testing.T) {
	f := newFixture(t, rewardOpts())
	ctx := context.Background()

	res, err := f.svc.GrantRewardSource(ctx, "1000")
	require.NoError(t, err)
	assert.Equal(t, record.TxMint, res.Transaction.Type)
	assert.Equal(t, storeWallet.Hex(), res.Transaction.To)
	assert.Equal(t, "1000", f.balance(t, storeWallet.Hex()))

	txs, err := f.svc.Transactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, res.Transaction.ID, txs[0].ID)

	supply, err := f.svc.Supply(ctx)
	require.NoError(t, err)
	assert.Equal(t, txs[0].AmountDisplay, supply.TotalSupply)
}

func TestGrantRewardSourceDefaultsToIssuer(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.svc.GrantRewardSource(context.Background(), "50")
	require.NoError(t, err)
	assert.Equal(t, chain.MockIssuer.Hex(), res.Transaction.To)
	assert.Equal(t, "50", f.balance(t, chain.MockIssuer.Hex()))
}
