package issuance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"campusmint/internal/chain"
	"campusmint/internal/record"
	"campusmint/internal/units"
)

// AchievementEnrolled is the achievement type minted for an enrollment.
const AchievementEnrolled = "enrolled"

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrInvalidAchievement = errors.New("invalid achievement type")
)

type Outcome string

const (
	OutcomeMinted        Outcome = "minted"
	OutcomeAlreadyMinted Outcome = "already_minted"
	OutcomeMintFailed    Outcome = "mint_failed"
)

type Event struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Date string `json:"date"`
}

type Enrollment struct {
	UserID int64  `json:"userId"`
	Wallet string `json:"walletAddress"`
	Event  Event  `json:"event"`
}

// BadgeRequest is an admin issuance of any achievement type.
type BadgeRequest struct {
	UserID          int64  `json:"userId"`
	Wallet          string `json:"walletAddress"`
	EventID         int64  `json:"eventId"`
	EventName       string `json:"eventName"`
	EventDate       string `json:"eventDate"`
	AchievementType string `json:"achievementType"`
	MetadataURI     string `json:"metadataURI"`
}

// Reward describes a coin payout that reached the chain.
type Reward struct {
	TransactionID string `json:"transactionId"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	AmountBase    string `json:"amountWei"`
	TxHash        string `json:"transactionHash"`
	Network       string `json:"network"`
}

// EnrollResult carries the badge outcome and, independently, the reward outcome.
type EnrollResult struct {
	Outcome     Outcome       `json:"outcome"`
	Badge       *record.Badge `json:"badge,omitempty"`
	Reward      *Reward       `json:"reward"`
	RewardError string        `json:"rewardError,omitempty"`
}

// CoinResult is returned by MintCoins and TransferCoins.
type CoinResult struct {
	Transaction record.CoinTransaction `json:"transaction"`
	// RecordError is set when the chain call succeeded but the audit row was not written.
	RecordError string `json:"recordError,omitempty"`
}

type Balance struct {
	Address    string `json:"address"`
	Balance    string `json:"balance"`
	BalanceWei string `json:"balanceWei"`
	Symbol     string `json:"symbol"`
	Decimals   uint8  `json:"decimals"`
	Mode       string `json:"mode"`
	Network    string `json:"network"`
}

type Supply struct {
	TotalSupply    string `json:"totalSupply"`
	TotalSupplyWei string `json:"totalSupplyWei"`
	Symbol         string `json:"symbol"`
	Decimals       uint8  `json:"decimals"`
	Mode           string `json:"mode"`
	Network        string `json:"network"`
}

type Options struct {
	Symbol   string
	Decimals uint8
	// RewardAmount is a decimal token amount; empty or zero disables rewards.
	RewardAmount string
	// RewardSource pays rewards. Empty means the coin gateway's issuer account.
	RewardSource string
	Log          logrus.FieldLogger
}

type Service struct {
	badges chain.BadgeGateway
	coins  chain.CoinGateway
	store  record.Recorder
	opts   Options
	log    logrus.FieldLogger
	group  singleflight.Group
	now    func() time.Time
	newID  func() string
}

func New(badges chain.BadgeGateway, coins chain.CoinGateway, store record.Recorder, opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Symbol == "" {
		opts.Symbol = "SDC"
	}
	return &Service{
		badges: badges,
		coins:  coins,
		store:  store,
		opts:   opts,
		log:    log,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *Service) BadgeGateway() chain.BadgeGateway { return s.badges }

func (s *Service) CoinGateway() chain.CoinGateway { return s.coins }

func (s *Service) Symbol() string { return s.opts.Symbol }

func (s *Service) Decimals() uint8 { return s.opts.Decimals }

// RewardsEnabled reports whether a positive reward amount is configured.
func (s *Service) RewardsEnabled() bool {
	amt, err := units.ToBaseUnits(s.opts.RewardAmount, s.opts.Decimals)
	return err == nil && amt.Sign() > 0
}

// OnEnroll mints the enrollment badge for (wallet, event) at most once and,
// when a new badge was minted and recorded, pays the enrollment reward.
func (s *Service) OnEnroll(ctx context.Context, e Enrollment) (EnrollResult, error) {
	student, err := units.ValidateAddress(e.Wallet)
	if err != nil {
		return EnrollResult{Outcome: OutcomeMintFailed}, err
	}
	if e.Event.ID <= 0 {
		return EnrollResult{Outcome: OutcomeMintFailed}, fmt.Errorf("%w: event id %d", ErrInvalidEvent, e.Event.ID)
	}

	req := BadgeRequest{
		UserID:          e.UserID,
		Wallet:          student.Hex(),
		EventID:         e.Event.ID,
		EventName:       e.Event.Name,
		EventDate:       e.Event.Date,
		AchievementType: AchievementEnrolled,
		MetadataURI:     enrollmentMetadataURI(e.Event.ID, e.UserID, student),
	}

	return s.collapse(ctx, flightKey(student, e.Event.ID, AchievementEnrolled), func(ctx context.Context) (EnrollResult, error) {
		res, err := s.issue(ctx, student, req)
		if err == nil && res.Outcome == OutcomeMinted {
			res.Reward, res.RewardError = s.reward(ctx, student, e.Event.ID)
		}
		return res, err
	})
}

// IssueBadge mints a badge of any achievement type without a reward.
func (s *Service) IssueBadge(ctx context.Context, req BadgeRequest) (EnrollResult, error) {
	student, err := units.ValidateAddress(req.Wallet)
	if err != nil {
		return EnrollResult{Outcome: OutcomeMintFailed}, err
	}
	if req.EventID <= 0 {
		return EnrollResult{Outcome: OutcomeMintFailed}, fmt.Errorf("%w: event id %d", ErrInvalidEvent, req.EventID)
	}
	req.AchievementType = strings.TrimSpace(req.AchievementType)
	if req.AchievementType == "" {
		req.AchievementType = AchievementEnrolled
	}
	if !validAchievement(req.AchievementType) {
		return EnrollResult{Outcome: OutcomeMintFailed}, fmt.Errorf("%w: %q", ErrInvalidAchievement, req.AchievementType)
	}
	if req.MetadataURI == "" {
		req.MetadataURI = fmt.Sprintf("ipfs://events/%d/%s-%s.json", req.EventID, req.AchievementType, ownerFragment(req.UserID, student))
	}
	req.Wallet = student.Hex()

	return s.collapse(ctx, flightKey(student, req.EventID, req.AchievementType), func(ctx context.Context) (EnrollResult, error) {
		return s.issue(ctx, student, req)
	})
}

type flight struct {
	res EnrollResult
	err error
}

// collapse runs fn once for concurrent callers sharing key; all of them get
// the same result. fn runs detached from the leader's cancellation so one
// caller hanging up does not fail the others.
func (s *Service) collapse(ctx context.Context, key string, fn func(context.Context) (EnrollResult, error)) (EnrollResult, error) {
	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		res, err := fn(context.WithoutCancel(ctx))
		return flight{res: res, err: err}, nil
	})
	f := v.(flight)
	return f.res, f.err
}

// issue runs lookup, mint and persist for one badge key.
func (s *Service) issue(ctx context.Context, student common.Address, req BadgeRequest) (EnrollResult, error) {
	log := s.log.WithFields(logrus.Fields{
		"wallet":      student.Hex(),
		"event_id":    req.EventID,
		"achievement": req.AchievementType,
		"mode":        s.badges.Mode(),
	})

	existing, err := s.store.FindBadge(ctx, student.Hex(), req.EventID, req.AchievementType)
	if err != nil {
		return EnrollResult{Outcome: OutcomeMintFailed}, err
	}
	if existing != nil {
		log.WithField("token_id", existing.TokenID).Debug("badge already minted")
		return EnrollResult{Outcome: OutcomeAlreadyMinted, Badge: existing}, nil
	}

	issued, err := s.badges.Issue(ctx, chain.IssueBadgeRequest{
		Student:         student,
		EventID:         req.EventID,
		EventName:       req.EventName,
		EventDate:       req.EventDate,
		AchievementType: req.AchievementType,
		MetadataURI:     req.MetadataURI,
	})
	if err != nil {
		log.WithError(err).Error("badge mint failed")
		return EnrollResult{Outcome: OutcomeMintFailed}, err
	}

	badge := record.Badge{
		TokenID:         issued.TokenID,
		UserID:          req.UserID,
		Wallet:          student.Hex(),
		EventID:         req.EventID,
		EventName:       req.EventName,
		EventDate:       req.EventDate,
		AchievementType: req.AchievementType,
		MetadataURI:     req.MetadataURI,
		Issuer:          issued.Issuer,
		TxHash:          issued.TxHash,
		Network:         issued.Network,
		IssuedAt:        issued.IssuedAt.UTC(),
	}
	log = log.WithFields(logrus.Fields{"token_id": badge.TokenID, "tx_hash": badge.TxHash, "network": badge.Network})

	if err := s.store.SaveBadge(ctx, badge); err != nil {
		if errors.Is(err, record.ErrDuplicateBadge) {
			stored, findErr := s.store.FindBadge(ctx, student.Hex(), req.EventID, req.AchievementType)
			if findErr == nil && stored != nil {
				log.WithField("kept_token_id", stored.TokenID).Warn("orphaned badge mint, another enrollment recorded first")
				return EnrollResult{Outcome: OutcomeAlreadyMinted, Badge: stored}, nil
			}
		}
		log.WithError(err).Error("badge minted but not recorded")
		if !errors.Is(err, record.ErrPersistence) {
			err = fmt.Errorf("%w: %v", record.ErrPersistence, err)
		}
		return EnrollResult{Outcome: OutcomeMinted, Badge: &badge}, err
	}

	log.Info("badge minted")
	return EnrollResult{Outcome: OutcomeMinted, Badge: &badge}, nil
}

// reward never fails the caller; a failure is logged and returned as text.
func (s *Service) reward(ctx context.Context, student common.Address, eventID int64) (*Reward, string) {
	if strings.TrimSpace(s.opts.RewardAmount) == "" {
		return nil, ""
	}
	log := s.log.WithFields(logrus.Fields{"wallet": student.Hex(), "event_id": eventID, "mode": s.coins.Mode()})

	fail := func(err error) (*Reward, string) {
		log.WithError(err).Error("enrollment reward failed")
		return nil, err.Error()
	}

	amount, err := units.ToBaseUnits(s.opts.RewardAmount, s.opts.Decimals)
	if err != nil {
		return fail(fmt.Errorf("reward amount: %w", err))
	}
	if amount.Sign() == 0 {
		return nil, ""
	}

	source := s.coins.Issuer()
	if s.opts.RewardSource != "" {
		source, err = units.ValidateAddress(s.opts.RewardSource)
		if err != nil {
			return fail(fmt.Errorf("reward source wallet: %w", err))
		}
	}

	res, err := s.coins.Transfer(ctx, source, student, amount)
	if err != nil {
		return fail(err)
	}

	tx := s.transaction(record.TxTransfer, res)
	if err := s.store.RecordTransaction(ctx, tx); err != nil {
		log.WithError(err).WithField("tx_hash", res.TxHash).Error("reward paid but not recorded")
	}
	log.WithFields(logrus.Fields{"amount": tx.AmountDisplay, "tx_hash": res.TxHash}).Info("enrollment reward paid")

	return &Reward{
		TransactionID: tx.ID,
		From:          tx.From,
		To:            tx.To,
		Amount:        tx.AmountDisplay,
		AmountBase:    tx.AmountBase,
		TxHash:        tx.TxHash,
		Network:       tx.Network,
	}, ""
}

// MintCoins creates amount tokens for to and records the transaction.
func (s *Service) MintCoins(ctx context.Context, to, amount string) (CoinResult, error) {
	recipient, err := units.ValidateAddress(to)
	if err != nil {
		return CoinResult{}, err
	}
	base, err := units.ToPositiveBaseUnits(amount, s.opts.Decimals)
	if err != nil {
		return CoinResult{}, err
	}
	res, err := s.coins.Mint(ctx, recipient, base)
	if err != nil {
		s.log.WithError(err).WithField("to", recipient.Hex()).Error("coin mint failed")
		return CoinResult{}, err
	}
	return s.recordCoin(ctx, record.TxMint, res), nil
}

// GrantRewardSource mints amount to the reward source wallet, or to the issuer
// when none is configured. The mint is recorded like any other.
func (s *Service) GrantRewardSource(ctx context.Context, amount string) (CoinResult, error) {
	to := s.coins.Issuer().Hex()
	if src := strings.TrimSpace(s.opts.RewardSource); src != "" {
		to = src
	}
	return s.MintCoins(ctx, to, amount)
}

// TransferCoins moves amount tokens. An empty from means the issuer account.
func (s *Service) TransferCoins(ctx context.Context, from, to, amount string) (CoinResult, error) {
	source := s.coins.Issuer()
	if strings.TrimSpace(from) != "" {
		var err error
		if source, err = units.ValidateAddress(from); err != nil {
			return CoinResult{}, fmt.Errorf("from: %w", err)
		}
	}
	recipient, err := units.ValidateAddress(to)
	if err != nil {
		return CoinResult{}, fmt.Errorf("to: %w", err)
	}
	base, err := units.ToPositiveBaseUnits(amount, s.opts.Decimals)
	if err != nil {
		return CoinResult{}, err
	}
	res, err := s.coins.Transfer(ctx, source, recipient, base)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"from": source.Hex(), "to": recipient.Hex()}).Error("coin transfer failed")
		return CoinResult{}, err
	}
	return s.recordCoin(ctx, record.TxTransfer, res), nil
}

func (s *Service) recordCoin(ctx context.Context, typ record.TxType, res chain.TransferResult) CoinResult {
	tx := s.transaction(typ, res)
	out := CoinResult{Transaction: tx}
	if err := s.store.RecordTransaction(ctx, tx); err != nil {
		s.log.WithError(err).WithField("tx_hash", tx.TxHash).Error("coin transaction not recorded")
		out.RecordError = err.Error()
	}
	return out
}

func (s *Service) transaction(typ record.TxType, res chain.TransferResult) record.CoinTransaction {
	return record.CoinTransaction{
		ID:            s.newID(),
		Type:          typ,
		From:          res.From,
		To:            res.To,
		AmountBase:    res.Amount.String(),
		AmountDisplay: units.ToDisplayUnits(res.Amount, s.opts.Decimals),
		TxHash:        res.TxHash,
		Network:       res.Network,
		CreatedAt:     s.now().UTC(),
	}
}

// Badge reads a badge straight from the gateway.
func (s *Service) Badge(ctx context.Context, tokenID uint64) (chain.BadgeRecord, error) {
	return s.badges.Badge(ctx, tokenID)
}

func (s *Service) Badges(ctx context.Context, filter record.BadgeFilter) ([]record.Badge, error) {
	if filter.Wallet != "" {
		addr, err := units.ValidateAddress(filter.Wallet)
		if err != nil {
			return nil, err
		}
		filter.Wallet = addr.Hex()
	}
	return s.store.ListBadges(ctx, filter)
}

func (s *Service) Balance(ctx context.Context, address string) (Balance, error) {
	addr, err := units.ValidateAddress(address)
	if err != nil {
		return Balance{}, err
	}
	bal, err := s.coins.BalanceOf(ctx, addr)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Address:    addr.Hex(),
		Balance:    units.ToDisplayUnits(bal, s.opts.Decimals),
		BalanceWei: bal.String(),
		Symbol:     s.opts.Symbol,
		Decimals:   s.opts.Decimals,
		Mode:       string(s.coins.Mode()),
		Network:    s.coins.Network(),
	}, nil
}

func (s *Service) Supply(ctx context.Context) (Supply, error) {
	total, err := s.coins.TotalSupply(ctx)
	if err != nil {
		return Supply{}, err
	}
	if total == nil {
		total = new(big.Int)
	}
	return Supply{
		TotalSupply:    units.ToDisplayUnits(total, s.opts.Decimals),
		TotalSupplyWei: total.String(),
		Symbol:         s.opts.Symbol,
		Decimals:       s.opts.Decimals,
		Mode:           string(s.coins.Mode()),
		Network:        s.coins.Network(),
	}, nil
}

func (s *Service) Transactions(ctx context.Context, limit int) ([]record.CoinTransaction, error) {
	return s.store.ListTransactions(ctx, limit)
}

func enrollmentMetadataURI(eventID, userID int64, wallet common.Address) string {
	return fmt.Sprintf("ipfs://events/%d/%s-%s.json", eventID, AchievementEnrolled, ownerFragment(userID, wallet))
}

func ownerFragment(userID int64, wallet common.Address) string {
	if userID > 0 {
		return strconv.FormatInt(userID, 10)
	}
	return wallet.Hex()
}

func flightKey(wallet common.Address, eventID int64, achievementType string) string {
	return strings.ToLower(wallet.Hex()) + "|" + strconv.FormatInt(eventID, 10) + "|" + achievementType
}

// validAchievement accepts lowercase identifiers such as "enrolled" or "attended".
func validAchievement(s string) bool {
	if len(s) > 64 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
