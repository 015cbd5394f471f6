package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"campusmint/internal/chain"
	"campusmint/internal/config"
	"campusmint/internal/issuance"
	"campusmint/internal/record"
	"campusmint/internal/server"
	"campusmint/internal/units"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	if err := config.ConfigureLogging(cfg.Log); err != nil {
		logrus.Fatalf("logging config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	badges, coins, closeGateways := openGateways(ctx, cfg)
	defer closeGateways()

	svc := issuance.New(badges, coins, store, issuance.Options{
		Symbol:       cfg.Token.Symbol,
		Decimals:     cfg.Token.Decimals,
		RewardAmount: cfg.Reward.EnrollAmount,
		RewardSource: cfg.Reward.SourceWallet,
		Log:          logrus.StandardLogger().WithField("component", "issuance"),
	})

	if coins.Mode() == chain.ModeMock {
		grantRewardSource(ctx, svc, cfg)
	}

	apiServer := server.NewServer(cfg, svc, store)

	go func() {
		if err := apiServer.Start(); err != nil {
			logrus.Infof("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.AppConfig) (record.Recorder, func()) {
	if cfg.Service.DatabaseURL != "" {
		pg, err := record.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			logrus.Fatalf("postgres store error: %v", err)
		}
		logrus.Info("recording badges in postgres")
		return pg, pg.Close
	}

	fs, err := record.NewFileStore(cfg.Service.RecordStorePath)
	if err != nil {
		logrus.Fatalf("file store error: %v", err)
	}
	logrus.WithField("path", cfg.Service.RecordStorePath).Info("recording badges in file store")
	return fs, func() {}
}

// openGateways picks mock or live per asset. A live gateway that cannot be
// built stops startup.
func openGateways(ctx context.Context, cfg *config.AppConfig) (chain.BadgeGateway, chain.CoinGateway, func()) {
	ethCfg := func(contract string) chain.EthConfig {
		return chain.EthConfig{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKeyHex:   cfg.Chain.PrivateKey,
			ContractAddress: contract,
			RPCTimeout:      cfg.Chain.RPCTimeout,
			ReceiptTimeout:  cfg.Chain.ReceiptTimeout,
			Retry: chain.RetryPolicy{
				MaxAttempts:       cfg.Retry.MaxAttempts,
				InitialBackoff:    cfg.Retry.InitialBackoff,
				MaxBackoff:        cfg.Retry.MaxBackoff,
				BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			},
		}
	}

	var closers []func()
	var badges chain.BadgeGateway = chain.NewMockBadgeGateway()
	if !cfg.Chain.BadgeMock() {
		g, err := chain.NewEthBadgeGateway(ctx, ethCfg(cfg.Chain.BadgeContract))
		if err != nil {
			logrus.Fatalf("badge gateway error: %v", err)
		}
		badges = g
		closers = append(closers, g.Close)
	}

	var coins chain.CoinGateway = chain.NewMockCoinGateway()
	if !cfg.Chain.CoinMock() {
		g, err := chain.NewEthCoinGateway(ctx, ethCfg(cfg.Chain.CoinContract), cfg.Token.Decimals)
		if err != nil {
			logrus.Fatalf("coin gateway error: %v", err)
		}
		coins = g
		closers = append(closers, g.Close)
	}

	logrus.WithFields(logrus.Fields{
		"badge_mode":    badges.Mode(),
		"badge_network": badges.Network(),
		"coin_mode":     coins.Mode(),
		"coin_network":  coins.Network(),
	}).Info("chain gateways ready")

	return badges, coins, func() {
		for _, c := range closers {
			c()
		}
	}
}

// grantRewardSource funds the reward source on a fresh mock ledger, which
// otherwise starts every address at zero.
func grantRewardSource(ctx context.Context, svc *issuance.Service, cfg *config.AppConfig) {
	amount, err := units.ToBaseUnits(cfg.Reward.MockSourceGrant, cfg.Token.Decimals)
	if err != nil || amount.Sign() == 0 {
		return
	}
	res, err := svc.GrantRewardSource(ctx, cfg.Reward.MockSourceGrant)
	if err != nil {
		logrus.WithError(err).Warn("mock reward grant failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"wallet": res.Transaction.To,
		"amount": res.Transaction.AmountDisplay,
		"tx_id":  res.Transaction.ID,
	}).Info("granted mock reward source")
}
