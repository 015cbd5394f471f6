package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// AppConfig ties together every setting the service reads at startup.
type AppConfig struct {
	Service ServiceConfig
	Chain   ChainConfig
	Token   TokenConfig
	Reward  RewardConfig
	Retry   RetryConfig
	Log     LogConfig
}

type ServiceConfig struct {
	HTTPPort        int
	AdminSecret     string
	HMACClockSkew   time.Duration
	DatabaseURL     string
	RecordStorePath string
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	BadgeContract  string
	CoinContract   string
	ForceMock      bool
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
}

type TokenConfig struct {
	Symbol   string
	Decimals uint8
}

type RewardConfig struct {
	// EnrollAmount is a decimal token amount; empty or zero disables rewards.
	EnrollAmount string
	SourceWallet string
	// MockSourceGrant is minted to SourceWallet at startup when the coin gateway is mocked.
	MockSourceGrant string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type LogConfig struct {
	Level  string
	Format string
}

// BadgeMock reports whether the badge gateway must run against the mock ledger.
func (c ChainConfig) BadgeMock() bool {
	return c.ForceMock || c.RPCURL == "" || c.PrivateKey == "" || c.BadgeContract == ""
}

// CoinMock reports whether the coin gateway must run against the mock ledger.
func (c ChainConfig) CoinMock() bool {
	return c.ForceMock || c.RPCURL == "" || c.PrivateKey == "" || c.CoinContract == ""
}

// envKeys lists the environment variables bound to each key, first match wins.
var envKeys = map[string][]string{
	"service.http_port":         {"API_HTTP_PORT", "PORT"},
	"service.admin_secret":      {"ADMIN_HMAC_SECRET"},
	"service.hmac_clock_skew":   {"HMAC_CLOCK_SKEW_SECONDS"},
	"service.database_url":      {"DATABASE_URL"},
	"service.record_store_path": {"RECORD_STORE_PATH"},
	"chain.rpc_url":             {"CHAIN_RPC_URL", "AMOY_RPC_URL", "POLYGON_RPC_URL"},
	"chain.private_key":         {"PRIVATE_KEY", "ISSUER_PRIVATE_KEY"},
	"chain.badge_contract":      {"BADGE_CONTRACT_ADDRESS"},
	"chain.coin_contract":       {"COIN_CONTRACT_ADDRESS", "SDC_TOKEN_ADDRESS"},
	"chain.mock":                {"MOCK_CHAIN"},
	"chain.rpc_timeout_ms":      {"RPC_TIMEOUT_MS"},
	"chain.receipt_timeout_ms":  {"RECEIPT_TIMEOUT_MS"},
	"token.symbol":              {"SDC_SYMBOL"},
	"token.decimals":            {"SDC_DECIMALS"},
	"reward.enroll_amount":      {"SDC_REWARD_ENROLL"},
	"reward.source_wallet":      {"STORE_WALLET_ADDRESS"},
	"reward.mock_source_grant":  {"MOCK_REWARD_SOURCE_GRANT"},
	"retry.max_attempts":        {"RETRY_MAX_ATTEMPTS"},
	"retry.initial_backoff_ms":  {"RETRY_INITIAL_BACKOFF_MS"},
	"retry.max_backoff_ms":      {"RETRY_MAX_BACKOFF_MS"},
	"retry.backoff_multiplier":  {"RETRY_BACKOFF_MULTIPLIER"},
	"log.level":                 {"LOG_LEVEL"},
	"log.format":                {"LOG_FORMAT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.hmac_clock_skew", 60)
	v.SetDefault("service.record_store_path", "campusmint-records.json")
	v.SetDefault("chain.mock", false)
	v.SetDefault("chain.rpc_timeout_ms", 15000)
	v.SetDefault("chain.receipt_timeout_ms", 120000)
	v.SetDefault("token.symbol", "SDC")
	v.SetDefault("token.decimals", 18)
	v.SetDefault("reward.enroll_amount", "10")
	v.SetDefault("reward.mock_source_grant", "100000")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 250)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("retry.backoff_multiplier", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads defaults, then the optional file named by CONFIG_FILE, then the
// environment.
func Load() (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envKeys {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, err
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		logrus.WithField("path", path).Info("loaded config file")
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*AppConfig, error) {
	decimals := v.GetInt("token.decimals")
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("token decimals %d out of range", decimals)
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:        v.GetInt("service.http_port"),
			AdminSecret:     v.GetString("service.admin_secret"),
			HMACClockSkew:   time.Duration(v.GetInt("service.hmac_clock_skew")) * time.Second,
			DatabaseURL:     v.GetString("service.database_url"),
			RecordStorePath: v.GetString("service.record_store_path"),
		},
		Chain: ChainConfig{
			RPCURL:         strings.TrimSpace(v.GetString("chain.rpc_url")),
			PrivateKey:     strings.TrimSpace(v.GetString("chain.private_key")),
			BadgeContract:  strings.TrimSpace(v.GetString("chain.badge_contract")),
			CoinContract:   strings.TrimSpace(v.GetString("chain.coin_contract")),
			ForceMock:      v.GetBool("chain.mock"),
			RPCTimeout:     time.Duration(v.GetInt("chain.rpc_timeout_ms")) * time.Millisecond,
			ReceiptTimeout: time.Duration(v.GetInt("chain.receipt_timeout_ms")) * time.Millisecond,
		},
		Token: TokenConfig{
			Symbol:   v.GetString("token.symbol"),
			Decimals: uint8(decimals),
		},
		Reward: RewardConfig{
			EnrollAmount:    strings.TrimSpace(v.GetString("reward.enroll_amount")),
			SourceWallet:    strings.TrimSpace(v.GetString("reward.source_wallet")),
			MockSourceGrant: strings.TrimSpace(v.GetString("reward.mock_source_grant")),
		},
		Retry: RetryConfig{
			MaxAttempts:       v.GetInt("retry.max_attempts"),
			InitialBackoff:    time.Duration(v.GetInt("retry.initial_backoff_ms")) * time.Millisecond,
			MaxBackoff:        time.Duration(v.GetInt("retry.max_backoff_ms")) * time.Millisecond,
			BackoffMultiplier: v.GetInt("retry.backoff_multiplier"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if cfg.Service.HTTPPort <= 0 || cfg.Service.HTTPPort > 65535 {
		return nil, fmt.Errorf("http port %d out of range", cfg.Service.HTTPPort)
	}
	if cfg.Service.DatabaseURL == "" && cfg.Service.RecordStorePath == "" {
		return nil, errors.New("either DATABASE_URL or RECORD_STORE_PATH is required")
	}
	if cfg.Service.AdminSecret == "" && (!cfg.Chain.BadgeMock() || !cfg.Chain.CoinMock()) {
		return nil, errors.New("ADMIN_HMAC_SECRET is required when a gateway runs live")
	}
	return cfg, nil
}

// ConfigureLogging applies the level and format to the standard logrus logger.
func ConfigureLogging(c LogConfig) error {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	if strings.EqualFold(c.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
