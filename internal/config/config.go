// Package config handles configuration loading and validation for kaspool.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kaspool/kaspool/internal/util"
)

// Config holds all configuration for the pool
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Store      StoreConfig      `mapstructure:"store"`
	Treasury   TreasuryConfig   `mapstructure:"treasury"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Stratum    StratumConfig    `mapstructure:"stratum"`
	API        APIConfig        `mapstructure:"api"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	Log        LogConfig        `mapstructure:"log"`
}

// NodeConfig defines the upstream kaspad connection
type NodeConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig defines the embedded database location
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// TreasuryConfig defines the funding wallet and payout policy
type TreasuryConfig struct {
	PrivateKey       string          `mapstructure:"privateKey"`
	Address          string          `mapstructure:"address"`
	Fee              float64         `mapstructure:"fee"` // percent, converted to bps internally
	CoinbaseMaturity uint64          `mapstructure:"coinbaseMaturity"`
	WalletURL        string          `mapstructure:"walletUrl"`
	Rewarding        RewardingConfig `mapstructure:"rewarding"`
}

// RewardingConfig defines reward distribution settings
type RewardingConfig struct {
	PaymentThreshold uint64 `mapstructure:"paymentThreshold"` // sompi
}

// TemplatesConfig defines block template management settings
type TemplatesConfig struct {
	Identity  string `mapstructure:"identity"`
	DAAWindow int    `mapstructure:"daaWindow"`
}

// StratumConfig defines the miner-facing server settings
type StratumConfig struct {
	HostName   string        `mapstructure:"hostName"`
	Port       int           `mapstructure:"port"`
	Difficulty string        `mapstructure:"difficulty"`
	Network    string        `mapstructure:"network"` // mainnet or testnet
	Vardiff    VardiffConfig `mapstructure:"vardiff"`
}

// VardiffConfig defines the per-session difficulty controller
type VardiffConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MinDifficulty   float64 `mapstructure:"minDifficulty"`
	MaxDifficulty   float64 `mapstructure:"maxDifficulty"`
	TargetTime      float64 `mapstructure:"targetTime"`      // seconds between shares
	VariancePercent float64 `mapstructure:"variancePercent"` // tolerated deviation
	MaxChange       float64 `mapstructure:"maxChange"`       // multiplicative bound per step
	ChangeInterval  float64 `mapstructure:"changeInterval"`  // seconds between adjustments
}

// APIConfig defines the read-only HTTP API
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"adminToken"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discordUrl"`
	TelegramBot  string `mapstructure:"telegramBot"`
	TelegramChat string `mapstructure:"telegramChat"`
	PoolName     string `mapstructure:"poolName"`
}

// MonitoringConfig defines APM settings
type MonitoringConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	LicenseKey string `mapstructure:"licenseKey"`
	AppName    string `mapstructure:"appName"`
}

// ProfilingConfig defines the pprof listener
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/kaspool")
	}

	v.SetEnvPrefix("KASPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("node.url", "ws://127.0.0.1:17110")
	v.SetDefault("node.timeout", "10s")

	v.SetDefault("store.path", "kaspool.db")

	v.SetDefault("treasury.fee", 1.0)
	v.SetDefault("treasury.coinbaseMaturity", 100)
	v.SetDefault("treasury.rewarding.paymentThreshold", 500000000) // 5 KAS

	v.SetDefault("templates.identity", "kaspool")
	v.SetDefault("templates.daaWindow", 40)

	v.SetDefault("stratum.hostName", "0.0.0.0")
	v.SetDefault("stratum.port", 5555)
	v.SetDefault("stratum.difficulty", "4096")
	v.SetDefault("stratum.network", "mainnet")
	v.SetDefault("stratum.vardiff.enabled", false)
	v.SetDefault("stratum.vardiff.minDifficulty", 64)
	v.SetDefault("stratum.vardiff.maxDifficulty", 4194304)
	v.SetDefault("stratum.vardiff.targetTime", 15)
	v.SetDefault("stratum.vardiff.variancePercent", 30)
	v.SetDefault("stratum.vardiff.maxChange", 4)
	v.SetDefault("stratum.vardiff.changeInterval", 60)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.poolName", "kaspool")

	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.appName", "kaspool")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.port", 6060)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}

	if c.Treasury.PrivateKey == "" {
		return fmt.Errorf("treasury.privateKey is required")
	}

	if c.Treasury.Address == "" {
		return fmt.Errorf("treasury.address is required")
	}

	if c.Treasury.Fee < 0 || c.Treasury.Fee > 100 {
		return fmt.Errorf("treasury.fee must be between 0 and 100")
	}

	if c.Treasury.Rewarding.PaymentThreshold == 0 {
		return fmt.Errorf("treasury.rewarding.paymentThreshold must be > 0")
	}

	if c.Templates.DAAWindow <= 0 {
		return fmt.Errorf("templates.daaWindow must be > 0")
	}

	if _, err := util.ParseDifficulty(c.Stratum.Difficulty); err != nil {
		return fmt.Errorf("stratum.difficulty: %w", err)
	}

	if c.Stratum.Network != "mainnet" && c.Stratum.Network != "testnet" {
		return fmt.Errorf("stratum.network must be mainnet or testnet")
	}

	if c.Stratum.Vardiff.Enabled {
		vd := c.Stratum.Vardiff
		if vd.MinDifficulty <= 0 || vd.MinDifficulty > vd.MaxDifficulty {
			return fmt.Errorf("stratum.vardiff: minDifficulty must be positive and <= maxDifficulty")
		}
		if vd.TargetTime <= 0 {
			return fmt.Errorf("stratum.vardiff.targetTime must be positive")
		}
		if vd.MaxChange <= 1 {
			return fmt.Errorf("stratum.vardiff.maxChange must be > 1")
		}
	}

	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api.port is required when api is enabled")
	}

	return nil
}

// FeeBps returns the pool fee in basis points.
func (c *TreasuryConfig) FeeBps() uint64 {
	return uint64(c.Fee * 100)
}

// AddressPrefix returns the network address prefix for external forms.
func (c *StratumConfig) AddressPrefix() string {
	if c.Network == "testnet" {
		return util.TestnetPrefix
	}
	return util.MainnetPrefix
}
