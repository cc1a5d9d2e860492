package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"CUP_ENV"`
	HTTPAddr string `mapstructure:"CUP_HTTP_ADDR"`

	Database DBConfig       `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
	Market   MarketConfig   `mapstructure:",squash"`
	Oracle   OracleConfig   `mapstructure:",squash"`
	Prices   PriceConfig    `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type DBConfig struct {
	// PostgresDSN empty disables event persistence.
	PostgresDSN string `mapstructure:"CUP_POSTGRES_DSN"`
}

type CacheConfig struct {
	RedisAddr string `mapstructure:"CUP_REDIS_ADDR"`
	KVBackend string `mapstructure:"CUP_KV_BACKEND"` // "memory", "redis"
	RedisURL  string `mapstructure:"CUP_REDIS_URL"`
}

type MarketConfig struct {
	CustodyBackend  string `mapstructure:"CUP_CUSTODY_BACKEND"` // "memory", "kv"
	Leverage        string `mapstructure:"CUP_LEVERAGE"`
	FundingCoeff    string `mapstructure:"CUP_FUNDING_COEFF"`
	InitialLPSupply string `mapstructure:"CUP_INITIAL_LP_SUPPLY"`
	TransferPolicy  string `mapstructure:"CUP_TRANSFER_POLICY"` // "reject", "clamp"
	ClampFloor      string `mapstructure:"CUP_CLAMP_FLOOR"`
	Bootstrap       string `mapstructure:"CUP_MARKETS"` // "BTC/USD=65000:2000,ETH/USD=3000:1000"
}

type OracleConfig struct {
	Writable bool          `mapstructure:"CUP_ORACLE_WRITABLE"`
	MaxAge   time.Duration `mapstructure:"CUP_ORACLE_MAX_AGE"`
}

type PriceConfig struct {
	Provider       string        `mapstructure:"CUP_PRICE_PROVIDER"`        // "binance", "mock", "none"
	RetryInterval  time.Duration `mapstructure:"CUP_PRICE_RETRY_INTERVAL"`  // Retry failed provider
	MockVolatility float64       `mapstructure:"CUP_PRICE_MOCK_VOLATILITY"` // Mock data volatility
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"CUP_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"CUP_CORS_ALLOWED_ORIGINS"`
}

// MarketSeed is one market opened at startup.
type MarketSeed struct {
	Pair    string
	Rate    decimal.Decimal
	Deposit decimal.Decimal
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("CUP_ENV", "dev")
	v.SetDefault("CUP_HTTP_ADDR", ":8080")
	v.SetDefault("CUP_POSTGRES_DSN", "")
	v.SetDefault("CUP_REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("CUP_KV_BACKEND", "memory")
	v.SetDefault("CUP_REDIS_URL", "")
	v.SetDefault("CUP_CUSTODY_BACKEND", "memory")
	v.SetDefault("CUP_LEVERAGE", "5")
	v.SetDefault("CUP_FUNDING_COEFF", "0.75")
	v.SetDefault("CUP_INITIAL_LP_SUPPLY", "1000")
	v.SetDefault("CUP_TRANSFER_POLICY", "reject")
	v.SetDefault("CUP_CLAMP_FLOOR", "0.000001")
	v.SetDefault("CUP_MARKETS", "")
	v.SetDefault("CUP_ORACLE_WRITABLE", false)
	v.SetDefault("CUP_ORACLE_MAX_AGE", "60s")
	v.SetDefault("CUP_PRICE_PROVIDER", "mock")
	v.SetDefault("CUP_PRICE_RETRY_INTERVAL", "5s")
	v.SetDefault("CUP_PRICE_MOCK_VOLATILITY", 0.002)
	v.SetDefault("CUP_RATE_LIMIT_RPM", 120)
	v.SetDefault("CUP_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	// Handle array parsing for comma-separated values
	if origins := v.GetString("CUP_CORS_ALLOWED_ORIGINS"); origins != "" {
		v.Set("CUP_CORS_ALLOWED_ORIGINS", strings.Split(origins, ","))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Cache.KVBackend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" && c.Cache.RedisAddr == "" {
			return fmt.Errorf("CUP_REDIS_URL or CUP_REDIS_ADDR is required when CUP_KV_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid CUP_KV_BACKEND %q (must be memory or redis)", c.Cache.KVBackend)
	}

	switch c.Market.CustodyBackend {
	case "memory", "kv":
	default:
		return fmt.Errorf("invalid CUP_CUSTODY_BACKEND %q (must be memory or kv)", c.Market.CustodyBackend)
	}

	switch strings.ToLower(c.Market.TransferPolicy) {
	case "reject", "clamp":
	default:
		return fmt.Errorf("invalid CUP_TRANSFER_POLICY %q (must be reject or clamp)", c.Market.TransferPolicy)
	}

	positive := map[string]string{
		"CUP_LEVERAGE":          c.Market.Leverage,
		"CUP_FUNDING_COEFF":     c.Market.FundingCoeff,
		"CUP_INITIAL_LP_SUPPLY": c.Market.InitialLPSupply,
		"CUP_CLAMP_FLOOR":       c.Market.ClampFloor,
	}
	for key, raw := range positive {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if !d.IsPositive() {
			return fmt.Errorf("%s must be positive, got %s", key, raw)
		}
	}
	if coeff, _ := decimal.NewFromString(c.Market.FundingCoeff); coeff.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("CUP_FUNDING_COEFF must be at most 1, got %s", c.Market.FundingCoeff)
	}

	if _, err := c.Seeds(); err != nil {
		return err
	}

	switch c.Prices.Provider {
	case "binance", "mock", "none":
	default:
		return fmt.Errorf("invalid CUP_PRICE_PROVIDER %q (must be binance, mock or none)", c.Prices.Provider)
	}
	if c.Security.RateLimitRPM <= 0 {
		return fmt.Errorf("CUP_RATE_LIMIT_RPM must be positive")
	}
	return nil
}

// Seeds parses CUP_MARKETS.
func (c *Config) Seeds() ([]MarketSeed, error) {
	raw := strings.TrimSpace(c.Market.Bootstrap)
	if raw == "" {
		return nil, nil
	}

	var seeds []MarketSeed
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		pair, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("CUP_MARKETS entry %q: want PAIR=rate:deposit", entry)
		}
		rateStr, depositStr, ok := strings.Cut(value, ":")
		if !ok {
			return nil, fmt.Errorf("CUP_MARKETS entry %q: want PAIR=rate:deposit", entry)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(rateStr))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("CUP_MARKETS entry %q: invalid rate", entry)
		}
		deposit, err := decimal.NewFromString(strings.TrimSpace(depositStr))
		if err != nil || !deposit.IsPositive() {
			return nil, fmt.Errorf("CUP_MARKETS entry %q: invalid deposit", entry)
		}
		seeds = append(seeds, MarketSeed{Pair: strings.TrimSpace(pair), Rate: rate, Deposit: deposit})
	}
	return seeds, nil
}

// Decimal parses one of the already validated market decimals.
func (m MarketConfig) Decimal(raw string) decimal.Decimal {
	d, _ := decimal.NewFromString(raw)
	return d
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
