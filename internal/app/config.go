package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/gadget-pos/internal/domain/receipt"
	"github.com/xenking/gadget-pos/internal/domain/sale"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete server configuration, loadable from environment
// variables (POS_ prefix), flags, or YAML config files.
type Config struct {
	Addr          string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL   string `usage:"PostgreSQL connection URL (POS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper  string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	Redis         RedisConfig
	Sale          SaleConfig
	StockSync     StockSyncConfig
	Shop          ShopConfig
	Notifications NotificationsConfig
	RateLimit     RateLimitConfig
	Graceful      GracefulConfig
}

// RedisConfig selects the session store. An empty Addr keeps sessions in
// process memory.
type RedisConfig struct {
	Addr       string        `default:"" usage:"Redis address for till sessions (empty: in-memory)"`
	Password   string        `default:"" usage:"Redis password"`
	DB         int           `default:"0" usage:"Redis database"`
	SessionTTL time.Duration `default:"12h" usage:"How long an idle till session is kept" flag:"session-ttl"`
	LockWait   time.Duration `default:"5s" usage:"How long a command waits for a busy till session" flag:"session-lock-wait"`
}

// SaleConfig configures the sale engine and completion.
type SaleConfig struct {
	TaxRate           string        `default:"0.18" usage:"Tax rate applied to the subtotal" flag:"tax-rate"`
	StockCheck        string        `default:"per_call" usage:"Stock check mode: per_call or cumulative" flag:"stock-check"`
	CompletionTimeout time.Duration `default:"10s" usage:"Timeout for writing a completed sale" flag:"completion-timeout"`
}

// EngineConfig parses the configured values into an engine configuration.
func (c SaleConfig) EngineConfig() (sale.EngineConfig, error) {
	rate, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return sale.EngineConfig{}, errors.Wrapf(err, "parse tax rate %q", c.TaxRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return sale.EngineConfig{}, errors.Errorf("tax rate %s out of range [0, 1)", rate)
	}
	check, err := sale.ParseStockCheck(c.StockCheck)
	if err != nil {
		return sale.EngineConfig{}, err
	}
	return sale.EngineConfig{TaxRate: rate, StockCheck: check}, nil
}

// StockSyncConfig controls the stock outbox worker.
type StockSyncConfig struct {
	Interval    time.Duration `default:"30s" usage:"Stock outbox poll interval" flag:"stock-sync-interval"`
	BatchSize   int           `default:"50" usage:"Outbox entries processed per poll" flag:"stock-sync-batch"`
	MaxAttempts int           `default:"10" usage:"Attempts before an outbox entry is marked failed" flag:"stock-sync-attempts"`
	MaxBacklog  int           `default:"100" usage:"Pending outbox entries tolerated by the readiness check" flag:"stock-sync-backlog"`
}

// ShopConfig is printed on receipts. TimeZone decides where the dashboard's
// business day starts.
type ShopConfig struct {
	Name          string `default:"Gadget Store" usage:"Shop name on receipts"`
	Address       string `default:"" usage:"Shop address on receipts"`
	Phone         string `default:"" usage:"Shop phone on receipts"`
	Email         string `default:"" usage:"Shop email on receipts"`
	GSTIN         string `default:"" usage:"Shop tax registration number on receipts"`
	ReceiptFooter string `default:"" usage:"Closing line on receipts" flag:"receipt-footer"`
	TimeZone      string `default:"UTC" usage:"IANA time zone of the shop, e.g. Asia/Kolkata" flag:"shop-time-zone"`
}

// Location loads the configured time zone.
func (c ShopConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, errors.Wrapf(err, "load time zone %q", c.TimeZone)
	}
	return loc, nil
}

// Receipt converts the config into the receipt header.
func (c ShopConfig) Receipt() receipt.Shop {
	return receipt.Shop{
		Name:    c.Name,
		Address: c.Address,
		Phone:   c.Phone,
		Email:   c.Email,
		GSTIN:   c.GSTIN,
		Footer:  c.ReceiptFooter,
	}
}

// NotificationsConfig sizes the in-memory notification feed.
type NotificationsConfig struct {
	FeedSize int `default:"256" usage:"Notifications kept for polling" flag:"notification-feed-size"`
}

// RateLimitConfig controls the per-key fixed window rate limiter. The
// window is shared through Redis when it is configured.
type RateLimitConfig struct {
	Max    int           `default:"300" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files and flags.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "POS",
		Files:     []string{"config.yaml", "/etc/gadget-pos/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(acfg aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, acfg).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set POS_DATABASE_URL or DATABASE_URL")
	}
	if _, err := c.Sale.EngineConfig(); err != nil {
		return errors.Wrap(err, "sale")
	}
	if c.StockSync.Interval <= 0 || c.StockSync.BatchSize <= 0 || c.StockSync.MaxAttempts <= 0 {
		return errors.New("stock sync interval, batch size and max attempts must be positive")
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	if _, err := c.Shop.Location(); err != nil {
		return errors.Wrap(err, "shop")
	}
	return nil
}

// applyPlatformDefaults maps the conventional DATABASE_URL and PORT
// variables onto the POS_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}
