package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"gopkg.in/yaml.v3"
)

// Defaults applied for omitted yaml fields.
var (
	defaultTickInterval       = 15 * time.Second
	defaultRebuildInterval    = 5 * time.Minute
	defaultMaxHolding         = 48 * time.Hour
	defaultMinProfitability   = decimal.RequireFromString("0.0003")
	defaultSpreadFloor        = decimal.RequireFromString("0.0001")
	defaultCompressionExit    = decimal.RequireFromString("0.6")
	defaultMaxLossFraction    = decimal.RequireFromString("0.02")
	defaultMinDailyVolume     = decimal.RequireFromString("1000000")
	defaultPositionNotional   = decimal.RequireFromString("200")
	defaultBalanceBuffer      = decimal.RequireFromString("0.1")
	defaultTakerFeeRate       = decimal.RequireFromString("0.00055")
	defaultPaperBalance       = decimal.RequireFromString("10000")
	defaultLeverage           = 3
	defaultScanConcurrency    = 8
	defaultQuoteAsset         = "USDT"
	defaultWebAddr            = ":8077"
	defaultJournalDir         = "./data/journal"
	defaultFundingInterval    = 8 * time.Hour
	defaultHyperliquidFunding = time.Hour
)

// VenueConfig enables a venue and pins its funding settlement interval.
type VenueConfig struct {
	Enabled         bool
	FundingInterval time.Duration
}

// PaperSeed scripts one symbol on one paper venue for dry-run mode.
type PaperSeed struct {
	Symbol      domain.Symbol
	Venue       domain.VenueID
	FundingRate decimal.Decimal
	Price       decimal.Decimal
	Volume      decimal.Decimal
}

// PaperConfig seeds the dry-run venues.
type PaperConfig struct {
	Balance decimal.Decimal
	Seeds   []PaperSeed
}

type Config struct {
	TickInterval                time.Duration
	AvailabilityRebuildInterval time.Duration
	MaxHoldingDuration          time.Duration

	MinProfitabilityPerHour decimal.Decimal
	MinSpreadFloorPerHour   decimal.Decimal
	CompressionExitFraction decimal.Decimal
	MaxLossFraction         decimal.Decimal
	MinDailyVolume          decimal.Decimal
	PositionNotional        decimal.Decimal
	BalanceSafetyBuffer     decimal.Decimal
	TakerFeeRate            decimal.Decimal

	Leverage        int
	ScanConcurrency int
	QuoteAsset      string
	Symbols         []domain.Symbol
	DryRun          bool
	CloseOnShutdown bool
	WebAddr         string
	JournalDir      string

	Venues map[domain.VenueID]VenueConfig
	Paper  PaperConfig
}

// VenueTmp is the yaml form of a venue entry.
type VenueTmp struct {
	Enabled         bool          `yaml:"enabled"`
	FundingInterval time.Duration `yaml:"funding_interval,omitempty"`
}

// PaperSeedTmp is the yaml form of one dry-run seed.
type PaperSeedTmp struct {
	Symbol      string `yaml:"symbol"`
	Venue       string `yaml:"venue"`
	FundingRate string `yaml:"funding_rate"`
	Price       string `yaml:"price"`
	Volume      string `yaml:"volume,omitempty"`
}

// PaperTmp is the yaml form of the dry-run section.
type PaperTmp struct {
	Balance string         `yaml:"balance,omitempty"`
	Seeds   []PaperSeedTmp `yaml:"seeds,omitempty"`
}

// ConfigTmp mirrors the yaml schema. Decimals are strings so the file never
// loses precision through float parsing; Load converts and validates.
type ConfigTmp struct {
	TickInterval                time.Duration `yaml:"tick_interval,omitempty"`
	AvailabilityRebuildInterval time.Duration `yaml:"availability_rebuild_interval,omitempty"`
	MaxHoldingDuration          time.Duration `yaml:"max_holding_duration,omitempty"`

	MinProfitabilityPerHourStr string `yaml:"min_profitability_per_hour,omitempty"`
	MinSpreadFloorPerHourStr   string `yaml:"min_spread_floor_per_hour,omitempty"`
	CompressionExitFractionStr string `yaml:"compression_exit_fraction,omitempty"`
	MaxLossFractionStr         string `yaml:"max_loss_fraction,omitempty"`
	MinDailyVolumeStr          string `yaml:"min_daily_volume,omitempty"`
	PositionNotionalStr        string `yaml:"position_notional,omitempty"`
	BalanceSafetyBufferStr     string `yaml:"balance_safety_buffer,omitempty"`
	TakerFeeRateStr            string `yaml:"taker_fee_rate,omitempty"`

	Leverage        int      `yaml:"leverage,omitempty"`
	ScanConcurrency int      `yaml:"scan_concurrency,omitempty"`
	QuoteAsset      string   `yaml:"quote_asset,omitempty"`
	Symbols         []string `yaml:"symbols,omitempty"`
	DryRun          bool     `yaml:"dry_run,omitempty"`
	CloseOnShutdown bool     `yaml:"close_on_shutdown,omitempty"`
	WebAddr         string   `yaml:"web_addr,omitempty"`
	JournalDir      string   `yaml:"journal_dir,omitempty"`

	Venues map[string]VenueTmp `yaml:"venues,omitempty"`
	Paper  PaperTmp            `yaml:"paper,omitempty"`
}

// Load reads and validates the yaml config at path.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml config: %w", err)
	}

	return fromTmp(tmp)
}

func fromTmp(tmp ConfigTmp) (Config, error) {
	cfg := Config{
		TickInterval:                tmp.TickInterval,
		AvailabilityRebuildInterval: tmp.AvailabilityRebuildInterval,
		MaxHoldingDuration:          tmp.MaxHoldingDuration,
		Leverage:                    tmp.Leverage,
		ScanConcurrency:             tmp.ScanConcurrency,
		QuoteAsset:                  tmp.QuoteAsset,
		DryRun:                      tmp.DryRun,
		CloseOnShutdown:             tmp.CloseOnShutdown,
		WebAddr:                     tmp.WebAddr,
		JournalDir:                  tmp.JournalDir,
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.AvailabilityRebuildInterval <= 0 {
		cfg.AvailabilityRebuildInterval = defaultRebuildInterval
	}
	if cfg.MaxHoldingDuration <= 0 {
		cfg.MaxHoldingDuration = defaultMaxHolding
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = defaultLeverage
	}
	if cfg.Leverage < 1 {
		return Config{}, fmt.Errorf("incorrect 'leverage' param in yaml config: %d, must be at least 1", cfg.Leverage)
	}
	if cfg.ScanConcurrency <= 0 {
		cfg.ScanConcurrency = defaultScanConcurrency
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = defaultQuoteAsset
	}
	if cfg.WebAddr == "" {
		cfg.WebAddr = defaultWebAddr
	}
	if cfg.JournalDir == "" {
		cfg.JournalDir = defaultJournalDir
	}

	var err error
	if cfg.MinProfitabilityPerHour, err = parseDecimal("min_profitability_per_hour", tmp.MinProfitabilityPerHourStr, defaultMinProfitability); err != nil {
		return Config{}, err
	}
	if cfg.MinSpreadFloorPerHour, err = parseDecimal("min_spread_floor_per_hour", tmp.MinSpreadFloorPerHourStr, defaultSpreadFloor); err != nil {
		return Config{}, err
	}
	if cfg.CompressionExitFraction, err = parseDecimal("compression_exit_fraction", tmp.CompressionExitFractionStr, defaultCompressionExit); err != nil {
		return Config{}, err
	}
	if cfg.MaxLossFraction, err = parseDecimal("max_loss_fraction", tmp.MaxLossFractionStr, defaultMaxLossFraction); err != nil {
		return Config{}, err
	}
	if cfg.MinDailyVolume, err = parseDecimal("min_daily_volume", tmp.MinDailyVolumeStr, defaultMinDailyVolume); err != nil {
		return Config{}, err
	}
	if cfg.PositionNotional, err = parseDecimal("position_notional", tmp.PositionNotionalStr, defaultPositionNotional); err != nil {
		return Config{}, err
	}
	if cfg.BalanceSafetyBuffer, err = parseDecimal("balance_safety_buffer", tmp.BalanceSafetyBufferStr, defaultBalanceBuffer); err != nil {
		return Config{}, err
	}
	if cfg.TakerFeeRate, err = parseDecimal("taker_fee_rate", tmp.TakerFeeRateStr, defaultTakerFeeRate); err != nil {
		return Config{}, err
	}

	if cfg.PositionNotional.LessThanOrEqual(decimal.Zero) {
		return Config{}, fmt.Errorf("incorrect 'position_notional' param in yaml config: must be positive")
	}
	if cfg.CompressionExitFraction.LessThan(decimal.Zero) || cfg.CompressionExitFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("incorrect 'compression_exit_fraction' param in yaml config: must be in [0, 1)")
	}

	for _, s := range tmp.Symbols {
		cfg.Symbols = append(cfg.Symbols, domain.Symbol(s))
	}

	cfg.Venues = make(map[domain.VenueID]VenueConfig)
	if len(tmp.Venues) == 0 {
		cfg.Venues[domain.VenueBinance] = VenueConfig{Enabled: true, FundingInterval: defaultFundingInterval}
		cfg.Venues[domain.VenueBybit] = VenueConfig{Enabled: true, FundingInterval: defaultFundingInterval}
		cfg.Venues[domain.VenueHyperliquid] = VenueConfig{Enabled: true, FundingInterval: defaultHyperliquidFunding}
	}
	for name, v := range tmp.Venues {
		id := domain.VenueID(name)
		switch id {
		case domain.VenueBinance, domain.VenueBybit, domain.VenueHyperliquid:
		default:
			return Config{}, fmt.Errorf("unknown venue %q in yaml config", name)
		}
		interval := v.FundingInterval
		if interval <= 0 {
			interval = defaultFundingInterval
			if id == domain.VenueHyperliquid {
				interval = defaultHyperliquidFunding
			}
		}
		cfg.Venues[id] = VenueConfig{Enabled: v.Enabled, FundingInterval: interval}
	}

	enabled := 0
	for _, v := range cfg.Venues {
		if v.Enabled {
			enabled++
		}
	}
	if enabled < 2 && !cfg.DryRun {
		return Config{}, fmt.Errorf("at least two venues must be enabled, got %d", enabled)
	}

	if cfg.Paper, err = parsePaper(tmp.Paper); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parsePaper(tmp PaperTmp) (PaperConfig, error) {
	paper := PaperConfig{Balance: defaultPaperBalance}

	if tmp.Balance != "" {
		balance, err := decimal.NewFromString(tmp.Balance)
		if err != nil {
			return PaperConfig{}, fmt.Errorf("incorrect 'paper.balance' param in yaml config: %w", err)
		}
		paper.Balance = balance
	}

	for i, s := range tmp.Seeds {
		if s.Symbol == "" || s.Venue == "" {
			return PaperConfig{}, fmt.Errorf("paper seed %d needs both symbol and venue", i)
		}
		rate, err := decimal.NewFromString(s.FundingRate)
		if err != nil {
			return PaperConfig{}, fmt.Errorf("incorrect 'funding_rate' in paper seed %d: %w", i, err)
		}
		price, err := decimal.NewFromString(s.Price)
		if err != nil {
			return PaperConfig{}, fmt.Errorf("incorrect 'price' in paper seed %d: %w", i, err)
		}
		volume := decimal.Zero
		if s.Volume != "" {
			if volume, err = decimal.NewFromString(s.Volume); err != nil {
				return PaperConfig{}, fmt.Errorf("incorrect 'volume' in paper seed %d: %w", i, err)
			}
		}
		paper.Seeds = append(paper.Seeds, PaperSeed{
			Symbol:      domain.Symbol(s.Symbol),
			Venue:       domain.VenueID(s.Venue),
			FundingRate: rate,
			Price:       price,
			Volume:      volume,
		})
	}

	return paper, nil
}

func parseDecimal(name, value string, def decimal.Decimal) (decimal.Decimal, error) {
	if value == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal string), error: %w", name, err)
	}
	return d, nil
}
