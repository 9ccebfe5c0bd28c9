package setup

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/config"
	"gopkg.in/yaml.v3"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// GeneratedConfigPath is where the wizard writes its result.
const GeneratedConfigPath = "config.gen.yaml"

// RunTUI launches the terminal configuration wizard and writes
// config.gen.yaml on confirmation.
func RunTUI() error {
	var (
		venues          []string
		tickIntervalStr string
		notionalStr     string
		leverageStr     string
		minProfitStr    string
		floorStr        string
		compressionStr  string
		maxHoldingStr   string
		maxLossStr      string
		minVolumeStr    string
		webAddr         string
		journalDir      string
		dryRun          bool
		confirm         bool
	)

	// defaults
	venues = []string{"binance", "bybit", "hyperliquid"}
	tickIntervalStr = "15s"
	notionalStr = "200"
	leverageStr = "3"
	minProfitStr = "0.0003"
	floorStr = "0.0001"
	compressionStr = "0.6"
	maxHoldingStr = "48h"
	maxLossStr = "0.02"
	minVolumeStr = "1000000"
	webAddr = ":8077"
	journalDir = "./data/journal"

	// step 1: venues
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(headerStyle.Render("FUNDARB CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Funding-rate arbitrage across perp venues.\n"))

	fmt.Println(stepStyle.Render("STEP 1: VENUES"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title("Select venues to arbitrage between (at least two)").
				Options(
					huh.NewOption("Binance USD-M", "binance").Selected(true),
					huh.NewOption("Bybit linear", "bybit").Selected(true),
					huh.NewOption("Hyperliquid", "hyperliquid").Selected(true),
				).
				Value(&venues).
				Validate(func(selected []string) error {
					if len(selected) < 2 {
						return fmt.Errorf("need at least two venues to trade a spread")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 2: sizing
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FUNDARB CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: POSITION SIZING"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Notional per position (USDT)").
				Description("Each leg carries this notional").
				Value(&notionalStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Leverage").
				Description("Applied on both legs (e.g. 3)").
				Value(&leverageStr),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 3: entry and exit thresholds
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FUNDARB CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 3: THRESHOLDS"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Min profitability per hour").
				Description("Spread required to enter, e.g. 0.0003 = 0.03%/h").
				Value(&minProfitStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Spread floor per hour").
				Description("Close positions whose spread falls below this").
				Value(&floorStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Compression exit fraction").
				Description("Close when spread shrank by this share of entry (0-1)").
				Value(&compressionStr),
			huh.NewInput().
				Title("Max holding duration").
				Description("Duration string (e.g. 48h)").
				Value(&maxHoldingStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Max loss fraction").
				Description("Stop loss as a fraction of notional (e.g. 0.02)").
				Value(&maxLossStr).
				Validate(validatePositiveDecimal),
			huh.NewInput().
				Title("Min 24h volume (USDT)").
				Description("Symbols below this are skipped").
				Value(&minVolumeStr).
				Validate(validatePositiveDecimal),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 4: runtime
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FUNDARB CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 4: RUNTIME"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tick interval").
				Description("Duration string (e.g. 15s, 1m)").
				Value(&tickIntervalStr).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Web dashboard address").
				Value(&webAddr),
			huh.NewInput().
				Title("Journal directory").
				Value(&journalDir),
			huh.NewConfirm().
				Title("Dry run?").
				Description("Paper venues, no real orders").
				Value(&dryRun),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("FUNDARB CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))

	summary := fmt.Sprintf(
		"Venues: %v\nNotional: %s x%s\nEntry: %s/h\nExit floor: %s/h\nMax holding: %s\nTick: %s\nDry run: %t\n",
		venues, notionalStr, leverageStr, minProfitStr, floorStr, maxHoldingStr, tickIntervalStr, dryRun,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}

	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	tickInterval, _ := time.ParseDuration(tickIntervalStr)
	maxHolding, _ := time.ParseDuration(maxHoldingStr)

	leverage := 3
	if _, err := fmt.Sscanf(leverageStr, "%d", &leverage); err != nil {
		return fmt.Errorf("invalid leverage: %w", err)
	}

	cfgTmp := config.ConfigTmp{
		TickInterval:               tickInterval,
		MaxHoldingDuration:         maxHolding,
		MinProfitabilityPerHourStr: minProfitStr,
		MinSpreadFloorPerHourStr:   floorStr,
		CompressionExitFractionStr: compressionStr,
		MaxLossFractionStr:         maxLossStr,
		MinDailyVolumeStr:          minVolumeStr,
		PositionNotionalStr:        notionalStr,
		Leverage:                   leverage,
		DryRun:                     dryRun,
		WebAddr:                    webAddr,
		JournalDir:                 journalDir,
		Venues:                     make(map[string]config.VenueTmp),
	}

	for _, v := range venues {
		interval := 8 * time.Hour
		if v == "hyperliquid" {
			interval = time.Hour
		}
		cfgTmp.Venues[v] = config.VenueTmp{Enabled: true, FundingInterval: interval}
	}

	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}

	if err := os.WriteFile(GeneratedConfigPath, data, 0644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting engine...", GeneratedConfigPath)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func validatePositiveDecimal(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("must be positive")
	}
	return nil
}
