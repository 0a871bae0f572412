package config

import (
	"binance-spot-bot-go/internal/errs"
	"binance-spot-bot-go/internal/models"
	"encoding/json"
	"os"
	"strings"
)

// LoadConfig reads the JSON config file, applies defaults and validates it.
// The returned config is complete: every optional field carries its default
// and every range has been checked.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfigInvalid, "open %s: %v", path, err)
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, errs.Wrap(errs.ErrConfigInvalid, "decode %s: %v", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills in defaults and rejects out-of-range values. Errors wrap
// errs.ErrConfigInvalid and are fatal at startup.
func Validate(cfg *models.Config) error {
	applyDefaults(cfg)

	if len(cfg.Symbols) == 0 {
		return errs.Wrap(errs.ErrConfigInvalid, "symbols must list at least one pair")
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		base, quote := models.SplitSymbol(symbol)
		if base == "" || quote == "" || !strings.Contains(symbol, "/") {
			return errs.Wrap(errs.ErrConfigInvalid, "symbol %q must use BASE/QUOTE form", symbol)
		}
		if seen[symbol] {
			return errs.Wrap(errs.ErrConfigInvalid, "symbol %q listed twice", symbol)
		}
		seen[symbol] = true
	}

	if cfg.TickIntervalMs < 1000 {
		return errs.Wrap(errs.ErrConfigInvalid, "tick_interval_ms %d must be >= 1000", cfg.TickIntervalMs)
	}
	if cfg.NotionalAmount <= 0 {
		return errs.Wrap(errs.ErrConfigInvalid, "notional_amount %.2f must be > 0", cfg.NotionalAmount)
	}
	if cfg.OrderFillTimeoutMs < 1000 {
		return errs.Wrap(errs.ErrConfigInvalid, "order_fill_timeout_ms %d must be >= 1000", cfg.OrderFillTimeoutMs)
	}
	if cfg.MaxConcurrentPositions < 1 {
		return errs.Wrap(errs.ErrConfigInvalid, "max_concurrent_positions %d must be >= 1", cfg.MaxConcurrentPositions)
	}
	for name, v := range map[string]float64{
		"emergency_stop_loss_percent":    cfg.EmergencyStopLossPercent,
		"secure_profit_trigger_percent":  cfg.SecureProfitTriggerPercent,
		"secure_profit_drop_percent":     cfg.SecureProfitDropPercent,
		"emergency_price_margin_percent": cfg.EmergencyPriceMarginPercent,
		"bb_std_dev":                     cfg.BBStdDev,
	} {
		if v <= 0 {
			return errs.Wrap(errs.ErrConfigInvalid, "%s %.2f must be > 0", name, v)
		}
	}
	if cfg.UseOCOOrders && (cfg.OCOTakeProfitPercent <= 0 || cfg.OCOStopLossPercent <= 0) {
		return errs.Wrap(errs.ErrConfigInvalid, "use_oco_orders requires positive oco_take_profit_percent and oco_stop_loss_percent")
	}
	if cfg.RSIPeriod < 2 || cfg.BBPeriod < 2 {
		return errs.Wrap(errs.ErrConfigInvalid, "rsi_period %d and bb_period %d must be >= 2", cfg.RSIPeriod, cfg.BBPeriod)
	}
	if cfg.RSIOversold <= 0 || cfg.RSIOverbought >= 100 || cfg.RSIOversold >= cfg.RSIOverbought {
		return errs.Wrap(errs.ErrConfigInvalid, "rsi thresholds must satisfy 0 < oversold (%.1f) < overbought (%.1f) < 100",
			cfg.RSIOversold, cfg.RSIOverbought)
	}
	minCandles := cfg.BBPeriod
	if cfg.RSIPeriod+1 > minCandles {
		minCandles = cfg.RSIPeriod + 1
	}
	if cfg.CandleLimit < minCandles {
		return errs.Wrap(errs.ErrConfigInvalid, "candle_limit %d must cover the indicator periods (>= %d)", cfg.CandleLimit, minCandles)
	}
	if cfg.MinQuoteBalance < 0 {
		return errs.Wrap(errs.ErrConfigInvalid, "min_quote_balance %.2f must be >= 0", cfg.MinQuoteBalance)
	}
	return nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "5m"
	}
	if cfg.TickIntervalMs == 0 {
		cfg.TickIntervalMs = 10000
	}
	if cfg.NotionalAmount == 0 {
		cfg.NotionalAmount = 50
	}
	if cfg.OrderFillTimeoutMs == 0 {
		cfg.OrderFillTimeoutMs = 30000
	}
	if cfg.MaxConcurrentPositions == 0 {
		cfg.MaxConcurrentPositions = 1
	}
	if cfg.EmergencyStopLossPercent == 0 {
		cfg.EmergencyStopLossPercent = 5.0
	}
	if cfg.SecureProfitTriggerPercent == 0 {
		cfg.SecureProfitTriggerPercent = 1.5
	}
	if cfg.SecureProfitDropPercent == 0 {
		cfg.SecureProfitDropPercent = 0.5
	}
	if cfg.EmergencyPriceMarginPercent == 0 {
		cfg.EmergencyPriceMarginPercent = 1.0
	}
	if cfg.OCOTakeProfitPercent == 0 {
		cfg.OCOTakeProfitPercent = 3.0
	}
	if cfg.OCOStopLossPercent == 0 {
		cfg.OCOStopLossPercent = 2.0
	}
	if cfg.RSIPeriod == 0 {
		cfg.RSIPeriod = 14
	}
	if cfg.BBPeriod == 0 {
		cfg.BBPeriod = 20
	}
	if cfg.BBStdDev == 0 {
		cfg.BBStdDev = 2.0
	}
	if cfg.RSIOversold == 0 {
		cfg.RSIOversold = 30
	}
	if cfg.RSIOverbought == 0 {
		cfg.RSIOverbought = 70
	}
	if cfg.CandleLimit == 0 {
		cfg.CandleLimit = 100
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bot-db"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}
