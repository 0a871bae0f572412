package models

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every knob the bot recognizes. It is loaded once at startup,
// validated, and treated as immutable afterwards.
type Config struct {
	IsTestnet bool   `json:"is_testnet"`
	DBPath    string `json:"db_path"`

	Symbols   []string `json:"symbols"`   // trading pairs, "BTC/USDC" form
	Timeframe string   `json:"timeframe"` // candle interval, e.g. "5m"

	TickIntervalMs         int     `json:"tick_interval_ms"`
	NotionalAmount         float64 `json:"notional_amount"` // quote currency spent per entry
	OrderFillTimeoutMs     int     `json:"order_fill_timeout_ms"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`

	EmergencyStopLossPercent    float64 `json:"emergency_stop_loss_percent"`
	SecureProfitTriggerPercent  float64 `json:"secure_profit_trigger_percent"`
	SecureProfitDropPercent     float64 `json:"secure_profit_drop_percent"`
	EmergencyPriceMarginPercent float64 `json:"emergency_price_margin_percent"`

	UseOCOOrders         bool    `json:"use_oco_orders"`
	OCOTakeProfitPercent float64 `json:"oco_take_profit_percent"`
	OCOStopLossPercent   float64 `json:"oco_stop_loss_percent"`

	RSIPeriod     int     `json:"rsi_period"`
	BBPeriod      int     `json:"bb_period"`
	BBStdDev      float64 `json:"bb_std_dev"`
	RSIOversold   float64 `json:"rsi_oversold"`
	RSIOverbought float64 `json:"rsi_overbought"`
	CandleLimit   int     `json:"candle_limit"`

	MinQuoteBalance float64 `json:"min_quote_balance"` // startup warning threshold

	LogConfig LogConfig `json:"log"`
}

// LogConfig mirrors the logger package knobs.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days rotated files kept
	Compress   bool   `json:"compress"`
}

// SplitSymbol breaks a "BASE/QUOTE" pair into its two assets.
func SplitSymbol(symbol string) (base, quote string) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return symbol, ""
	}
	return parts[0], parts[1]
}

// Ticker is a point-in-time market snapshot for one symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the normalized lifecycle state of an exchange order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is the gateway's normalized view of an exchange order.
type Order struct {
	Symbol         string      `json:"symbol"`
	OrderID        int64       `json:"order_id"`
	ClientOrderID  string      `json:"client_order_id"`
	Side           Side        `json:"side"`
	Status         OrderStatus `json:"status"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Time           time.Time   `json:"time"`
}

// IsFilled reports whether the order fully executed.
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusClosed
}

// FillPrice returns the average execution price, falling back to the limit
// price when the exchange did not report one.
func (o *Order) FillPrice() float64 {
	if o.AvgFillPrice > 0 {
		return o.AvgFillPrice
	}
	return o.Price
}

// BracketStatus is the exchange-reported state of an OCO order list.
type BracketStatus string

const (
	BracketExecuting BracketStatus = "EXECUTING"
	BracketAllDone   BracketStatus = "ALL_DONE"
	BracketRejected  BracketStatus = "REJECT"
)

// BracketLeg is one side of an OCO pair.
type BracketLeg struct {
	OrderID        int64   `json:"order_id"`
	Side           Side    `json:"side"`
	Type           string  `json:"type"`
	Status         string  `json:"status"`
	Price          float64 `json:"price"`
	StopPrice      float64 `json:"stop_price"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
}

// BracketOrder is the gateway's normalized view of an OCO order list.
type BracketOrder struct {
	OrderListID int64         `json:"order_list_id"`
	Symbol      string        `json:"symbol"`
	Status      BracketStatus `json:"status"`
	Legs        []BracketLeg  `json:"legs"`
}

// Resolved reports whether the bracket finished (one leg filled, the other
// canceled by the exchange).
func (b *BracketOrder) Resolved() bool {
	return b.Status == BracketAllDone
}

// FilledLeg returns the leg that executed, or nil when none did.
func (b *BracketOrder) FilledLeg() *BracketLeg {
	for i := range b.Legs {
		if b.Legs[i].Status == "FILLED" {
			return &b.Legs[i]
		}
	}
	return nil
}

// Balance is the account balance of a single asset.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() float64 {
	return b.Free + b.Locked
}

// SymbolLimits holds the exchange trading rules the order protocol needs.
// TickSize and StepSize are kept as strings so rounding can derive the exact
// number of decimal places without floating point drift.
type SymbolLimits struct {
	Symbol      string  `json:"symbol"`
	MinQuantity float64 `json:"min_quantity"`
	MinNotional float64 `json:"min_notional"`
	TickSize    string  `json:"tick_size"`
	StepSize    string  `json:"step_size"`
}

// TradeStats aggregates the ledger for one symbol.
type TradeStats struct {
	TotalTrades int     `json:"total_trades"`
	BuyTrades   int     `json:"buy_trades"`
	SellTrades  int     `json:"sell_trades"`
	TotalPnL    float64 `json:"total_pnl"` // summed sell notional minus buy notional
}

// Error is the error payload returned by the Binance API.
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
