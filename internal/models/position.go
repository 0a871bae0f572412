package models

import (
	"fmt"
	"time"
)

// Status is the per-symbol bot state.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusInPosition Status = "IN_POSITION"
)

// PositionOrderType distinguishes how an open position will be exited.
type PositionOrderType string

const (
	// PositionLimit means the exit is managed client-side by indicators,
	// the trailing stop and the emergency stop-loss.
	PositionLimit PositionOrderType = "LIMIT"
	// PositionOCO means the exchange manages the exit through a bracket
	// order pair; the bot only monitors it (plus the emergency override).
	PositionOCO PositionOrderType = "OCO"
)

// BotStatus is the persisted per-symbol state record.
type BotStatus struct {
	Symbol    string    `json:"symbol"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsIdle reports whether the symbol has no open position.
func (s *BotStatus) IsIdle() bool { return s.Status == StatusIdle }

// IsInPosition reports whether the symbol holds an open position.
func (s *BotStatus) IsInPosition() bool { return s.Status == StatusInPosition }

// Position is the one open position a symbol may hold. It is persisted and
// survives restarts; HighestPrice in particular has no in-memory duplicate.
type Position struct {
	Symbol         string            `json:"symbol"`
	BuyPrice       float64           `json:"buy_price"`
	Quantity       float64           `json:"quantity"`
	BuyOrderID     int64             `json:"buy_order_id"`
	OrderType      PositionOrderType `json:"order_type"`
	OCOOrderListID int64             `json:"oco_order_list_id,omitempty"`
	TakeProfit     float64           `json:"take_profit_price,omitempty"`
	StopLoss       float64           `json:"stop_loss_price,omitempty"`

	// HighestPrice is the high-water mark observed since entry, used by the
	// manual trailing stop. Monotonically non-decreasing while the position
	// is open; initialized to BuyPrice.
	HighestPrice float64 `json:"highest_price"`

	// ExitOrderID is set while an emergency sell is working on the exchange
	// so the next tick completes it instead of placing a second one.
	ExitOrderID int64 `json:"exit_order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPosition builds an indicator-managed position from an entry fill.
func NewPosition(symbol string, buyPrice, quantity float64, buyOrderID int64, now time.Time) *Position {
	return &Position{
		Symbol:       symbol,
		BuyPrice:     buyPrice,
		Quantity:     quantity,
		BuyOrderID:   buyOrderID,
		OrderType:    PositionLimit,
		HighestPrice: buyPrice,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AttachBracket converts the position to exchange-managed exit mode.
func (p *Position) AttachBracket(orderListID int64, takeProfit, stopLoss float64) {
	p.OrderType = PositionOCO
	p.OCOOrderListID = orderListID
	p.TakeProfit = takeProfit
	p.StopLoss = stopLoss
}

// IsActive reports whether the position is open. Symbol, price and quantity
// must all be set; everything else is optional detail.
func (p *Position) IsActive() bool {
	return p != nil && p.Symbol != "" && p.BuyPrice > 0 && p.Quantity > 0
}

// IsOCO reports whether the exchange manages the exit.
func (p *Position) IsOCO() bool {
	return p.OrderType == PositionOCO && p.OCOOrderListID != 0
}

// UnrealizedPnL returns the open profit in quote currency at currentPrice.
func (p *Position) UnrealizedPnL(currentPrice float64) float64 {
	if !p.IsActive() {
		return 0
	}
	return (currentPrice - p.BuyPrice) * p.Quantity
}

// UnrealizedPnLPercent returns the open profit as a percentage of BuyPrice.
func (p *Position) UnrealizedPnLPercent(currentPrice float64) float64 {
	if !p.IsActive() {
		return 0
	}
	return (currentPrice - p.BuyPrice) / p.BuyPrice * 100
}

// RaiseHighWaterMark lifts HighestPrice to currentPrice when it exceeds the
// stored mark and reports whether anything changed. It never lowers the mark.
func (p *Position) RaiseHighWaterMark(currentPrice float64) bool {
	if currentPrice <= p.HighestPrice {
		return false
	}
	p.HighestPrice = currentPrice
	return true
}

// DropFromHighPercent returns how far currentPrice sits under the high-water
// mark, as a percentage of the mark.
func (p *Position) DropFromHighPercent(currentPrice float64) float64 {
	if p.HighestPrice <= 0 {
		return 0
	}
	return (p.HighestPrice - currentPrice) / p.HighestPrice * 100
}

// Trade is one immutable ledger entry. Trades are only ever appended.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Notional returns price times quantity.
func (t *Trade) Notional() float64 {
	return t.Price * t.Quantity
}

// NewBuyTrade records an entry fill.
func NewBuyTrade(symbol string, price, quantity float64, orderID int64, now time.Time) *Trade {
	return &Trade{Symbol: symbol, Side: SideBuy, Price: price, Quantity: quantity,
		OrderID: fmt.Sprintf("%d", orderID), Timestamp: now}
}

// NewSellTrade records an exit fill.
func NewSellTrade(symbol string, price, quantity float64, orderID int64, now time.Time) *Trade {
	return &Trade{Symbol: symbol, Side: SideSell, Price: price, Quantity: quantity,
		OrderID: fmt.Sprintf("%d", orderID), Timestamp: now}
}

// NewBracketTrade records a sell executed by the exchange-side bracket. The
// order id carries the list id and the leg that fired.
func NewBracketTrade(symbol string, price, quantity float64, orderListID, legOrderID int64, now time.Time) *Trade {
	return &Trade{Symbol: symbol, Side: SideSell, Price: price, Quantity: quantity,
		OrderID: fmt.Sprintf("%d:%d", orderListID, legOrderID), Timestamp: now}
}

// TechnicalIndicators is the per-tick indicator snapshot. Ephemeral, never
// persisted.
type TechnicalIndicators struct {
	RSI       float64   `json:"rsi"`
	BBUpper   float64   `json:"bb_upper"`
	BBMiddle  float64   `json:"bb_middle"`
	BBLower   float64   `json:"bb_lower"`
	Timestamp time.Time `json:"timestamp"`
}

// IsValid reports whether every field was computed.
func (ti *TechnicalIndicators) IsValid() bool {
	return ti != nil && ti.RSI > 0 && ti.BBUpper > 0 && ti.BBMiddle > 0 && ti.BBLower > 0
}

// IsBuySignal holds when the price broke under the lower Bollinger band while
// RSI shows oversold.
func (ti *TechnicalIndicators) IsBuySignal(currentPrice, rsiOversold float64) bool {
	return ti.IsValid() && currentPrice < ti.BBLower && ti.RSI < rsiOversold
}

// IsSellSignal holds when the price broke over the upper Bollinger band while
// RSI shows overbought.
func (ti *TechnicalIndicators) IsSellSignal(currentPrice, rsiOverbought float64) bool {
	return ti.IsValid() && currentPrice > ti.BBUpper && ti.RSI > rsiOverbought
}

// BandWidthPercent returns the Bollinger band spread relative to the middle
// band.
func (ti *TechnicalIndicators) BandWidthPercent() float64 {
	if !ti.IsValid() {
		return 0
	}
	return (ti.BBUpper - ti.BBLower) / ti.BBMiddle * 100
}

// LogString formats the snapshot for the tick log line.
func (ti *TechnicalIndicators) LogString() string {
	if !ti.IsValid() {
		return "RSI: N/A, BB: N/A"
	}
	return fmt.Sprintf("RSI: %.2f, BB Lower: %.2f, BB Upper: %.2f", ti.RSI, ti.BBLower, ti.BBUpper)
}
