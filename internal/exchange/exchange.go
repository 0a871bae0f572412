package exchange

import (
	"context"

	"binance-spot-bot-go/internal/models"
)

// Gateway abstracts the spot exchange. Symbols use the "BASE/QUOTE" form
// everywhere; implementations translate to the venue's native naming.
type Gateway interface {
	// FetchCandles returns up to limit closed OHLCV bars, oldest first.
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	// FetchTicker returns the current market snapshot for one symbol.
	FetchTicker(symbol string) (*models.Ticker, error)
	// FetchBalances returns the account balances keyed by asset.
	FetchBalances() (map[string]models.Balance, error)
	// GetSymbolLimits returns the venue's trading rules for the symbol.
	GetSymbolLimits(symbol string) (*models.SymbolLimits, error)

	// RoundPrice snaps a price down to the symbol's tick size.
	RoundPrice(symbol string, price float64) (float64, error)
	// RoundQuantity snaps a quantity down to the symbol's step size.
	RoundQuantity(symbol string, quantity float64) (float64, error)

	CreateLimitOrder(symbol string, side models.Side, quantity, price float64) (*models.Order, error)
	FetchOrder(symbol string, orderID int64) (*models.Order, error)
	CancelOrder(symbol string, orderID int64) error

	// CreateBracketSellOrder places an OCO pair: a take-profit limit leg and
	// a stop-loss leg with a stop-limit price slightly under the trigger.
	CreateBracketSellOrder(symbol string, quantity, takeProfitPrice, stopPrice, stopLimitPrice float64) (*models.BracketOrder, error)
	FetchBracketOrder(symbol string, orderListID int64) (*models.BracketOrder, error)
	CancelBracketOrder(symbol string, orderListID int64) error
}
