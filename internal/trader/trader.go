// Package trader executes the per-symbol position lifecycle: signal-driven
// entries, the exit priority chain and the order fill protocol.
package trader

import (
	"context"
	"time"

	"binance-spot-bot-go/internal/errs"
	"binance-spot-bot-go/internal/exchange"
	"binance-spot-bot-go/internal/indicator"
	"binance-spot-bot-go/internal/models"
	"binance-spot-bot-go/internal/persistence"

	"go.uber.org/zap"
)

const (
	// Entry and exit limit prices carry a small margin past the touch so
	// they cross the spread and fill like marketable orders.
	buyPriceMarginFactor  = 1.0005
	sellPriceMarginFactor = 0.9995

	// The stop leg's limit price sits slightly under its trigger so the
	// stop still executes through a fast drop.
	stopLimitPriceFactor = 0.995

	fillPollInterval = time.Second
)

// Snapshot bundles the per-tick market view of one symbol.
type Snapshot struct {
	Symbol     string
	Ticker     *models.Ticker
	Indicators *models.TechnicalIndicators
}

// Trader runs entries and exits for individual symbols. It holds no
// per-symbol state itself; everything lives in the repository.
type Trader struct {
	cfg       *models.Config
	gateway   exchange.Gateway
	repo      persistence.Repository
	evaluator *indicator.Evaluator
	clock     Clock
	logger    *zap.SugaredLogger
}

// New builds a trader.
func New(cfg *models.Config, gateway exchange.Gateway, repo persistence.Repository,
	evaluator *indicator.Evaluator, clock Clock, logger *zap.SugaredLogger) *Trader {
	return &Trader{
		cfg:       cfg,
		gateway:   gateway,
		repo:      repo,
		evaluator: evaluator,
		clock:     clock,
		logger:    logger,
	}
}

// Analyze fetches candles and the ticker for symbol and computes the
// indicator snapshot.
func (t *Trader) Analyze(ctx context.Context, symbol string) (*Snapshot, error) {
	candles, err := t.gateway.FetchCandles(ctx, symbol, t.cfg.Timeframe, t.cfg.CandleLimit)
	if err != nil {
		return nil, err
	}
	indicators, err := t.evaluator.Evaluate(candles, t.clock.Now())
	if err != nil {
		return nil, err
	}
	ticker, err := t.gateway.FetchTicker(symbol)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Symbol: symbol, Ticker: ticker, Indicators: indicators}, nil
}

// ProcessEntry runs the buy sequence for a symbol whose entry signal fired:
// balance check, marketable limit buy, fill wait, atomic commit, and the
// optional bracket placement.
func (t *Trader) ProcessEntry(snapshot *Snapshot) error {
	symbol := snapshot.Symbol
	_, quote := models.SplitSymbol(symbol)

	balances, err := t.gateway.FetchBalances()
	if err != nil {
		return err
	}
	if free := balances[quote].Free; free < t.cfg.NotionalAmount {
		return errs.Wrap(errs.ErrInsufficientFunds, "%s balance %.2f below notional %.2f",
			quote, free, t.cfg.NotionalAmount)
	}

	buyPrice, err := t.gateway.RoundPrice(symbol, snapshot.Ticker.Ask*buyPriceMarginFactor)
	if err != nil {
		return err
	}
	quantity, err := t.gateway.RoundQuantity(symbol, t.cfg.NotionalAmount/buyPrice)
	if err != nil {
		return err
	}
	limits, err := t.gateway.GetSymbolLimits(symbol)
	if err != nil {
		return err
	}
	if quantity < limits.MinQuantity {
		return errs.Wrap(errs.ErrOrderRejected, "%s quantity %.8f below exchange minimum %.8f",
			symbol, quantity, limits.MinQuantity)
	}
	if notional := quantity * buyPrice; notional < limits.MinNotional {
		return errs.Wrap(errs.ErrOrderRejected, "%s notional %.2f below exchange minimum %.2f",
			symbol, notional, limits.MinNotional)
	}

	order, err := t.gateway.CreateLimitOrder(symbol, models.SideBuy, quantity, buyPrice)
	if err != nil {
		return err
	}
	t.logger.Infow("buy order placed", "symbol", symbol, "order_id", order.OrderID,
		"price", buyPrice, "quantity", quantity, "rsi", snapshot.Indicators.RSI)

	filled, err := t.waitForFill(symbol, order.OrderID)
	if err != nil {
		// A partial fill that got canceled still spent quote currency, so
		// the position opens with whatever executed.
		if filled == nil || filled.FilledQuantity <= 0 {
			return err
		}
		t.logger.Warnw("buy timed out with a partial fill, keeping it",
			"symbol", symbol, "order_id", order.OrderID, "filled", filled.FilledQuantity)
	}

	fillQty := filled.FilledQuantity
	if fillQty <= 0 {
		fillQty = filled.Quantity
	}
	now := t.clock.Now()
	position := models.NewPosition(symbol, filled.FillPrice(), fillQty, filled.OrderID, now)
	trade := models.NewBuyTrade(symbol, filled.FillPrice(), fillQty, filled.OrderID, now)
	if err := t.repo.CommitEntry(position, trade); err != nil {
		return errs.Wrap(errs.ErrPersistenceWrite, "commit entry for %s: %v", symbol, err)
	}
	t.logger.Infow("position opened", "symbol", symbol,
		"price", position.BuyPrice, "quantity", position.Quantity)

	if t.cfg.UseOCOOrders {
		if err := t.placeBracket(position); err != nil {
			// The position falls back to indicator-managed exits.
			t.logger.Warnw("bracket placement failed, managing exit client-side",
				"symbol", symbol, "error", err)
		}
	}
	return nil
}

// placeBracket attaches an exchange-managed OCO exit to a fresh position.
func (t *Trader) placeBracket(position *models.Position) error {
	symbol := position.Symbol
	takeProfit, err := t.gateway.RoundPrice(symbol, position.BuyPrice*(1+t.cfg.OCOTakeProfitPercent/100))
	if err != nil {
		return err
	}
	stopPrice, err := t.gateway.RoundPrice(symbol, position.BuyPrice*(1-t.cfg.OCOStopLossPercent/100))
	if err != nil {
		return err
	}
	stopLimitPrice, err := t.gateway.RoundPrice(symbol, stopPrice*stopLimitPriceFactor)
	if err != nil {
		return err
	}

	bracket, err := t.gateway.CreateBracketSellOrder(symbol, position.Quantity, takeProfit, stopPrice, stopLimitPrice)
	if err != nil {
		return err
	}

	position.AttachBracket(bracket.OrderListID, takeProfit, stopPrice)
	position.UpdatedAt = t.clock.Now()
	if err := t.repo.SavePosition(position); err != nil {
		return errs.Wrap(errs.ErrPersistenceWrite, "save bracket for %s: %v", symbol, err)
	}
	t.logger.Infow("bracket attached", "symbol", symbol, "order_list_id", bracket.OrderListID,
		"take_profit", takeProfit, "stop_loss", stopPrice)
	return nil
}

// Reconcile settles the exchange-owned side of a position: a pending
// emergency sell placed on an earlier tick, or a bracket the exchange may
// have resolved. It runs at tick start, before slot accounting, so a
// bracket fill frees its slot in the same tick.
func (t *Trader) Reconcile(position *models.Position) error {
	if position.ExitOrderID != 0 {
		return t.resolvePendingExit(position)
	}
	if position.IsOCO() {
		return t.monitorBracket(position)
	}
	return nil
}

// VerifyEntry cross-checks a stored client-managed position against the
// exchange order history after a restart. A position whose buy order never
// executed is a crash artifact from between placement and cancel; it is
// cleared without writing a trade.
func (t *Trader) VerifyEntry(position *models.Position) error {
	order, err := t.gateway.FetchOrder(position.Symbol, position.BuyOrderID)
	if err != nil {
		return err
	}
	if order.FilledQuantity > 0 ||
		order.Status == models.OrderStatusOpen || order.Status == models.OrderStatusClosed {
		return nil
	}

	t.logger.Warnw("stored position has no executed buy order, clearing",
		"symbol", position.Symbol, "order_id", position.BuyOrderID, "status", order.Status)
	if err := t.repo.ClearPosition(position.Symbol); err != nil {
		return errs.Wrap(errs.ErrPersistenceWrite, "clear position for %s: %v", position.Symbol, err)
	}
	return nil
}

// ProcessExit runs the client-side exit priority chain on an open position:
// the emergency stop-loss first, then the trailing stop and the indicator
// signal. Exchange-owned exits (pending emergency sells, brackets) were
// already settled by Reconcile at tick start.
func (t *Trader) ProcessExit(snapshot *Snapshot, position *models.Position) error {
	if position.ExitOrderID != 0 {
		// An emergency sell is still on the book; placing anything else
		// would double-sell the base asset.
		return nil
	}

	price := snapshot.Ticker.Last
	pnlPercent := position.UnrealizedPnLPercent(price)

	if pnlPercent <= -t.cfg.EmergencyStopLossPercent {
		t.logger.Warnw("emergency stop-loss triggered", "symbol", position.Symbol,
			"pnl_percent", pnlPercent, "price", price, "buy_price", position.BuyPrice)
		return t.emergencyExit(position, snapshot)
	}

	if position.IsOCO() {
		// The exchange owns this exit; only the emergency check above may
		// override it.
		return nil
	}

	if position.RaiseHighWaterMark(price) {
		position.UpdatedAt = t.clock.Now()
		if err := t.repo.SavePosition(position); err != nil {
			return errs.Wrap(errs.ErrPersistenceWrite, "save high-water mark for %s: %v", position.Symbol, err)
		}
	}

	if pnlPercent >= t.cfg.SecureProfitTriggerPercent &&
		position.DropFromHighPercent(price) >= t.cfg.SecureProfitDropPercent {
		t.logger.Infow("secure-profit exit triggered", "symbol", position.Symbol,
			"pnl_percent", pnlPercent, "high", position.HighestPrice, "price", price)
		return t.sell(position, snapshot)
	}

	if snapshot.Indicators.IsSellSignal(price, t.cfg.RSIOverbought) {
		t.logger.Infow("indicator exit triggered", "symbol", position.Symbol,
			"price", price, "indicators", snapshot.Indicators.LogString())
		return t.sell(position, snapshot)
	}
	return nil
}

// resolvePendingExit checks on an emergency sell placed by an earlier tick.
func (t *Trader) resolvePendingExit(position *models.Position) error {
	symbol := position.Symbol
	order, err := t.gateway.FetchOrder(symbol, position.ExitOrderID)
	if err != nil {
		return err
	}

	switch {
	case order.IsFilled():
		return t.commitExit(position, order.FillPrice(), order.FilledQuantity, order.OrderID)
	case order.Status == models.OrderStatusOpen:
		t.logger.Infow("emergency sell still working", "symbol", symbol, "order_id", order.OrderID)
		return nil
	default:
		// Canceled or rejected; clear the marker so the chain re-evaluates
		// next tick.
		t.logger.Warnw("emergency sell did not execute", "symbol", symbol,
			"order_id", order.OrderID, "status", order.Status)
		position.ExitOrderID = 0
		position.UpdatedAt = t.clock.Now()
		if err := t.repo.SavePosition(position); err != nil {
			return errs.Wrap(errs.ErrPersistenceWrite, "clear exit order for %s: %v", symbol, err)
		}
		return nil
	}
}

// emergencyExit dumps the position with an aggressively priced sell and does
// not wait for the fill; the next tick completes it.
func (t *Trader) emergencyExit(position *models.Position, snapshot *Snapshot) error {
	symbol := position.Symbol

	if position.IsOCO() {
		if err := t.gateway.CancelBracketOrder(symbol, position.OCOOrderListID); err != nil {
			// Selling while the bracket still locks the base asset would be
			// rejected anyway; retry the whole exit next tick.
			return err
		}
		position.OrderType = models.PositionLimit
		position.OCOOrderListID = 0
		position.UpdatedAt = t.clock.Now()
		if err := t.repo.SavePosition(position); err != nil {
			return errs.Wrap(errs.ErrPersistenceWrite, "detach bracket for %s: %v", symbol, err)
		}
	}

	price, err := t.gateway.RoundPrice(symbol, snapshot.Ticker.Bid*(1-t.cfg.EmergencyPriceMarginPercent/100))
	if err != nil {
		return err
	}
	quantity, err := t.gateway.RoundQuantity(symbol, position.Quantity)
	if err != nil {
		return err
	}

	order, err := t.gateway.CreateLimitOrder(symbol, models.SideSell, quantity, price)
	if err != nil {
		return err
	}

	position.ExitOrderID = order.OrderID
	position.UpdatedAt = t.clock.Now()
	if err := t.repo.SavePosition(position); err != nil {
		return errs.Wrap(errs.ErrPersistenceWrite, "save exit order for %s: %v", symbol, err)
	}
	t.logger.Warnw("emergency sell placed", "symbol", symbol,
		"order_id", order.OrderID, "price", price, "quantity", quantity)
	return nil
}

// monitorBracket reconciles an exchange-managed exit with the local state.
func (t *Trader) monitorBracket(position *models.Position) error {
	symbol := position.Symbol
	bracket, err := t.gateway.FetchBracketOrder(symbol, position.OCOOrderListID)
	if err != nil {
		return err
	}

	switch bracket.Status {
	case models.BracketExecuting:
		return nil

	case models.BracketAllDone:
		leg := bracket.FilledLeg()
		if leg == nil {
			// Both legs canceled without a fill; the base asset is still
			// held, so the exit becomes client-managed.
			t.logger.Warnw("bracket resolved without a fill, managing exit client-side",
				"symbol", symbol, "order_list_id", bracket.OrderListID)
			return t.detachBracket(position)
		}

		fillPrice := leg.AvgFillPrice
		if fillPrice <= 0 {
			fillPrice = leg.Price
		}
		if fillPrice <= 0 {
			if ticker, err := t.gateway.FetchTicker(symbol); err == nil {
				fillPrice = ticker.Last
			} else {
				fillPrice = position.BuyPrice
			}
		}
		quantity := leg.FilledQuantity
		if quantity <= 0 {
			quantity = position.Quantity
		}
		now := t.clock.Now()
		trade := models.NewBracketTrade(symbol, fillPrice, quantity, bracket.OrderListID, leg.OrderID, now)
		if err := t.repo.CommitExit(symbol, trade); err != nil {
			return errs.Wrap(errs.ErrPersistenceWrite, "commit bracket exit for %s: %v", symbol, err)
		}
		t.logger.Infow("position closed by bracket", "symbol", symbol, "leg_type", leg.Type,
			"price", fillPrice, "quantity", quantity,
			"pnl", (fillPrice-position.BuyPrice)*quantity)
		return nil

	case models.BracketRejected:
		t.logger.Warnw("bracket rejected by exchange, managing exit client-side",
			"symbol", symbol, "order_list_id", bracket.OrderListID)
		return t.detachBracket(position)

	default:
		return nil
	}
}

func (t *Trader) detachBracket(position *models.Position) error {
	position.OrderType = models.PositionLimit
	position.OCOOrderListID = 0
	position.UpdatedAt = t.clock.Now()
	if err := t.repo.SavePosition(position); err != nil {
		return errs.Wrap(errs.ErrPersistenceWrite, "detach bracket for %s: %v", position.Symbol, err)
	}
	return nil
}

// sell runs the normal exit sequence: marketable limit sell, fill wait,
// atomic commit. A timeout leaves the position intact for the next tick.
func (t *Trader) sell(position *models.Position, snapshot *Snapshot) error {
	symbol := position.Symbol
	price, err := t.gateway.RoundPrice(symbol, snapshot.Ticker.Bid*sellPriceMarginFactor)
	if err != nil {
		return err
	}
	quantity, err := t.gateway.RoundQuantity(symbol, position.Quantity)
	if err != nil {
		return err
	}

	order, err := t.gateway.CreateLimitOrder(symbol, models.SideSell, quantity, price)
	if err != nil {
		return err
	}
	t.logger.Infow("sell order placed", "symbol", symbol, "order_id", order.OrderID,
		"price", price, "quantity", quantity)

	filled, err := t.waitForFill(symbol, order.OrderID)
	if err != nil {
		return err
	}
	return t.commitExit(position, filled.FillPrice(), filled.FilledQuantity, filled.OrderID)
}

func (t *Trader) commitExit(position *models.Position, fillPrice, quantity float64, orderID int64) error {
	symbol := position.Symbol
	if quantity <= 0 {
		quantity = position.Quantity
	}
	trade := models.NewSellTrade(symbol, fillPrice, quantity, orderID, t.clock.Now())
	if err := t.repo.CommitExit(symbol, trade); err != nil {
		return errs.Wrap(errs.ErrPersistenceWrite, "commit exit for %s: %v", symbol, err)
	}
	t.logger.Infow("position closed", "symbol", symbol, "price", fillPrice,
		"quantity", quantity, "pnl", (fillPrice-position.BuyPrice)*quantity)
	return nil
}

// waitForFill polls the order once a second until it fills or the configured
// timeout passes. On timeout the order is canceled; a fill racing the cancel
// wins. The final order state is returned alongside any error so callers can
// inspect partial fills.
func (t *Trader) waitForFill(symbol string, orderID int64) (*models.Order, error) {
	timeout := time.Duration(t.cfg.OrderFillTimeoutMs) * time.Millisecond
	deadline := t.clock.Now().Add(timeout)

	for {
		order, err := t.gateway.FetchOrder(symbol, orderID)
		if err != nil {
			// Transient poll failures just burn into the timeout.
			t.logger.Warnw("fill poll failed", "symbol", symbol, "order_id", orderID, "error", err)
		} else {
			switch order.Status {
			case models.OrderStatusClosed:
				return order, nil
			case models.OrderStatusCanceled:
				return order, errs.Wrap(errs.ErrOrderRejected, "order %d canceled externally", orderID)
			case models.OrderStatusRejected:
				return order, errs.Wrap(errs.ErrOrderRejected, "order %d rejected", orderID)
			}
		}

		if !t.clock.Now().Before(deadline) {
			break
		}
		t.clock.Sleep(fillPollInterval)
	}

	if err := t.gateway.CancelOrder(symbol, orderID); err != nil {
		t.logger.Warnw("cancel after timeout failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
	final, err := t.gateway.FetchOrder(symbol, orderID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrOrderTimedOut, "order %d unfilled after %s", orderID, timeout)
	}
	if final.IsFilled() {
		t.logger.Infow("order filled during cancel", "symbol", symbol, "order_id", orderID)
		return final, nil
	}
	return final, errs.Wrap(errs.ErrOrderTimedOut, "order %d unfilled after %s", orderID, timeout)
}
