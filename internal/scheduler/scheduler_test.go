package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"binance-spot-bot-go/internal/indicator"
	"binance-spot-bot-go/internal/models"
	"binance-spot-bot-go/internal/persistence"
	"binance-spot-bot-go/internal/trader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway serves canned market data per symbol and fills every order on
// the first status poll.
type fakeGateway struct {
	tickers map[string]*models.Ticker
	candles map[string][]models.Candle

	orders map[int64]*models.Order
	nextID int64
	placed []*models.Order

	candleCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		tickers: map[string]*models.Ticker{},
		candles: map[string][]models.Candle{},
		orders:  map[int64]*models.Order{},
	}
}

func (g *fakeGateway) FetchCandles(_ context.Context, symbol, _ string, _ int) ([]models.Candle, error) {
	g.candleCalls++
	candles, ok := g.candles[symbol]
	if !ok {
		return nil, fmt.Errorf("no candles for %s", symbol)
	}
	return candles, nil
}

func (g *fakeGateway) FetchTicker(symbol string) (*models.Ticker, error) {
	ticker, ok := g.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	copied := *ticker
	return &copied, nil
}

func (g *fakeGateway) FetchBalances() (map[string]models.Balance, error) {
	return map[string]models.Balance{"USDC": {Asset: "USDC", Free: 100000}}, nil
}

func (g *fakeGateway) GetSymbolLimits(symbol string) (*models.SymbolLimits, error) {
	return &models.SymbolLimits{Symbol: symbol, MinQuantity: 0.0001, MinNotional: 1,
		TickSize: "0.01", StepSize: "0.0001"}, nil
}

func (g *fakeGateway) RoundPrice(_ string, price float64) (float64, error)       { return price, nil }
func (g *fakeGateway) RoundQuantity(_ string, quantity float64) (float64, error) { return quantity, nil }

func (g *fakeGateway) CreateLimitOrder(symbol string, side models.Side, quantity, price float64) (*models.Order, error) {
	g.nextID++
	order := &models.Order{Symbol: symbol, OrderID: g.nextID, Side: side,
		Status: models.OrderStatusOpen, Price: price, Quantity: quantity}
	g.orders[order.OrderID] = order
	g.placed = append(g.placed, order)
	copied := *order
	return &copied, nil
}

func (g *fakeGateway) FetchOrder(_ string, orderID int64) (*models.Order, error) {
	order, ok := g.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("no order %d", orderID)
	}
	if order.Status == models.OrderStatusOpen {
		order.Status = models.OrderStatusClosed
		order.FilledQuantity = order.Quantity
		order.AvgFillPrice = order.Price
	}
	copied := *order
	return &copied, nil
}

func (g *fakeGateway) CancelOrder(_ string, orderID int64) error { return nil }

func (g *fakeGateway) CreateBracketSellOrder(string, float64, float64, float64, float64) (*models.BracketOrder, error) {
	return nil, fmt.Errorf("brackets disabled in this fake")
}

func (g *fakeGateway) FetchBracketOrder(string, int64) (*models.BracketOrder, error) {
	return nil, fmt.Errorf("brackets disabled in this fake")
}

func (g *fakeGateway) CancelBracketOrder(string, int64) error { return nil }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func candlesFromCloses(closes []float64) []models.Candle {
	candles := make([]models.Candle, len(closes))
	for i, c := range closes {
		candles[i] = models.Candle{Close: c}
	}
	return candles
}

// Close series with period-5 indicators in mind: both decline, the steep one
// reads a much lower RSI.
var (
	gentleDecline = []float64{100, 99, 99.3, 98.3, 98.6, 97.6, 97.9, 96.9, 97.2, 96.2, 96.5, 95.5}
	steepDecline  = []float64{100, 98, 98.05, 96.05, 96.1, 94.1, 94.15, 92.15, 92.2, 90.2, 90.25, 88.25}
	steadyRise    = []float64{100, 101, 100.9, 101.9, 101.8, 102.8, 102.7, 103.7, 103.6, 104.6, 104.5, 105.5}
	flatSeries    = []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
)

func testConfig(symbols ...string) *models.Config {
	return &models.Config{
		Symbols:                     symbols,
		Timeframe:                   "5m",
		TickIntervalMs:              10000,
		NotionalAmount:              50,
		OrderFillTimeoutMs:          30000,
		MaxConcurrentPositions:      1,
		EmergencyStopLossPercent:    5.0,
		SecureProfitTriggerPercent:  1.5,
		SecureProfitDropPercent:     0.5,
		EmergencyPriceMarginPercent: 1.0,
		OCOTakeProfitPercent:        3.0,
		OCOStopLossPercent:          2.0,
		RSIPeriod:                   5,
		BBPeriod:                    5,
		BBStdDev:                    2.0,
		RSIOversold:                 30,
		RSIOverbought:               70,
		CandleLimit:                 12,
	}
}

func newTestScheduler(t *testing.T, cfg *models.Config) (*Scheduler, *fakeGateway, persistence.Repository) {
	t.Helper()
	repo, err := persistence.NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	gateway := newFakeGateway()
	evaluator := indicator.NewEvaluator(cfg.RSIPeriod, cfg.BBPeriod, cfg.BBStdDev)
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	tr := trader.New(cfg, gateway, repo, evaluator, clock, zap.NewNop().Sugar())
	return New(cfg, tr, repo, zap.NewNop().Sugar()), gateway, repo
}

func inPosition(t *testing.T, repo persistence.Repository, symbol string, buyPrice float64) {
	t.Helper()
	now := time.Now()
	position := models.NewPosition(symbol, buyPrice, 0.5, 1, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade(symbol, buyPrice, 0.5, 1, now)))
}

func TestTickEntersMostOversoldSymbolFirst(t *testing.T) {
	sched, gateway, repo := newTestScheduler(t, testConfig("AAA/USDC", "BBB/USDC"))

	// Both symbols signal a buy; BBB declines harder and must win the slot.
	gateway.candles["AAA/USDC"] = candlesFromCloses(gentleDecline)
	gateway.candles["BBB/USDC"] = candlesFromCloses(steepDecline)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 50, Bid: 49.9, Ask: 50.1}
	gateway.tickers["BBB/USDC"] = &models.Ticker{Symbol: "BBB/USDC", Last: 50, Bid: 49.9, Ask: 50.1}

	require.NoError(t, sched.Tick(context.Background()))

	statusB, err := repo.Status("BBB/USDC")
	require.NoError(t, err)
	assert.True(t, statusB.IsInPosition())

	statusA, err := repo.Status("AAA/USDC")
	require.NoError(t, err)
	assert.True(t, statusA.IsIdle(), "only one slot, the lower RSI took it")

	require.Len(t, gateway.placed, 1)
	assert.Equal(t, "BBB/USDC", gateway.placed[0].Symbol)
}

func TestTickSkipsWhilePreviousStillRunning(t *testing.T) {
	sched, gateway, _ := newTestScheduler(t, testConfig("AAA/USDC"))
	sched.ticking.Store(true)

	require.NoError(t, sched.Tick(context.Background()))
	assert.Zero(t, gateway.candleCalls, "overlapping tick must be a no-op")

	sched.ticking.Store(false)
}

func TestExitsAreNeverSlotLimited(t *testing.T) {
	cfg := testConfig("AAA/USDC", "BBB/USDC")
	cfg.MaxConcurrentPositions = 1
	sched, gateway, repo := newTestScheduler(t, cfg)

	// Two open positions despite the single slot, e.g. after the limit was
	// lowered across a restart. Both sell signals fire.
	inPosition(t, repo, "AAA/USDC", 100.0)
	inPosition(t, repo, "BBB/USDC", 100.0)
	gateway.candles["AAA/USDC"] = candlesFromCloses(steadyRise)
	gateway.candles["BBB/USDC"] = candlesFromCloses(steadyRise)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 200, Bid: 199.9, Ask: 200.1}
	gateway.tickers["BBB/USDC"] = &models.Ticker{Symbol: "BBB/USDC", Last: 200, Bid: 199.9, Ask: 200.1}

	require.NoError(t, sched.Tick(context.Background()))

	for _, symbol := range cfg.Symbols {
		status, err := repo.Status(symbol)
		require.NoError(t, err)
		assert.True(t, status.IsIdle(), "%s should have exited", symbol)
	}
	assert.Len(t, gateway.placed, 2)
}

func TestTickIsolatesPerSymbolFailures(t *testing.T) {
	sched, gateway, repo := newTestScheduler(t, testConfig("AAA/USDC", "BBB/USDC"))

	// AAA has no market data at all; BBB still signals and must trade.
	gateway.candles["BBB/USDC"] = candlesFromCloses(steepDecline)
	gateway.tickers["BBB/USDC"] = &models.Ticker{Symbol: "BBB/USDC", Last: 50, Bid: 49.9, Ask: 50.1}

	require.NoError(t, sched.Tick(context.Background()))

	status, err := repo.Status("BBB/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsInPosition())
}

func TestSlotsAreRecomputedFromPersistedState(t *testing.T) {
	sched, gateway, repo := newTestScheduler(t, testConfig("AAA/USDC", "BBB/USDC"))

	// AAA already holds the only slot; its flat market triggers no exit.
	inPosition(t, repo, "AAA/USDC", 100.0)
	gateway.candles["AAA/USDC"] = candlesFromCloses(flatSeries)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 100, Bid: 99.9, Ask: 100.1}
	gateway.candles["BBB/USDC"] = candlesFromCloses(steepDecline)
	gateway.tickers["BBB/USDC"] = &models.Ticker{Symbol: "BBB/USDC", Last: 50, Bid: 49.9, Ask: 50.1}

	require.NoError(t, sched.Tick(context.Background()))

	status, err := repo.Status("BBB/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsIdle(), "no free slot for the buy signal")
	assert.Empty(t, gateway.placed)
}

func TestBuySlotsSnapshotTakenBeforeExits(t *testing.T) {
	cfg := testConfig("AAA/USDC", "BBB/USDC")
	cfg.MaxConcurrentPositions = 1
	sched, gateway, repo := newTestScheduler(t, cfg)

	// AAA holds the only slot and will sell this tick; BBB signals a buy.
	inPosition(t, repo, "AAA/USDC", 100.0)
	gateway.candles["AAA/USDC"] = candlesFromCloses(steadyRise)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 200, Bid: 199.9, Ask: 200.1}
	gateway.candles["BBB/USDC"] = candlesFromCloses(steepDecline)
	gateway.tickers["BBB/USDC"] = &models.Ticker{Symbol: "BBB/USDC", Last: 50, Bid: 49.9, Ask: 50.1}

	require.NoError(t, sched.Tick(context.Background()))

	// The slot AAA freed must not be consumed in the same tick.
	statusA, err := repo.Status("AAA/USDC")
	require.NoError(t, err)
	assert.True(t, statusA.IsIdle(), "AAA should have sold")

	statusB, err := repo.Status("BBB/USDC")
	require.NoError(t, err)
	assert.True(t, statusB.IsIdle(), "BBB must wait for the next tick")

	require.Len(t, gateway.placed, 1)
	assert.Equal(t, models.SideSell, gateway.placed[0].Side)

	// Next tick the freed slot is available.
	require.NoError(t, sched.Tick(context.Background()))

	statusB, err = repo.Status("BBB/USDC")
	require.NoError(t, err)
	assert.True(t, statusB.IsInPosition())

	require.Len(t, gateway.placed, 2)
	assert.Equal(t, models.SideBuy, gateway.placed[1].Side)
	assert.Equal(t, "BBB/USDC", gateway.placed[1].Symbol)
}

func TestRunClearsPhantomPositionBeforeFirstTick(t *testing.T) {
	sched, gateway, repo := newTestScheduler(t, testConfig("AAA/USDC"))

	// A stored position whose buy order was canceled without executing.
	inPosition(t, repo, "AAA/USDC", 100.0)
	gateway.orders[1] = &models.Order{Symbol: "AAA/USDC", OrderID: 1,
		Side: models.SideBuy, Status: models.OrderStatusCanceled}
	gateway.candles["AAA/USDC"] = candlesFromCloses(flatSeries)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 100, Bid: 99.9, Ask: 100.1}

	// A pre-canceled context still runs the startup pass and one tick.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sched.Run(ctx))

	status, err := repo.Status("AAA/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsIdle())

	trades, err := repo.Trades("AAA/USDC")
	require.NoError(t, err)
	assert.Len(t, trades, 1, "no sell trade for a buy that never happened")
}

func TestTickRunsRecap(t *testing.T) {
	sched, gateway, _ := newTestScheduler(t, testConfig("AAA/USDC"))
	gateway.candles["AAA/USDC"] = candlesFromCloses(flatSeries)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 100, Bid: 99.9, Ask: 100.1}

	recaps := 0
	sched.SetRecap(func() { recaps++ })

	require.NoError(t, sched.Tick(context.Background()))
	require.NoError(t, sched.Tick(context.Background()))
	assert.Equal(t, 2, recaps)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sched, gateway, _ := newTestScheduler(t, testConfig("AAA/USDC"))
	gateway.candles["AAA/USDC"] = candlesFromCloses(flatSeries)
	gateway.tickers["AAA/USDC"] = &models.Ticker{Symbol: "AAA/USDC", Last: 100, Bid: 99.9, Ask: 100.1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
