package reporter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"binance-spot-bot-go/internal/models"
	"binance-spot-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway serves tickers and balances; everything order-related is out
// of scope for a read-only reporter.
type fakeGateway struct {
	tickers     map[string]*models.Ticker
	balances    map[string]models.Balance
	tickerCalls int
}

func (g *fakeGateway) FetchCandles(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, fmt.Errorf("not used by the reporter")
}

func (g *fakeGateway) FetchTicker(symbol string) (*models.Ticker, error) {
	g.tickerCalls++
	ticker, ok := g.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("no ticker for %s", symbol)
	}
	copied := *ticker
	return &copied, nil
}

func (g *fakeGateway) FetchBalances() (map[string]models.Balance, error) {
	return g.balances, nil
}

func (g *fakeGateway) GetSymbolLimits(string) (*models.SymbolLimits, error) {
	return nil, fmt.Errorf("not used by the reporter")
}

func (g *fakeGateway) RoundPrice(_ string, price float64) (float64, error) { return price, nil }
func (g *fakeGateway) RoundQuantity(_ string, qty float64) (float64, error) {
	return qty, nil
}

func (g *fakeGateway) CreateLimitOrder(string, models.Side, float64, float64) (*models.Order, error) {
	return nil, fmt.Errorf("not used by the reporter")
}

func (g *fakeGateway) FetchOrder(string, int64) (*models.Order, error) {
	return nil, fmt.Errorf("not used by the reporter")
}

func (g *fakeGateway) CancelOrder(string, int64) error { return nil }

func (g *fakeGateway) CreateBracketSellOrder(string, float64, float64, float64, float64) (*models.BracketOrder, error) {
	return nil, fmt.Errorf("not used by the reporter")
}

func (g *fakeGateway) FetchBracketOrder(string, int64) (*models.BracketOrder, error) {
	return nil, fmt.Errorf("not used by the reporter")
}

func (g *fakeGateway) CancelBracketOrder(string, int64) error { return nil }

type fakePrices struct {
	prices map[string]float64
}

func (p *fakePrices) LastPrice(symbol string) float64 { return p.prices[symbol] }

func newTestReporter(t *testing.T) (*Reporter, *fakeGateway, persistence.Repository) {
	t.Helper()
	repo, err := persistence.NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	gateway := &fakeGateway{
		tickers:  map[string]*models.Ticker{},
		balances: map[string]models.Balance{},
	}
	cfg := &models.Config{Symbols: []string{"BTC/USDC"}}
	return New(cfg, gateway, repo, zap.NewNop().Sugar()), gateway, repo
}

func openPosition(t *testing.T, repo persistence.Repository) {
	t.Helper()
	now := time.Now()
	position := models.NewPosition("BTC/USDC", 100.0, 0.5, 1, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 1, now)))
}

func TestPrintPositionsPrefersStreamedPrice(t *testing.T) {
	rep, gateway, repo := newTestReporter(t)
	openPosition(t, repo)

	rep.UsePriceStream(&fakePrices{prices: map[string]float64{"BTC/USDC": 105.0}})

	require.NoError(t, rep.PrintPositions())
	assert.Zero(t, gateway.tickerCalls, "streamed price spares the REST round trip")
}

func TestPrintPositionsFallsBackToTicker(t *testing.T) {
	rep, gateway, repo := newTestReporter(t)
	openPosition(t, repo)

	// Nothing streamed yet for the symbol.
	rep.UsePriceStream(&fakePrices{prices: map[string]float64{}})
	gateway.tickers["BTC/USDC"] = &models.Ticker{Symbol: "BTC/USDC", Last: 101.0}

	require.NoError(t, rep.PrintPositions())
	assert.Equal(t, 1, gateway.tickerCalls)
}
