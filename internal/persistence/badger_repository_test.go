package persistence

import (
	"testing"
	"time"

	"binance-spot-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) Repository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestStatusDefaultsToIdle(t *testing.T) {
	repo := newTestRepository(t)

	status, err := repo.Status("BTC/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsIdle())
	assert.Equal(t, "BTC/USDC", status.Symbol)
}

func TestPositionIsNilWhenIdle(t *testing.T) {
	repo := newTestRepository(t)

	position, err := repo.Position("BTC/USDC")
	require.NoError(t, err)
	assert.Nil(t, position)
}

func TestCommitEntryFlipsStatusAndStoresEverything(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	position := models.NewPosition("BTC/USDC", 100.0, 0.5, 42, now)
	trade := models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 42, now)

	require.NoError(t, repo.CommitEntry(position, trade))

	status, err := repo.Status("BTC/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsInPosition())

	stored, err := repo.Position("BTC/USDC")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 100.0, stored.BuyPrice)
	assert.Equal(t, 0.5, stored.Quantity)
	assert.Equal(t, 100.0, stored.HighestPrice)

	trades, err := repo.Trades("BTC/USDC")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.SideBuy, trades[0].Side)
}

func TestCommitEntryRejectsSecondPosition(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	first := models.NewPosition("BTC/USDC", 100.0, 0.5, 42, now)
	require.NoError(t, repo.CommitEntry(first, models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 42, now)))

	second := models.NewPosition("BTC/USDC", 101.0, 0.5, 43, now)
	err := repo.CommitEntry(second, models.NewBuyTrade("BTC/USDC", 101.0, 0.5, 43, now))
	assert.Error(t, err)

	// The original position is untouched and no trade leaked in.
	stored, err := repo.Position("BTC/USDC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.BuyPrice)

	trades, err := repo.Trades("BTC/USDC")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSavePositionUpdatesHighWaterMark(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	position := models.NewPosition("BTC/USDC", 100.0, 0.5, 42, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 42, now)))

	position.RaiseHighWaterMark(107.5)
	require.NoError(t, repo.SavePosition(position))

	stored, err := repo.Position("BTC/USDC")
	require.NoError(t, err)
	assert.Equal(t, 107.5, stored.HighestPrice)
}

func TestSavePositionRejectsInactive(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.SavePosition(&models.Position{Symbol: "BTC/USDC"})
	assert.Error(t, err)
}

func TestCommitExitClosesTheRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	position := models.NewPosition("BTC/USDC", 100.0, 0.5, 42, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 42, now)))

	require.NoError(t, repo.CommitExit("BTC/USDC", models.NewSellTrade("BTC/USDC", 110.0, 0.5, 43, now)))

	status, err := repo.Status("BTC/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsIdle())

	stored, err := repo.Position("BTC/USDC")
	require.NoError(t, err)
	assert.Nil(t, stored)

	trades, err := repo.Trades("BTC/USDC")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, models.SideBuy, trades[0].Side)
	assert.Equal(t, models.SideSell, trades[1].Side)
}

func TestClearPositionDropsRecordWithoutTrade(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()
	position := models.NewPosition("BTC/USDC", 100.0, 0.5, 42, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 42, now)))

	require.NoError(t, repo.ClearPosition("BTC/USDC"))

	status, err := repo.Status("BTC/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsIdle())

	stored, err := repo.Position("BTC/USDC")
	require.NoError(t, err)
	assert.Nil(t, stored)

	trades, err := repo.Trades("BTC/USDC")
	require.NoError(t, err)
	assert.Len(t, trades, 1, "the ledger keeps only executed orders")
}

func TestTradeStatsAggregatesPnL(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()

	position := models.NewPosition("BTC/USDC", 100.0, 1.0, 1, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 1.0, 1, now)))
	require.NoError(t, repo.CommitExit("BTC/USDC", models.NewSellTrade("BTC/USDC", 110.0, 1.0, 2, now)))

	position = models.NewPosition("BTC/USDC", 120.0, 1.0, 3, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 120.0, 1.0, 3, now)))
	require.NoError(t, repo.CommitExit("BTC/USDC", models.NewSellTrade("BTC/USDC", 115.0, 1.0, 4, now)))

	stats, err := repo.TradeStats("BTC/USDC")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.BuyTrades)
	assert.Equal(t, 2, stats.SellTrades)
	// (110-100) + (115-120)
	assert.InDelta(t, 5.0, stats.TotalPnL, 1e-9)
}

func TestSymbolsAreIsolated(t *testing.T) {
	repo := newTestRepository(t)
	now := time.Now()

	position := models.NewPosition("BTC/USDC", 100.0, 1.0, 1, now)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 1.0, 1, now)))

	status, err := repo.Status("ETH/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsIdle())

	trades, err := repo.Trades("ETH/USDC")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)

	now := time.Now()
	position := models.NewPosition("BTC/USDC", 100.0, 0.5, 42, now)
	position.RaiseHighWaterMark(111.0)
	require.NoError(t, repo.CommitEntry(position, models.NewBuyTrade("BTC/USDC", 100.0, 0.5, 42, now)))
	require.NoError(t, repo.SavePosition(position))
	require.NoError(t, repo.Close())

	reopened, err := NewBadgerRepository(dir)
	require.NoError(t, err)
	defer reopened.Close()

	stored, err := reopened.Position("BTC/USDC")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 111.0, stored.HighestPrice)

	status, err := reopened.Status("BTC/USDC")
	require.NoError(t, err)
	assert.True(t, status.IsInPosition())
}
