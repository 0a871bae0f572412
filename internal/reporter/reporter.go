// Package reporter renders console reports: the startup wallet overview, the
// open position recap and the trade statistics summary.
package reporter

import (
	"fmt"
	"os"
	"sort"

	"binance-spot-bot-go/internal/exchange"
	"binance-spot-bot-go/internal/models"
	"binance-spot-bot-go/internal/persistence"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// PriceSource yields the latest streamed trade price for a symbol, zero
// when nothing has arrived yet.
type PriceSource interface {
	LastPrice(symbol string) float64
}

// Reporter prints human-readable tables to stdout. It only ever reads state.
type Reporter struct {
	cfg     *models.Config
	gateway exchange.Gateway
	repo    persistence.Repository
	prices  PriceSource
	logger  *zap.SugaredLogger
}

// New builds a reporter.
func New(cfg *models.Config, gateway exchange.Gateway, repo persistence.Repository, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{cfg: cfg, gateway: gateway, repo: repo, logger: logger}
}

// UsePriceStream wires a live price source; the position recap then prefers
// streamed prices over one REST ticker round trip per symbol.
func (r *Reporter) UsePriceStream(prices PriceSource) {
	r.prices = prices
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

// PrintWallet renders the non-zero account balances and warns when the quote
// balance of any configured symbol sits under the configured floor.
func (r *Reporter) PrintWallet() error {
	balances, err := r.gateway.FetchBalances()
	if err != nil {
		return err
	}

	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	t := newTable("Wallet")
	t.AppendHeader(table.Row{"Asset", "Free", "Locked", "Total"})
	for _, asset := range assets {
		b := balances[asset]
		t.AppendRow(table.Row{asset, fmt.Sprintf("%.8f", b.Free),
			fmt.Sprintf("%.8f", b.Locked), fmt.Sprintf("%.8f", b.Total())})
	}
	t.Render()

	if r.cfg.MinQuoteBalance > 0 {
		warned := make(map[string]bool)
		for _, symbol := range r.cfg.Symbols {
			_, quote := models.SplitSymbol(symbol)
			if warned[quote] {
				continue
			}
			if balances[quote].Free < r.cfg.MinQuoteBalance {
				r.logger.Warnw("quote balance under configured floor",
					"asset", quote, "free", balances[quote].Free, "floor", r.cfg.MinQuoteBalance)
				warned[quote] = true
			}
		}
	}
	return nil
}

// PrintPositions renders every open position with its live unrealized PnL.
func (r *Reporter) PrintPositions() error {
	t := newTable("Open Positions")
	t.AppendHeader(table.Row{"Symbol", "Mode", "Buy Price", "Quantity", "Highest", "Last", "PnL %"})

	open := 0
	for _, symbol := range r.cfg.Symbols {
		position, err := r.repo.Position(symbol)
		if err != nil {
			return err
		}
		if !position.IsActive() {
			continue
		}
		open++

		last := 0.0
		if r.prices != nil {
			last = r.prices.LastPrice(symbol)
		}
		if last <= 0 {
			if ticker, err := r.gateway.FetchTicker(symbol); err == nil {
				last = ticker.Last
			}
		}
		t.AppendRow(table.Row{
			symbol,
			string(position.OrderType),
			fmt.Sprintf("%.8f", position.BuyPrice),
			fmt.Sprintf("%.8f", position.Quantity),
			fmt.Sprintf("%.8f", position.HighestPrice),
			fmt.Sprintf("%.8f", last),
			fmt.Sprintf("%+.2f", position.UnrealizedPnLPercent(last)),
		})
	}

	if open == 0 {
		r.logger.Info("no open positions")
		return nil
	}
	t.Render()
	return nil
}

// PrintStats renders the per-symbol trade statistics and a total row.
func (r *Reporter) PrintStats() error {
	t := newTable("Trade Statistics")
	t.AppendHeader(table.Row{"Symbol", "Trades", "Buys", "Sells", "Realized PnL"})

	var total models.TradeStats
	for _, symbol := range r.cfg.Symbols {
		stats, err := r.repo.TradeStats(symbol)
		if err != nil {
			return err
		}
		total.TotalTrades += stats.TotalTrades
		total.BuyTrades += stats.BuyTrades
		total.SellTrades += stats.SellTrades
		total.TotalPnL += stats.TotalPnL

		t.AppendRow(table.Row{symbol, stats.TotalTrades, stats.BuyTrades,
			stats.SellTrades, fmt.Sprintf("%+.2f", stats.TotalPnL)})
	}
	t.AppendFooter(table.Row{"TOTAL", total.TotalTrades, total.BuyTrades,
		total.SellTrades, fmt.Sprintf("%+.2f", total.TotalPnL)})
	t.Render()
	return nil
}
