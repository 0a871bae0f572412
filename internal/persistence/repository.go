package persistence

import "binance-spot-bot-go/internal/models"

// Repository defines the interface for trading state persistence. It
// abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
//
// Status, Position and the trade ledger are kept consistent: entry and exit
// commits apply all of their writes in one transaction.
type Repository interface {
	// Status returns the per-symbol state, defaulting to IDLE when the
	// symbol was never seen.
	Status(symbol string) (*models.BotStatus, error)

	// Position returns the open position for symbol, or nil when idle.
	Position(symbol string) (*models.Position, error)

	// SavePosition overwrites the open position, e.g. after the trailing
	// high-water mark moved or a bracket was attached.
	SavePosition(position *models.Position) error

	// CommitEntry atomically records a fill that opens a position: status
	// flips to IN_POSITION, the position is stored and the buy trade is
	// appended. Rejected when the symbol already holds a position.
	CommitEntry(position *models.Position, trade *models.Trade) error

	// CommitExit atomically records a fill that closes the position: status
	// flips to IDLE, the position is removed and the sell trade appended.
	CommitExit(symbol string, trade *models.Trade) error

	// ClearPosition removes the position and flips status to IDLE without
	// writing a trade. Used by startup reconciliation when the stored
	// position's buy order turns out to have never executed.
	ClearPosition(symbol string) error

	// Trades returns the full ledger for symbol, oldest first.
	Trades(symbol string) ([]models.Trade, error)

	// TradeStats aggregates the ledger for symbol.
	TradeStats(symbol string) (*models.TradeStats, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
