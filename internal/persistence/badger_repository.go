package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"binance-spot-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of Repository.
//
// Key layout:
//
//	status:SYMBOL        per-symbol state record
//	position:SYMBOL      open position, absent when idle
//	trade:SYMBOL:NNNN    ledger entries, zero-padded sequence number so
//	                     lexicographic iteration is chronological
type badgerRepository struct {
	db *badger.DB

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

// NewBadgerRepository opens (or creates) a BadgerDB at dbPath.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging stays off to keep the app's logs clean. Errors
	// still surface from every DB operation.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:   db,
		seqs: make(map[string]*badger.Sequence),
	}, nil
}

func statusKey(symbol string) []byte   { return []byte("status:" + symbol) }
func positionKey(symbol string) []byte { return []byte("position:" + symbol) }
func tradePrefix(symbol string) []byte { return []byte("trade:" + symbol + ":") }

func tradeKey(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("trade:%s:%020d", symbol, seq))
}

// nextTradeSeq hands out the next ledger sequence number for symbol.
func (r *badgerRepository) nextTradeSeq(symbol string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, ok := r.seqs[symbol]
	if !ok {
		var err error
		seq, err = r.db.GetSequence([]byte("seq:trade:"+symbol), 10)
		if err != nil {
			return 0, err
		}
		r.seqs[symbol] = seq
	}
	return seq.Next()
}

// Status returns the per-symbol state, defaulting to IDLE for unseen symbols.
func (r *badgerRepository) Status(symbol string) (*models.BotStatus, error) {
	var status models.BotStatus

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statusKey(symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &status)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &models.BotStatus{Symbol: symbol, Status: models.StatusIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Position returns the open position for symbol, or nil when idle.
func (r *badgerRepository) Position(symbol string) (*models.Position, error) {
	var position models.Position

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(positionKey(symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &position)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

// SavePosition overwrites the open position record only.
func (r *badgerRepository) SavePosition(position *models.Position) error {
	if !position.IsActive() {
		return fmt.Errorf("refusing to save inactive position for %q", position.Symbol)
	}
	data, err := json.Marshal(position)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(positionKey(position.Symbol), data)
	})
}

// CommitEntry records an opening fill in one transaction. Rejected when the
// symbol already holds a position, so a retried commit cannot double-open.
func (r *badgerRepository) CommitEntry(position *models.Position, trade *models.Trade) error {
	if position.Symbol != trade.Symbol {
		return fmt.Errorf("position symbol %q does not match trade symbol %q", position.Symbol, trade.Symbol)
	}

	positionData, err := json.Marshal(position)
	if err != nil {
		return err
	}
	statusData, err := json.Marshal(&models.BotStatus{
		Symbol:    position.Symbol,
		Status:    models.StatusInPosition,
		UpdatedAt: position.UpdatedAt,
	})
	if err != nil {
		return err
	}
	tradeData, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	seq, err := r.nextTradeSeq(position.Symbol)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(positionKey(position.Symbol))
		if err == nil {
			return fmt.Errorf("symbol %s already holds an open position", position.Symbol)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(statusKey(position.Symbol), statusData); err != nil {
			return err
		}
		if err := txn.Set(positionKey(position.Symbol), positionData); err != nil {
			return err
		}
		return txn.Set(tradeKey(position.Symbol, seq), tradeData)
	})
}

// CommitExit records a closing fill in one transaction.
func (r *badgerRepository) CommitExit(symbol string, trade *models.Trade) error {
	if symbol != trade.Symbol {
		return fmt.Errorf("symbol %q does not match trade symbol %q", symbol, trade.Symbol)
	}

	statusData, err := json.Marshal(&models.BotStatus{
		Symbol:    symbol,
		Status:    models.StatusIdle,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	tradeData, err := json.Marshal(trade)
	if err != nil {
		return err
	}
	seq, err := r.nextTradeSeq(symbol)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(statusKey(symbol), statusData); err != nil {
			return err
		}
		if err := txn.Delete(positionKey(symbol)); err != nil {
			return err
		}
		return txn.Set(tradeKey(symbol, seq), tradeData)
	})
}

// ClearPosition drops a position record that never corresponded to a real
// fill. No trade is written; the ledger only ever holds executed orders.
func (r *badgerRepository) ClearPosition(symbol string) error {
	statusData, err := json.Marshal(&models.BotStatus{
		Symbol:    symbol,
		Status:    models.StatusIdle,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(statusKey(symbol), statusData); err != nil {
			return err
		}
		return txn.Delete(positionKey(symbol))
	})
}

// Trades returns the symbol's ledger oldest first.
func (r *badgerRepository) Trades(symbol string) ([]models.Trade, error) {
	var trades []models.Trade

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := tradePrefix(symbol)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var trade models.Trade
				if err := json.Unmarshal(val, &trade); err != nil {
					return err
				}
				trades = append(trades, trade)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// TradeStats aggregates the symbol's ledger. PnL is sell notional minus buy
// notional, so it only reflects realized round trips.
func (r *badgerRepository) TradeStats(symbol string) (*models.TradeStats, error) {
	trades, err := r.Trades(symbol)
	if err != nil {
		return nil, err
	}

	stats := &models.TradeStats{}
	for i := range trades {
		stats.TotalTrades++
		switch trades[i].Side {
		case models.SideBuy:
			stats.BuyTrades++
			stats.TotalPnL -= trades[i].Notional()
		case models.SideSell:
			stats.SellTrades++
			stats.TotalPnL += trades[i].Notional()
		}
	}
	return stats, nil
}

// Close releases the sequences and closes the database.
func (r *badgerRepository) Close() error {
	r.mu.Lock()
	for _, seq := range r.seqs {
		_ = seq.Release()
	}
	r.seqs = make(map[string]*badger.Sequence)
	r.mu.Unlock()
	return r.db.Close()
}
