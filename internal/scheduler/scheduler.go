// Package scheduler drives the multi-symbol trading loop: one reentrancy
// guarded tick that reconciles open positions before it considers entries.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"binance-spot-bot-go/internal/errs"
	"binance-spot-bot-go/internal/models"
	"binance-spot-bot-go/internal/persistence"
	"binance-spot-bot-go/internal/trader"

	"go.uber.org/zap"
)

// Scheduler owns the tick loop. Symbols are always visited in config order
// so runs are reproducible; entry candidates are additionally ranked by RSI.
type Scheduler struct {
	cfg    *models.Config
	trader *trader.Trader
	repo   persistence.Repository
	logger *zap.SugaredLogger

	ticking atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	recap   func()
}

// New builds a scheduler.
func New(cfg *models.Config, tr *trader.Trader, repo persistence.Repository, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		trader: tr,
		repo:   repo,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetRecap registers a callback that runs at the end of every tick, after
// exits and entries have settled.
func (s *Scheduler) SetRecap(fn func()) {
	s.recap = fn
}

// Run reconciles persisted positions against the exchange, ticks
// immediately and then on every interval until the context is canceled or
// Stop is called. It returns the first persistence failure, which is fatal:
// exchange and store may disagree from that point on.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.doneCh)

	interval := time.Duration(s.cfg.TickIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infow("scheduler started", "symbols", s.cfg.Symbols, "interval", interval)

	if err := s.reconcileStartup(); err != nil {
		return err
	}
	if err := s.Tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped by context")
			return nil
		case <-s.stopCh:
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Stop signals the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tick runs one full cycle: settle exchange-owned exits, snapshot the slot
// budget, run the client-side exit chain, then dispatch entries against the
// budget taken before any exit freed a slot. A position closed this tick
// frees its slot for the next tick, never for this one. A tick that
// overlaps a still-running one is skipped outright rather than queued.
// Per-symbol failures are logged and isolated; only persistence write
// failures propagate.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, skipping")
		return nil
	}
	defer s.ticking.Store(false)
	if s.recap != nil {
		defer s.recap()
	}

	if err := s.reconcilePositions(); err != nil {
		return err
	}

	free, slotErr := s.freeSlots()
	if slotErr != nil {
		s.logger.Errorw("slot accounting failed", "error", slotErr)
	}

	if err := s.manageOpenPositions(ctx); err != nil {
		return err
	}

	if slotErr != nil || free <= 0 {
		return nil
	}
	return s.openNewPositions(ctx, free)
}

// reconcileStartup cross-checks every persisted position against the
// exchange before the first tick: pending exits and brackets are settled,
// client-managed positions are verified against the buy order history.
func (s *Scheduler) reconcileStartup() error {
	return s.eachPosition("startup reconciliation", func(position *models.Position) error {
		if position.ExitOrderID != 0 || position.IsOCO() {
			return s.trader.Reconcile(position)
		}
		return s.trader.VerifyEntry(position)
	})
}

// reconcilePositions settles exchange-owned exits so the slot count taken
// right after reflects every bracket fill up to this tick.
func (s *Scheduler) reconcilePositions() error {
	return s.eachPosition("position reconciliation", s.trader.Reconcile)
}

// eachPosition runs fn over every symbol holding a position, in config
// order, isolating per-symbol failures.
func (s *Scheduler) eachPosition(stage string, fn func(*models.Position) error) error {
	for _, symbol := range s.cfg.Symbols {
		status, err := s.repo.Status(symbol)
		if err != nil {
			s.logger.Errorw("status read failed", "symbol", symbol, "error", err)
			continue
		}
		if !status.IsInPosition() {
			continue
		}

		position, err := s.repo.Position(symbol)
		if err != nil {
			s.logger.Errorw("position read failed", "symbol", symbol, "error", err)
			continue
		}
		if !position.IsActive() {
			s.logger.Errorw("status says IN_POSITION but no position stored, skipping",
				"symbol", symbol)
			continue
		}

		if err := fn(position); err != nil {
			if errors.Is(err, errs.ErrPersistenceWrite) {
				return err
			}
			s.logger.Warnw(stage+" failed", "symbol", symbol, "error", err)
		}
	}
	return nil
}

// manageOpenPositions runs the client-side exit chain for every symbol
// still holding a position. Exits are never slot-limited.
func (s *Scheduler) manageOpenPositions(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		status, err := s.repo.Status(symbol)
		if err != nil {
			s.logger.Errorw("status read failed", "symbol", symbol, "error", err)
			continue
		}
		if !status.IsInPosition() {
			continue
		}

		position, err := s.repo.Position(symbol)
		if err != nil {
			s.logger.Errorw("position read failed", "symbol", symbol, "error", err)
			continue
		}
		if !position.IsActive() {
			s.logger.Errorw("status says IN_POSITION but no position stored, skipping",
				"symbol", symbol)
			continue
		}

		snapshot, err := s.trader.Analyze(ctx, symbol)
		if err != nil {
			s.logger.Warnw("symbol analysis failed", "symbol", symbol, "error", err)
			continue
		}
		if err := s.trader.ProcessExit(snapshot, position); err != nil {
			if errors.Is(err, errs.ErrPersistenceWrite) {
				return err
			}
			s.logger.Warnw("exit processing failed", "symbol", symbol, "error", err)
		}
	}
	return nil
}

// freeSlots recomputes the slot budget from persisted state, never from
// in-memory counters.
func (s *Scheduler) freeSlots() (int, error) {
	used := 0
	for _, symbol := range s.cfg.Symbols {
		status, err := s.repo.Status(symbol)
		if err != nil {
			return 0, err
		}
		if status.IsInPosition() {
			used++
		}
	}
	return s.cfg.MaxConcurrentPositions - used, nil
}

// openNewPositions scans idle symbols for entry signals and fills the free
// slots, most oversold (lowest RSI) first.
func (s *Scheduler) openNewPositions(ctx context.Context, free int) error {
	var candidates []*trader.Snapshot
	for _, symbol := range s.cfg.Symbols {
		status, err := s.repo.Status(symbol)
		if err != nil {
			s.logger.Errorw("status read failed", "symbol", symbol, "error", err)
			continue
		}
		if !status.IsIdle() {
			continue
		}

		snapshot, err := s.trader.Analyze(ctx, symbol)
		if err != nil {
			s.logger.Warnw("symbol analysis failed", "symbol", symbol, "error", err)
			continue
		}
		s.logger.Debugw("tick analysis", "symbol", symbol,
			"price", snapshot.Ticker.Last, "indicators", snapshot.Indicators.LogString())

		if snapshot.Indicators.IsBuySignal(snapshot.Ticker.Last, s.cfg.RSIOversold) {
			candidates = append(candidates, snapshot)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Indicators.RSI < candidates[j].Indicators.RSI
	})

	for _, candidate := range candidates {
		if free <= 0 {
			break
		}
		err := s.trader.ProcessEntry(candidate)
		switch {
		case err == nil:
			free--
		case errors.Is(err, errs.ErrPersistenceWrite):
			return err
		case errors.Is(err, errs.ErrInsufficientFunds):
			// The balance is shared across symbols, so further candidates
			// cannot do better this tick.
			s.logger.Warnw("entry skipped, balance too low", "symbol", candidate.Symbol, "error", err)
			return nil
		default:
			s.logger.Warnw("entry failed", "symbol", candidate.Symbol, "error", err)
		}
	}
	return nil
}
