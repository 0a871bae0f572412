// Package indicator computes the technical indicators driving entries and
// indicator-managed exits: Wilder-smoothed RSI and Bollinger Bands over
// closed candles.
package indicator

import (
	"fmt"
	"time"

	"binance-spot-bot-go/internal/models"

	"gonum.org/v1/gonum/stat"
)

// Evaluator computes indicator snapshots from candle history. Stateless; the
// same input always yields the same snapshot.
type Evaluator struct {
	rsiPeriod int
	bbPeriod  int
	bbStdDev  float64
}

// NewEvaluator builds an evaluator with the configured periods.
func NewEvaluator(rsiPeriod, bbPeriod int, bbStdDev float64) *Evaluator {
	return &Evaluator{rsiPeriod: rsiPeriod, bbPeriod: bbPeriod, bbStdDev: bbStdDev}
}

// MinCandles returns the shortest history that yields a valid snapshot.
func (e *Evaluator) MinCandles() int {
	if e.rsiPeriod+1 > e.bbPeriod {
		return e.rsiPeriod + 1
	}
	return e.bbPeriod
}

// Evaluate computes RSI and Bollinger Bands from the candle history. Candles
// must be ordered oldest to newest; the last candle is treated as the most
// recent closed bar.
func (e *Evaluator) Evaluate(candles []models.Candle, now time.Time) (*models.TechnicalIndicators, error) {
	if len(candles) < e.MinCandles() {
		return nil, fmt.Errorf("need at least %d candles, got %d", e.MinCandles(), len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi, err := e.rsi(closes)
	if err != nil {
		return nil, err
	}
	upper, middle, lower := e.bollinger(closes)

	return &models.TechnicalIndicators{
		RSI:       rsi,
		BBUpper:   upper,
		BBMiddle:  middle,
		BBLower:   lower,
		Timestamp: now,
	}, nil
}

// rsi computes the Wilder-smoothed relative strength index over the full
// close series.
func (e *Evaluator) rsi(closes []float64) (float64, error) {
	if len(closes) < e.rsiPeriod+1 {
		return 0, fmt.Errorf("rsi needs %d closes, got %d", e.rsiPeriod+1, len(closes))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= e.rsiPeriod; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(e.rsiPeriod)
	avgLoss /= float64(e.rsiPeriod)

	for i := e.rsiPeriod + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(e.rsiPeriod-1) + gain) / float64(e.rsiPeriod)
		avgLoss = (avgLoss*float64(e.rsiPeriod-1) + loss) / float64(e.rsiPeriod)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// bollinger computes the bands over the trailing bbPeriod closes using the
// population standard deviation.
func (e *Evaluator) bollinger(closes []float64) (upper, middle, lower float64) {
	window := closes[len(closes)-e.bbPeriod:]
	middle = stat.Mean(window, nil)
	sigma := stat.PopStdDev(window, nil)
	upper = middle + e.bbStdDev*sigma
	lower = middle - e.bbStdDev*sigma
	return upper, middle, lower
}
