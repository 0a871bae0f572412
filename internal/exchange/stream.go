package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	mainnetWSBaseURL = "wss://stream.binance.com:9443"
	testnetWSBaseURL = "wss://stream.testnet.binance.vision"

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// PriceStream keeps a live last-price cache for the configured symbols over
// a single combined aggTrade websocket. Tickers stay the source of truth for
// order pricing; the stream feeds the recap log between REST calls.
type PriceStream struct {
	wsBaseURL string
	symbols   []string
	logger    *zap.SugaredLogger

	mu     sync.RWMutex
	prices map[string]float64

	conn   *websocket.Conn
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPriceStream builds a stream for the given "BASE/QUOTE" symbols.
func NewPriceStream(symbols []string, isTestnet bool, logger *zap.SugaredLogger) *PriceStream {
	wsBaseURL := mainnetWSBaseURL
	if isTestnet {
		wsBaseURL = testnetWSBaseURL
	}
	return &PriceStream{
		wsBaseURL: wsBaseURL,
		symbols:   symbols,
		logger:    logger,
		prices:    make(map[string]float64, len(symbols)),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// LastPrice returns the most recent streamed trade price for symbol, or zero
// when nothing arrived yet.
func (s *PriceStream) LastPrice(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[symbol]
}

// Start runs the connect-read-reconnect loop until Stop is called.
func (s *PriceStream) Start() {
	go s.loop()
}

// Stop shuts the stream down and waits for the loop to exit.
func (s *PriceStream) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *PriceStream) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			s.logger.Info("price stream stopped")
			return
		default:
			if err := s.connect(); err != nil {
				s.logger.Warnw("price stream connect failed, retrying in 5s", "error", err)
				if !s.sleep(5 * time.Second) {
					return
				}
				continue
			}
			s.logger.Info("price stream connected")
			if err := s.readMessages(); err != nil {
				s.logger.Warnw("price stream read error", "error", err)
			}
			if s.conn != nil {
				s.conn.Close()
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Info("price stream disconnected, reconnecting")
			if !s.sleep(5 * time.Second) {
				return
			}
		}
	}
}

func (s *PriceStream) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *PriceStream) connect() error {
	streams := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		streams = append(streams, strings.ToLower(nativeSymbol(symbol))+"@aggTrade")
	}
	wsURL := fmt.Sprintf("%s/stream?streams=%s", s.wsBaseURL, strings.Join(streams, "/"))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	s.conn = conn
	return nil
}

// readMessages blocks on one connection, keeping it alive with pings and
// returning on the first read error so the loop can reconnect.
func (s *PriceStream) readMessages() error {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-s.stopCh:
				return
			}
		}
	}()

	// Map native stream names back to the "BASE/QUOTE" form once.
	bySymbol := make(map[string]string, len(s.symbols))
	for _, symbol := range s.symbols {
		bySymbol[nativeSymbol(symbol)] = symbol
	}

	for {
		select {
		case <-s.stopCh:
			err := s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return fmt.Errorf("send close frame: %w", err)
			}
			return nil
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}

			var envelope struct {
				Data struct {
					Symbol string      `json:"s"`
					Price  json.Number `json:"p"`
				} `json:"data"`
			}
			if err := json.Unmarshal(message, &envelope); err != nil {
				s.logger.Debugw("unparseable stream message", "error", err)
				continue
			}
			price, err := envelope.Data.Price.Float64()
			if err != nil || price <= 0 {
				continue
			}
			symbol, ok := bySymbol[envelope.Data.Symbol]
			if !ok {
				continue
			}

			s.mu.Lock()
			s.prices[symbol] = price
			s.mu.Unlock()
		}
	}
}
