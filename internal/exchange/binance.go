package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-spot-bot-go/internal/errs"
	"binance-spot-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

const (
	mainnetBaseURL = "https://api.binance.com"
	testnetBaseURL = "https://testnet.binance.vision"
)

// BinanceGateway implements Gateway against the Binance spot REST API.
// Signed endpoints are called directly with an HMAC-SHA256 signature; candle
// history goes through the go-binance client since that endpoint is public.
type BinanceGateway struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	klines     *binance.Client
	logger     *zap.SugaredLogger
	timeOffset int64

	mu     sync.Mutex
	limits map[string]*models.SymbolLimits
}

// NewBinanceGateway builds a gateway and syncs the local clock against the
// server so signed requests carry a valid timestamp.
func NewBinanceGateway(apiKey, secretKey string, isTestnet bool, logger *zap.SugaredLogger) (*BinanceGateway, error) {
	baseURL := mainnetBaseURL
	if isTestnet {
		baseURL = testnetBaseURL
		binance.UseTestnet = true
	}

	g := &BinanceGateway{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		klines:     binance.NewClient("", ""),
		logger:     logger,
		limits:     make(map[string]*models.SymbolLimits),
	}

	if err := g.syncTime(); err != nil {
		return nil, fmt.Errorf("time sync with binance failed: %w", err)
	}
	return g, nil
}

func (g *BinanceGateway) syncTime() error {
	serverTime, err := g.serverTime()
	if err != nil {
		return err
	}
	g.timeOffset = serverTime - time.Now().UnixMilli()
	g.logger.Infow("synced time with binance", "offset_ms", g.timeOffset)
	return nil
}

func (g *BinanceGateway) serverTime() (int64, error) {
	data, err := g.doRequest("GET", "/api/v3/time", nil, false)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// doRequest sends one API request, signing it when required, and surfaces
// API-level errors as *models.Error.
func (g *BinanceGateway) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := g.baseURL + endpoint
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + g.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := queryParams.Encode()
		encodedParams = payload + "&signature=" + g.sign(payload)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fullURL + "?" + encodedParams
		}
		req, err = http.NewRequest(method, finalURL, nil)
	} else {
		req, err = http.NewRequest(method, fullURL, strings.NewReader(encodedParams))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", g.apiKey)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrExchangeUnavailable, "%s %s: %v", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ErrExchangeUnavailable, "read response of %s: %v", endpoint, err)
	}

	var apiErr models.Error
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, &apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, errs.Wrap(errs.ErrExchangeUnavailable, "%s returned status %d: %s", endpoint, resp.StatusCode, string(body))
	}
	return body, nil
}

func (g *BinanceGateway) sign(data string) string {
	h := hmac.New(sha256.New, []byte(g.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// nativeSymbol converts "BTC/USDC" to the venue's "BTCUSDC".
func nativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// newClientOrderID derives a compact unique id for order placement.
func newClientOrderID() string {
	u := uuid.New()
	return "bot-" + base62.EncodeToString(u[:])
}

// mapOrderError turns Binance API errors into the shared taxonomy.
func mapOrderError(err error) error {
	var apiErr *models.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Msg), "insufficient"):
			return errs.Wrap(errs.ErrInsufficientFunds, "%s", apiErr.Msg)
		case apiErr.Code == -2010 || apiErr.Code == -1013 || apiErr.Code == -2011:
			return errs.Wrap(errs.ErrOrderRejected, "code=%d msg=%s", apiErr.Code, apiErr.Msg)
		}
	}
	return err
}

func normalizeStatus(status string) models.OrderStatus {
	switch status {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return models.OrderStatusOpen
	case "FILLED":
		return models.OrderStatusClosed
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderStatusCanceled
	case "REJECTED":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusOpen
	}
}

// apiOrder is the raw order payload shared by the order endpoints.
type apiOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	OrderListID         int64  `json:"orderListId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	StopPrice           string `json:"stopPrice"`
	Time                int64  `json:"time"`
	TransactTime        int64  `json:"transactTime"`
}

func (o *apiOrder) avgFillPrice() float64 {
	executed, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(o.CummulativeQuoteQty, 64)
	if executed > 0 && quote > 0 {
		return quote / executed
	}
	return 0
}

func (o *apiOrder) toOrder(symbol string) *models.Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQty, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	ts := o.Time
	if ts == 0 {
		ts = o.TransactTime
	}
	return &models.Order{
		Symbol:         symbol,
		OrderID:        o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Side:           models.Side(o.Side),
		Status:         normalizeStatus(o.Status),
		Price:          price,
		Quantity:       qty,
		FilledQuantity: filled,
		AvgFillPrice:   o.avgFillPrice(),
		Time:           time.UnixMilli(ts),
	}
}

// FetchCandles returns closed OHLCV bars via the public klines endpoint.
func (g *BinanceGateway) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	klines, err := g.klines.NewKlinesService().
		Symbol(nativeSymbol(symbol)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrExchangeUnavailable, "fetch klines for %s: %v", symbol, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return candles, nil
}

// FetchTicker returns the rolling 24h ticker snapshot.
func (g *BinanceGateway) FetchTicker(symbol string) (*models.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	data, err := g.doRequest("GET", "/api/v3/ticker/24hr", params, false)
	if err != nil {
		return nil, err
	}

	var raw struct {
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		HighPrice string `json:"highPrice"`
		LowPrice  string `json:"lowPrice"`
		Volume    string `json:"volume"`
		CloseTime int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker for %s: %w", symbol, err)
	}

	last, _ := strconv.ParseFloat(raw.LastPrice, 64)
	bid, _ := strconv.ParseFloat(raw.BidPrice, 64)
	ask, _ := strconv.ParseFloat(raw.AskPrice, 64)
	high, _ := strconv.ParseFloat(raw.HighPrice, 64)
	low, _ := strconv.ParseFloat(raw.LowPrice, 64)
	volume, _ := strconv.ParseFloat(raw.Volume, 64)

	if last <= 0 {
		return nil, errs.Wrap(errs.ErrExchangeUnavailable, "ticker for %s carries no last price", symbol)
	}
	// Thin books can report empty bid or ask; fall back to last so price
	// margins still compute.
	if bid <= 0 {
		bid = last
	}
	if ask <= 0 {
		ask = last
	}

	return &models.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		High:      high,
		Low:       low,
		Volume:    volume,
		Timestamp: time.UnixMilli(raw.CloseTime),
	}, nil
}

// FetchBalances returns the spot account balances keyed by asset.
func (g *BinanceGateway) FetchBalances() (map[string]models.Balance, error) {
	data, err := g.doRequest("GET", "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}

	balances := make(map[string]models.Balance, len(raw.Balances))
	for _, b := range raw.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances[b.Asset] = models.Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return balances, nil
}

// GetSymbolLimits returns the trading rules for the symbol, cached after the
// first lookup since exchange filters rarely change.
func (g *BinanceGateway) GetSymbolLimits(symbol string) (*models.SymbolLimits, error) {
	g.mu.Lock()
	if cached, ok := g.limits[symbol]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	data, err := g.doRequest("GET", "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(info.Symbols) == 0 {
		return nil, fmt.Errorf("exchange info missing symbol %s", symbol)
	}

	limits := &models.SymbolLimits{Symbol: symbol}
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			limits.MinQuantity, _ = strconv.ParseFloat(f.MinQty, 64)
			limits.StepSize = f.StepSize
		case "PRICE_FILTER":
			limits.TickSize = f.TickSize
		case "NOTIONAL", "MIN_NOTIONAL":
			limits.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}

	g.mu.Lock()
	g.limits[symbol] = limits
	g.mu.Unlock()
	return limits, nil
}

// RoundPrice snaps a price down onto the symbol's tick grid.
func (g *BinanceGateway) RoundPrice(symbol string, price float64) (float64, error) {
	limits, err := g.GetSymbolLimits(symbol)
	if err != nil {
		return 0, err
	}
	return adjustValueToStep(price, limits.TickSize), nil
}

// RoundQuantity snaps a quantity down onto the symbol's lot grid.
func (g *BinanceGateway) RoundQuantity(symbol string, quantity float64) (float64, error) {
	limits, err := g.GetSymbolLimits(symbol)
	if err != nil {
		return 0, err
	}
	return adjustValueToStep(quantity, limits.StepSize), nil
}

// adjustValueToStep floors value onto the grid the step string defines. The
// decimal count comes from the string itself, avoiding float drift.
func adjustValueToStep(value float64, step string) float64 {
	if !strings.Contains(step, ".") {
		return math.Floor(value)
	}
	decimalPlaces := len(step) - strings.Index(step, ".") - 1
	factor := math.Pow(10, float64(decimalPlaces))
	adjusted := math.Floor(value*factor) / factor
	final, _ := strconv.ParseFloat(fmt.Sprintf("%.*f", decimalPlaces, adjusted), 64)
	return final
}

// formatByStep renders a value with exactly the step's decimal places, the
// form the API expects for price and quantity parameters.
func formatByStep(value float64, step string) string {
	if !strings.Contains(step, ".") {
		return strconv.FormatInt(int64(math.Floor(value)), 10)
	}
	decimalPlaces := len(step) - strings.Index(step, ".") - 1
	return fmt.Sprintf("%.*f", decimalPlaces, adjustValueToStep(value, step))
}

// CreateLimitOrder places a GTC limit order.
func (g *BinanceGateway) CreateLimitOrder(symbol string, side models.Side, quantity, price float64) (*models.Order, error) {
	limits, err := g.GetSymbolLimits(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", formatByStep(quantity, limits.StepSize))
	params.Set("price", formatByStep(price, limits.TickSize))
	params.Set("newClientOrderId", newClientOrderID())
	params.Set("newOrderRespType", "FULL")

	data, err := g.doRequest("POST", "/api/v3/order", params, true)
	if err != nil {
		g.logger.Errorw("order placement failed", "symbol", symbol, "side", side,
			"error", err, "raw_response", string(data))
		return nil, mapOrderError(err)
	}

	var raw apiOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	order := raw.toOrder(symbol)
	if order.Status == models.OrderStatusRejected {
		return order, errs.Wrap(errs.ErrOrderRejected, "order %d rejected by exchange", order.OrderID)
	}
	return order, nil
}

// FetchOrder queries the current state of one order.
func (g *BinanceGateway) FetchOrder(symbol string, orderID int64) (*models.Order, error) {
	raw, err := g.fetchOrderRaw(symbol, orderID)
	if err != nil {
		return nil, err
	}
	return raw.toOrder(symbol), nil
}

func (g *BinanceGateway) fetchOrderRaw(symbol string, orderID int64) (*apiOrder, error) {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	data, err := g.doRequest("GET", "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	var raw apiOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode order %d: %w", orderID, err)
	}
	return &raw, nil
}

// CancelOrder cancels one open order.
func (g *BinanceGateway) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := g.doRequest("DELETE", "/api/v3/order", params, true)
	if err != nil {
		return mapOrderError(err)
	}
	return nil
}

// CreateBracketSellOrder places an OCO sell pair: a take-profit limit leg
// and a stop-loss leg triggering at stopPrice with a stop-limit price.
func (g *BinanceGateway) CreateBracketSellOrder(symbol string, quantity, takeProfitPrice, stopPrice, stopLimitPrice float64) (*models.BracketOrder, error) {
	limits, err := g.GetSymbolLimits(symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("side", string(models.SideSell))
	params.Set("quantity", formatByStep(quantity, limits.StepSize))
	params.Set("price", formatByStep(takeProfitPrice, limits.TickSize))
	params.Set("stopPrice", formatByStep(stopPrice, limits.TickSize))
	params.Set("stopLimitPrice", formatByStep(stopLimitPrice, limits.TickSize))
	params.Set("stopLimitTimeInForce", "GTC")
	params.Set("listClientOrderId", newClientOrderID())

	data, err := g.doRequest("POST", "/api/v3/order/oco", params, true)
	if err != nil {
		g.logger.Errorw("oco placement failed", "symbol", symbol,
			"error", err, "raw_response", string(data))
		return nil, mapOrderError(err)
	}

	var raw struct {
		OrderListID     int64      `json:"orderListId"`
		ListOrderStatus string     `json:"listOrderStatus"`
		OrderReports    []apiOrder `json:"orderReports"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode oco response: %w", err)
	}

	bracket := &models.BracketOrder{
		OrderListID: raw.OrderListID,
		Symbol:      symbol,
		Status:      models.BracketStatus(raw.ListOrderStatus),
	}
	for _, report := range raw.OrderReports {
		bracket.Legs = append(bracket.Legs, legFromOrder(&report))
	}
	if bracket.Status == models.BracketRejected {
		return bracket, errs.Wrap(errs.ErrOrderRejected, "oco list %d rejected by exchange", bracket.OrderListID)
	}
	return bracket, nil
}

func legFromOrder(o *apiOrder) models.BracketLeg {
	price, _ := strconv.ParseFloat(o.Price, 64)
	stopPrice, _ := strconv.ParseFloat(o.StopPrice, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	return models.BracketLeg{
		OrderID:        o.OrderID,
		Side:           models.Side(o.Side),
		Type:           o.Type,
		Status:         o.Status,
		Price:          price,
		StopPrice:      stopPrice,
		FilledQuantity: filled,
		AvgFillPrice:   o.avgFillPrice(),
	}
}

// FetchBracketOrder queries an OCO list. The orderList endpoint only reports
// leg ids, so each leg is queried separately for its fill state.
func (g *BinanceGateway) FetchBracketOrder(symbol string, orderListID int64) (*models.BracketOrder, error) {
	params := url.Values{}
	params.Set("orderListId", strconv.FormatInt(orderListID, 10))
	data, err := g.doRequest("GET", "/api/v3/orderList", params, true)
	if err != nil {
		return nil, err
	}

	var raw struct {
		OrderListID     int64  `json:"orderListId"`
		ListOrderStatus string `json:"listOrderStatus"`
		Orders          []struct {
			OrderID int64 `json:"orderId"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode oco list %d: %w", orderListID, err)
	}

	bracket := &models.BracketOrder{
		OrderListID: raw.OrderListID,
		Symbol:      symbol,
		Status:      models.BracketStatus(raw.ListOrderStatus),
	}
	for _, leg := range raw.Orders {
		legOrder, err := g.fetchOrderRaw(symbol, leg.OrderID)
		if err != nil {
			return nil, err
		}
		bracket.Legs = append(bracket.Legs, legFromOrder(legOrder))
	}
	return bracket, nil
}

// CancelBracketOrder cancels the whole OCO list.
func (g *BinanceGateway) CancelBracketOrder(symbol string, orderListID int64) error {
	params := url.Values{}
	params.Set("symbol", nativeSymbol(symbol))
	params.Set("orderListId", strconv.FormatInt(orderListID, 10))
	_, err := g.doRequest("DELETE", "/api/v3/orderList", params, true)
	if err != nil {
		return mapOrderError(err)
	}
	return nil
}
