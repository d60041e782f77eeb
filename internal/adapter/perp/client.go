package perp

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
)

// SymbolRules are the trading rules of one futures contract.
type SymbolRules struct {
	Symbol      string
	Status      string
	TickSize    float64
	StepSize    float64
	MinQuantity float64
	MinNotional float64
}

// PositionRisk is the exchange's view of an open position. Amount is signed.
type PositionRisk struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// OrderRequest is a market order.
type OrderRequest struct {
	Symbol        string
	Buy           bool
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderFill is the executed part of a market order.
type OrderFill struct {
	OrderID  int64
	AvgPrice float64
	Quantity float64
}

// Commission is the account's fee schedule for a symbol.
type Commission struct {
	Maker float64
	Taker float64
}

// Client is the subset of the futures REST API the adapter needs.
type Client interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	Depth(ctx context.Context, symbol string, limit int) (adapter.Depth, error)
	AvailableBalance(ctx context.Context, asset string) (float64, error)
	// PositionRisk returns nil when the symbol has no position.
	PositionRisk(ctx context.Context, symbol string) (*PositionRisk, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderFill, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Rules(ctx context.Context) ([]SymbolRules, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
	Commission(ctx context.Context, symbol string) (Commission, error)
}

// BinanceClient implements Client on Binance USDⓈ-M futures with request
// pacing and retries.
type BinanceClient struct {
	client      *futures.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	backoff     time.Duration
}

// BinanceConfig configures the futures REST client.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	// RequestsPerSecond and Burst pace outgoing requests.
	RequestsPerSecond float64
	Burst             int
}

// NewBinanceClient creates a futures client with a tuned HTTP transport and a
// token-bucket limiter.
func NewBinanceClient(cfg BinanceConfig) *BinanceClient {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	futures.UseTestnet = cfg.Testnet

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	fc := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	fc.HTTPClient = httpClient

	return &BinanceClient{
		client:      fc,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxRetries:  3,
		backoff:     100 * time.Millisecond,
	}
}

// call paces fn through the limiter and retries it with exponential backoff.
func call[T any](ctx context.Context, c *BinanceClient, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return zero, err
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * c.backoff
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}

func parseNum(field, s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

func (c *BinanceClient) LastPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := call(ctx, c, func() ([]*futures.SymbolPrice, error) {
		return c.client.NewListPricesService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseNum("price", p.Price)
		}
	}
	return 0, fmt.Errorf("no price for %s", symbol)
}

func (c *BinanceClient) Depth(ctx context.Context, symbol string, limit int) (adapter.Depth, error) {
	res, err := call(ctx, c, func() (*futures.DepthResponse, error) {
		return c.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	})
	if err != nil {
		return adapter.Depth{}, err
	}
	d := adapter.Depth{Symbol: symbol}
	for _, b := range res.Bids {
		lvl, err := level(b.Price, b.Quantity)
		if err != nil {
			return adapter.Depth{}, err
		}
		d.Bids = append(d.Bids, lvl)
	}
	for _, a := range res.Asks {
		lvl, err := level(a.Price, a.Quantity)
		if err != nil {
			return adapter.Depth{}, err
		}
		d.Asks = append(d.Asks, lvl)
	}
	return d, nil
}

func level(price, qty string) (adapter.DepthLevel, error) {
	p, err := parseNum("price", price)
	if err != nil {
		return adapter.DepthLevel{}, err
	}
	q, err := parseNum("quantity", qty)
	if err != nil {
		return adapter.DepthLevel{}, err
	}
	return adapter.DepthLevel{Price: p, Quantity: q}, nil
}

func (c *BinanceClient) AvailableBalance(ctx context.Context, asset string) (float64, error) {
	balances, err := call(ctx, c, func() ([]*futures.Balance, error) {
		return c.client.NewGetBalanceService().Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return parseNum("available balance", b.AvailableBalance)
		}
	}
	return 0, nil
}

func (c *BinanceClient) PositionRisk(ctx context.Context, symbol string) (*PositionRisk, error) {
	risks, err := call(ctx, c, func() ([]*futures.PositionRisk, error) {
		return c.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt, err := parseNum("position amount", r.PositionAmt)
		if err != nil {
			return nil, err
		}
		if amt == 0 {
			continue
		}
		pr := &PositionRisk{Symbol: symbol, Amount: amt}
		if pr.EntryPrice, err = parseNum("entry price", r.EntryPrice); err != nil {
			return nil, err
		}
		if pr.MarkPrice, err = parseNum("mark price", r.MarkPrice); err != nil {
			return nil, err
		}
		if pr.UnrealizedPnL, err = parseNum("unrealized profit", r.UnRealizedProfit); err != nil {
			return nil, err
		}
		if pr.Leverage, err = parseNum("leverage", r.Leverage); err != nil {
			return nil, err
		}
		return pr, nil
	}
	return nil, nil
}

func (c *BinanceClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderFill, error) {
	side := futures.SideTypeSell
	if req.Buy {
		side = futures.SideTypeBuy
	}
	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		ReduceOnly(req.ReduceOnly)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	// Orders are not retried: a timeout may still have filled.
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return OrderFill{}, err
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return OrderFill{}, err
	}

	fill := OrderFill{OrderID: res.OrderID}
	if fill.AvgPrice, err = parseNum("avg price", res.AvgPrice); err != nil {
		return OrderFill{}, err
	}
	if fill.Quantity, err = parseNum("executed quantity", res.ExecutedQuantity); err != nil {
		return OrderFill{}, err
	}
	return fill, nil
}

func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := call(ctx, c, func() (*futures.SymbolLeverage, error) {
		return c.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	})
	return err
}

func (c *BinanceClient) Rules(ctx context.Context) ([]SymbolRules, error) {
	info, err := call(ctx, c, func() (*futures.ExchangeInfo, error) {
		return c.client.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, err
	}
	rules := make([]SymbolRules, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		r := SymbolRules{Symbol: s.Symbol, Status: s.Status}
		if lot := s.LotSizeFilter(); lot != nil {
			if r.StepSize, err = parseNum("step size", lot.StepSize); err != nil {
				return nil, err
			}
			if r.MinQuantity, err = parseNum("min quantity", lot.MinQuantity); err != nil {
				return nil, err
			}
		}
		if pf := s.PriceFilter(); pf != nil {
			if r.TickSize, err = parseNum("tick size", pf.TickSize); err != nil {
				return nil, err
			}
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			if r.MinNotional, err = parseNum("min notional", mn.Notional); err != nil {
				return nil, err
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (c *BinanceClient) FundingRate(ctx context.Context, symbol string) (float64, error) {
	idx, err := call(ctx, c, func() ([]*futures.PremiumIndex, error) {
		return c.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	for _, p := range idx {
		if p.Symbol == symbol {
			return parseNum("funding rate", p.LastFundingRate)
		}
	}
	return 0, nil
}

func (c *BinanceClient) Commission(ctx context.Context, symbol string) (Commission, error) {
	res, err := call(ctx, c, func() (*futures.CommissionRate, error) {
		return c.client.NewCommissionRateService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return Commission{}, err
	}
	var cm Commission
	if cm.Maker, err = parseNum("maker commission", res.MakerCommissionRate); err != nil {
		return Commission{}, err
	}
	if cm.Taker, err = parseNum("taker commission", res.TakerCommissionRate); err != nil {
		return Commission{}, err
	}
	return cm, nil
}
