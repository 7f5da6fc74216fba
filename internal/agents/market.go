// Package agents holds the concrete agents registered at startup: market
// data, news, AI commentary and cache maintenance. Provider calls go through
// agent.HTTPClient and are memoized in the shared cache.
package agents

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
)

// Agent names.
const (
	MarketAgent     = "market"
	NewsAgent       = "news"
	CommentaryAgent = "commentary"
	CacheAgent      = "cache"
)

// MaxBatchSymbols bounds batch_quotes requests.
const MaxBatchSymbols = 50

// Quote is a normalized market quote.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Name          string    `json:"name,omitempty"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	DayHigh       float64   `json:"dayHigh,omitempty"`
	DayLow        float64   `json:"dayLow,omitempty"`
	PreviousClose float64   `json:"previousClose,omitempty"`
	Volume        int64     `json:"volume,omitempty"`
	MarketCap     float64   `json:"marketCap,omitempty"`
	AsOf          time.Time `json:"asOf"`
}

// QuotePrice and QuoteChangePercent let the alert evaluator read a Quote
// without a JSON round trip.
func (q Quote) QuotePrice() float64         { return q.Price }
func (q Quote) QuoteChangePercent() float64 { return q.ChangePercent }

// Profile is a company profile.
type Profile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Exchange    string  `json:"exchange,omitempty"`
	Industry    string  `json:"industry,omitempty"`
	Sector      string  `json:"sector,omitempty"`
	Country     string  `json:"country,omitempty"`
	Website     string  `json:"website,omitempty"`
	Description string  `json:"description,omitempty"`
	CEO         string  `json:"ceo,omitempty"`
	Beta        float64 `json:"beta,omitempty"`
	MarketCap   float64 `json:"marketCap,omitempty"`
}

// PricePoint is one daily bar.
type PricePoint struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// History is a symbol's daily price series.
type History struct {
	Symbol string       `json:"symbol"`
	From   string       `json:"from,omitempty"`
	To     string       `json:"to,omitempty"`
	Points []PricePoint `json:"points"`
}

// provider wire formats
type providerQuote struct {
	Symbol            string  `json:"symbol"`
	Name              string  `json:"name"`
	Price             float64 `json:"price"`
	Change            float64 `json:"change"`
	ChangesPercentage float64 `json:"changesPercentage"`
	DayHigh           float64 `json:"dayHigh"`
	DayLow            float64 `json:"dayLow"`
	PreviousClose     float64 `json:"previousClose"`
	Volume            int64   `json:"volume"`
	MarketCap         float64 `json:"marketCap"`
	Timestamp         int64   `json:"timestamp"`
}

type providerProfile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Exchange    string  `json:"exchangeShortName"`
	Industry    string  `json:"industry"`
	Sector      string  `json:"sector"`
	Country     string  `json:"country"`
	Website     string  `json:"website"`
	Description string  `json:"description"`
	CEO         string  `json:"ceo"`
	Beta        float64 `json:"beta"`
	MktCap      float64 `json:"mktCap"`
}

type providerHistory struct {
	Symbol     string       `json:"symbol"`
	Historical []PricePoint `json:"historical"`
}

// Market serves quotes, profiles, ratios and price history.
type Market struct {
	*agent.Base
	client *agent.HTTPClient
	cache  *cache.Cache
	now    func() time.Time
}

// NewMarket creates the market agent. c may be nil to disable memoization.
func NewMarket(client *agent.HTTPClient, c *cache.Cache) (*Market, error) {
	m := &Market{client: client, cache: c, now: time.Now}
	base, err := agent.NewBase(MarketAgent, map[string]agent.HandlerFunc{
		"quote":        m.handleQuote,
		"profile":      m.handleProfile,
		"ratios":       m.handleRatios,
		"historical":   m.handleHistorical,
		"batch_quotes": m.handleBatchQuotes,
	})
	if err != nil {
		return nil, err
	}
	m.Base = base
	return m, nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (m *Market) handleQuote(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbol, err := params.RequireString("symbol")
	if err != nil {
		return nil, err
	}
	return m.Quote(ctx, symbol)
}

// Quote returns the latest quote for symbol, served from cache when fresh.
func (m *Market) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = normalizeSymbol(symbol)
	q, _, err := cache.GetOrLoad(ctx, m.cache, symbol, cache.CategoryQuote, func(ctx context.Context) (Quote, error) {
		quotes, err := m.fetchQuotes(ctx, []string{symbol})
		if err != nil {
			return Quote{}, err
		}
		q, ok := quotes[symbol]
		if !ok {
			return Quote{}, fmt.Errorf("%w: no quote for %s", agent.ErrInvalidParams, symbol)
		}
		return q, nil
	})
	return q, err
}

func (m *Market) handleBatchQuotes(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbols := params.Strings("symbols")
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: symbols is required", agent.ErrInvalidParams)
	}
	if len(symbols) > MaxBatchSymbols {
		return nil, fmt.Errorf("%w: at most %d symbols per batch", agent.ErrInvalidParams, MaxBatchSymbols)
	}
	return m.BatchQuotes(ctx, symbols)
}

// BatchQuotes returns quotes keyed by symbol. Cached symbols are not
// re-fetched; the rest are fetched in one upstream call. Symbols the
// provider does not know are omitted.
func (m *Market) BatchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	var missing []string
	for _, s := range symbols {
		s = normalizeSymbol(s)
		if s == "" {
			continue
		}
		if m.cache != nil {
			if q, hit, _ := cache.Lookup[Quote](m.cache, s, cache.CategoryQuote); hit {
				out[s] = q
				continue
			}
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := m.fetchQuotes(ctx, missing)
	if err != nil {
		return nil, err
	}
	for s, q := range fetched {
		out[s] = q
		if m.cache != nil {
			_ = m.cache.Set(s, q, cache.CategoryQuote)
		}
	}
	return out, nil
}

func (m *Market) fetchQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	var raw []providerQuote
	if err := m.client.GetJSON(ctx, "/quote/"+strings.Join(symbols, ","), nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]Quote, len(raw))
	for _, p := range raw {
		asOf := m.now().UTC()
		if p.Timestamp > 0 {
			asOf = time.Unix(p.Timestamp, 0).UTC()
		}
		out[normalizeSymbol(p.Symbol)] = Quote{
			Symbol:        normalizeSymbol(p.Symbol),
			Name:          p.Name,
			Price:         p.Price,
			Change:        p.Change,
			ChangePercent: p.ChangesPercentage,
			DayHigh:       p.DayHigh,
			DayLow:        p.DayLow,
			PreviousClose: p.PreviousClose,
			Volume:        p.Volume,
			MarketCap:     p.MarketCap,
			AsOf:          asOf,
		}
	}
	return out, nil
}

func (m *Market) handleProfile(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbol, err := params.RequireString("symbol")
	if err != nil {
		return nil, err
	}
	symbol = normalizeSymbol(symbol)
	profile, _, err := cache.GetOrLoad(ctx, m.cache, symbol, cache.CategoryProfile, func(ctx context.Context) (Profile, error) {
		var raw []providerProfile
		if err := m.client.GetJSON(ctx, "/profile/"+symbol, nil, &raw); err != nil {
			return Profile{}, err
		}
		if len(raw) == 0 {
			return Profile{}, fmt.Errorf("%w: no profile for %s", agent.ErrInvalidParams, symbol)
		}
		p := raw[0]
		return Profile{
			Symbol:      normalizeSymbol(p.Symbol),
			CompanyName: p.CompanyName,
			Exchange:    p.Exchange,
			Industry:    p.Industry,
			Sector:      p.Sector,
			Country:     p.Country,
			Website:     p.Website,
			Description: p.Description,
			CEO:         p.CEO,
			Beta:        p.Beta,
			MarketCap:   p.MktCap,
		}, nil
	})
	return profile, err
}

// handleRatios returns the provider's most recent ratio rows unchanged; the
// set of ratios varies by provider plan.
func (m *Market) handleRatios(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbol, err := params.RequireString("symbol")
	if err != nil {
		return nil, err
	}
	symbol = normalizeSymbol(symbol)
	period := params.String("period", "annual")
	limit := params.Int("limit", 1)

	key := fmt.Sprintf("%s:%s:%d", symbol, period, limit)
	rows, _, err := cache.GetOrLoad(ctx, m.cache, key, cache.CategoryRatios, func(ctx context.Context) ([]map[string]any, error) {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if period != "annual" {
			q.Set("period", period)
		}
		var raw []map[string]any
		if err := m.client.GetJSON(ctx, "/ratios/"+symbol, q, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	return rows, err
}

func (m *Market) handleHistorical(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbol, err := params.RequireString("symbol")
	if err != nil {
		return nil, err
	}
	symbol = normalizeSymbol(symbol)
	from, to := params.String("from", ""), params.String("to", "")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("%w: dates must be YYYY-MM-DD, got %q", agent.ErrInvalidParams, d)
		}
	}

	key := symbol + ":" + from + ":" + to
	hist, _, err := cache.GetOrLoad(ctx, m.cache, key, cache.CategoryResearch, func(ctx context.Context) (History, error) {
		q := url.Values{}
		if from != "" {
			q.Set("from", from)
		}
		if to != "" {
			q.Set("to", to)
		}
		var raw providerHistory
		if err := m.client.GetJSON(ctx, "/historical-price-full/"+symbol, q, &raw); err != nil {
			return History{}, err
		}
		points := raw.Historical
		sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
		return History{Symbol: symbol, From: from, To: to, Points: points}, nil
	})
	return hist, err
}
