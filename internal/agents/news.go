package agents

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
)

// Importance levels attached to news items.
const (
	ImportanceHigh   = "high"
	ImportanceMedium = "medium"
	ImportanceLow    = "low"
)

const (
	defaultNewsLimit = 20
	maxNewsLimit     = 100
)

// highImpactTerms mark macro and corporate events that move markets.
var highImpactTerms = []string{
	"federal reserve", "fed ", "fomc", "rate hike", "rate cut", "interest rate",
	"inflation", "cpi", "jobs report", "payrolls", "gdp", "recession",
	"earnings", "guidance", "bankruptcy", "merger", "acquisition", "acquire",
	"sec ", "tariff", "default", "downgrade", "upgrade",
}

var mediumImpactTerms = []string{
	"analyst", "price target", "dividend", "buyback", "ipo", "outlook",
	"forecast", "oil", "treasury", "yield", "layoff",
}

// NewsItem is one article.
type NewsItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Symbols     []string  `json:"symbols,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	Importance  string    `json:"importance"`
}

type providerArticle struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Site          string `json:"site"`
	Text          string `json:"text"`
	Symbol        string `json:"symbol"`
	PublishedDate string `json:"publishedDate"`
}

// News serves headlines and company news with an importance rating.
type News struct {
	*agent.Base
	client *agent.HTTPClient
	cache  *cache.Cache
}

// NewNews creates the news agent.
func NewNews(client *agent.HTTPClient, c *cache.Cache) (*News, error) {
	n := &News{client: client, cache: c}
	base, err := agent.NewBase(NewsAgent, map[string]agent.HandlerFunc{
		"headlines":    n.handleHeadlines,
		"company_news": n.handleCompanyNews,
		"importance":   n.handleImportance,
	})
	if err != nil {
		return nil, err
	}
	n.Base = base
	return n, nil
}

func newsLimit(params agent.Params) int {
	limit := params.Int("limit", defaultNewsLimit)
	if limit <= 0 {
		return defaultNewsLimit
	}
	if limit > maxNewsLimit {
		return maxNewsLimit
	}
	return limit
}

func (n *News) handleHeadlines(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	limit := newsLimit(params)
	minImportance := params.String("min_importance", "")

	items, _, err := cache.GetOrLoad(ctx, n.cache, fmt.Sprintf("headlines:%d", limit), cache.CategoryNews, func(ctx context.Context) ([]NewsItem, error) {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		return n.fetch(ctx, "/stock_news", q)
	})
	if err != nil {
		return nil, err
	}
	return filterImportance(items, minImportance), nil
}

func (n *News) handleCompanyNews(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbol, err := params.RequireString("symbol")
	if err != nil {
		return nil, err
	}
	symbol = normalizeSymbol(symbol)
	limit := newsLimit(params)

	items, _, err := cache.GetOrLoad(ctx, n.cache, fmt.Sprintf("company:%s:%d", symbol, limit), cache.CategoryNews, func(ctx context.Context) ([]NewsItem, error) {
		q := url.Values{}
		q.Set("tickers", symbol)
		q.Set("limit", fmt.Sprint(limit))
		return n.fetch(ctx, "/stock_news", q)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (n *News) handleImportance(_ context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	title, err := params.RequireString("title")
	if err != nil {
		return nil, err
	}
	return map[string]string{"importance": ClassifyImportance(title, params.String("summary", ""))}, nil
}

func (n *News) fetch(ctx context.Context, path string, q url.Values) ([]NewsItem, error) {
	var raw []providerArticle
	if err := n.client.GetJSON(ctx, path, q, &raw); err != nil {
		return nil, err
	}
	items := make([]NewsItem, 0, len(raw))
	for _, a := range raw {
		item := NewsItem{
			Title:      a.Title,
			URL:        a.URL,
			Source:     a.Site,
			Summary:    a.Text,
			Importance: ClassifyImportance(a.Title, a.Text),
		}
		if a.Symbol != "" {
			item.Symbols = []string{normalizeSymbol(a.Symbol)}
		}
		if t, err := time.Parse("2006-01-02 15:04:05", a.PublishedDate); err == nil {
			item.PublishedAt = t.UTC()
		}
		items = append(items, item)
	}
	return items, nil
}

// ClassifyImportance rates an article from its title and summary. Title
// matches count for more than summary matches.
func ClassifyImportance(title, summary string) string {
	t := " " + strings.ToLower(title) + " "
	s := " " + strings.ToLower(summary) + " "

	score := 0
	for _, term := range highImpactTerms {
		if strings.Contains(t, term) {
			score += 3
		} else if strings.Contains(s, term) {
			score++
		}
	}
	for _, term := range mediumImpactTerms {
		if strings.Contains(t, term) {
			score += 2
		} else if strings.Contains(s, term) {
			score++
		}
	}

	switch {
	case score >= 3:
		return ImportanceHigh
	case score >= 2:
		return ImportanceMedium
	default:
		return ImportanceLow
	}
}

func importanceRank(level string) int {
	switch level {
	case ImportanceHigh:
		return 2
	case ImportanceMedium:
		return 1
	}
	return 0
}

func filterImportance(items []NewsItem, minLevel string) []NewsItem {
	if minLevel == "" {
		return items
	}
	floor := importanceRank(strings.ToLower(minLevel))
	out := make([]NewsItem, 0, len(items))
	for _, it := range items {
		if importanceRank(it.Importance) >= floor {
			out = append(out, it)
		}
	}
	return out
}
