package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
)

const (
	defaultLLMModel     = "gpt-4o-mini"
	defaultLLMMaxTokens = 600

	systemPrompt = "You are a concise financial markets analyst. Write plain prose for a dashboard. " +
		"Do not give investment advice."
)

// QuoteFetcher returns a quote for a symbol. *Market satisfies it.
type QuoteFetcher interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// CommentaryConfig configures the commentary agent.
type CommentaryConfig struct {
	Model     string
	MaxTokens int
}

// Commentary is generated text with its provenance.
type Commentary struct {
	Kind        string    `json:"kind"`
	Symbol      string    `json:"symbol,omitempty"`
	Text        string    `json:"text"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generatedAt"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Commentator asks an LLM endpoint for market commentary.
type Commentator struct {
	*agent.Base
	client    *agent.HTTPClient
	cache     *cache.Cache
	quotes    QuoteFetcher
	model     string
	maxTokens int
	now       func() time.Time
}

// NewCommentary creates the commentary agent. quotes may be nil, in which
// case analyze_symbol needs the quote passed in its params.
func NewCommentary(client *agent.HTTPClient, c *cache.Cache, quotes QuoteFetcher, cfg CommentaryConfig) (*Commentator, error) {
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	a := &Commentator{
		client:    client,
		cache:     c,
		quotes:    quotes,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		now:       time.Now,
	}
	base, err := agent.NewBase(CommentaryAgent, map[string]agent.HandlerFunc{
		"market_summary": a.handleMarketSummary,
		"analyze_symbol": a.handleAnalyzeSymbol,
	})
	if err != nil {
		return nil, err
	}
	a.Base = base
	return a, nil
}

func (a *Commentator) handleMarketSummary(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	var b strings.Builder
	b.WriteString("Summarize today's market in three short paragraphs.\n")
	if quotes, ok := params["quotes"]; ok && quotes != nil {
		b.WriteString("\nIndex and stock quotes:\n")
		b.WriteString(compactJSON(quotes))
		b.WriteString("\n")
	}
	if headlines, ok := params["headlines"]; ok && headlines != nil {
		b.WriteString("\nHeadlines:\n")
		b.WriteString(headlineList(headlines))
	}
	if focus := params.String("focus", ""); focus != "" {
		b.WriteString("\nFocus on: " + focus + "\n")
	}
	return a.generate(ctx, "market_summary", "", b.String())
}

func (a *Commentator) handleAnalyzeSymbol(ctx context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
	symbol, err := params.RequireString("symbol")
	if err != nil {
		return nil, err
	}
	symbol = normalizeSymbol(symbol)

	quote, ok := params["quote"]
	if !ok || quote == nil {
		if a.quotes == nil {
			return nil, fmt.Errorf("%w: quote is required when no market agent is wired", agent.ErrInvalidParams)
		}
		q, err := a.quotes.Quote(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
		}
		quote = q
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Give a brief analysis of %s based on the data below.\n\nQuote:\n%s\n", symbol, compactJSON(quote))
	if profile, ok := params["profile"]; ok && profile != nil {
		fmt.Fprintf(&b, "\nCompany profile:\n%s\n", compactJSON(profile))
	}
	if news, ok := params["news"]; ok && news != nil {
		b.WriteString("\nRecent news:\n")
		b.WriteString(headlineList(news))
	}
	return a.generate(ctx, "analyze_symbol", symbol, b.String())
}

// generate calls the LLM once per distinct prompt within the llm TTL.
func (a *Commentator) generate(ctx context.Context, kind, symbol, prompt string) (Commentary, error) {
	sum := sha256.Sum256([]byte(a.model + "\x00" + prompt))
	key := kind + ":" + hex.EncodeToString(sum[:12])

	out, _, err := cache.GetOrLoad(ctx, a.cache, key, cache.CategoryLLM, func(ctx context.Context) (Commentary, error) {
		req := chatRequest{
			Model: a.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
			MaxTokens: a.maxTokens,
		}
		var resp chatResponse
		if err := a.client.PostJSON(ctx, "/chat/completions", req, &resp); err != nil {
			return Commentary{}, err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return Commentary{}, &agent.HandlerError{Upstream: a.client.Name(), Err: errors.New("empty completion")}
		}
		model := resp.Model
		if model == "" {
			model = a.model
		}
		return Commentary{
			Kind:        kind,
			Symbol:      symbol,
			Text:        strings.TrimSpace(resp.Choices[0].Message.Content),
			Model:       model,
			GeneratedAt: a.now().UTC(),
		}, nil
	})
	return out, err
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// headlineList renders titles, one per line, from news items in any shape
// that carries a "title" field.
func headlineList(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return compactJSON(v) + "\n"
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		title, _ := it["title"].(string)
		if title == "" {
			continue
		}
		if imp, _ := it["importance"].(string); imp != "" {
			title = "[" + imp + "] " + title
		}
		lines = append(lines, "- "+title)
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return strings.HasPrefix(lines[i], "- [high]") && !strings.HasPrefix(lines[j], "- [high]")
	})
	return strings.Join(lines, "\n") + "\n"
}
