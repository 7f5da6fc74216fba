package agents

import (
	"context"
	"fmt"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
)

// NewCacheAgent exposes cache maintenance to schedules and workflows.
func NewCacheAgent(c *cache.Cache) (*agent.Base, error) {
	return agent.NewBase(CacheAgent, map[string]agent.HandlerFunc{
		"prune_expired": func(context.Context, agent.Params, agent.ExecContext) (any, error) {
			return map[string]int{"removed": c.PruneExpired(), "remaining": c.Len()}, nil
		},
		"stats": func(context.Context, agent.Params, agent.ExecContext) (any, error) {
			return c.Stats(), nil
		},
		"clear": func(_ context.Context, params agent.Params, _ agent.ExecContext) (any, error) {
			category := cache.Category(params.String("category", ""))
			removed, err := c.Clear(category)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", agent.ErrInvalidParams, err)
			}
			return map[string]any{"removed": removed, "category": string(category)}, nil
		},
	})
}

// Set is the agent set registered at startup.
type Set struct {
	Market     *Market
	News       *News
	Commentary *Commentator
	Cache      *agent.Base
}

// SetConfig carries the upstream clients for NewSet.
type SetConfig struct {
	Market     *agent.HTTPClient
	News       *agent.HTTPClient
	LLM        *agent.HTTPClient
	Commentary CommentaryConfig
}

// NewSet builds every concrete agent around the shared cache.
func NewSet(c *cache.Cache, cfg SetConfig) (*Set, error) {
	market, err := NewMarket(cfg.Market, c)
	if err != nil {
		return nil, fmt.Errorf("failed to create market agent: %w", err)
	}
	news, err := NewNews(cfg.News, c)
	if err != nil {
		return nil, fmt.Errorf("failed to create news agent: %w", err)
	}
	commentary, err := NewCommentary(cfg.LLM, c, market, cfg.Commentary)
	if err != nil {
		return nil, fmt.Errorf("failed to create commentary agent: %w", err)
	}
	cacheAgent, err := NewCacheAgent(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache agent: %w", err)
	}
	return &Set{Market: market, News: news, Commentary: commentary, Cache: cacheAgent}, nil
}

// Register adds every agent in the set to r.
func (s *Set) Register(r *agent.Registry) error {
	for _, a := range []agent.Agent{s.Market, s.News, s.Commentary, s.Cache} {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
