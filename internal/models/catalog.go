// Package models provides a catalog of chat models and their limits.
//
// The engine consumes ContextLength and MaxOutputTokens to size chunks; the
// cost estimator consumes the per-million-token prices. The catalog can
// refresh itself from a provider's model listing and falls back to a
// built-in table when the listing is unavailable.
package models

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Model describes one chat model's limits and pricing.
type Model struct {
	// ID is the model identifier used in API calls.
	ID string `json:"id"`

	// Name is a human-readable name.
	Name string `json:"name"`

	// ContextLength is the model's total token window.
	ContextLength int `json:"context_length"`

	// MaxOutputTokens is the output cap; 0 when the provider does not
	// report one.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// InputPricePerMillion is USD per million prompt tokens.
	InputPricePerMillion float64 `json:"input_price_per_million"`

	// OutputPricePerMillion is USD per million completion tokens.
	OutputPricePerMillion float64 `json:"output_price_per_million"`

	// IsFree marks models with zero pricing on both sides.
	IsFree bool `json:"is_free"`
}

// FetchFunc retrieves the current model listing from a provider.
type FetchFunc func(ctx context.Context) ([]*Model, error)

// DefaultTTL is how long a fetched listing stays fresh. Rebuilding is
// cheap, so staleness only costs one extra request per hour.
const DefaultTTL = time.Hour

// Catalog caches model metadata with a TTL.
type Catalog struct {
	mu      sync.RWMutex
	models  map[string]*Model
	fetch   FetchFunc
	ttl     time.Duration
	fetched time.Time
	now     func() time.Time
}

// NewCatalog creates a catalog seeded with the built-in table. fetch may be
// nil, in which case the catalog is static.
func NewCatalog(fetch FetchFunc, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Catalog{
		models: make(map[string]*Model),
		fetch:  fetch,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, m := range builtinModels {
		clone := *m
		c.models[m.ID] = &clone
	}
	return c
}

// Get returns the model by id after refreshing a stale cache, or
// (nil, nil) when the model is unknown.
func (c *Catalog) Get(ctx context.Context, id string) (*Model, error) {
	c.refreshIfStale(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

// List returns every known model sorted by id.
func (c *Catalog) List(ctx context.Context) ([]*Model, error) {
	c.refreshIfStale(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		clone := *m
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// refreshIfStale re-fetches the listing when the TTL has lapsed. A fetch
// failure keeps the previous entries; the built-in table guarantees the
// catalog is never empty.
func (c *Catalog) refreshIfStale(ctx context.Context) {
	if c.fetch == nil {
		return
	}

	c.mu.RLock()
	fresh := !c.fetched.IsZero() && c.now().Sub(c.fetched) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return
	}

	fetched, err := c.fetch(ctx)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range fetched {
		if m.ID == "" || m.ContextLength <= 0 {
			continue
		}
		clone := *m
		c.models[m.ID] = &clone
	}
	c.fetched = c.now()
}

// builtinModels is the fallback table used when the provider listing is
// unreachable. Limits reflect the providers' published numbers.
var builtinModels = []*Model{
	{ID: "openai/gpt-4o", Name: "GPT-4o", ContextLength: 128000, MaxOutputTokens: 16384, InputPricePerMillion: 2.5, OutputPricePerMillion: 10},
	{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini", ContextLength: 128000, MaxOutputTokens: 16384, InputPricePerMillion: 0.15, OutputPricePerMillion: 0.6},
	{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", ContextLength: 200000, MaxOutputTokens: 64000, InputPricePerMillion: 3, OutputPricePerMillion: 15},
	{ID: "anthropic/claude-haiku-3.5", Name: "Claude Haiku 3.5", ContextLength: 200000, MaxOutputTokens: 8192, InputPricePerMillion: 0.8, OutputPricePerMillion: 4},
	{ID: "meta-llama/llama-3.3-70b-instruct", Name: "Llama 3.3 70B", ContextLength: 131072, MaxOutputTokens: 8192, InputPricePerMillion: 0.12, OutputPricePerMillion: 0.3},
	{ID: "google/gemini-2.0-flash-001", Name: "Gemini 2.0 Flash", ContextLength: 1000000, MaxOutputTokens: 8192, InputPricePerMillion: 0.1, OutputPricePerMillion: 0.4},
	{ID: "mistralai/mistral-small-3.1", Name: "Mistral Small 3.1", ContextLength: 128000, MaxOutputTokens: 8192, InputPricePerMillion: 0.1, OutputPricePerMillion: 0.3},
	{ID: "deepseek/deepseek-chat", Name: "DeepSeek Chat", ContextLength: 163840, MaxOutputTokens: 8192, InputPricePerMillion: 0.27, OutputPricePerMillion: 1.1},
}
