package models

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// listing mirrors the aggregator-style /models response.
type listing struct {
	Data []listingModel `json:"data"`
}

type listingModel struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ContextLength int            `json:"context_length"`
	TopProvider   topProvider    `json:"top_provider"`
	Pricing       listingPricing `json:"pricing"`
}

type topProvider struct {
	MaxCompletionTokens int `json:"max_completion_tokens"`
}

type listingPricing struct {
	// Prices arrive as decimal strings in USD per token.
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// NewHTTPFetcher returns a FetchFunc that reads the model listing from url.
// apiKey may be empty for listings that do not require auth.
func NewHTTPFetcher(url, apiKey string, client *http.Client) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return func(ctx context.Context) ([]*Model, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build model listing request: %w", err)
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch model listing: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch model listing: status %d", resp.StatusCode)
		}

		var parsed listing
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode model listing: %w", err)
		}

		result := make([]*Model, 0, len(parsed.Data))
		for _, lm := range parsed.Data {
			inPrice := perMillion(lm.Pricing.Prompt)
			outPrice := perMillion(lm.Pricing.Completion)
			result = append(result, &Model{
				ID:                    lm.ID,
				Name:                  lm.Name,
				ContextLength:         lm.ContextLength,
				MaxOutputTokens:       lm.TopProvider.MaxCompletionTokens,
				InputPricePerMillion:  inPrice,
				OutputPricePerMillion: outPrice,
				IsFree:                inPrice == 0 && outPrice == 0,
			})
		}
		return result, nil
	}
}

// perMillion converts a per-token decimal string into USD per million
// tokens. Unparseable values count as zero.
func perMillion(perToken string) float64 {
	if perToken == "" {
		return 0
	}
	v, err := strconv.ParseFloat(perToken, 64)
	if err != nil {
		return 0
	}
	return v * 1_000_000
}
