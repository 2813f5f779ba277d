// Package openai is the OpenAI backend adapter: Bearer auth plus an
// optional OpenAI-Organization header layered over the shared
// OpenAI-wire-format base (§4.F).
package openai

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/providers/openaicompat"
	"github.com/inherent-design/atlas-sub002/types"
)

// Config holds the OpenAI-specific settings layered on top of the shared
// openaicompat.Config.
type Config struct {
	APIKey         string
	BaseURL        string
	Organization   string
	DefaultModel   string
	FallbackModel  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PriceTable     types.PriceTable
}

// Provider is the OpenAI adapter. It embeds the shared base and only
// overrides header construction.
type Provider struct {
	*openaicompat.Provider
}

// New builds an OpenAI adapter. The fallback model defaults to a fixed,
// currently-shipping chat model when the caller doesn't configure one.
func New(cfg Config, logger *zap.Logger) *Provider {
	fallback := cfg.FallbackModel
	if fallback == "" {
		fallback = "gpt-4o-mini"
	}
	base := openaicompat.New(openaicompat.Config{
		ProviderName:   "openai",
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		DefaultModel:   cfg.DefaultModel,
		FallbackModel:  fallback,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		PriceTable:     cfg.PriceTable,
		BuildHeaders: func(req *http.Request, apiKey string) {
			req.Header.Set("Authorization", "Bearer "+apiKey)
			if cfg.Organization != "" {
				req.Header.Set("OpenAI-Organization", cfg.Organization)
			}
			req.Header.Set("Content-Type", "application/json")
		},
	}, logger)
	return &Provider{Provider: base}
}
