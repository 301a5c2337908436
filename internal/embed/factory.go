package embed

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/amankb/internal/config"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderOllama uses the Ollama HTTP API.
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses hash-based embeddings. Offline, lexical-quality only.
	ProviderStatic ProviderType = "static"
)

// ParseProvider converts a string to ProviderType. Unknown names map to Ollama.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "static":
		return ProviderStatic
	default:
		return ProviderOllama
	}
}

// String returns the string representation of ProviderType
func (p ProviderType) String() string {
	return string(p)
}

// ValidProviders returns all valid provider names
func ValidProviders() []string {
	return []string{string(ProviderOllama), string(ProviderStatic)}
}

// IsValidProvider checks if a provider name is valid
func IsValidProvider(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range ValidProviders() {
		if lower == p {
			return true
		}
	}
	return false
}

// NewEmbedder builds the backend named by cfg.Provider. It never falls back
// silently: a backend that cannot be constructed is a configuration error.
func NewEmbedder(cfg config.EmbeddingsConfig) (Embedder, error) {
	if !IsValidProvider(cfg.Provider) {
		return nil, kberrors.Configuration("unknown embeddings provider "+cfg.Provider, nil).
			WithSuggestion("Set embeddings.provider to 'ollama' or 'static'")
	}

	switch ParseProvider(cfg.Provider) {
	case ProviderStatic:
		return NewStaticEmbedder(cfg.Dimensions), nil
	default:
		return NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout.D(),
		}), nil
	}
}

// EmbedderInfo contains information about an embedder
type EmbedderInfo struct {
	Provider   ProviderType
	Model      string
	Dimensions int
	Available  bool
}

// GetInfo returns information about an embedder
func GetInfo(ctx context.Context, embedder Embedder) EmbedderInfo {
	info := EmbedderInfo{
		Model:      embedder.ModelName(),
		Dimensions: embedder.Dimensions(),
		Available:  embedder.Available(ctx),
	}
	switch embedder.(type) {
	case *OllamaEmbedder:
		info.Provider = ProviderOllama
	default:
		info.Provider = ProviderStatic
	}
	if !info.Available {
		slog.Debug("embedder_unavailable",
			slog.String("provider", string(info.Provider)),
			slog.String("model", info.Model))
	}
	return info
}
