package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ImageAnalyzer sends one image plus instructions to a vision model and returns its text reply.
// All vision providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, systemPrompt, userPrompt string, image []byte) (string, error)
}

// ProviderConfig selects and configures a vision provider.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// NewImageAnalyzer builds the analyzer named by cfg.Provider.
// An empty provider returns (nil, nil): analysis is optional.
func NewImageAnalyzer(cfg ProviderConfig) (ImageAnalyzer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "":
		return nil, nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			client.baseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
		}
		return NewGeminiAnalyzer(client, cfg.Model), nil
	case "ollama":
		return NewOllamaAnalyzer(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "openai", "openai-compat":
		return NewOpenAICompatAnalyzer(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown vision provider: %s", provider)
	}
}

// DetectMIME sniffs the image content type, defaulting to JPEG.
func DetectMIME(image []byte) string {
	mt := http.DetectContentType(image)
	if strings.HasPrefix(mt, "image/") {
		return mt
	}
	return "image/jpeg"
}
