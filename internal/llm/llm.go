package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

type Provider string

const (
	ProviderPredictionGuard Provider = "predictionguard"
	ProviderOpenAI          Provider = "openai"
	ProviderOllama          Provider = "ollama"
	ProviderAnthropic       Provider = "anthropic"
	ProviderGemini          Provider = "gemini"
)

const (
	DefaultPredictionGuardURL   = "https://api.predictionguard.com"
	DefaultPredictionGuardModel = "gpt-oss-120b"
)

// Options selects and authenticates a completion backend. Empty APIKey falls
// back to the provider's usual environment variable.
type Options struct {
	Provider Provider
	Model    string
	BaseURL  string
	APIKey   string
}

// NewModel builds the langchaingo model for opts.Provider.
func NewModel(ctx context.Context, opts Options) (llms.Model, string, error) {
	provider := Provider(strings.ToLower(strings.TrimSpace(string(opts.Provider))))
	if provider == "" {
		provider = ProviderPredictionGuard
	}
	model := opts.Model

	switch provider {
	case ProviderPredictionGuard, ProviderOpenAI:
		baseURL := opts.BaseURL
		token := opts.APIKey
		if provider == ProviderPredictionGuard {
			if baseURL == "" {
				baseURL = DefaultPredictionGuardURL
			}
			if model == "" {
				model = DefaultPredictionGuardModel
			}
			if token == "" {
				token = os.Getenv("PREDICTIONGUARD_API_KEY")
			}
		} else if token == "" {
			token = os.Getenv("OPENAI_API_KEY")
		}
		o := []openai.Option{openai.WithModel(model)}
		if baseURL != "" {
			o = append(o, openai.WithBaseURL(baseURL))
		}
		if token != "" {
			o = append(o, openai.WithToken(token))
		}
		client, err := openai.New(o...)
		if err != nil {
			return nil, "", err
		}
		return client, model, nil

	case ProviderOllama:
		o := []ollama.Option{ollama.WithModel(model)}
		if opts.BaseURL != "" {
			o = append(o, ollama.WithServerURL(opts.BaseURL))
		}
		client, err := ollama.New(o...)
		if err != nil {
			return nil, "", err
		}
		return client, model, nil

	case ProviderAnthropic:
		o := []anthropic.Option{anthropic.WithModel(model)}
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key != "" {
			o = append(o, anthropic.WithToken(key))
		}
		client, err := anthropic.New(o...)
		if err != nil {
			return nil, "", err
		}
		return client, model, nil

	case ProviderGemini:
		if model == "" {
			model = googleai.DefaultOptions().DefaultModel
		}
		o := []googleai.Option{googleai.WithDefaultModel(model)}
		key := opts.APIKey
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key != "" {
			o = append(o, googleai.WithAPIKey(key))
		}
		client, err := googleai.New(ctx, o...)
		if err != nil {
			return nil, "", err
		}
		return client, model, nil

	default:
		return nil, "", fmt.Errorf("unsupported provider: %s", provider)
	}
}

// New builds a Client for opts.
func New(ctx context.Context, opts Options) (*Client, error) {
	model, name, err := NewModel(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewClient(model, name), nil
}
