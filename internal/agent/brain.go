// Package agent implements the conversational fallback on Genkit: the
// generic career-guidance handler invoked when no native skill matches,
// plus the LLM-backed profile enricher.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Config holds the LLM provider settings for the fallback brain.
type Config struct {
	// Provider is "google", "anthropic" or "openai". Empty defaults to google.
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Logger   *slog.Logger
}

const systemPrompt = `Você é o Orienta, um assistente de carreira. Ajude o usuário com orientação profissional:
perfil, formação, experiências, vagas e desenvolvimento de competências.
Responda sempre em português do Brasil, de forma clara, acolhedora e objetiva.
Se não souber algo, diga que não sabe; nunca invente vagas ou dados do usuário.`

const offlineReply = "Posso responder com orientação completa assim que uma chave de API estiver configurada. " +
	"Enquanto isso, use as operações dedicadas de perfil e busca de vagas."

// Brain is the Genkit-backed fallback agent. When no API key is configured
// it degrades to a deterministic reply instead of failing startup.
type Brain struct {
	g      *genkit.Genkit
	cfg    Config
	llmOn  bool
	logger *slog.Logger
}

// NewBrain initializes Genkit with the configured provider.
func NewBrain(ctx context.Context, cfg Config) *Brain {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("fallback brain initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("anthropic api key missing; fallback brain runs offline")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}))
			llmOn = true
			logger.Info("fallback brain initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("openai api key missing; fallback brain runs offline")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			logger.Info("fallback brain initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			logger.Warn("google api key missing; fallback brain runs offline")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown llm provider; fallback brain runs offline", "provider", provider)
	}

	cfg.Provider = provider
	return &Brain{g: g, cfg: cfg, llmOn: llmOn, logger: logger}
}

// Run streams the agent's reply for the given content, one text chunk per
// onChunk call. It satisfies the dispatcher's fallback contract.
func (b *Brain) Run(ctx context.Context, content, callerID, sessionID string, onChunk func(string) error) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return fmt.Errorf("empty content")
	}

	if !b.llmOn {
		return onChunk(offlineReply)
	}

	// Escape % so the prompt survives fmt-style expansion downstream.
	system := strings.ReplaceAll(systemPrompt, "%", "%%")
	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(b.cfg.Provider, b.cfg.Model)),
		ai.WithPrompt(trimmed),
		ai.WithSystem(system),
	}

	stream := genkit.GenerateStream(ctx, b.g, opts...)

	var streamed strings.Builder
	var doneReply string
	for streamVal, err := range stream {
		if err != nil {
			return fmt.Errorf("fallback stream: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := onChunk(part.Text); err != nil {
						return err
					}
					streamed.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneReply = streamVal.Response.Text()
		}
	}

	// Some providers only deliver the full text on the Done frame.
	if streamed.Len() == 0 && doneReply != "" {
		return onChunk(doneReply)
	}

	b.logger.Debug("fallback stream finished",
		"caller_id", callerID, "session_id", sessionID, "bytes", streamed.Len())
	return nil
}

// Respond generates a complete reply without streaming.
func (b *Brain) Respond(ctx context.Context, content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("empty content")
	}
	if !b.llmOn {
		return offlineReply, nil
	}

	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(modelNameForProvider(b.cfg.Provider, b.cfg.Model)),
		ai.WithPrompt(trimmed),
		ai.WithSystem(strings.ReplaceAll(systemPrompt, "%", "%%")),
	)
	if err != nil {
		return "", fmt.Errorf("fallback generate: %w", err)
	}
	return resp.Text(), nil
}

// Online reports whether a provider key was configured.
func (b *Brain) Online() bool {
	return b.llmOn
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-haiku-latest"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.0-flash-001"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}
