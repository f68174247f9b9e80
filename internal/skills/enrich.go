package skills

import (
	"context"
	"strings"

	"github.com/caminholabs/orienta/internal/engine"
)

// Enricher turns free-form text about the user's background into a
// structured profile fragment. The production implementation is LLM-backed
// (internal/agent); tests inject a deterministic one.
type Enricher interface {
	Enrich(ctx context.Context, content string) (map[string]any, error)
}

// UpdateState extracts structured profile data from natural language, used
// while a caller is building up a profile conversationally.
type UpdateState struct {
	enricher Enricher
}

func NewUpdateState(enricher Enricher) *UpdateState {
	return &UpdateState{enricher: enricher}
}

func (s *UpdateState) Descriptor() Descriptor {
	return Descriptor{
		ID:          "update_state",
		Name:        "Atualização de Perfil por Conversa",
		Description: "Interpreta texto livre sobre formação e experiências e atualiza o perfil em construção.",
		Tags:        []string{"perfil", "extração"},
		InputModes:  []string{"text/plain"},
		OutputModes: []string{"application/json", "text/plain"},
	}
}

// Execute takes the content from metadata, falling back to the message
// text itself.
func (s *UpdateState) Execute(ctx context.Context, _ string, params map[string]any) (any, error) {
	content := strings.TrimSpace(paramString(params, "content"))
	if content == "" {
		content = strings.TrimSpace(paramString(params, "message_text"))
	}
	if content == "" {
		return nil, &engine.ValidationError{Reason: "no content to extract profile data from"}
	}

	fragment, err := s.enricher.Enrich(ctx, content)
	if err != nil {
		return nil, err
	}
	if len(fragment) == 0 {
		return nil, &engine.ValidationError{Reason: "no profile data recognized in content"}
	}
	return fragment, nil
}

func (s *UpdateState) FormatForDisplay(_ any) string {
	return "📝 Entendi! Atualizei as informações do seu perfil com o que você me contou."
}
