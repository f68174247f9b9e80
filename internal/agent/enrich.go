package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const enrichPrompt = `Extraia do texto abaixo dados estruturados de perfil profissional.
Responda APENAS com um objeto JSON. Campos possíveis:
  "formacao": lista de objetos {"curso", "instituicao", "nivel"}
  "experiencias": lista de objetos {"cargo", "empresa", "anos"}
  "habilidades": lista de strings
  "objetivo": string
Omita campos sem informação no texto. Se o texto não contém nada sobre perfil
profissional, responda {}.

Texto:
%s`

// jsonObjectPattern pulls the first top-level JSON object out of a model
// reply that may wrap it in prose or a code fence.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Enricher extracts a structured profile fragment from free text using the
// brain's configured model.
type Enricher struct {
	brain *Brain
}

func NewEnricher(brain *Brain) *Enricher {
	return &Enricher{brain: brain}
}

// Enrich asks the model for a JSON profile fragment and parses it. An
// offline brain yields no fragment, never an error.
func (e *Enricher) Enrich(ctx context.Context, content string) (map[string]any, error) {
	if !e.brain.Online() {
		return nil, nil
	}

	reply, err := e.brain.Respond(ctx, fmt.Sprintf(enrichPrompt, content))
	if err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}
	return parseFragment(reply)
}

func parseFragment(reply string) (map[string]any, error) {
	raw := jsonObjectPattern.FindString(reply)
	if raw == "" {
		return nil, nil
	}

	var fragment map[string]any
	if err := json.Unmarshal([]byte(raw), &fragment); err != nil {
		return nil, fmt.Errorf("enrich: model returned invalid JSON: %w", err)
	}
	// Drop keys the model filled with empty values.
	for k, v := range fragment {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) == "" {
				delete(fragment, k)
			}
		case []any:
			if len(val) == 0 {
				delete(fragment, k)
			}
		case nil:
			delete(fragment, k)
		}
	}
	return fragment, nil
}
