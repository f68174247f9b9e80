// Package skills implements the native skill handlers of the career
// assistant and the registry that routes to them. Handlers call trusted
// first-party HTTP services; every failure surfaces as one of the engine's
// typed errors so the dispatcher can classify it.
package skills

import (
	"sort"

	"github.com/caminholabs/orienta/internal/engine"
)

// Descriptor is the static capability record advertised on the agent card.
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// Skill is a native handler plus its descriptor.
type Skill interface {
	engine.Handler
	Descriptor() Descriptor
}

// Registry is the immutable skill table built once at startup. Handlers
// that could not be constructed are simply not passed in; routing treats
// "not registered" the same as "unknown skill".
type Registry struct {
	handlers   map[string]Skill
	advertised []Descriptor
}

// NewRegistry builds the registry from constructible handlers plus
// card-only descriptors for capabilities served by the fallback agent.
func NewRegistry(handlers []Skill, fallbackOnly []Descriptor) *Registry {
	r := &Registry{handlers: make(map[string]Skill, len(handlers))}
	for _, h := range handlers {
		d := h.Descriptor()
		r.handlers[d.ID] = h
		r.advertised = append(r.advertised, d)
	}
	r.advertised = append(r.advertised, fallbackOnly...)
	sort.Slice(r.advertised, func(i, j int) bool {
		return r.advertised[i].ID < r.advertised[j].ID
	})
	return r
}

// Lookup resolves a skill id to its native handler.
func (r *Registry) Lookup(skillID string) (engine.Handler, bool) {
	h, ok := r.handlers[skillID]
	return h, ok
}

// Descriptors returns every advertised capability, native and fallback,
// sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.advertised))
	copy(out, r.advertised)
	return out
}

// FallbackDescriptors lists the capabilities answered by the conversational
// agent rather than a native handler.
func FallbackDescriptors() []Descriptor {
	return []Descriptor{
		{
			ID:          "analyze_skill_gaps",
			Name:        "Análise de Lacunas de Competências",
			Description: "Compara o perfil do usuário com os requisitos das vagas e aponta o que falta desenvolver.",
			Tags:        []string{"carreira", "competências"},
		},
		{
			ID:          "recommend_courses",
			Name:        "Recomendação de Cursos",
			Description: "Sugere cursos e trilhas de aprendizagem alinhados aos objetivos profissionais do usuário.",
			Tags:        []string{"carreira", "educação"},
		},
		{
			ID:          "chat",
			Name:        "Conversa Livre",
			Description: "Orientação de carreira em linguagem natural para qualquer pergunta fora das operações dedicadas.",
			Tags:        []string{"conversa"},
		},
	}
}
