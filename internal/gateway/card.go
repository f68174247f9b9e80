package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/caminholabs/orienta/internal/skills"
)

// AgentCard follows the A2A agent card schema.
// Reference: https://google.github.io/A2A/#/documentation?id=agent-card
type AgentCard struct {
	Name               string             `json:"name"`
	Description        string             `json:"description"`
	URL                string             `json:"url"`
	Version            string             `json:"version"`
	Capabilities       Capabilities       `json:"capabilities"`
	DefaultInputModes  []string           `json:"defaultInputModes"`
	DefaultOutputModes []string           `json:"defaultOutputModes"`
	Skills             []skills.Descriptor `json:"skills"`
}

// Capabilities describes what the agent can do.
type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// handleAgentCard handles GET /.well-known/agent.json requests. The card is
// public: callers discover capabilities before authenticating.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	baseURL := s.cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://" + r.Host
	}

	card := AgentCard{
		Name:        "Orienta",
		Description: "Assistente de carreira: perfil profissional, vagas compatíveis e orientação em linguagem natural.",
		URL:         baseURL,
		Version:     "v0.3",
		Capabilities: Capabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             s.cfg.Registry.Descriptors(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(card)
}
