package skills

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/caminholabs/orienta/internal/engine"
)

const defaultMatchLimit = 10

// FindMatches asks the matching service for vacancies scored against the
// caller's profile.
type FindMatches struct {
	client   *http.Client
	matchURL string
}

func NewFindMatches(client *http.Client, matchURL string) (*FindMatches, error) {
	if matchURL == "" {
		return nil, fmt.Errorf("find_job_matches: match service URL not configured")
	}
	return &FindMatches{client: client, matchURL: matchURL}, nil
}

func (s *FindMatches) Descriptor() Descriptor {
	return Descriptor{
		ID:          "find_job_matches",
		Name:        "Vagas Compatíveis",
		Description: "Encontra vagas compatíveis com o perfil do usuário, ordenadas por afinidade.",
		Tags:        []string{"vagas", "matching"},
		InputModes:  []string{"text/plain"},
		OutputModes: []string{"text/plain", "application/json"},
	}
}

// Match is one scored vacancy.
type Match struct {
	Title      string  `json:"title"`
	Company    string  `json:"company"`
	Location   string  `json:"location"`
	Percentage float64 `json:"match_percentage"`
}

func (s *FindMatches) Execute(ctx context.Context, callerID string, params map[string]any) (any, error) {
	if callerID == "" {
		return nil, &engine.ValidationError{Reason: "caller id is required"}
	}
	limit := paramInt(params, "limit", defaultMatchLimit)

	body := map[string]any{"user_id": callerID, "limit": limit}
	data, status, err := doJSON(ctx, s.client, "match service", http.MethodPost, s.matchURL, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &engine.NotFoundError{Resource: "profile", ID: callerID, Recoverable: true}
	}

	raw, _ := data["matches"].([]any)
	matches := make([]Match, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		score, _ := m["final_score"].(float64)
		matches = append(matches, Match{
			Title:      stringOr(m["title"], "Vaga"),
			Company:    stringOr(m["company"], ""),
			Location:   stringOr(m["location"], ""),
			Percentage: score * 100,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Percentage > matches[j].Percentage
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *FindMatches) FormatForDisplay(result any) string {
	matches, ok := result.([]Match)
	if !ok || len(matches) == 0 {
		return "Não encontrei vagas compatíveis com seu perfil no momento. Que tal atualizar suas informações?"
	}

	lines := []string{
		fmt.Sprintf("🎯 Encontrei %d oportunidade(s) compatível(is) com seu perfil:", len(matches)),
		"",
	}
	for i, m := range matches {
		if i == 5 {
			lines = append(lines, fmt.Sprintf("... e mais %d vaga(s).", len(matches)-5))
			break
		}
		line := fmt.Sprintf("%d. **%s**", i+1, m.Title)
		if m.Company != "" {
			line += " - " + m.Company
		}
		lines = append(lines, line)
		detail := fmt.Sprintf("   Compatibilidade: %.0f%%", m.Percentage)
		if m.Location != "" {
			detail += " | 📍 " + m.Location
		}
		lines = append(lines, detail)
	}
	return strings.Join(lines, "\n")
}
