package skills

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/caminholabs/orienta/internal/engine"
)

// SearchVacancies queries the vacancy search service by free-text term.
type SearchVacancies struct {
	client    *http.Client
	searchURL string
}

func NewSearchVacancies(client *http.Client, searchURL string) (*SearchVacancies, error) {
	if searchURL == "" {
		return nil, fmt.Errorf("retrieve_vacancy: vacancy search URL not configured")
	}
	return &SearchVacancies{client: client, searchURL: searchURL}, nil
}

func (s *SearchVacancies) Descriptor() Descriptor {
	return Descriptor{
		ID:          "retrieve_vacancy",
		Name:        "Busca de Vagas",
		Description: "Busca vagas abertas por termo livre, por exemplo área ou cargo.",
		Tags:        []string{"vagas", "busca"},
		InputModes:  []string{"text/plain"},
		OutputModes: []string{"text/plain", "application/json"},
	}
}

// searchPrefixes are the message shapes a search term can be lifted from
// when the caller did not pass search_term in metadata.
var searchPrefixes = []string{"buscar vagas de", "buscar vagas para", "buscar vagas", "vagas de", "vagas para"}

// extractSearchTerm takes the term from metadata first and otherwise from a
// recognized leading phrase of the message text.
func extractSearchTerm(params map[string]any) string {
	if term := strings.TrimSpace(paramString(params, "search_term")); term != "" {
		return term
	}
	text := strings.TrimSpace(strings.ToLower(paramString(params, "message_text")))
	for _, prefix := range searchPrefixes {
		if strings.HasPrefix(text, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(text, prefix))
		}
	}
	return ""
}

func (s *SearchVacancies) Execute(ctx context.Context, _ string, params map[string]any) (any, error) {
	term := extractSearchTerm(params)
	if term == "" {
		return nil, &engine.ValidationError{Reason: "no search term in metadata or message text"}
	}

	endpoint := s.searchURL + "?text=" + url.QueryEscape(term)
	data, status, err := doJSON(ctx, s.client, "vacancy service", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &engine.NotFoundError{Resource: "vacancy", ID: term}
	}

	// The service nests results under message.vacancies.
	var vacancies []any
	if msg, ok := data["message"].(map[string]any); ok {
		vacancies, _ = msg["vacancies"].([]any)
	}
	return map[string]any{"search_term": term, "vacancies": vacancies}, nil
}

func (s *SearchVacancies) FormatForDisplay(result any) string {
	data, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	term, _ := data["search_term"].(string)
	vacancies, _ := data["vacancies"].([]any)
	if len(vacancies) == 0 {
		return fmt.Sprintf("Não encontrei vagas para \"%s\". Tente outro termo de busca.", term)
	}

	lines := []string{
		fmt.Sprintf("🔎 Vagas encontradas para \"%s\":", term),
		"",
	}
	for i, v := range vacancies {
		if i == 10 {
			lines = append(lines, fmt.Sprintf("... e mais %d vaga(s).", len(vacancies)-10))
			break
		}
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("%d. **%s**", i+1, stringOr(m["title"], "Vaga"))
		if company := stringOr(m["company"], ""); company != "" {
			line += " - " + company
		}
		if location := stringOr(m["location"], ""); location != "" {
			line += " | 📍 " + location
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
