package skills

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caminholabs/orienta/internal/engine"
)

// RetrieveProfile fetches a user's professional profile from the profile
// service and renders it for display.
type RetrieveProfile struct {
	client  *http.Client
	baseURL string
}

// NewRetrieveProfile constructs the handler. An empty baseURL means the
// skill cannot be served and the constructor refuses, so the registry
// simply omits it.
func NewRetrieveProfile(client *http.Client, baseURL string) (*RetrieveProfile, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("retrieve_user_profile: profile service URL not configured")
	}
	return &RetrieveProfile{client: client, baseURL: baseURL}, nil
}

func (s *RetrieveProfile) Descriptor() Descriptor {
	return Descriptor{
		ID:          "retrieve_user_profile",
		Name:        "Consulta de Perfil",
		Description: "Busca o perfil profissional do usuário: formação, experiências e habilidades.",
		Tags:        []string{"perfil", "consulta"},
		InputModes:  []string{"text/plain"},
		OutputModes: []string{"text/plain", "application/json"},
	}
}

// Execute retrieves the profile for callerID. A 404 from the service is a
// recoverable absence: the caller can create a profile.
func (s *RetrieveProfile) Execute(ctx context.Context, callerID string, _ map[string]any) (any, error) {
	if callerID == "" {
		return nil, &engine.ValidationError{Reason: "caller id is required"}
	}

	endpoint := s.baseURL + "?user_id=" + url.QueryEscape(callerID)
	data, status, err := doJSON(ctx, s.client, "profile service", http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, &engine.NotFoundError{Resource: "profile", ID: callerID, Recoverable: true}
	}

	if data["user_id"] == nil || data["name"] == nil {
		// Registered user without profile content yet.
		return emptyProfile(callerID), nil
	}
	data["_metadata"] = map[string]any{
		"retrieved_at": time.Now().UTC().Format(time.RFC3339),
		"user_id":      callerID,
		"is_empty":     false,
	}
	return data, nil
}

func emptyProfile(callerID string) map[string]any {
	return map[string]any{
		"user_id": callerID,
		"_metadata": map[string]any{
			"retrieved_at": time.Now().UTC().Format(time.RFC3339),
			"user_id":      callerID,
			"is_empty":     true,
		},
	}
}

// FormatForDisplay renders the profile as the user-facing summary.
func (s *RetrieveProfile) FormatForDisplay(result any) string {
	profile, ok := result.(map[string]any)
	if !ok {
		return ""
	}
	if meta, ok := profile["_metadata"].(map[string]any); ok {
		if empty, _ := meta["is_empty"].(bool); empty {
			return "Você ainda não possui um perfil cadastrado. Vamos criar um agora?"
		}
	}

	sections := []string{
		"📋 **Perfil de Usuário**",
		"",
		fmt.Sprintf("👤 **Nome**: %s", stringOr(profile["name"], "Não informado")),
		fmt.Sprintf("📧 **Email**: %s", stringOr(profile["email"], "Não informado")),
		fmt.Sprintf("📱 **Telefone**: %s", stringOr(profile["phone"], "Não informado")),
		"",
	}

	if education, ok := profile["education"].([]any); ok && len(education) > 0 {
		sections = append(sections, "📚 **Formação Acadêmica**:")
		for i, e := range education {
			if i == 3 {
				sections = append(sections, fmt.Sprintf("  • ... e mais %d formações", len(education)-3))
				break
			}
			if edu, ok := e.(map[string]any); ok {
				sections = append(sections, fmt.Sprintf("  • %s - %s",
					stringOr(edu["course"], "N/A"), stringOr(edu["institution"], "N/A")))
			}
		}
		sections = append(sections, "")
	}

	if experiences, ok := profile["experiences"].([]any); ok && len(experiences) > 0 {
		sections = append(sections, "💼 **Experiência Profissional**:")
		for i, e := range experiences {
			if i == 3 {
				sections = append(sections, fmt.Sprintf("  • ... e mais %d experiências", len(experiences)-3))
				break
			}
			if exp, ok := e.(map[string]any); ok {
				sections = append(sections, fmt.Sprintf("  • %s na %s",
					stringOr(exp["position"], "N/A"), stringOr(exp["company"], "N/A")))
			}
		}
		sections = append(sections, "")
	}

	if skills, ok := profile["skills"].([]any); ok && len(skills) > 0 {
		var names []string
		for i, s := range skills {
			if i == 10 {
				break
			}
			if m, ok := s.(map[string]any); ok {
				if name, _ := m["skill"].(string); name != "" {
					names = append(names, name)
				}
			}
		}
		if len(names) > 0 {
			sections = append(sections, fmt.Sprintf("🔧 **Habilidades Técnicas**: %s", strings.Join(names, ", ")))
		}
	}

	return strings.TrimRight(strings.Join(sections, "\n"), "\n")
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
