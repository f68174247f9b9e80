package skills

import (
	"context"
	"fmt"
	"net/http"

	"github.com/caminholabs/orienta/internal/engine"
)

// SaveProfile persists a complete user profile through the profile service.
type SaveProfile struct {
	client  *http.Client
	saveURL string
}

func NewSaveProfile(client *http.Client, saveURL string) (*SaveProfile, error) {
	if saveURL == "" {
		return nil, fmt.Errorf("save_user_profile: profile save URL not configured")
	}
	return &SaveProfile{client: client, saveURL: saveURL}, nil
}

func (s *SaveProfile) Descriptor() Descriptor {
	return Descriptor{
		ID:          "save_user_profile",
		Name:        "Salvar Perfil",
		Description: "Grava o perfil profissional completo do usuário.",
		Tags:        []string{"perfil", "escrita"},
		InputModes:  []string{"application/json"},
		OutputModes: []string{"text/plain"},
	}
}

// requiredProfileFields must be present before the profile is accepted.
var requiredProfileFields = []string{"firstName", "lastName", "email"}

// Execute validates and saves the profile carried in params["profile_data"].
func (s *SaveProfile) Execute(ctx context.Context, callerID string, params map[string]any) (any, error) {
	profile, ok := params["profile_data"].(map[string]any)
	if !ok || len(profile) == 0 {
		return nil, &engine.IncompleteInputError{
			Operation: "save_user_profile",
			Missing:   []string{"profile_data"},
		}
	}

	var missing []string
	for _, field := range requiredProfileFields {
		if v, _ := profile[field].(string); v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &engine.IncompleteInputError{
			Operation: "save_user_profile",
			Missing:   missing,
		}
	}

	body := map[string]any{
		"user_id":         callerID,
		"perfil_completo": profile,
	}
	data, _, err := doJSON(ctx, s.client, "profile service", http.MethodPost, s.saveURL, body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SaveProfile) FormatForDisplay(_ any) string {
	return "✅ Perfil salvo com sucesso! Agora posso buscar vagas alinhadas ao seu perfil."
}
