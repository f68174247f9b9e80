package skills

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caminholabs/orienta/internal/engine"
)

func TestRegistryLookupAndDescriptors(t *testing.T) {
	enrich := NewUpdateState(fakeEnricher{fragment: map[string]any{"x": 1}})
	reg := NewRegistry([]Skill{enrich}, FallbackDescriptors())

	if _, ok := reg.Lookup("update_state"); !ok {
		t.Fatal("registered skill not found")
	}
	if _, ok := reg.Lookup("does_not_exist"); ok {
		t.Fatal("unknown skill resolved")
	}

	descriptors := reg.Descriptors()
	ids := map[string]bool{}
	for _, d := range descriptors {
		ids[d.ID] = true
	}
	for _, want := range []string{"update_state", "chat", "analyze_skill_gaps", "recommend_courses"} {
		if !ids[want] {
			t.Fatalf("descriptor %q not advertised: %v", want, ids)
		}
	}
	// Fallback-only descriptors must not route natively.
	if _, ok := reg.Lookup("chat"); ok {
		t.Fatal("fallback-only capability resolved to a native handler")
	}
}

func TestRetrieveProfileSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user_id"); got != "u1" {
			t.Errorf("user_id = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"user_id": "u1",
			"name":    "Maria Silva",
			"email":   "maria@example.com",
			"skills": []any{
				map[string]any{"skill": "Go"},
				map[string]any{"skill": "SQL"},
			},
		})
	}))
	defer srv.Close()

	skill, err := NewRetrieveProfile(srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	result, err := skill.Execute(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	text := skill.FormatForDisplay(result)
	if !strings.Contains(text, "Maria Silva") || !strings.Contains(text, "Go, SQL") {
		t.Fatalf("formatted profile missing content:\n%s", text)
	}
}

func TestRetrieveProfileNotFoundIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	skill, _ := NewRetrieveProfile(srv.Client(), srv.URL)
	_, err := skill.Execute(context.Background(), "u404", nil)

	var notFound *engine.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if !notFound.Recoverable {
		t.Fatal("missing profile should be recoverable")
	}
}

func TestRetrieveProfileServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	skill, _ := NewRetrieveProfile(srv.Client(), srv.URL)
	_, err := skill.Execute(context.Background(), "u1", nil)

	var external *engine.ExternalServiceError
	if !errors.As(err, &external) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if !external.Retryable() {
		t.Fatal("500 should be retryable")
	}
}

func TestRetrieveProfileTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	skill, _ := NewRetrieveProfile(client, srv.URL)
	_, err := skill.Execute(context.Background(), "u1", nil)

	var external *engine.ExternalServiceError
	if !errors.As(err, &external) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
	if !external.Retryable() {
		t.Fatal("timeout should be retryable")
	}
}

func TestRetrieveProfileEmptyProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	skill, _ := NewRetrieveProfile(srv.Client(), srv.URL)
	result, err := skill.Execute(context.Background(), "u2", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	text := skill.FormatForDisplay(result)
	if !strings.Contains(text, "ainda não possui um perfil") {
		t.Fatalf("empty profile message = %q", text)
	}
}

func TestSaveProfileMissingFields(t *testing.T) {
	skill, _ := NewSaveProfile(http.DefaultClient, "http://unused.invalid")
	_, err := skill.Execute(context.Background(), "u1", map[string]any{
		"profile_data": map[string]any{"firstName": "Maria"},
	})

	var incomplete *engine.IncompleteInputError
	if !errors.As(err, &incomplete) {
		t.Fatalf("err = %v, want IncompleteInputError", err)
	}
	if len(incomplete.Missing) != 2 {
		t.Fatalf("missing = %v, want lastName and email", incomplete.Missing)
	}
}

func TestSaveProfilePostsPayload(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	skill, _ := NewSaveProfile(srv.Client(), srv.URL)
	_, err := skill.Execute(context.Background(), "u1", map[string]any{
		"profile_data": map[string]any{
			"firstName": "Maria", "lastName": "Silva", "email": "maria@example.com",
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if received["user_id"] != "u1" {
		t.Fatalf("posted user_id = %v", received["user_id"])
	}
	if received["perfil_completo"] == nil {
		t.Fatal("profile payload not posted")
	}
	if msg := skill.FormatForDisplay(nil); !strings.Contains(msg, "Perfil salvo") {
		t.Fatalf("confirmation = %q", msg)
	}
}

func TestFindMatchesSortsAndFormats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["limit"] != float64(3) {
			t.Errorf("limit = %v, want 3", body["limit"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"matches": []any{
				map[string]any{"title": "Dev Pleno", "company": "Acme", "final_score": 0.61},
				map[string]any{"title": "Dev Sênior", "company": "Beta", "final_score": 0.92},
				map[string]any{"title": "Dev Júnior", "company": "Gama", "final_score": 0.30},
			},
		})
	}))
	defer srv.Close()

	skill, _ := NewFindMatches(srv.Client(), srv.URL)
	result, err := skill.Execute(context.Background(), "u1", map[string]any{"limit": float64(3)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	matches := result.([]Match)
	if matches[0].Title != "Dev Sênior" || matches[0].Percentage != 92 {
		t.Fatalf("matches not sorted by score: %+v", matches)
	}

	text := skill.FormatForDisplay(result)
	if !strings.Contains(text, "3 oportunidade(s)") || !strings.Contains(text, "Compatibilidade: 92%") {
		t.Fatalf("formatted matches:\n%s", text)
	}
}

func TestFindMatchesEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"matches": []any{}})
	}))
	defer srv.Close()

	skill, _ := NewFindMatches(srv.Client(), srv.URL)
	result, err := skill.Execute(context.Background(), "u1", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if text := skill.FormatForDisplay(result); !strings.Contains(text, "Não encontrei vagas") {
		t.Fatalf("empty result message = %q", text)
	}
}

func TestExtractSearchTerm(t *testing.T) {
	cases := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{"search_term": "engenharia"}, "engenharia"},
		{map[string]any{"message_text": "buscar vagas de soldador"}, "soldador"},
		{map[string]any{"message_text": "Vagas para eletricista"}, "eletricista"},
		{map[string]any{"message_text": "vagas de mecânico industrial"}, "mecânico industrial"},
		{map[string]any{"message_text": "me ajuda com meu currículo"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := extractSearchTerm(tc.params); got != tc.want {
			t.Fatalf("extractSearchTerm(%v) = %q, want %q", tc.params, got, tc.want)
		}
	}
}

func TestSearchVacanciesNoTerm(t *testing.T) {
	skill, _ := NewSearchVacancies(http.DefaultClient, "http://unused.invalid")
	_, err := skill.Execute(context.Background(), "u1", map[string]any{"message_text": "oi"})

	var validation *engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestSearchVacanciesFormats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("text"); got != "soldador" {
			t.Errorf("text = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"vacancies": []any{
					map[string]any{"title": "Soldador MIG", "company": "Metalúrgica Sul", "location": "Curitiba"},
				},
			},
		})
	}))
	defer srv.Close()

	skill, _ := NewSearchVacancies(srv.Client(), srv.URL)
	result, err := skill.Execute(context.Background(), "u1", map[string]any{"search_term": "soldador"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	text := skill.FormatForDisplay(result)
	if !strings.Contains(text, "Soldador MIG") || !strings.Contains(text, "Curitiba") {
		t.Fatalf("formatted vacancies:\n%s", text)
	}
}

type fakeEnricher struct {
	fragment map[string]any
	err      error
}

func (f fakeEnricher) Enrich(_ context.Context, _ string) (map[string]any, error) {
	return f.fragment, f.err
}

func TestUpdateStateUsesMessageTextFallback(t *testing.T) {
	skill := NewUpdateState(fakeEnricher{fragment: map[string]any{"experiencias": []any{"soldador"}}})

	result, err := skill.Execute(context.Background(), "u1", map[string]any{
		"message_text": "trabalhei 5 anos como soldador",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	fragment := result.(map[string]any)
	if fragment["experiencias"] == nil {
		t.Fatalf("fragment = %v", fragment)
	}
}

func TestUpdateStateEmptyContent(t *testing.T) {
	skill := NewUpdateState(fakeEnricher{})
	_, err := skill.Execute(context.Background(), "u1", map[string]any{"message_text": "  "})

	var validation *engine.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
