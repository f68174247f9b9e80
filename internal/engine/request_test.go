package engine

import (
	"strings"
	"testing"
)

func TestNormalizeExplicitMetadata(t *testing.T) {
	env := &Envelope{
		ID:   "m1",
		Role: "user",
		Parts: []Part{
			{Text: "quero ver meu perfil"},
		},
		Metadata: map[string]any{
			"skillId":  "retrieve_user_profile",
			"callerId": "u1",
			"taskId":   "t1",
		},
	}

	req := Normalize(env)
	if req.SkillID != "retrieve_user_profile" {
		t.Fatalf("skill id = %q", req.SkillID)
	}
	if req.CallerID != "u1" || req.TaskID != "t1" {
		t.Fatalf("ids = %q/%q", req.CallerID, req.TaskID)
	}
	if req.ContextID != "t1" {
		t.Fatalf("context id = %q, want defaulted to task id", req.ContextID)
	}
	if req.Text != "quero ver meu perfil" {
		t.Fatalf("text = %q", req.Text)
	}
}

func TestNormalizeNeverSniffsSkillFromText(t *testing.T) {
	env := &Envelope{
		ID:    "m2",
		Parts: []Part{{Text: "retrieve_user_profile please"}},
	}
	req := Normalize(env)
	if req.SkillID != "" {
		t.Fatalf("skill id = %q, want empty: text is never skill-matched", req.SkillID)
	}
}

func TestNormalizeGeneratedIdentifiers(t *testing.T) {
	env := &Envelope{Parts: []Part{{Text: "olá"}}}
	req := Normalize(env)

	if req.TaskID == "" {
		t.Fatal("task id not generated")
	}
	if req.ContextID != req.TaskID {
		t.Fatalf("context id = %q, want task id %q", req.ContextID, req.TaskID)
	}
	if !strings.HasPrefix(req.CallerID, "a2a_") {
		t.Fatalf("caller id = %q, want a2a_ prefix", req.CallerID)
	}
	if !strings.Contains(req.CallerID, req.ContextID) {
		t.Fatalf("caller id %q not derived from context id %q", req.CallerID, req.ContextID)
	}
}

func TestNormalizeEnvelopeIDAsTaskID(t *testing.T) {
	env := &Envelope{ID: "msg-42", Parts: []Part{{Text: "oi"}}}
	req := Normalize(env)
	if req.TaskID != "msg-42" {
		t.Fatalf("task id = %q, want envelope id", req.TaskID)
	}
}

func TestNormalizeJoinsTextParts(t *testing.T) {
	env := &Envelope{
		ID: "m3",
		Parts: []Part{
			{Text: "primeira linha"},
			{Data: map[string]any{"k": "v"}, ContentType: "application/json"},
			{Text: "segunda linha"},
		},
	}
	req := Normalize(env)
	if req.Text != "primeira linha\nsegunda linha" {
		t.Fatalf("text = %q", req.Text)
	}
}

func TestNormalizeCarriesMetadataParams(t *testing.T) {
	env := &Envelope{
		ID: "m4",
		Metadata: map[string]any{
			"skillId": "find_job_matches",
			"limit":   float64(5),
		},
	}
	req := Normalize(env)
	if req.Params["limit"] != float64(5) {
		t.Fatalf("params limit = %v", req.Params["limit"])
	}
}
