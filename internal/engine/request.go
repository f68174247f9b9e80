package engine

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Envelope is the transport-agnostic inbound request.
type Envelope struct {
	ID       string         `json:"id"`
	Role     string         `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Request is the normalized form the dispatcher routes on.
type Request struct {
	TaskID    string
	ContextID string
	CallerID  string
	// SkillID is taken verbatim from metadata; it is never inferred from
	// the message text.
	SkillID string
	Text    string
	Params  map[string]any
	Raw     json.RawMessage
}

// Metadata keys recognized during normalization.
const (
	metaSkillID   = "skillId"
	metaCallerID  = "callerId"
	metaTaskID    = "taskId"
	metaContextID = "contextId"
)

// Normalize turns an inbound envelope into a routed request. Identifier
// defaulting: taskId falls back to the envelope id or a fresh UUID,
// contextId to the taskId, and callerId to a generated transport identity
// derived from the contextId.
func Normalize(env *Envelope) *Request {
	req := &Request{
		Params: map[string]any{},
	}

	for k, v := range env.Metadata {
		req.Params[k] = v
	}

	req.SkillID = metaString(env.Metadata, metaSkillID)
	req.TaskID = metaString(env.Metadata, metaTaskID)
	if req.TaskID == "" {
		req.TaskID = env.ID
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	req.ContextID = metaString(env.Metadata, metaContextID)
	if req.ContextID == "" {
		req.ContextID = req.TaskID
	}
	req.CallerID = metaString(env.Metadata, metaCallerID)
	if req.CallerID == "" {
		req.CallerID = "a2a_" + req.ContextID
	}

	var texts []string
	for _, p := range env.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	req.Text = strings.Join(texts, "\n")

	if raw, err := json.Marshal(env); err == nil {
		req.Raw = raw
	} else {
		req.Raw = json.RawMessage(`{}`)
	}
	return req
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
