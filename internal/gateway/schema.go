package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/caminholabs/orienta/internal/engine"
)

const maxEnvelopeBytes = 1 << 20 // 1 MiB

// envelopeSchema is the wire contract for inbound messages. Routing reads
// only metadata; the schema keeps malformed submissions out of the engine.
const envelopeSchema = `{
	"type": "object",
	"required": ["parts"],
	"properties": {
		"id": {"type": "string"},
		"role": {"type": "string"},
		"parts": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"text": {"type": "string"},
					"data": {"type": "object"},
					"contentType": {"type": "string"}
				}
			}
		},
		"metadata": {
			"type": "object",
			"properties": {
				"skillId": {"type": "string"},
				"callerId": {"type": "string"},
				"taskId": {"type": "string"},
				"contextId": {"type": "string"}
			}
		}
	}
}`

var compiledEnvelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("add envelope schema: %v", err))
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("compile envelope schema: %v", err))
	}
	return schema
}

// decodeEnvelope reads, validates and unmarshals the request body.
func decodeEnvelope(r *http.Request) (*engine.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledEnvelopeSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	var env engine.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &env, nil
}
