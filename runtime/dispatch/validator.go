package dispatch

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stewardhq/steward/runtime/fault"
)

// baseRequestSchema validates the dispatch request shape before anything
// else looks at it. Per-method payload schemas layer on top through
// RegisterSchema.
const baseRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["context", "mode"],
	"properties": {
		"context": {
			"type": "object",
			"required": ["orgSlug", "userId", "conversationId", "agentSlug", "agentType", "provider", "model"],
			"properties": {
				"orgSlug": {"type": "string", "minLength": 1},
				"userId": {"type": "string", "minLength": 1},
				"conversationId": {"type": "string", "minLength": 1},
				"agentSlug": {"type": "string", "minLength": 1},
				"agentType": {"type": "string", "minLength": 1},
				"provider": {"type": "string", "minLength": 1},
				"model": {"type": "string", "minLength": 1},
				"taskId": {"type": "string"},
				"planId": {"type": "string"},
				"deliverableId": {"type": "string"}
			}
		},
		"mode": {"enum": ["converse", "plan", "build", "hitl"]},
		"action": {"type": "string"},
		"message": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

// Validator checks dispatch requests against the base request schema and
// optional per-method payload schemas. Safe for concurrent use; schema
// registration normally happens at startup.
type Validator struct {
	mu      sync.RWMutex
	base    *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

// NewValidator compiles the base request schema.
func NewValidator() (*Validator, error) {
	base, err := compileSchema("dispatch-request.json", []byte(baseRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("dispatch: base schema: %w", err)
	}
	return &Validator{
		base:    base,
		methods: make(map[string]*jsonschema.Schema),
	}, nil
}

// RegisterSchema installs the payload schema for one "<mode>.<action>"
// method. Payloads of methods without a schema pass unchecked.
func (v *Validator) RegisterSchema(method string, raw []byte) error {
	sch, err := compileSchema(method+".json", raw)
	if err != nil {
		return fmt.Errorf("dispatch: schema for %s: %w", method, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.methods[method] = sch
	return nil
}

// ValidateRequest checks the decoded request document against the base
// schema. doc is the request decoded into generic JSON values.
func (v *Validator) ValidateRequest(doc any) error {
	if err := v.base.Validate(doc); err != nil {
		return fault.New(fault.KindBadRequest, "invalid request: %s", err.Error())
	}
	return nil
}

// ValidatePayload checks an action payload against the schema registered for
// the method, if any.
func (v *Validator) ValidatePayload(method string, payload map[string]any) error {
	v.mu.RLock()
	sch, ok := v.methods[method]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	doc := any(payload)
	if payload == nil {
		doc = map[string]any{}
	}
	if err := sch.Validate(doc); err != nil {
		return fault.New(fault.KindBadRequest, "invalid payload for %s: %s", method, err.Error())
	}
	return nil
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, err
	}
	return c.Compile(name)
}
