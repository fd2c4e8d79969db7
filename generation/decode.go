package generation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/kaptinlin/jsonschema"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// extractJSON strips markdown fences and surrounding prose from a model
// response, leaving the outermost JSON object.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		// Drop the language tag line ("```json").
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		text = strings.TrimSpace(body)
	}

	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first >= 0 && last > first {
		return text[first : last+1]
	}
	return text
}

// parseObject decodes text as a JSON object, repairing it if the strict
// parse fails.
func parseObject(text string) (map[string]interface{}, error) {
	var obj map[string]interface{}
	err := json.Unmarshal([]byte(text), &obj)
	if err == nil && obj != nil {
		return obj, nil
	}
	if err == nil {
		err = errors.New("response is not a JSON object")
	}
	originalErr := err

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, originalErr
	}
	obj = nil
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil || obj == nil {
		return nil, originalErr
	}
	return obj, nil
}

// validatorCache holds compiled schemas keyed by their JSON text.
type validatorCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func newValidatorCache() *validatorCache {
	return &validatorCache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *validatorCache) get(schema thought.Schema) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	key := string(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.schemas[key]; ok {
		return compiled, nil
	}

	compiled, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON Schema: %w", err)
	}
	c.schemas[key] = compiled
	return compiled, nil
}

// decode turns a raw structured response into a result carrying every
// field of schema.
func (c *validatorCache) decode(raw string, schema thought.Schema) (thought.StructuredResult, error) {
	obj, err := parseObject(extractJSON(raw))
	if err != nil {
		return nil, &SchemaMismatchError{Schema: schema.Name, Raw: raw, Err: err}
	}

	compiled, err := c.get(schema)
	if err != nil {
		return nil, err
	}
	result := compiled.Validate(obj)
	if !result.IsValid() {
		messages := make([]string, 0, len(result.Errors))
		for field, verr := range result.Errors {
			messages = append(messages, fmt.Sprintf("%s: %s", field, verr.Message))
		}
		sort.Strings(messages)
		return nil, &SchemaMismatchError{
			Schema: schema.Name,
			Raw:    raw,
			Err:    fmt.Errorf("validation failed: %s", strings.Join(messages, "; ")),
		}
	}

	return thought.StructuredResult(obj), nil
}
