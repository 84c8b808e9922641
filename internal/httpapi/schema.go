package httpapi

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

// configsSchema constrains the configs form field before it is decoded into
// panel configs.
const configsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "minItems": 1,
  "maxItems": 10,
  "items": {
    "type": "object",
    "required": ["id", "provider", "model"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "provider": {"type": "string", "enum": ["openai", "anthropic", "gemini"]},
      "model": {"type": "string", "minLength": 1},
      "system": {"type": "string"},
      "max_tokens": {"type": "integer", "minimum": 0},
      "provider_key": {"type": "string"},
      "web_search_enabled": {"type": "boolean"}
    },
    "additionalProperties": false
  }
}`

var compiledConfigsSchema = mustCompileSchema("configs.schema.json", configsSchema)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// parseConfigs validates and decodes the configs form field.
func parseConfigs(raw string) ([]contracts.PanelConfig, error) {
	var payload any
	if err := sonic.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid configs JSON: %w", err)
	}
	if err := compiledConfigsSchema.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid configs: %w", err)
	}

	var configs []contracts.PanelConfig
	if err := sonic.Unmarshal([]byte(raw), &configs); err != nil {
		return nil, fmt.Errorf("invalid configs JSON: %w", err)
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return configs, nil
}
