package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/crucible-sre/crucible/pkg/health"
)

// checkSchema is the contract every check document must satisfy before the
// orchestrator ever sees it. Catching a malformed threshold here is much
// cheaper than a mis-scored check in production.
const checkSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "target"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "category": {"enum": ["infrastructure", "application", "business"]},
    "target": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"enum": ["", "http", "tcp"]},
        "url": {"type": "string"},
        "addr": {"type": "string"}
      }
    },
    "timeout": {"type": "integer", "minimum": 0},
    "weight": {"type": "number", "minimum": 0},
    "thresholds": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "warn": {"type": "number"},
          "fail": {"type": "number"},
          "direction": {"enum": ["", "above", "below"]}
        }
      }
    }
  }
}`

var compiledCheckSchema = mustCompileCheckSchema()

func mustCompileCheckSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://crucible.schemas.local/check.schema.json"
	if err := c.AddResource(url, strings.NewReader(checkSchema)); err != nil {
		panic(fmt.Sprintf("check schema resource: %v", err))
	}
	return c.MustCompile(url)
}

// ValidateChecks validates every check spec against the embedded schema and
// enforces the cross-field rules the schema cannot express.
func ValidateChecks(specs []health.Spec) error {
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		doc, err := toDocument(spec)
		if err != nil {
			return fmt.Errorf("check %d: %w", i, err)
		}
		if err := compiledCheckSchema.Validate(doc); err != nil {
			return fmt.Errorf("check %d (%s): %w", i, spec.ID, err)
		}
		if seen[spec.ID] {
			return fmt.Errorf("check %d: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = true

		switch spec.Target.Kind {
		case "tcp":
			if spec.Target.Addr == "" {
				return fmt.Errorf("check %q: tcp target requires addr", spec.ID)
			}
		default:
			if spec.Target.URL == "" {
				return fmt.Errorf("check %q: http target requires url", spec.ID)
			}
		}
		for metric, th := range spec.Thresholds {
			if th.Direction == "below" {
				if th.Fail > th.Warn {
					return fmt.Errorf("check %q metric %q: fail must not exceed warn when direction is below", spec.ID, metric)
				}
			} else if th.Warn > th.Fail {
				return fmt.Errorf("check %q metric %q: warn must not exceed fail", spec.ID, metric)
			}
		}
	}
	return nil
}

// toDocument round-trips a spec through JSON so the schema sees the same
// shape operators write in YAML.
func toDocument(spec health.Spec) (any, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal check: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode check: %w", err)
	}
	return doc, nil
}
