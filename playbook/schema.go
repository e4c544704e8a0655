package playbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// schemaJSON is the structural schema playbooks validate against before
// decoding. Template expressions are plain strings at this layer; their
// syntax is checked at render time.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metadata", "workflow"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "path": {"type": "string"},
        "name": {"type": "string", "minLength": 1}
      }
    },
    "workload": {"type": "object"},
    "workbook": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "tool"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "tool": {"$ref": "#/$defs/tool"}
        }
      }
    },
    "workflow": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "$defs": {
    "tool": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"type": "string", "minLength": 1},
        "with": {"type": "object"}
      }
    },
    "transition": {
      "type": "object",
      "properties": {
        "when": {"type": "string"},
        "then": {"type": "string"},
        "step": {"type": "string"},
        "data": {"type": "object"}
      }
    },
    "step": {
      "type": "object",
      "required": ["step"],
      "properties": {
        "step": {"type": "string", "minLength": 1},
        "tool": {"$ref": "#/$defs/tool"},
        "task": {"type": "string"},
        "pipe": {"type": "array"},
        "loop": {
          "type": "object",
          "required": ["in", "iterator"],
          "properties": {
            "iterator": {"type": "string", "minLength": 1},
            "mode": {"enum": ["sequential", "async", "chunked"]},
            "concurrency": {"type": "integer", "minimum": 0},
            "chunk_size": {"type": "integer", "minimum": 0},
            "fanout": {
              "type": "object",
              "properties": {
                "shards": {"type": "integer", "minimum": 0},
                "allow_partial": {"type": "boolean"}
              }
            }
          }
        },
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 1},
            "initial_delay": {"type": "string"},
            "max_delay": {"type": "string"},
            "backoff_multiplier": {"type": "number", "minimum": 0},
            "jitter": {"type": "boolean"},
            "retry_when": {"type": "string"},
            "stop_when": {"type": "string"},
            "continue_while": {"type": "string"},
            "next_page": {"type": "object"},
            "merge_strategy": {"enum": ["append", "extend", "replace", "collect"]},
            "merge_path": {"type": "string"},
            "max_iterations": {"type": "integer", "minimum": 1}
          }
        },
        "vars": {"type": "object"},
        "next": {"type": "array", "items": {"$ref": "#/$defs/transition"}},
        "case": {"type": "array", "items": {"$ref": "#/$defs/transition"}},
        "else": {
          "type": "object",
          "properties": {
            "step": {"type": "string"},
            "do": {"enum": ["fail"]}
          }
        },
        "auth": {"type": "string"},
        "pool": {"type": "string"},
        "output": {
          "type": "object",
          "properties": {
            "store": {
              "type": "object",
              "required": ["kind"],
              "properties": {
                "kind": {"enum": ["auto", "memory", "kv", "object", "s3", "gcs"]}
              }
            },
            "select": {"type": "object"},
            "scope": {"enum": ["step", "execution", "workflow", "permanent"]},
            "ttl": {"type": "string"},
            "inline_max_bytes": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse playbook schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("playbook.json", doc); err != nil {
			schemaErr = fmt.Errorf("register playbook schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("playbook.json")
	})
	return schema, schemaErr
}

// ValidateYAML checks the YAML source against the playbook schema.
func ValidateYAML(src []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return fmt.Errorf("decode playbook: %w", err)
	}
	// Round-trip through JSON so the instance uses the value types the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize playbook: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("normalize playbook: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid playbook: %w", err)
	}
	return nil
}
