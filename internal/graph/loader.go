package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// graphSchemaJSON rejects malformed graph documents before decoding.
// Budget fields are optional; missing budgets get the medium defaults.
const graphSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["graph_id", "tasks"],
	"properties": {
		"graph_id": {"type": "string", "minLength": 1},
		"plan_sha256": {"type": "string"},
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["task_id"],
				"properties": {
					"task_id": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"priority": {"type": "integer"},
					"parallelizable": {"type": "boolean"},
					"budget": {
						"type": "object",
						"properties": {
							"max_attempts": {"type": "integer", "minimum": 1},
							"timeout_sec": {"type": "number", "exclusiveMinimum": 0}
						}
					},
					"payload": {"type": "object"}
				}
			}
		},
		"dependencies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["from", "to", "kind"],
				"properties": {
					"from": {"type": "string", "minLength": 1},
					"to": {"type": "string", "minLength": 1},
					"kind": {"enum": ["hard_block", "soft_block"]}
				}
			}
		},
		"orchestrator": {
			"type": "object",
			"properties": {
				"max_parallel_agents": {"type": "integer", "minimum": 1},
				"retry_limit": {"type": "integer", "minimum": 0},
				"target_branch": {"type": "string"},
				"merge_strategy": {"type": "string"},
				"quality_gates": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

// planSchemaJSON guards the operator-facing plan format consumed by
// CompilePlan. Priority and size stay free-form strings; unknown words
// fall back to medium defaults the same way unset ones do.
const planSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tasks"],
	"properties": {
		"plan_id": {"type": "string"},
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"priority": {"type": "string"},
					"size": {"type": "string"},
					"payload": {"type": "object"},
					"relations": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["kind", "target"],
							"properties": {
								"kind": {"enum": ["depends_on", "blocks", "informs"]},
								"target": {"type": "string", "minLength": 1}
							}
						}
					}
				}
			}
		},
		"orchestrator": {
			"type": "object",
			"properties": {
				"max_parallel_agents": {"type": "integer", "minimum": 1},
				"retry_limit": {"type": "integer", "minimum": 0},
				"target_branch": {"type": "string"},
				"merge_strategy": {"type": "string"},
				"quality_gates": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

var (
	schemaOnce  sync.Once
	graphSchema *jsonschema.Schema
	planSchema  *jsonschema.Schema
	schemaErr   error
)

func compiledSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		graphSchema, schemaErr = compileSchema("graph.schema.json", graphSchemaJSON)
		if schemaErr != nil {
			return
		}
		planSchema, schemaErr = compileSchema("plan.schema.json", planSchemaJSON)
	})
	return graphSchema, planSchema, schemaErr
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("failed to add %s: %w", name, err)
	}

	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}
	return schema, nil
}

// Parse decodes a graph document from JSON. The raw document is checked
// against the graph schema first, then decoded and structurally
// validated, so the returned graph is ready for scheduling.
func Parse(data []byte) (*Graph, error) {
	schema, _, err := compiledSchemas()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid graph JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("graph document rejected: %w", err)
	}

	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode graph: %w", err)
	}
	applyBudgetDefaults(&g)

	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Load reads and parses a graph document from disk.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}

	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func applyBudgetDefaults(g *Graph) {
	def := sizeBudgets[defaultSize]
	for i := range g.Tasks {
		if g.Tasks[i].Budget.MaxAttempts <= 0 {
			g.Tasks[i].Budget.MaxAttempts = def.MaxAttempts
		}
		if g.Tasks[i].Budget.TimeoutSec <= 0 {
			g.Tasks[i].Budget.TimeoutSec = def.TimeoutSec
		}
	}
}
