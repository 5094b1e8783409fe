package schema

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/apiforge-io/apiforge/core"
)

// definitionSchema is the JSON Schema the definition document must satisfy
// before compilation even starts. Compilation still performs the semantic
// checks a schema cannot express (connect targets, regex patterns, base
// queries).
const definitionSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["entities"],
	"properties": {
		"collations": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"entities": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {"$ref": "#/definitions/entity"}
		}
	},
	"definitions": {
		"entity": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"collection": {"type": "string"},
				"attributes": {
					"type": "object",
					"additionalProperties": {"$ref": "#/definitions/attribute"}
				},
				"acl": {"$ref": "#/definitions/acl"},
				"audit": {"type": "boolean"},
				"csv": {"type": "boolean"},
				"query": {"type": "string"},
				"collation": {"type": "string"},
				"seed": {"type": "array", "items": {"type": "object"}}
			}
		},
		"attribute": {
			"oneOf": [
				{"type": "string"},
				{
					"type": "object",
					"properties": {
						"type": {"type": "string"},
						"name": {"type": "string"},
						"description": {"type": "string"},
						"order": {"type": "integer"},
						"textsearch": {"type": "integer"},
						"required": {"type": "boolean"},
						"csv": {"type": "boolean"},
						"compute": {"oneOf": [{"type": "string"}, {"type": "object"}]},
						"connect_entity": {"type": "string"},
						"ref": {"type": "string"},
						"enum": {"type": "array", "items": {"type": "string"}},
						"match": {"type": "string"}
					}
				}
			]
		},
		"acl": {
			"type": "object",
			"properties": {
				"disabled": {"type": "boolean"},
				"default": {
					"type": "object",
					"properties": {
						"public": {"type": "integer", "minimum": 0, "maximum": 7},
						"owner": {"type": "object", "additionalProperties": {"type": "integer"}},
						"groups": {"type": "object", "additionalProperties": {"type": "integer"}}
					}
				},
				"create": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

// ValidateDefinition checks a definition document against the definition
// schema and reports all violations in one error.
func ValidateDefinition(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return core.InvalidArgumentf("cannot parse definition: %s", err)
	}
	if result.Valid() {
		return nil
	}
	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return core.InvalidArgumentf("invalid definition: %s", strings.Join(violations, "; "))
}
