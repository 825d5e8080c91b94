package report

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"qabridge/pkg/schema"
)

// failedTestsSchemaJSON is the JSON Schema for exported failed-tests
// reports. Embedded as a constant to avoid filesystem dependencies.
const failedTestsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://qabridge.dev/schemas/failed-tests.json",
  "type": "object",
  "required": ["generatedAt", "routineId", "cases"],
  "properties": {
    "generatedAt": { "type": "string" },
    "routineId": { "type": "integer", "minimum": 1 },
    "year": { "type": "integer" },
    "months": {
      "type": "array",
      "items": { "type": "integer", "minimum": 1, "maximum": 12 }
    },
    "buildsAnalyzed": { "type": "integer", "minimum": 0 },
    "cases": {
      "type": "array",
      "items": { "$ref": "#/$defs/case" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "case": {
      "type": "object",
      "required": ["caseId", "name", "runs", "fails"],
      "properties": {
        "caseId": { "type": "integer", "minimum": 1 },
        "name": { "type": "string", "minLength": 1 },
        "componentId": { "type": "integer" },
        "component": { "type": "string" },
        "runs": { "type": "integer", "minimum": 0 },
        "fails": { "type": "integer", "minimum": 0 },
        "failRatio": { "type": "number", "minimum": 0, "maximum": 1 },
        "issues": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// rulesSchemaJSON is the JSON Schema for user-supplied skip-rule files.
const rulesSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://qabridge.dev/schemas/rules.json",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "expression"],
    "properties": {
      "name": { "type": "string", "minLength": 1 },
      "language": { "type": "string", "enum": ["expr", "cel"] },
      "expression": { "type": "string", "minLength": 1 }
    },
    "additionalProperties": false
  }
}`

// Validator checks report and rules documents against their JSON
// Schemas before the workflows consume them. Safe for concurrent use.
type Validator struct {
	failedTests *jsonschema.Schema
	rules       *jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	failedTests, err := compileSchema("https://qabridge.dev/schemas/failed-tests.json", failedTestsSchemaJSON)
	if err != nil {
		return nil, err
	}
	rules, err := compileSchema("https://qabridge.dev/schemas/rules.json", rulesSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &Validator{failedTests: failedTests, rules: rules}, nil
}

// ValidateFailedTests validates a failed-tests report document.
func (v *Validator) ValidateFailedTests(data []byte) error {
	return validateBytes(v.failedTests, data)
}

// ValidateRules validates a rules file document.
func (v *Validator) ValidateRules(data []byte) error {
	return validateBytes(v.rules, data)
}

func compileSchema(url, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

func validateBytes(compiled *jsonschema.Schema, data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "document is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toBridgeError(err)
	}
	return nil
}

// toBridgeError converts a jsonschema.ValidationError into a BridgeError
// with the leaf violations listed in the details.
func toBridgeError(err error) *schema.BridgeError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
