// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

// Package validate checks prediction inputs against the predictor's
// declared input schema before dispatching to the worker, catching
// missing required fields and unknown fields with the same error shape
// a pydantic model would produce, so existing cog clients need no
// changes to their error handling.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/tomtom215/coglet-go/internal/logging"
)

// FieldError is a single per-field validation failure, shaped to slot
// directly into a pydantic-compatible `detail` array entry.
type FieldError struct {
	Field     string `json:"field"`
	Message   string `json:"msg"`
	ErrorType string `json:"error_type"`
}

const resourceURL = "mem://coglet/input-schema.json"

// Validator checks prediction inputs against a compiled Input schema.
type Validator struct {
	schema     *jsonschema.Schema
	properties map[string]bool
	required   []string
}

// FromOpenAPISchema builds a Validator from a full OpenAPI document,
// extracting components.schemas.Input and injecting
// additionalProperties: false for parity with the reference predictor
// runtime's pydantic-generated schemas. It returns (nil, nil) — not an
// error — when the document has no Input component, since many
// predictors (e.g. those with no inputs) legitimately have none.
func FromOpenAPISchema(doc map[string]interface{}) (*Validator, error) {
	inputSchema, ok := extractInputSchema(doc)
	if !ok {
		return nil, nil
	}

	properties := map[string]bool{}
	if props, ok := inputSchema["properties"].(map[string]interface{}); ok {
		for name := range props {
			properties[name] = true
		}
	}

	var required []string
	if reqs, ok := inputSchema["required"].([]interface{}); ok {
		for _, r := range reqs {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}

	compiledInput := make(map[string]interface{}, len(inputSchema)+1)
	for k, v := range inputSchema {
		compiledInput[k] = v
	}
	compiledInput["additionalProperties"] = false

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, compiledInput); err != nil {
		logging.Warn().Err(err).Msg("failed to register input schema resource")
		return nil, fmt.Errorf("validate: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to compile input schema validator")
		return nil, fmt.Errorf("validate: compile input schema: %w", err)
	}

	return &Validator{schema: schema, properties: properties, required: required}, nil
}

func extractInputSchema(doc map[string]interface{}) (map[string]interface{}, bool) {
	components, ok := doc["components"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	schemas, ok := components["schemas"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	input, ok := schemas["Input"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	return input, true
}

// RequiredCount returns the number of required input fields.
func (v *Validator) RequiredCount() int { return len(v.required) }

// Validate checks input against the compiled schema. A nil slice means
// input passed validation.
//
// The error tree is walked once: a required failure expands into one
// entry per missing required field, an additionalProperties failure into
// one entry per unknown field, and every other leaf becomes a
// type/constraint entry keyed by the failing value's instance location,
// so `{"s": 1, "extra": true}` reports both the extra field and the type
// mismatch on "s".
func (v *Validator) Validate(input interface{}) []FieldError {
	err := v.schema.Validate(input)
	if err == nil {
		return nil
	}

	var root *jsonschema.ValidationError
	if !errors.As(err, &root) {
		return []FieldError{{Field: "__root__", Message: err.Error(), ErrorType: "value_error"}}
	}

	inputObj, _ := input.(map[string]interface{})

	var errs []FieldError
	seenRequired := false
	seenAdditional := false

	for _, leaf := range leafErrors(root) {
		switch leaf.ErrorKind.(type) {
		case *kind.Required:
			if seenRequired {
				continue
			}
			seenRequired = true
			for _, field := range v.required {
				if _, present := inputObj[field]; !present {
					errs = append(errs, FieldError{Field: field, Message: "Field required", ErrorType: "value_error.missing"})
				}
			}

		case *kind.AdditionalProperties:
			seenAdditional = v.appendExtraFields(&errs, inputObj, seenAdditional)

		case *kind.FalseSchema:
			// additionalProperties:false may surface as a false-schema
			// failure located at the extra property itself.
			if len(leaf.InstanceLocation) == 1 && !v.properties[leaf.InstanceLocation[0]] {
				seenAdditional = v.appendExtraFields(&errs, inputObj, seenAdditional)
				continue
			}
			errs = append(errs, FieldError{
				Field:     fieldFromLocation(leaf.InstanceLocation),
				Message:   leaf.Error(),
				ErrorType: "value_error",
			})

		default:
			errs = append(errs, FieldError{
				Field:     fieldFromLocation(leaf.InstanceLocation),
				Message:   leaf.Error(),
				ErrorType: "value_error",
			})
		}
	}

	if len(errs) == 0 {
		errs = append(errs, FieldError{Field: "__root__", Message: root.Error(), ErrorType: "value_error"})
	}
	return errs
}

// appendExtraFields emits one value_error.extra entry per unknown input
// field, at most once per Validate call; it returns the updated seen
// flag.
func (v *Validator) appendExtraFields(errs *[]FieldError, inputObj map[string]interface{}, seen bool) bool {
	if seen {
		return true
	}
	for key := range inputObj {
		if !v.properties[key] {
			*errs = append(*errs, FieldError{
				Field:     key,
				Message:   fmt.Sprintf("Unexpected field '%s'", key),
				ErrorType: "value_error.extra",
			})
		}
	}
	return true
}

// leafErrors flattens a validation error tree to its leaves, which carry
// the individual keyword failures.
func leafErrors(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var leaves []*jsonschema.ValidationError
	for _, cause := range e.Causes {
		leaves = append(leaves, leafErrors(cause)...)
	}
	return leaves
}

// fieldFromLocation renders an instance location as a field name:
// ["count"] -> "count", nested paths join with "/", and an empty
// location (the input as a whole) reports as "__root__".
func fieldFromLocation(location []string) string {
	if len(location) == 0 {
		return "__root__"
	}
	return strings.Join(location, "/")
}
