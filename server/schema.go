package server

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed turn_request.schema.json
var turnRequestSchema string

const turnRequestSchemaURL = "turn_request.schema.json"

func compileTurnSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(turnRequestSchemaURL, strings.NewReader(turnRequestSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(turnRequestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateBody checks raw against schema and returns one detail line per
// violation.
func validateBody(schema *jsonschema.Schema, raw []byte) ([]string, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	err := schema.Validate(payload)
	if err == nil {
		return nil, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil, err
	}
	return flattenValidation(verr), nil
}

func flattenValidation(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + verr.Message}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, flattenValidation(c)...)
	}
	return out
}
