package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resultSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "obligations": {"type": "array", "items": {"type": "string"}},
    "recentChanges": {"type": "array", "items": {"type": "string"}},
    "risks": {"type": "array", "items": {"type": "string"}},
    "citations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source"],
        "properties": {
          "source": {"type": "string"},
          "url": {"type": "string"}
        }
      }
    }
  }
}`

var resultSchema = mustCompile()

func mustCompile() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("analysis.json", strings.NewReader(resultSchemaJSON)); err != nil {
		panic(fmt.Sprintf("add analysis schema: %v", err))
	}
	return compiler.MustCompile("analysis.json")
}

// decodeResult validates data against the result schema before decoding it.
func decodeResult(data []byte) (*Result, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal analysis: %w", err)
	}
	if err := resultSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("analysis does not match schema: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	res.normalize()
	return &res, nil
}
