package transform

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Evaluator maps an assembled input document to an output document using
// a declarative expression. The engine treats the expression language as
// a swappable capability; any JSON query or projection engine can back
// this interface.
type Evaluator interface {
	Evaluate(expression string, document map[string]interface{}) (interface{}, error)
}

// GJSONEvaluator evaluates gjson path expressions against the document.
type GJSONEvaluator struct{}

// NewEvaluator returns the default expression evaluator.
func NewEvaluator() *GJSONEvaluator {
	return &GJSONEvaluator{}
}

// Evaluate runs the expression against the document. A path that matches
// nothing is an evaluation error, never an empty result.
func (e *GJSONEvaluator) Evaluate(expression string, document map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, fmt.Errorf("transform expression is empty")
	}

	data, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize input document: %w", err)
	}

	result := gjson.GetBytes(data, expression)
	if !result.Exists() {
		return nil, fmt.Errorf("transform expression %q matched nothing", expression)
	}
	return result.Value(), nil
}
