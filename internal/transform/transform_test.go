package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateProjectsPath(t *testing.T) {
	e := NewEvaluator()
	document := map[string]interface{}{
		"p1": map[string]interface{}{
			"users": []interface{}{
				map[string]interface{}{"id": float64(1), "name": "ada"},
				map[string]interface{}{"id": float64(2), "name": "lin"},
			},
		},
	}

	result, err := e.Evaluate("p1.users", document)
	require.NoError(t, err)

	records, ok := result.([]interface{})
	require.True(t, ok)
	assert.Len(t, records, 2)
}

func TestEvaluateSupportsProjections(t *testing.T) {
	e := NewEvaluator()
	document := map[string]interface{}{
		"p1": map[string]interface{}{
			"users": []interface{}{
				map[string]interface{}{"id": float64(1), "name": "ada"},
			},
		},
	}

	result, err := e.Evaluate("p1.users.#.name", document)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"ada"}, result)
}

func TestEvaluateMissingPathFails(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("nope.users", map[string]interface{}{"p1": "x"})
	assert.Error(t, err)
}

func TestEvaluateEmptyExpressionFails(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Evaluate("", map[string]interface{}{})
	assert.Error(t, err)
}
