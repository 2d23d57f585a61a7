package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		context    map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Choice equals",
			expression: `lastChoiceValue == "yes"`,
			context:    map[string]interface{}{"lastChoiceValue": "yes"},
			wantResult: true,
		},
		{
			name:       "Choice differs",
			expression: `lastChoiceValue == "yes"`,
			context:    map[string]interface{}{"lastChoiceValue": "no"},
			wantResult: false,
		},
		{
			name:       "Missing variable is nil",
			expression: `lastChoiceValue == nil`,
			context:    map[string]interface{}{},
			wantResult: true,
		},
		{
			name:       "Numeric comparison",
			expression: "age > 18",
			context:    map[string]interface{}{"age": 25},
			wantResult: true,
		},
		{
			name:       "Has helper",
			expression: `has("age") && !has("name")`,
			context:    map[string]interface{}{"age": 25},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			context:    map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "expression 'age + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			context:    map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "failed to compile expression",
		},
		{
			name:       "Runtime type error",
			expression: "missing > 18",
			context:    map[string]interface{}{},
			wantErr:    true,
			errMsg:     "failed to evaluate expression",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.False(t, result)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
		})
	}

	t.Run("Context is not modified", func(t *testing.T) {
		context := map[string]interface{}{"score": 15}
		_, err := evaluator.Evaluate("score > 10", context)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"score": 15}, context)
	})

	t.Run("Cached program runs against different contexts", func(t *testing.T) {
		ok, err := evaluator.Evaluate(`tier == "gold"`, map[string]interface{}{"tier": "gold"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = evaluator.Evaluate(`tier == "gold"`, map[string]interface{}{"tier": 3})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Custom option func", func(t *testing.T) {
		evaluator := NewExprEvaluator()
		evaluator.AddOptionFunc("choices", func(c map[string]interface{}) interface{} {
			return len(c)
		})
		ok, err := evaluator.Evaluate("choices == 2", map[string]interface{}{"a": 1, "b": 2})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		context := map[string]interface{}{"value": 42}

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate("value > 0", context)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	context := map[string]interface{}{"x": 10}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("x > 5", context)
	}
}
