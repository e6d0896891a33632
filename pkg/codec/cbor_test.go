package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldsDecodeAsStringMap(t *testing.T) {
	in := map[string]any{
		"TEMP1":       21.5,
		"MODE":        "SAFE",
		"COUNT":       int64(42),
		"num_samples": 60,
		"nested":      map[string]any{"a": 1},
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))

	require.Equal(t, 21.5, out["TEMP1"])
	require.Equal(t, "SAFE", out["MODE"])
	require.Equal(t, int64(42), out["COUNT"])
	require.Equal(t, int64(60), out["num_samples"])
	require.IsType(t, map[string]any{}, out["nested"])
}

func TestDeterministic(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"c": 3, "a": 2, "b": 1})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNaNSurvives(t *testing.T) {
	data, err := Marshal(map[string]any{"X__AVG": math.NaN()})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	f, ok := out["X__AVG"].(float64)
	require.True(t, ok)
	require.True(t, math.IsNaN(f))
}
