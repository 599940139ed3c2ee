package utils

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConcurrency(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultConcurrency(), 1)
}

func TestRecoverAsError(t *testing.T) {
	f := func() (err error) {
		defer RecoverAsError(&err)
		panic("commit exploded")
	}
	err := f()
	require.Error(t, err)
	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "commit exploded", pe.Value)
	assert.NotEmpty(t, pe.StackTrace)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1.0, Magnitude(v), 1e-6)
	assert.Nil(t, Normalize([]float32{0, 0}))
}

func TestTopKByScore(t *testing.T) {
	items := []ScoredItem[string]{{"a", 0.1}, {"b", 0.9}, {"c", 0.5}, {"d", 0.7}}

	top := TopKByScore(items, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Item)
	assert.Equal(t, "d", top[1].Item)

	all := TopKByScore(items, 10)
	require.Len(t, all, 4)
	assert.Equal(t, "a", all[3].Item)
	assert.False(t, math.IsNaN(all[0].Score))

	assert.Nil(t, TopKByScore(items, 0))
}
