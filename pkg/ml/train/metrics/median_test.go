// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingMedian(t *testing.T) {
	t.Run("Exact", func(t *testing.T) {
		m := NewStreamingMedian()
		m.Update(5, 1, 4, 2, 3)
		assert.Equal(t, 5, m.NumSamples())
		assert.Equal(t, 3.0, m.Median())
	})

	t.Run("Random 1/r numbers", func(t *testing.T) {
		// Sample 0.01 < r < 1.0 and feed 1/r, an asymmetric distribution whose median
		// is much lower than its mean.
		const numExamples = 100_001
		m := NewStreamingMedian().WithSampleSize(10_000).WithSeed(42)
		rng := rand.New(rand.NewPCG(1, 2))
		values := make([]float64, 0, numExamples)
		for range numExamples {
			r := 1 / (rng.Float64()*0.99 + 0.01)
			values = append(values, r)
			m.Update(r)
		}
		slices.Sort(values)
		want := values[numExamples/2]
		assert.InEpsilon(t, want, m.Median(), 0.05)
	})

	t.Run("Reset", func(t *testing.T) {
		m := NewStreamingMedian().WithSampleSize(2)
		m.Update(1, 2, 3, 4)
		assert.Equal(t, 4, m.NumSamples())
		m.Reset()
		assert.Equal(t, 0, m.NumSamples())
		require.Panics(t, func() { m.Median() })
		require.Panics(t, func() { m.WithSampleSize(0) })
	})
}
