// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds streaming statistics used to report on training runs.
package metrics

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
)

// DefaultSampleSize is the default number of samples kept by a StreamingMedian.
const DefaultSampleSize = 10_001

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling.
//
// It is not safe for concurrent use.
type StreamingMedian struct {
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a StreamingMedian with DefaultSampleSize samples.
func NewStreamingMedian() *StreamingMedian {
	return &StreamingMedian{maxNumSamples: DefaultSampleSize}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
// It should be called before the first Update.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	if n < 1 {
		exceptions.Panicf("StreamingMedian.WithSampleSize(%d): sample size must be >= 1", n)
	}
	m.maxNumSamples = n
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedian) WithSeed(seed uint64) *StreamingMedian {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update adds the values to the stream.
func (m *StreamingMedian) Update(values ...float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, min(m.maxNumSamples, 1024))
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	for _, x := range values {
		m.samplesSeen++

		// Simple case: we have space to simply store the new sampled x.
		if len(m.samples) < m.maxNumSamples {
			m.samples = append(m.samples, x)
			continue
		}

		// We must decide whether to keep x:
		if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
			continue
		}
		// We replace the new sampled x in a random position.
		m.samples[m.rng.IntN(m.maxNumSamples)] = x
	}
}

// NumSamples returns the number of values seen so far (not only the ones kept).
func (m *StreamingMedian) NumSamples() int { return m.samplesSeen }

// Median returns the approximate median of the values seen. It panics if no value was seen.
func (m *StreamingMedian) Median() float64 {
	if len(m.samples) == 0 {
		exceptions.Panicf("StreamingMedian has seen no samples to read")
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2]
}

// Reset forgets all values seen.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
