// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cosineschedule_test

import (
	"math"
	"testing"

	"github.com/gomlx/shardgrad/pkg/ml/train/optimizers/cosineschedule"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealingSchedule(t *testing.T) {
	const periodInSteps = 100
	const minLearningRate = 0.001
	const baseLearningRate = 1.0

	t.Run("periodSteps", func(t *testing.T) {
		schedule := must.M1(cosineschedule.New(baseLearningRate).
			PeriodSteps(periodInSteps).
			MinLearningRate(minLearningRate).
			Done())
		for ii := range 2 * periodInSteps {
			cycle := float64(ii) / float64(periodInSteps)
			wantLR := (math.Cos((cycle-math.Floor(cycle))*math.Pi) + 1.0) / 2.0
			wantLR = wantLR*(baseLearningRate-minLearningRate) + minLearningRate
			assert.InDeltaf(t, wantLR, schedule.LearningRate(ii), 1e-9, "step %d", ii)
		}
		assert.InDelta(t, baseLearningRate, schedule.LearningRate(0), 1e-9)
		assert.InDelta(t, baseLearningRate, schedule.LearningRate(periodInSteps), 1e-9, "restarts after each period")
		assert.InDelta(t, (baseLearningRate+minLearningRate)/2, schedule.LearningRate(periodInSteps/2), 1e-9)
	})

	t.Run("warmUp", func(t *testing.T) {
		schedule := must.M1(cosineschedule.New(baseLearningRate).
			WarmUpSteps(4).
			PeriodSteps(periodInSteps).
			Done())
		assert.Equal(t, []float64{0.25, 0.5, 0.75, 1}, []float64{
			schedule.LearningRate(0), schedule.LearningRate(1), schedule.LearningRate(2), schedule.LearningRate(3)})
		assert.Equal(t, baseLearningRate, schedule.LearningRate(4), "cosine cycle starts after warm-up")
	})

	t.Run("constant", func(t *testing.T) {
		schedule := must.M1(cosineschedule.New(0.1).Done())
		assert.Equal(t, 0.1, schedule.LearningRate(0))
		assert.Equal(t, 0.1, schedule.LearningRate(1_000))
	})

	t.Run("errors", func(t *testing.T) {
		_, err := cosineschedule.New(0).Done()
		require.Error(t, err)
		_, err = cosineschedule.New(0.1).MinLearningRate(1).Done()
		require.Error(t, err)
		_, err = cosineschedule.New(0.1).PeriodSteps(-1).Done()
		require.Error(t, err)
	})
}
