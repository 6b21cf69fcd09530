// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing learning rate schedule, with an optional linear warm-up.
//
// See [SGDR: Stochastic Gradient Descent with Warm Restarts](https://arxiv.org/abs/1608.03983).
package cosineschedule

import (
	"math"

	"github.com/pkg/errors"
)

// Config for a cosine annealing Schedule, create it with New and finish with Done.
type Config struct {
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
}

// New creates a configuration for a cosine annealing schedule starting at learningRate.
func New(learningRate float64) *Config {
	return &Config{learningRate: learningRate}
}

// PeriodSteps sets the number of steps of each cosine cycle: the learning rate goes from the base learning rate
// to the minimum learning rate in that many steps, and then restarts.
//
// If set to 0 (the default), the schedule is constant, except for the warm-up.
func (c *Config) PeriodSteps(periodSteps int) *Config {
	c.periodNumSteps = periodSteps
	return c
}

// MinLearningRate at the end of each cycle. Defaults to 0.
func (c *Config) MinLearningRate(minLearningRate float64) *Config {
	c.minLearningRate = minLearningRate
	return c
}

// WarmUpSteps sets a number of steps at the start, during which the learning rate grows linearly up to the
// base learning rate. The cosine cycles start after the warm-up.
func (c *Config) WarmUpSteps(warmUpSteps int) *Config {
	c.warmUpSteps = warmUpSteps
	return c
}

// Done validates the configuration and returns the schedule.
func (c *Config) Done() (*Schedule, error) {
	if c.learningRate <= 0 {
		return nil, errors.Errorf("cosineschedule: learning rate must be > 0, got %g", c.learningRate)
	}
	if c.minLearningRate < 0 || c.minLearningRate > c.learningRate {
		return nil, errors.Errorf("cosineschedule: min learning rate must be in [0, %g], got %g",
			c.learningRate, c.minLearningRate)
	}
	if c.periodNumSteps < 0 || c.warmUpSteps < 0 {
		return nil, errors.Errorf("cosineschedule: period (%d) and warm-up (%d) steps must be >= 0",
			c.periodNumSteps, c.warmUpSteps)
	}
	config := *c
	return &Schedule{config: config}, nil
}

// Schedule returns the learning rate for each optimizer step.
type Schedule struct {
	config Config
}

// LearningRate for the given optimizer step, counting from 0.
func (s *Schedule) LearningRate(step int) float64 {
	c := &s.config
	if step < c.warmUpSteps {
		return c.learningRate * float64(step+1) / float64(c.warmUpSteps)
	}
	if c.periodNumSteps == 0 {
		return c.learningRate
	}
	cycle := float64(step-c.warmUpSteps) / float64(c.periodNumSteps)
	cycle -= math.Floor(cycle) // Take only the fractional part: so always in the range `[0.0, 1.0)`.
	lr := (math.Cos(cycle*math.Pi) + 1) / 2 // From 1.0 to 0.0.
	return lr*(c.learningRate-c.minLearningRate) + c.minLearningRate
}
