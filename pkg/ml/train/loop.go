// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements a training loop around a sharding.Stage2 engine.
//
// The loop drives the lifecycle the engine requires on every step: Forward, the backward pass (which
// triggers the gradient reductions), BeforeOptimizerStep, the optimizer update and AfterClearGradients.
package train

import (
	"io"
	"iter"
	"math"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/shardgrad/pkg/ml/train/metrics"
	"github.com/gomlx/shardgrad/pkg/ml/train/sharding"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It is called with the loss of the step.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks. It is called with the loss of the last step.
type OnEndFn func(loop *Loop, loss float64) error

// BackwardFn runs the backward pass given the output of the model's forward: it must accumulate the gradients
// of the parameters and notify them as ready (see model.Backward). It returns the loss of the step.
type BackwardFn func(loop *Loop, output any) (loss float64, err error)

// UpdateFn applies the gradients owned by this rank. It is called between Stage2.BeforeOptimizerStep and
// Stage2.AfterClearGradients.
type UpdateFn func(loop *Loop) error

// Loop runs the training steps of one rank, and calls the appropriate hooks.
//
// It also converts panics (failed engine assertions) into errors.
//
// By itself it doesn't do much, but one can attach functionality to it, like progress bars or
// early-stopping strategies.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Engine driven by the loop.
	Engine *sharding.Stage2

	// LoopStep currently being executed.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it is
	// extrapolated after the first epoch.
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// OptimizerSteps counts the updates applied: with accumulating steps, it is incremented only every
	// NumAccumulatingSteps() loop steps.
	OptimizerSteps int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	backwardFn      BackwardFn
	updateFn        UpdateFn
	accumulateSteps int
	stepDurations   *metrics.StreamingMedian

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the engine, using backwardFn to run the backward pass.
func NewLoop(engine *sharding.Stage2, backwardFn BackwardFn) *Loop {
	return &Loop{
		Engine:          engine,
		SharedData:      make(map[string]any),
		backwardFn:      backwardFn,
		accumulateSteps: 1,
		stepDurations:   metrics.NewStreamingMedian(),
		onStart:         newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:          newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:           newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// WithUpdate sets the function that applies the owned gradients. If not set, gradients are not applied.
func (loop *Loop) WithUpdate(updateFn UpdateFn) *Loop {
	loop.updateFn = updateFn
	return loop
}

// WithAccumulatingSteps sets the number of steps whose gradients are accumulated before each optimizer
// update. The engine must be configured with Config.AccumulateGrads when n > 1, or the looping methods fail.
func (loop *Loop) WithAccumulatingSteps(n int) *Loop {
	loop.accumulateSteps = max(n, 1)
	return loop
}

// NumAccumulatingSteps returns the number of steps accumulated before each optimizer update.
func (loop *Loop) NumAccumulatingSteps() int { return loop.accumulateSteps }

// start of loop, called by all looping methods.
//
// It calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) error {
	if loop.accumulateSteps > 1 && !loop.Engine.AccumulateGrads() {
		return errors.Errorf("Loop accumulates gradients over %d steps, but the sharding engine is not "+
			"configured with AccumulateGrads(true)", loop.accumulateSteps)
	}
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step(inputs []any) (loss float64, err error) {
	startTime := time.Now()
	var stepErr error
	err = exceptions.TryCatch[error](func() {
		loss, stepErr = loop.trainStep(inputs)
	})
	if err == nil {
		err = stepErr
	}
	if err != nil {
		return 0, err
	}
	loop.stepDurations.Update(float64(time.Since(startTime)))

	// Call "OnStep" hooks.
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, loss)
		if err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}

	if math.IsNaN(loss) {
		return 0, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return 0, errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	return loss, nil
}

// trainStep runs forward and backward and, at the end of each accumulation cycle, the optimizer update.
func (loop *Loop) trainStep(inputs []any) (float64, error) {
	engine := loop.Engine
	output, err := engine.Forward(inputs...)
	if err != nil {
		return 0, err
	}
	loss, err := loop.backwardFn(loop, output)
	if err != nil {
		return 0, errors.WithMessage(err, "backward")
	}
	if (loop.LoopStep+1)%loop.accumulateSteps != 0 {
		return loss, nil
	}
	engine.BeforeOptimizerStep()
	if loop.updateFn != nil {
		if err := loop.updateFn(loop); err != nil {
			return 0, errors.WithMessage(err, "optimizer update")
		}
	}
	engine.AfterClearGradients()
	loop.OptimizerSteps++
	return loss, nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the loss of the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (loss float64, err error) {
	if steps <= 0 {
		return 0, nil
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(ds); err != nil {
		return 0, err
	}
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		inputs, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return 0, errors.Errorf(
					"reached Dataset end after %d steps (requested %d steps) -- did you mean to use "+
						"a different (looping) Dataset, or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					loop.LoopStep-loop.StartStep, steps)
			}
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset", steps)
		}
		loss, err = loop.step(inputs)
		if err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed train step (LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (LoopStep=%d)", steps, loop.LoopStep)
	}
	return loss, nil
}

// RunEpochs runs over the dataset epochs times. StartStep is adjusted to the current LoopStep, so it can be
// called multiple times. EndStep starts as -1 and is adjusted after the first epoch, when one knows how many
// steps there are going to be.
// Dataset.Reset is called after each epoch (including the last).
//
// All ranks must see the same number of steps per epoch, since each step involves collective operations.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (loss float64, err error) {
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	if err = loop.start(ds); err != nil {
		return 0, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			inputs, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step (loop.EndStep) and reset.
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset",
					loop.Epoch, epochs)
			}
			yieldsPerEpoch++
			loss, err = loop.step(inputs)
			if err != nil {
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed train step (LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (LoopStep=%d)", epochs, loop.LoopStep)
	}
	return loss, nil
}

// MedianTrainStepDuration returns the (approximate) median duration of each training step. It returns
// 1 millisecond if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if loop.stepDurations.NumSamples() == 0 {
		return time.Millisecond
	}
	return time.Duration(loop.stepDurations.Median())
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
