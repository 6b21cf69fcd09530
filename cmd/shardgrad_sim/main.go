// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// shardgrad_sim simulates groups of ranks training a synthetic model with their gradients sharded
// across the ranks of each group, and reports the gradient memory held by each rank.
//
// Each rank pulls its parameters towards a different target (rank+1), so the model converges to the mean
// target only if the gradients are correctly reduced.
//
// Example:
//
//	shardgrad_sim -ranks=4 -steps=200 -set="buffer_max_size=65536;accumulate_steps=2"
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/ml/train"
	"github.com/gomlx/shardgrad/pkg/ml/train/optimizers"
	"github.com/gomlx/shardgrad/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/shardgrad/pkg/ml/train/sharding"
	"github.com/gomlx/shardgrad/pkg/support/xslices"
	"github.com/gomlx/shardgrad/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var (
	flagRanks    = flag.Int("ranks", 4, "Number of ranks in each communication group: gradients are sharded across them.")
	flagReplicas = flag.Int("replicas", 1, "Number of independent communication groups, each training its own copy "+
		"of the model.")
	flagSteps        = flag.Int("steps", 100, "Number of training steps.")
	flagNumParams    = flag.Int("num_params", 16, "Number of parameters of the synthetic model.")
	flagMaxParamSize = flag.Int("max_param_size", 100_000, "Maximum number of elements of each parameter.")
	flagSeed         = flag.Uint64("seed", 42, "Seed used to generate the synthetic model.")
	flagWaitTimeout  = flag.Duration("wait_timeout", time.Minute, "Maximum time to wait for a collective "+
		"operation, 0 to wait forever.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar for the first rank.")
)

// defaultSettings holds the configuration that can be changed with -set.
func defaultSettings() commandline.Settings {
	return commandline.Settings{
		"buffer_max_size":   sharding.DefaultBufferMaxSize,
		"sync_models":       true,
		"sync_buffers":      false,
		"grad_storage":      true,
		"auto_refresh":      true,
		"accumulate_steps":  1,
		"offload":           false,
		"alignment":         optimizers.DefaultAlignment,
		"optimizer":         "sgd",
		"learning_rate":     0.1,
		"min_learning_rate": 0.0,
		"cosine_period":     0,
		"warmup_steps":      0,
		"float16_every":     0,
		"frozen_every":      0,
	}
}

func main() {
	klog.InitFlags(nil)
	settings := defaultSettings()
	flagSettings := commandline.CreateSettingsFlag(settings, "")
	flag.Parse()
	paramsSet, err := commandline.ParseSettings(settings, *flagSettings)
	if err != nil {
		klog.Errorf("Invalid -set: %+v", err)
		os.Exit(1)
	}
	klog.V(1).Infof("Settings (%d changed):\n%s", len(paramsSet), commandline.SprintSettings(settings))
	if *flagRanks < 2 {
		klog.Errorf("-ranks must be at least 2, got %d", *flagRanks)
		os.Exit(1)
	}

	var runErr error
	err = exceptions.TryCatch[error](func() { runErr = run(settings) })
	if err == nil {
		err = runErr
	}
	if err != nil {
		klog.Errorf("Simulation failed: %+v", err)
		os.Exit(1)
	}
}

// paramSpec describes one parameter of the synthetic model.
type paramSpec struct {
	name      string
	dtype     dtypes.DType
	size      int
	trainable bool
}

// syntheticSpecs generates the parameters of the synthetic model. All ranks use the same specs.
func syntheticSpecs(settings commandline.Settings) []paramSpec {
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed))
	float16Every := commandline.GetSettingOr(settings, "float16_every", 0)
	frozenEvery := commandline.GetSettingOr(settings, "frozen_every", 0)
	specs := make([]paramSpec, *flagNumParams)
	for ii := range specs {
		specs[ii] = paramSpec{
			name:      fmt.Sprintf("layer_%03d", ii),
			dtype:     dtypes.Float32,
			size:      1 + rng.IntN(*flagMaxParamSize),
			trainable: true,
		}
		if float16Every > 0 && ii%float16Every == float16Every-1 {
			specs[ii].dtype = dtypes.Float16
		}
		if frozenEvery > 0 && ii%frozenEvery == frozenEvery-1 {
			specs[ii].trainable = false
		}
	}
	return specs
}

// stepsDataset yields the step number, forever.
type stepsDataset struct {
	step int
}

func (ds *stepsDataset) Name() string { return "steps" }
func (ds *stepsDataset) Reset()       { ds.step = 0 }
func (ds *stepsDataset) Yield() ([]any, error) {
	ds.step++
	return []any{ds.step}, nil
}

// newRankLoop creates the model, the optimizer, the engine and the training loop of one rank.
// It must be called concurrently by all the ranks of the group, since creating the engine is collective.
func newRankLoop(group distributed.Group, specs []paramSpec, settings commandline.Settings) (*train.Loop, error) {
	target := float64(group.Rank() + 1)
	m := model.NewModule(func(m *model.Module, inputs ...any) (any, error) {
		// The buffer counts the steps seen.
		return inputs, m.Buffers()[0].Add(tensors.FromScalarAndDimensions(float32(1), 1))
	})
	for _, spec := range specs {
		p := m.AddParameter(model.NewParameter(spec.name, tensors.FromShape(spec.dtype, spec.size)))
		p.SetTrainable(spec.trainable)
	}
	m.AddBuffer(tensors.FromShape(dtypes.Float32, 1))

	opt, err := optimizers.Sharded(m.Parameters(), group.NumRanks()).
		Alignment(commandline.GetSettingOr(settings, "alignment", optimizers.DefaultAlignment)).
		Offload(commandline.GetSettingOr(settings, "offload", false)).
		Done()
	if err != nil {
		return nil, err
	}
	accumulateSteps := commandline.GetSettingOr(settings, "accumulate_steps", 1)
	engine, err := sharding.New(m, group, opt).
		BufferMaxSize(commandline.GetSettingOr(settings, "buffer_max_size", sharding.DefaultBufferMaxSize)).
		SyncModels(commandline.GetSettingOr(settings, "sync_models", true)).
		SyncBuffers(commandline.GetSettingOr(settings, "sync_buffers", false)).
		UseGradStorage(commandline.GetSettingOr(settings, "grad_storage", true)).
		AutoRefreshTrainable(commandline.GetSettingOr(settings, "auto_refresh", true)).
		AccumulateGrads(accumulateSteps > 1).
		Done()
	if err != nil {
		return nil, err
	}

	// Quadratic loss 0.5*mean((w-target)^2) per rank: the gradient of each element is (w-target)/numElements.
	var numElements int
	for _, p := range m.Parameters() {
		if p.Trainable() {
			numElements += p.Size()
		}
	}
	backward := func(_ *train.Loop, _ any) (float64, error) {
		var sumSquares float64
		grads := make(map[string]*tensors.Tensor, len(specs))
		for _, p := range m.Parameters() {
			if !p.Trainable() {
				continue
			}
			diff := p.Value().ConvertTo(dtypes.Float64)
			if err := diff.Add(tensors.FromScalarAndDimensions(-target, p.Size())); err != nil {
				return 0, err
			}
			values := diff.Float64s()
			sumSquares += floats.Dot(values, values)
			diff.Scale(1 / float64(numElements))
			grads[p.Name()] = diff.ConvertTo(p.DType())
		}
		return 0.5 * sumSquares / float64(numElements), model.Backward(m, grads)
	}

	schedule, err := cosineschedule.New(commandline.GetSettingOr(settings, "learning_rate", 0.1)).
		PeriodSteps(commandline.GetSettingOr(settings, "cosine_period", 0)).
		MinLearningRate(commandline.GetSettingOr(settings, "min_learning_rate", 0.0)).
		WarmUpSteps(commandline.GetSettingOr(settings, "warmup_steps", 0)).
		Done()
	if err != nil {
		return nil, err
	}
	var applyFn func(learningRate float64) error
	var stateMemoryFn func() uintptr
	switch optimizerName := commandline.GetSettingOr(settings, "optimizer", "sgd"); optimizerName {
	case "sgd":
		applyFn = func(learningRate float64) error {
			// The gradients are scaled down by the number of elements.
			_, err := opt.Step(group.Rank(), learningRate*float64(numElements))
			return err
		}
		stateMemoryFn = func() uintptr { return 0 }
	case "adam":
		adam, err := optimizers.Adam(opt, group.Rank()).Done()
		if err != nil {
			return nil, err
		}
		applyFn = func(learningRate float64) error {
			_, err := adam.Step(learningRate)
			return err
		}
		stateMemoryFn = adam.StateMemory
	default:
		return nil, errors.Errorf("unknown optimizer %q, valid values are \"sgd\" or \"adam\"", optimizerName)
	}
	update := func(loop *train.Loop) error {
		if err := applyFn(schedule.LearningRate(loop.OptimizerSteps)); err != nil {
			return err
		}
		return opt.BroadcastParams(group)
	}
	loop := train.NewLoop(engine, backward).
		WithAccumulatingSteps(accumulateSteps).
		WithUpdate(update)
	loop.SharedData[commandline.OptimizerStateMemoryKey] = stateMemoryFn
	return loop, nil
}

func run(settings commandline.Settings) error {
	numRanks := *flagRanks
	mesh := must.M1(distributed.NewDeviceMesh([]int{*flagReplicas, numRanks}, []string{"replica", "shard"}))
	groups := must.M1(distributed.NewLocalGroupsFromMesh(mesh, []string{"shard"},
		distributed.WithWaitTimeout(*flagWaitTimeout)))
	specs := syntheticSpecs(settings)
	klog.Infof("Simulating %d ranks on mesh %s, model with %d parameters", len(groups), mesh, len(specs))

	loops := make([]*train.Loop, len(groups))
	losses := make([]float64, len(groups))
	var eg errgroup.Group
	for device, group := range groups {
		eg.Go(func() error {
			loop, err := newRankLoop(group, specs, settings)
			if err != nil {
				return errors.WithMessagef(err, "device #%d (rank %d)", device, group.Rank())
			}
			loops[device] = loop
			if device == 0 && *flagProgress {
				commandline.AttachProgressBar(loop)
			}
			losses[device], err = loop.RunSteps(&stepsDataset{}, *flagSteps)
			if err != nil {
				return errors.WithMessagef(err, "device #%d (rank %d)", device, group.Rank())
			}
			return loop.Engine.Close()
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for replica := range *flagReplicas {
		reports := xslices.Map(loops[replica*numRanks:(replica+1)*numRanks], commandline.NewRankReport)
		title := fmt.Sprintf("Replica group #%d: final loss of rank #0 %.4g", replica, losses[replica*numRanks])
		if err := commandline.ReportRanks(os.Stdout, title, reports); err != nil {
			return err
		}
	}
	return nil
}
