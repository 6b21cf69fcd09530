// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rankState is what each rank leaves behind in a multi-rank test.
type rankState struct {
	module    *model.Module
	optimizer *optimizers.ShardedOptimizer
	engine    *Stage2
}

// newRank creates the module, optimizer and engine of one rank. It must be called concurrently by all ranks,
// since the engine creation synchronizes the model.
func newRank(g distributed.Group, specs []paramSpec, configFn func(c *Config) *Config, offload bool) (*rankState, error) {
	m := newModule(specs...)
	opt, err := optimizers.Sharded(m.Parameters(), g.NumRanks()).Offload(offload).Done()
	if err != nil {
		return nil, err
	}
	c := New(m, g, opt)
	if configFn != nil {
		c = configFn(c)
	}
	engine, err := c.Done()
	if err != nil {
		return nil, err
	}
	return &rankState{module: m, optimizer: opt, engine: engine}, nil
}

// trainStep runs one forward and backward pass, where the gradients of rank r are all r+1.
func trainStep(state *rankState) error {
	if _, err := state.engine.Forward(); err != nil {
		return err
	}
	return model.Backward(state.engine, constantGrads(state.module, float64(state.engine.Rank()+1)))
}

func TestStage2_FourRanks(t *testing.T) {
	specs := []paramSpec{{"p1", dtypes.Float32, 100}, {"p2", dtypes.Float32, 50}}
	groups := must.M1(distributed.NewLocalGroups(4))
	states := make([]*rankState, len(groups))
	runRanks(t, groups, func(g *distributed.LocalGroup) error {
		state, err := newRank(g, specs, nil, false)
		if err != nil {
			return err
		}
		states[g.Rank()] = state
		return trainStep(state)
	})

	for rank, state := range states {
		p1, p2 := paramByName(state.module, "p1"), paramByName(state.module, "p2")
		owner, found := state.engine.Owner(p1)
		require.True(t, found)
		assert.Equal(t, 0, owner)
		owner, _ = state.engine.Owner(p2)
		assert.Equal(t, 1, owner)
		assert.True(t, state.engine.IsBucketed(p1))
		assert.True(t, state.engine.IsBucketed(p2))
		assert.Equal(t, 2, state.engine.Stats().BucketReductions)
		assert.Equal(t, 0, state.engine.Stats().DirectReductions)

		switch rank {
		case 0:
			assert.Equal(t, slices.Repeat([]float32{2.5}, 100), tensors.CopyFlatData[float32](p1.Grad()))
			assert.False(t, p2.HasGrad())
		case 1:
			assert.False(t, p1.HasGrad())
			assert.Equal(t, slices.Repeat([]float32{2.5}, 50), tensors.CopyFlatData[float32](p2.Grad()))
		default:
			assert.False(t, p1.HasGrad(), "rank %d", rank)
			assert.False(t, p2.HasGrad(), "rank %d", rank)
		}
	}

	// Storages: one per owner rank, sized for the larger rank buffer (100+28 float32 elements).
	storages := states[0].engine.GradStorages()
	require.Len(t, storages, 2)
	for _, storage := range storages {
		assert.Equal(t, 128, storage.Capacity())
		assert.True(t, storage.Sent())
	}
	// Storages are created in ascending order of parameter size: p2's first.
	assert.Equal(t, 1, storages[0].Destination())
	assert.True(t, storages[0].IsReleased(), "rank 0 releases the storage it doesn't own")
	assert.False(t, storages[1].IsReleased())
}

func TestStage2_SmallBuffer(t *testing.T) {
	specs := []paramSpec{{"p1", dtypes.Float32, 100}, {"p2", dtypes.Float32, 50}}
	groups := must.M1(distributed.NewLocalGroups(2))
	states := make([]*rankState, len(groups))
	runRanks(t, groups, func(g *distributed.LocalGroup) error {
		state, err := newRank(g, specs, func(c *Config) *Config { return c.BufferMaxSize(4) }, false)
		if err != nil {
			return err
		}
		states[g.Rank()] = state
		return trainStep(state)
	})
	for rank, state := range states {
		stats := state.engine.Stats()
		assert.Equal(t, 2, stats.Fallbacks)
		assert.Equal(t, 0, stats.BucketReductions)
		assert.Equal(t, 2, stats.DirectReductions)
		for _, storage := range state.engine.GradStorages() {
			assert.Empty(t, storage.Params())
			assert.False(t, storage.Sent())
		}
		owned := state.optimizer.ParamsOfRank(rank)
		require.Len(t, owned, 1)
		for _, p := range state.module.Parameters() {
			assert.False(t, state.engine.IsBucketed(p))
			if p == owned[0] {
				require.True(t, p.HasGrad())
				assert.Equal(t, 1.5*float64(p.Size()), p.Grad().Sum())
			} else {
				assert.False(t, p.HasGrad())
			}
		}
	}
}

func TestStage2_AccumulateGrads(t *testing.T) {
	specs := []paramSpec{{"p1", dtypes.Float32, 8}, {"p2", dtypes.Float64, 4}}
	for _, useGradStorage := range []bool{true, false} {
		groups := must.M1(distributed.NewLocalGroups(2))
		states := make([]*rankState, len(groups))
		runRanks(t, groups, func(g *distributed.LocalGroup) error {
			state, err := newRank(g, specs, func(c *Config) *Config {
				return c.AccumulateGrads(true).UseGradStorage(useGradStorage)
			}, false)
			if err != nil {
				return err
			}
			states[g.Rank()] = state
			for range 2 {
				if err := trainStep(state); err != nil {
					return err
				}
			}
			return nil
		})

		for rank, state := range states {
			p := state.optimizer.ParamsOfRank(rank)[0]
			require.Equal(t, useGradStorage, state.engine.IsBucketed(p))
			// Two steps of (1+2) and no averaging.
			assert.Equal(t, slices.Repeat([]float64{6}, p.Size()), p.Grad().Float64s(),
				"rank %d, useGradStorage=%v", rank, useGradStorage)

			state.engine.BeforeOptimizerStep()
			assert.Equal(t, slices.Repeat([]float64{3}, p.Size()), p.Grad().Float64s())

			state.engine.AfterClearGradients()
			if useGradStorage {
				require.True(t, p.HasGrad())
				assert.Equal(t, 0.0, p.Grad().Sum())
			} else {
				assert.False(t, p.HasGrad())
			}
		}
	}
}

func TestStage2_Offload(t *testing.T) {
	specs := []paramSpec{{"p1", dtypes.Float16, 8}, {"p2", dtypes.Float16, 4}}
	for _, useGradStorage := range []bool{true, false} {
		groups := must.M1(distributed.NewLocalGroups(2))
		states := make([]*rankState, len(groups))
		runRanks(t, groups, func(g *distributed.LocalGroup) error {
			state, err := newRank(g, specs, func(c *Config) *Config { return c.UseGradStorage(useGradStorage) }, true)
			if err != nil {
				return err
			}
			states[g.Rank()] = state
			return trainStep(state)
		})
		for rank, state := range states {
			for _, p := range state.module.Parameters() {
				assert.False(t, p.HasGrad(), "all local gradients are released under offload")
			}
			owned := state.optimizer.ParamsOfRank(rank)[0]
			offloaded := state.optimizer.OffloadGrad(owned.Name())
			require.NotNil(t, offloaded, "rank %d, useGradStorage=%v", rank, useGradStorage)
			assert.Equal(t, dtypes.Float32, offloaded.DType())
			assert.Equal(t, slices.Repeat([]float32{1.5}, owned.Size()), tensors.CopyFlatData[float32](offloaded))
			state.engine.AfterClearGradients()
			assert.Equal(t, 0.0, offloaded.Sum())
		}

		// A second step rebuilds the storages and offloads again.
		runRanks(t, groups, func(g *distributed.LocalGroup) error {
			return trainStep(states[g.Rank()])
		})
		for rank, state := range states {
			owned := state.optimizer.ParamsOfRank(rank)[0]
			assert.Equal(t, 1.5*float64(owned.Size()), state.optimizer.OffloadGrad(owned.Name()).Sum())
		}
	}
}

func TestStage2_AtMostOnce(t *testing.T) {
	// a -> rank 0, b -> rank 1, c -> rank 0: a and c share the storage of rank 0.
	m := newModule(paramSpec{"a", dtypes.Float32, 4}, paramSpec{"b", dtypes.Float32, 4}, paramSpec{"c", dtypes.Float32, 4})
	g := &fakeGroup{rank: 0, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).Done())
	assert.Equal(t, 3, g.broadcasts)
	_ = must.M1(engine.Forward())

	a, c := paramByName(m, "a"), paramByName(m, "c")
	require.True(t, engine.IsBucketed(a))
	require.True(t, engine.IsBucketed(c))
	grad := tensors.FromScalarAndDimensions(float32(1), 4)
	require.NoError(t, a.AccumulateGrad(grad))
	require.NoError(t, a.GradReady())
	require.NoError(t, a.GradReady())
	assert.Empty(t, g.reduceDsts, "storage is reduced only when all its gradients are ready")

	require.NoError(t, c.AccumulateGrad(grad))
	require.NoError(t, c.GradReady())
	require.NoError(t, c.GradReady())
	require.NoError(t, a.GradReady())
	assert.Equal(t, []int{0}, g.reduceDsts)
	stats := engine.Stats()
	assert.Equal(t, 1, stats.BucketReductions)
	assert.Equal(t, 3, stats.SkippedDuplicates)

	// Owner keeps the (averaged) gradients.
	assert.Equal(t, 2.0, a.Grad().Sum())

	// Next step resets the counters.
	_ = must.M1(engine.Forward())
	require.NoError(t, a.GradReady())
	require.NoError(t, c.GradReady())
	assert.Equal(t, []int{0, 0}, g.reduceDsts)
}

func TestStage2_DeterministicLayout(t *testing.T) {
	m := newModule(
		paramSpec{"w1", dtypes.Float32, 300},
		paramSpec{"b1", dtypes.Float32, 10},
		paramSpec{"w2", dtypes.Float32, 200},
		paramSpec{"h", dtypes.Float16, 64},
		paramSpec{"b2", dtypes.Float32, 10},
		paramSpec{"w3", dtypes.Float32, 50},
	)
	g := &fakeGroup{rank: 1, numRanks: 3}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 3).Done())
	engine := must.M1(New(m, g, opt).SyncModels(false).Done())
	assert.Equal(t, 0, g.broadcasts)
	_ = must.M1(engine.Forward())
	layout := layoutOf(engine)
	require.NotEmpty(t, layout)

	// Within a storage, parameters are packed in ascending order of size.
	for _, l := range layout {
		for ii := 1; ii < len(l.names); ii++ {
			prev, curr := paramByName(m, l.names[ii-1]), paramByName(m, l.names[ii])
			assert.LessOrEqual(t, prev.Size(), curr.Size())
			assert.Less(t, l.offsets[ii-1], l.offsets[ii])
		}
	}

	for range 3 {
		require.NoError(t, engine.Refresh())
		assert.Equal(t, layout, layoutOf(engine))
	}
	assert.Equal(t, 4, engine.Stats().Refreshes)
}

func TestStage2_FreezeUnfreeze(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 16}, paramSpec{"b", dtypes.Float32, 8}, paramSpec{"c", dtypes.Float32, 4})
	g := &fakeGroup{rank: 0, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).Done())
	_ = must.M1(engine.Forward())
	original := layoutOf(engine)
	assert.Equal(t, 1, engine.Stats().Refreshes)

	b := paramByName(m, "b")
	b.SetTrainable(false)
	_ = must.M1(engine.Forward())
	assert.Equal(t, 2, engine.Stats().Refreshes)
	assert.False(t, engine.IsBucketed(b))
	_, found := engine.Owner(b)
	assert.False(t, found)
	assert.Equal(t, 0, b.NumGradHooks())
	for _, storage := range engine.GradStorages() {
		assert.NotContains(t, storage.Params(), b)
	}

	// No change: no refresh.
	_ = must.M1(engine.Forward())
	assert.Equal(t, 2, engine.Stats().Refreshes)

	b.SetTrainable(true)
	_ = must.M1(engine.Forward())
	assert.Equal(t, 3, engine.Stats().Refreshes)
	assert.Equal(t, original, layoutOf(engine))
	assert.True(t, engine.IsBucketed(b))
	assert.Equal(t, 1, b.NumGradHooks())

	// The gradient of a frozen parameter is dropped, and doesn't alias the replaced storage.
	a := paramByName(m, "a")
	require.NoError(t, model.Backward(engine, constantGrads(m, 1)))
	require.True(t, a.HasGrad())
	assert.Equal(t, 8.0, a.Grad().Sum())
	previous := storageOf(engine, 0)
	require.NotNil(t, previous)
	a.SetTrainable(false)
	_ = must.M1(engine.Forward())
	assert.False(t, a.HasGrad())
	fillStorage(previous, 42)
	a.SetTrainable(true)
	_ = must.M1(engine.Forward())
	assert.NotSame(t, previous, storageOf(engine, 0))
	require.True(t, a.HasGrad())
	assert.Equal(t, 0.0, a.Grad().Sum())
}

func TestStage2_RefreshDetachesGradients(t *testing.T) {
	// a -> rank 0, b -> rank 1, c -> rank 1; rank 0 owns a.
	m := newModule(paramSpec{"a", dtypes.Float32, 16}, paramSpec{"b", dtypes.Float32, 8}, paramSpec{"c", dtypes.Float32, 4})
	a, b, c := paramByName(m, "a"), paramByName(m, "b"), paramByName(m, "c")
	g := &fakeGroup{rank: 0, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).Done())
	_ = must.M1(engine.Forward())
	previous := storageOf(engine, 0)

	// Half of the backward pass: a is reduced, b and c are still pending when b is frozen.
	require.NoError(t, a.AccumulateGrad(tensors.FromScalarAndDimensions(float32(2), 16)))
	require.NoError(t, a.GradReady())
	require.NoError(t, c.AccumulateGrad(tensors.FromScalarAndDimensions(float32(2), 4)))
	assert.Equal(t, []int{0}, g.reduceDsts)
	b.SetTrainable(false)
	_ = must.M1(engine.Forward())
	assert.Equal(t, 2, engine.Stats().Refreshes)

	// Layout is the same as the one of an engine created with b frozen.
	m2 := newModule(paramSpec{"a", dtypes.Float32, 16}, paramSpec{"b", dtypes.Float32, 8}, paramSpec{"c", dtypes.Float32, 4})
	paramByName(m2, "b").SetTrainable(false)
	opt2 := must.M1(optimizers.Sharded(m2.Parameters(), 2).Done())
	engine2 := must.M1(New(m2, &fakeGroup{rank: 0, numRanks: 2}, opt2).Done())
	_ = must.M1(engine2.Forward())
	assert.Equal(t, layoutOf(engine2), layoutOf(engine))
	for _, storage := range engine.GradStorages() {
		assert.NotContains(t, storage.Params(), b)
	}

	// Gradients of trainable parameters are carried into the new storages, detached from the previous one.
	fillStorage(previous, 42)
	assert.Equal(t, 16.0, a.Grad().Sum())
	assert.Equal(t, 8.0, c.Grad().Sum())
	assert.False(t, b.HasGrad())

	// Next step reduces each storage once.
	require.NoError(t, model.Backward(engine, constantGrads(m, 1)))
	assert.Equal(t, []int{0, 1, 0}, g.reduceDsts)
	assert.Equal(t, 3, engine.Stats().BucketReductions)
}

func TestStage2_NoTrainableParameters(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 16})
	paramByName(m, "a").SetTrainable(false)
	g := &fakeGroup{rank: 0, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).Done())
	for range 3 {
		_ = must.M1(engine.Forward())
	}
	assert.Equal(t, 1, engine.Stats().Refreshes)
	assert.Equal(t, 3, engine.Stats().Steps)
	assert.Empty(t, engine.GradStorages())
}

func TestStage2_AutoRefreshDisabled(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 16}, paramSpec{"b", dtypes.Float32, 8})
	g := &fakeGroup{rank: 0, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).AutoRefreshTrainable(false).Done())
	_ = must.M1(engine.Forward())
	b := paramByName(m, "b")
	b.SetTrainable(false)
	_ = must.M1(engine.Forward())
	assert.Equal(t, 1, engine.Stats().Refreshes)
	assert.True(t, engine.IsBucketed(b))

	require.NoError(t, engine.Refresh())
	assert.False(t, engine.IsBucketed(b))
}

func TestStage2_Modes(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 16})
	a := paramByName(m, "a")
	g := &fakeGroup{rank: 1, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).Done())
	assert.Same(t, m, engine.Model())
	assert.Equal(t, m.Parameters(), engine.Parameters())

	engine.Eval()
	require.False(t, engine.IsTraining())
	out := must.M1(engine.Forward("x"))
	assert.Equal(t, "x", out)
	assert.Equal(t, 0, a.NumGradHooks())
	assert.Equal(t, 0, engine.Stats().Steps)

	engine.Train()
	_ = must.M1(engine.Forward())
	assert.Equal(t, 1, a.NumGradHooks())
	assert.Equal(t, 2, engine.Stats().Refreshes)
	assert.Equal(t, 1, engine.Stats().Steps)

	require.ErrorContains(t, engine.To("cpu"), "only the configured device")
	require.NoError(t, engine.To(DefaultDevice))
	assert.Equal(t, 3, engine.Stats().Refreshes)
	assert.Equal(t, 1, a.NumGradHooks())

	require.NoError(t, engine.Close())
	assert.Equal(t, 0, a.NumGradHooks())
	_, err := engine.Forward()
	require.Error(t, err)
}

func TestStage2_NonOwnerStorageRebuild(t *testing.T) {
	// Rank 1 doesn't own "a": its storage is released after the reduction and rebuilt at the next step.
	m := newModule(paramSpec{"a", dtypes.Float32, 16})
	a := paramByName(m, "a")
	g := &fakeGroup{rank: 1, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, g, opt).Done())
	for step := range 3 {
		_ = must.M1(engine.Forward())
		storage := engine.GradStorages()[0]
		require.False(t, storage.IsReleased())
		require.True(t, a.HasGrad())
		require.NoError(t, model.Backward(engine, constantGrads(m, 1)))
		assert.True(t, storage.IsReleased(), "step %d", step)
		assert.False(t, a.HasGrad())
	}
	assert.Equal(t, 2, engine.Stats().Rebuilds)
	assert.Equal(t, 3, engine.Stats().BucketReductions)
}

func TestStage2_SyncModelsAndBuffers(t *testing.T) {
	groups := must.M1(distributed.NewLocalGroups(3))
	modules := make([]*model.Module, len(groups))
	runRanks(t, groups, func(g *distributed.LocalGroup) error {
		r := g.Rank()
		m := model.NewModule(nil)
		m.AddParameter(model.NewParameter("w", tensors.FromScalarAndDimensions(float32(r+1), 3)))
		m.AddBuffer(tensors.FromScalarAndDimensions(float64(r), 2))
		modules[r] = m
		opt, err := optimizers.Sharded(m.Parameters(), g.NumRanks()).Done()
		if err != nil {
			return err
		}
		engine, err := New(m, g, opt).SyncBuffers(true).Done()
		if err != nil {
			return err
		}
		// Ranks diverge on the buffers: Forward syncs them again.
		if err := m.Buffers()[0].Add(tensors.FromScalarAndDimensions(float64(r+5), 2)); err != nil {
			return err
		}
		_, err = engine.Forward()
		return err
	})
	for _, m := range modules {
		assert.Equal(t, []float64{1, 1, 1}, m.Parameters()[0].Value().Float64s())
		assert.Equal(t, []float64{5, 5}, m.Buffers()[0].Float64s())
	}
}

func TestStage2_ConfigErrors(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 4}, paramSpec{"b", dtypes.Float32, 4})
	g := &fakeGroup{rank: 0, numRanks: 2}
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	offloadOpt := must.M1(optimizers.Sharded(m.Parameters()[:1], 2).Offload(true).Done())
	secondOpt := must.M1(optimizers.Sharded(m.Parameters()[1:], 2).Done())
	partialOpt := must.M1(optimizers.Sharded(m.Parameters()[:1], 2).Done())

	for _, tc := range []struct {
		name   string
		config *Config
		want   string
	}{
		{"nil model", New(nil, g, opt), "model is nil"},
		{"nil group", New(m, nil, opt), "group is nil"},
		{"single rank", New(m, &fakeGroup{numRanks: 1}, opt), "must be distributed"},
		{"no optimizer", New(m, g), "no optimizer"},
		{"nil optimizer", New(m, g, nil), "is nil"},
		{"offload with 2 optimizers", New(m, g, offloadOpt, secondOpt), "single optimizer"},
		{"duplicate parameters", New(m, g, opt, partialOpt), "more than once"},
		{"parameter without optimizer", New(m, g, partialOpt), "not managed by any optimizer"},
		{"negative buffer size", New(m, g, opt).BufferMaxSize(-1), "BufferMaxSize"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.config.Done()
			require.ErrorContains(t, err, tc.want)
		})
	}

	// Frozen parameters don't need an optimizer.
	paramByName(m, "b").SetTrainable(false)
	_, err := New(m, g, partialOpt).Done()
	require.NoError(t, err)
}

func TestStage2_OwnershipErrors(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 4}, paramSpec{"b", dtypes.Float32, 4}, paramSpec{"c", dtypes.Float32, 4})
	g := &fakeGroup{rank: 0, numRanks: 2}
	// Partitioned across 4 ranks, but the group only has 2.
	opt := must.M1(optimizers.Sharded(m.Parameters(), 4).Done())
	engine := must.M1(New(m, g, opt).Done())
	_, err := engine.Forward()
	require.ErrorContains(t, err, "group has 2 ranks")
}

func TestStage2_BufferCapacities(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 100}, paramSpec{"b", dtypes.Float32, 50}, paramSpec{"h", dtypes.Float16, 10})
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	capacities := must.M1(bufferCapacities([]Optimizer{opt}, DefaultBufferMaxSize))
	assert.Equal(t, 128, capacities[dtypes.Float32])
	assert.Equal(t, 128, capacities[dtypes.Float16])

	capacities = must.M1(bufferCapacities([]Optimizer{opt}, 200))
	assert.Equal(t, 50, capacities[dtypes.Float32])
	assert.Equal(t, 100, capacities[dtypes.Float16])
}

func TestStage2_Assertions(t *testing.T) {
	t.Run("absent gradient", func(t *testing.T) {
		m := newModule(paramSpec{"a", dtypes.Float32, 4})
		opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
		engine := must.M1(New(m, &fakeGroup{rank: 0, numRanks: 2}, opt).UseGradStorage(false).Done())
		_ = must.M1(engine.Forward())
		a := paramByName(m, "a")
		require.False(t, a.HasGrad())
		require.Panics(t, func() { _ = a.GradReady() })
	})

	t.Run("released storage", func(t *testing.T) {
		m := newModule(paramSpec{"a", dtypes.Float32, 4})
		opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
		engine := must.M1(New(m, &fakeGroup{rank: 0, numRanks: 2}, opt).Done())
		_ = must.M1(engine.Forward())
		a := paramByName(m, "a")
		engine.GradStorages()[0].Release()
		require.NoError(t, a.AccumulateGrad(tensors.FromShape(dtypes.Float32, 4)))
		require.Panics(t, func() { _ = a.GradReady() })
	})
}

// failingGroup fails every reduction.
type failingGroup struct {
	fakeGroup
}

func (g *failingGroup) Reduce(*tensors.Tensor, int) (distributed.Handle, error) {
	return nil, errors.New("link down")
}

func TestStage2_ReduceError(t *testing.T) {
	m := newModule(paramSpec{"a", dtypes.Float32, 4})
	opt := must.M1(optimizers.Sharded(m.Parameters(), 2).Done())
	engine := must.M1(New(m, &failingGroup{fakeGroup{rank: 1, numRanks: 2}}, opt).Done())
	_ = must.M1(engine.Forward())
	err := model.Backward(engine, constantGrads(m, 1))
	require.ErrorContains(t, err, "link down")
}
