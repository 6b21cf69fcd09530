// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/ml/train"
	"github.com/gomlx/shardgrad/pkg/ml/train/optimizers"
	"github.com/gomlx/shardgrad/pkg/ml/train/sharding"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// loopingDataset yields empty batches forever.
type loopingDataset struct{}

func (loopingDataset) Name() string          { return "looping" }
func (loopingDataset) Reset()                {}
func (loopingDataset) Yield() ([]any, error) { return nil, nil }

func newTestLoop(g distributed.Group) (*train.Loop, error) {
	m := model.NewModule(nil)
	m.AddParameter(model.NewParameter("w", tensors.FromShape(dtypes.Float32, 8)))
	m.AddParameter(model.NewParameter("b", tensors.FromShape(dtypes.Float32, 2)))
	opt, err := optimizers.Sharded(m.Parameters(), g.NumRanks()).Done()
	if err != nil {
		return nil, err
	}
	engine, err := sharding.New(m, g, opt).Done()
	if err != nil {
		return nil, err
	}
	backward := func(loop *train.Loop, _ any) (float64, error) {
		grads := map[string]*tensors.Tensor{
			"w": tensors.FromScalarAndDimensions(float32(1), 8),
			"b": tensors.FromScalarAndDimensions(float32(1), 2),
		}
		return 0.5, model.Backward(m, grads)
	}
	return train.NewLoop(engine, backward).WithUpdate(func(loop *train.Loop) error {
		_, err := opt.Step(loop.Engine.Rank(), 0.1)
		return err
	}), nil
}

func TestProgressBarAndReport(t *testing.T) {
	groups := must.M1(distributed.NewLocalGroups(2))
	loops := make([]*train.Loop, len(groups))
	var out bytes.Buffer
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error {
			loop, err := newTestLoop(g)
			if err != nil {
				return err
			}
			loops[g.Rank()] = loop
			if g.Rank() == 0 {
				attachProgressBar(loop, &out, func() (string, string) { return "Extra", "42" })
			}
			_, err = loop.RunSteps(loopingDataset{}, 5)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	printed := out.String()
	for _, want := range []string{"Step", "5 of 5", "Loss", "0.5", "Median train step duration", "Reductions",
		"Gradient storages", "Extra", "42"} {
		assert.Contains(t, printed, want)
	}

	reports := make([]RankReport, len(loops))
	for ii, loop := range loops {
		reports[ii] = NewRankReport(loop)
	}
	// w (8 elements) goes to rank 0, b (2 elements) to rank 1.
	assert.Equal(t, 1, reports[0].OwnedParams)
	assert.Equal(t, 8, reports[0].OwnedElements)
	assert.Equal(t, 2, reports[1].OwnedElements)
	assert.Equal(t, uintptr(40), reports[0].UnshardedGradMemory)
	assert.Equal(t, 5, reports[1].Stats.Steps)

	var table bytes.Buffer
	require.NoError(t, ReportRanks(&table, "Ranks", reports))
	for _, want := range []string{"Ranks", "Rank", "#0", "#1", "Total", "10", "80 B", "Median step"} {
		assert.Contains(t, table.String(), want)
	}
}
