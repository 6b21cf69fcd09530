// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeHandle is a Handle whose completion is controlled by the test.
type fakeHandle struct {
	done bool
}

func (h *fakeHandle) Done() bool { return h.done }

// fakeGroup is a single-process Group: operations complete immediately without changing the buffers,
// and are recorded.
type fakeGroup struct {
	rank, numRanks int
	reduceDsts     []int
	broadcasts     int
}

var _ distributed.Group = (*fakeGroup)(nil)

func (g *fakeGroup) Rank() int     { return g.rank }
func (g *fakeGroup) NumRanks() int { return g.numRanks }

func (g *fakeGroup) Broadcast(*tensors.Tensor, int) (distributed.Handle, error) {
	g.broadcasts++
	return &fakeHandle{done: true}, nil
}

func (g *fakeGroup) Reduce(_ *tensors.Tensor, dst int) (distributed.Handle, error) {
	g.reduceDsts = append(g.reduceDsts, dst)
	return &fakeHandle{done: true}, nil
}

func (g *fakeGroup) Wait(distributed.Handle) error { return nil }

type paramSpec struct {
	name  string
	dtype dtypes.DType
	size  int
}

// newModule creates a model.Module with zero-valued parameters.
func newModule(specs ...paramSpec) *model.Module {
	m := model.NewModule(nil)
	for _, spec := range specs {
		m.AddParameter(model.NewParameter(spec.name, tensors.FromShape(spec.dtype, spec.size)))
	}
	return m
}

// constantGrads returns for each parameter of m a gradient filled with value.
func constantGrads(m model.Model, value float64) map[string]*tensors.Tensor {
	grads := make(map[string]*tensors.Tensor)
	for _, p := range m.Parameters() {
		g := tensors.FromScalarAndDimensions(value, p.Dimensions()...)
		grads[p.Name()] = g.ConvertTo(p.DType())
	}
	return grads
}

// runRanks runs fn concurrently for every group, one goroutine per rank.
func runRanks(t *testing.T, groups []*distributed.LocalGroup, fn func(g *distributed.LocalGroup) error) {
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error { return fn(g) })
	}
	require.NoError(t, eg.Wait())
}

// paramByName returns the parameter of m with the given name, or nil.
func paramByName(m model.Model, name string) *model.Parameter {
	for _, p := range m.Parameters() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// storageLayout describes the mapping of parameters in the storages of an engine.
type storageLayout struct {
	dtype   dtypes.DType
	dst     int
	names   []string
	offsets []int
	fill    int
}

func layoutOf(s *Stage2) []storageLayout {
	var layouts []storageLayout
	for _, storage := range s.GradStorages() {
		l := storageLayout{dtype: storage.DType(), dst: storage.Destination(), fill: storage.Fill()}
		for _, p := range storage.Params() {
			offset, _ := storage.Offset(p)
			l.names = append(l.names, p.Name())
			l.offsets = append(l.offsets, offset)
		}
		layouts = append(layouts, l)
	}
	return layouts
}

// storageOf returns the float32 storage of s with the destination rank dst, or nil.
func storageOf(s *Stage2, dst int) *GradStorage {
	for _, storage := range s.GradStorages() {
		if storage.DType() == dtypes.Float32 && storage.Destination() == dst {
			return storage
		}
	}
	return nil
}

// fillStorage overwrites the float32 buffer of storage with value.
func fillStorage(storage *GradStorage, value float32) {
	tensors.MutableFlatData[float32](storage.Buffer(), func(flat []float32) {
		for ii := range flat {
			flat[ii] = value
		}
	})
}
