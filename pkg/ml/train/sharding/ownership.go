// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Optimizer is what the engine requires from a sharded optimizer: the assignment of its parameters to owner
// ranks, and the offload store of reduced gradients.
//
// optimizers.ShardedOptimizer implements it.
type Optimizer interface {
	// Params managed by the optimizer.
	Params() []*model.Parameter

	// HasAssignment returns whether the assignment of parameters to ranks was already computed.
	HasAssignment() bool

	// UpdateAssignment (re-)computes the assignment of parameters to ranks.
	UpdateAssignment() error

	// Assignment returns the current assignment of parameters to ranks.
	Assignment() *optimizers.Assignment

	// IsOffload returns whether the reduced gradients are offloaded to the optimizer.
	IsOffload() bool

	// OffloadAccumulateGrad accumulates the reduced gradient of the parameter name in the offload store.
	OffloadAccumulateGrad(name string, grad *tensors.Tensor) error

	// OffloadScaleGrad scales all gradients in the offload store.
	OffloadScaleGrad(scale float64)

	// OffloadClearGrad zeroes all gradients in the offload store.
	OffloadClearGrad()
}

var _ Optimizer = (*optimizers.ShardedOptimizer)(nil)

// ownership mirrors the optimizers' assignment for the trainable parameters.
type ownership struct {
	ranks  map[string]int
	aligns map[string]int
}

// assignmentOf returns the assignment of the optimizer, computing it first if needed.
func assignmentOf(opt Optimizer) (*optimizers.Assignment, error) {
	if !opt.HasAssignment() {
		if err := opt.UpdateAssignment(); err != nil {
			return nil, errors.WithMessage(err, "failed to assign parameters to ranks")
		}
	}
	a := opt.Assignment()
	if a == nil {
		return nil, errors.New("optimizer returned no assignment of parameters to ranks")
	}
	return a, nil
}

// resolveOwnership collects the owner rank and alignment of each trainable parameter from the optimizers.
// Every trainable parameter must be assigned to a valid rank.
func resolveOwnership(opts []Optimizer, trainable []*model.Parameter, numRanks int) (*ownership, error) {
	o := &ownership{
		ranks:  make(map[string]int, len(trainable)),
		aligns: make(map[string]int, len(trainable)),
	}
	for _, opt := range opts {
		a, err := assignmentOf(opt)
		if err != nil {
			return nil, err
		}
		for _, p := range opt.Params() {
			if !p.Trainable() {
				continue
			}
			rank, found := a.ParamToRank[p.Name()]
			if !found {
				return nil, errors.Errorf("parameter %q has no owner rank assigned by its optimizer", p.Name())
			}
			if rank < 0 || rank >= numRanks {
				return nil, errors.Errorf("parameter %q assigned to rank %d, but group has %d ranks",
					p.Name(), rank, numRanks)
			}
			o.ranks[p.Name()] = rank
			o.aligns[p.Name()] = a.ParamToAlign[p.Name()]
		}
	}
	for _, p := range trainable {
		if _, found := o.ranks[p.Name()]; !found {
			return nil, errors.Errorf("trainable parameter %q is not managed by any optimizer", p.Name())
		}
	}
	return o, nil
}

// bufferCapacities returns the capacity, in elements, of the GradStorage of each dtype: the largest buffer
// needed by any rank, according to the optimizers, limited to maxBytes.
func bufferCapacities(opts []Optimizer, maxBytes int) (map[dtypes.DType]int, error) {
	capacities := make(map[dtypes.DType]int)
	for _, opt := range opts {
		a, err := assignmentOf(opt)
		if err != nil {
			return nil, err
		}
		for dtype, sizes := range a.RankBufferSizes {
			largest := 0
			for _, size := range sizes {
				largest = max(largest, size)
			}
			limit := maxBytes / dtype.Size()
			capacities[dtype] = max(capacities[dtype], min(largest, limit))
		}
	}
	return capacities, nil
}
