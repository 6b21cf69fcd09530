// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultAlignment is the default alignment, in bytes, of each gradient in a contiguous gradient buffer.
const DefaultAlignment = 256

// Assignment of parameters to the ranks that own their optimizer state and gradients.
type Assignment struct {
	// ParamToRank maps parameter name to the owner rank.
	ParamToRank map[string]int

	// ParamToAlign maps parameter name to the padding, in elements, needed after its gradient
	// so the next gradient in a contiguous buffer starts aligned.
	ParamToAlign map[string]int

	// RankBufferSizes holds, per dtype, the number of elements (including alignment padding) needed to
	// store the gradients owned by each rank.
	RankBufferSizes map[dtypes.DType][]int
}

// ShardedConfig configures a ShardedOptimizer, create it with Sharded and finish with Done.
type ShardedConfig struct {
	params    []*model.Parameter
	numRanks  int
	alignment int
	offload   bool
}

// Sharded partitions the optimizer state of params across numRanks ranks (ZeRO style): each parameter is owned
// by exactly one rank, which is the only one holding its reduced gradient.
//
// It returns a configuration object, call Done to create the ShardedOptimizer.
func Sharded(params []*model.Parameter, numRanks int) *ShardedConfig {
	return &ShardedConfig{
		params:    params,
		numRanks:  numRanks,
		alignment: DefaultAlignment,
	}
}

// Alignment in bytes of gradients in contiguous buffers. 0 disables alignment padding.
// It defaults to DefaultAlignment.
func (c *ShardedConfig) Alignment(bytes int) *ShardedConfig {
	c.alignment = bytes
	return c
}

// Offload configures the optimizer to keep the reduced gradients of the owned parameters in a separate
// float32 host store (see ShardedOptimizer.OffloadAccumulateGrad), instead of in the device gradients.
func (c *ShardedConfig) Offload(enabled bool) *ShardedConfig {
	c.offload = enabled
	return c
}

// Done validates the configuration and creates the ShardedOptimizer.
// The assignment is computed lazily, see ShardedOptimizer.UpdateAssignment.
func (c *ShardedConfig) Done() (*ShardedOptimizer, error) {
	if c.numRanks < 1 {
		return nil, errors.Errorf("optimizers.Sharded requires at least 1 rank, got %d", c.numRanks)
	}
	if c.alignment < 0 {
		return nil, errors.Errorf("optimizers.Sharded alignment must be >= 0, got %d", c.alignment)
	}
	names := sets.Make[string](len(c.params))
	for ii, p := range c.params {
		if p == nil {
			return nil, errors.Errorf("optimizers.Sharded: parameter #%d is nil", ii)
		}
		if names.Has(p.Name()) {
			return nil, errors.Errorf("optimizers.Sharded: parameter name %q is duplicated", p.Name())
		}
		names.Insert(p.Name())
		if !tensors.IsSupported(p.DType()) {
			return nil, errors.Errorf("optimizers.Sharded: parameter %q has unsupported dtype %s", p.Name(), p.DType())
		}
	}
	return &ShardedOptimizer{
		config:       c,
		params:       slices.Clone(c.params),
		offloadGrads: make(map[string]*tensors.Tensor),
	}, nil
}

// ShardedOptimizer holds the partition of parameters across ranks and, optionally, the offloaded
// gradients of the parameters owned by this rank.
//
// ShardedOptimizer.Step applies plain SGD to the owned parameters. Other update rules can be built on
// ParamsOfRank and OffloadGrad.
type ShardedOptimizer struct {
	config     *ShardedConfig
	params     []*model.Parameter
	assignment *Assignment

	offloadGrads map[string]*tensors.Tensor
}

// Params returns the parameters managed by the optimizer.
func (o *ShardedOptimizer) Params() []*model.Parameter { return o.params }

// NumRanks returns the number of ranks the parameters are partitioned across.
func (o *ShardedOptimizer) NumRanks() int { return o.config.numRanks }

// IsOffload returns whether gradients of owned parameters are offloaded.
func (o *ShardedOptimizer) IsOffload() bool { return o.config.offload }

// HasAssignment returns whether UpdateAssignment has already been called.
func (o *ShardedOptimizer) HasAssignment() bool { return o.assignment != nil }

// Assignment returns the current assignment, or nil if UpdateAssignment was not called yet.
func (o *ShardedOptimizer) Assignment() *Assignment { return o.assignment }

// UpdateAssignment partitions the parameters across ranks.
//
// Parameters are visited in order, and each is assigned to the rank with the smallest number of trainable
// elements assigned so far (ties go to the lowest rank). Frozen parameters are also assigned, but don't count
// towards the load, so they have an owner if they are unfrozen later.
func (o *ShardedOptimizer) UpdateAssignment() error {
	numRanks := o.config.numRanks
	a := &Assignment{
		ParamToRank:     make(map[string]int, len(o.params)),
		ParamToAlign:    make(map[string]int, len(o.params)),
		RankBufferSizes: make(map[dtypes.DType][]int),
	}
	loads := make([]int, numRanks)
	for _, p := range o.params {
		rank := 0
		for r := 1; r < numRanks; r++ {
			if loads[r] < loads[rank] {
				rank = r
			}
		}
		if p.Trainable() {
			loads[rank] += p.Size()
		}
		align := o.alignmentOf(p)
		a.ParamToRank[p.Name()] = rank
		a.ParamToAlign[p.Name()] = align

		sizes, found := a.RankBufferSizes[p.DType()]
		if !found {
			sizes = make([]int, numRanks)
			a.RankBufferSizes[p.DType()] = sizes
		}
		sizes[rank] += p.Size() + align
	}
	o.assignment = a
	if klog.V(1).Enabled() {
		klog.Infof("optimizers.Sharded: %d parameters assigned to %d ranks, trainable elements per rank: %v",
			len(o.params), numRanks, loads)
	}
	return nil
}

// alignmentOf returns the padding in elements needed after p's gradient to keep the next one aligned.
func (o *ShardedOptimizer) alignmentOf(p *model.Parameter) int {
	alignment := o.config.alignment
	elementSize := p.DType().Size()
	if alignment <= 0 || elementSize == 0 {
		return 0
	}
	remaining := (p.Size() * elementSize) % alignment
	if remaining == 0 {
		return 0
	}
	return (alignment - remaining) / elementSize
}

// ParamsOfRank returns the parameters owned by rank, in the optimizer's order.
// It returns nil if there is no assignment yet.
func (o *ShardedOptimizer) ParamsOfRank(rank int) []*model.Parameter {
	if o.assignment == nil {
		return nil
	}
	var owned []*model.Parameter
	for _, p := range o.params {
		if o.assignment.ParamToRank[p.Name()] == rank {
			owned = append(owned, p)
		}
	}
	return owned
}

// OffloadAccumulateGrad adds grad, converted to float32, to the offloaded gradient of the parameter name.
func (o *ShardedOptimizer) OffloadAccumulateGrad(name string, grad *tensors.Tensor) error {
	if !o.config.offload {
		return errors.Errorf("OffloadAccumulateGrad(%q): optimizer not configured with offload", name)
	}
	if grad.IsReleased() {
		return errors.Errorf("OffloadAccumulateGrad(%q): gradient is released", name)
	}
	grad32 := grad
	if grad.DType() != dtypes.Float32 {
		grad32 = grad.ConvertTo(dtypes.Float32)
	}
	acc, found := o.offloadGrads[name]
	if !found {
		o.offloadGrads[name] = grad32.Clone()
		return nil
	}
	return errors.WithMessagef(acc.Add(grad32), "OffloadAccumulateGrad(%q)", name)
}

// OffloadGrad returns the offloaded (float32) gradient of the parameter name, or nil if there is none.
func (o *ShardedOptimizer) OffloadGrad(name string) *tensors.Tensor {
	return o.offloadGrads[name]
}

// OffloadScaleGrad multiplies all offloaded gradients by scale.
func (o *ShardedOptimizer) OffloadScaleGrad(scale float64) {
	for _, g := range o.offloadGrads {
		g.Scale(scale)
	}
}

// OffloadClearGrad zeroes all offloaded gradients, keeping their storage for the next step.
func (o *ShardedOptimizer) OffloadClearGrad() {
	for _, g := range o.offloadGrads {
		g.Zero()
	}
}

// Step applies plain SGD (value -= learningRate * grad) to the parameters owned by rank, using the offloaded
// gradients if offload is enabled. Parameters without gradient are skipped.
//
// It returns the number of parameters updated.
func (o *ShardedOptimizer) Step(rank int, learningRate float64) (int, error) {
	if o.assignment == nil {
		return 0, errors.New("ShardedOptimizer.Step: no assignment, call UpdateAssignment first")
	}
	var updated int
	for _, p := range o.ParamsOfRank(rank) {
		if !p.Trainable() {
			continue
		}
		var grad *tensors.Tensor
		if o.config.offload {
			grad = o.offloadGrads[p.Name()]
		} else if p.HasGrad() {
			grad = p.Grad()
		}
		if grad.IsReleased() {
			continue
		}
		delta := grad.ConvertTo(p.DType())
		delta.Scale(-learningRate)
		if err := p.Value().Add(delta); err != nil {
			return updated, errors.WithMessagef(err, "ShardedOptimizer.Step(%q)", p.Name())
		}
		updated++
	}
	return updated, nil
}

// BroadcastParams sends the value of each trainable parameter from its owner rank to all the ranks of group,
// so every rank sees the updates applied by Step. It is a collective operation: all ranks must call it.
func (o *ShardedOptimizer) BroadcastParams(group distributed.Group) error {
	if o.assignment == nil {
		return errors.New("ShardedOptimizer.BroadcastParams: no assignment, call UpdateAssignment first")
	}
	if group.NumRanks() != o.config.numRanks {
		return errors.Errorf("ShardedOptimizer.BroadcastParams: optimizer configured for %d ranks, group has %d ranks",
			o.config.numRanks, group.NumRanks())
	}
	handles := make([]distributed.Handle, 0, len(o.params))
	for _, p := range o.params {
		if !p.Trainable() {
			continue
		}
		h, err := group.Broadcast(p.Value(), o.assignment.ParamToRank[p.Name()])
		if err != nil {
			return errors.WithMessagef(err, "ShardedOptimizer.BroadcastParams(%q)", p.Name())
		}
		handles = append(handles, h)
	}
	return distributed.WaitAll(group, handles...)
}
