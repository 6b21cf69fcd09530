// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/support/sets"
	"github.com/pkg/errors"
)

const (
	// DefaultBufferMaxSize is the default upper limit, in bytes, of each GradStorage buffer: 8MB.
	DefaultBufferMaxSize = 1 << 23

	// DefaultDevice is the default device class of the gradient buffers.
	DefaultDevice = "gpu"

	// OffloadDevice is where the owned gradients are moved to when the optimizer offloads them.
	OffloadDevice = "cpu"
)

// Config holds the configuration of a Stage2 engine. Create it with New, and once configured
// call Done to create the engine.
type Config struct {
	model      model.Model
	group      distributed.Group
	optimizers []Optimizer

	bufferMaxSize        int
	syncModels           bool
	syncBuffers          bool
	useGradStorage       bool
	autoRefreshTrainable bool
	device               string
	accumulateGrads      bool
}

// New returns the configuration of a ZeRO stage-2 engine that shards the gradients of m across the ranks
// of group, according to the assignment of parameters to ranks of the given optimizers.
//
// Once configured, call Config.Done to create the engine.
func New(m model.Model, group distributed.Group, optimizers ...Optimizer) *Config {
	return &Config{
		model:                m,
		group:                group,
		optimizers:           optimizers,
		bufferMaxSize:        DefaultBufferMaxSize,
		syncModels:           true,
		syncBuffers:          false,
		useGradStorage:       true,
		autoRefreshTrainable: true,
		device:               DefaultDevice,
		accumulateGrads:      false,
	}
}

// BufferMaxSize sets the upper limit, in bytes, of each GradStorage buffer.
// Gradients that don't fit are reduced individually. Default is DefaultBufferMaxSize.
func (c *Config) BufferMaxSize(bytes int) *Config {
	c.bufferMaxSize = bytes
	return c
}

// SyncModels configures whether the parameters and buffers of the model are broadcast from rank 0 to the
// other ranks when the engine is created. Default is true.
func (c *Config) SyncModels(enabled bool) *Config {
	c.syncModels = enabled
	return c
}

// SyncBuffers configures whether the buffers of the model (e.g.: batch normalization statistics) are broadcast
// from rank 0 at every forward call. Default is false.
func (c *Config) SyncBuffers(enabled bool) *Config {
	c.syncBuffers = enabled
	return c
}

// UseGradStorage configures whether gradients are packed in contiguous GradStorage buffers per owner rank.
// If false, every gradient is reduced individually. Default is true.
func (c *Config) UseGradStorage(enabled bool) *Config {
	c.useGradStorage = enabled
	return c
}

// AutoRefreshTrainable configures whether at every forward call the engine checks for changes in the set of
// trainable parameters, and rebuilds the storages and hooks if needed. Default is true.
func (c *Config) AutoRefreshTrainable(enabled bool) *Config {
	c.autoRefreshTrainable = enabled
	return c
}

// Device sets the device class of the gradient buffers. Default is DefaultDevice.
func (c *Config) Device(device string) *Config {
	c.device = device
	return c
}

// AccumulateGrads enables gradient accumulation across steps: gradients are reduced as a sum, and the
// averaging by the number of ranks is deferred to Stage2.BeforeOptimizerStep. Default is false.
func (c *Config) AccumulateGrads(enabled bool) *Config {
	c.accumulateGrads = enabled
	return c
}

// validate checks the configuration, and returns the union of the parameters of the optimizers.
func (c *Config) validate() ([]*model.Parameter, error) {
	if c.model == nil {
		return nil, errors.New("sharding.New: model is nil")
	}
	if c.group == nil {
		return nil, errors.New("sharding.New: group is nil")
	}
	if c.group.NumRanks() < 2 {
		return nil, errors.Errorf("sharding.New: training must be distributed, group has %d ranks", c.group.NumRanks())
	}
	if len(c.optimizers) == 0 {
		return nil, errors.New("sharding.New: no optimizer given")
	}
	if c.bufferMaxSize < 0 {
		return nil, errors.Errorf("sharding.New: invalid BufferMaxSize(%d)", c.bufferMaxSize)
	}
	var numOffload int
	for ii, opt := range c.optimizers {
		if opt == nil {
			return nil, errors.Errorf("sharding.New: optimizer #%d is nil", ii)
		}
		if opt.IsOffload() {
			numOffload++
		}
	}
	if numOffload > 0 && len(c.optimizers) > 1 {
		return nil, errors.Errorf("sharding.New: offload is only supported with a single optimizer, got %d optimizers",
			len(c.optimizers))
	}

	var allParams []*model.Parameter
	names := sets.Make[string]()
	for _, opt := range c.optimizers {
		for _, p := range opt.Params() {
			if names.Has(p.Name()) {
				return nil, errors.Errorf("sharding.New: parameter name %q is used more than once", p.Name())
			}
			names.Insert(p.Name())
			allParams = append(allParams, p)
		}
	}
	for _, p := range c.model.Parameters() {
		if p.Trainable() && !names.Has(p.Name()) {
			return nil, errors.Errorf("sharding.New: trainable parameter %q of the model is not managed by any optimizer",
				p.Name())
		}
	}
	return allParams, nil
}

// Done validates the configuration and creates the engine.
//
// If SyncModels is enabled (the default), this is a collective operation: all ranks must call it.
func (c *Config) Done() (*Stage2, error) {
	allParams, err := c.validate()
	if err != nil {
		return nil, err
	}
	return newStage2(c, allParams)
}
