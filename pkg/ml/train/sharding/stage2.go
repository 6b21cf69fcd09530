// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding implements ZeRO stage-2 gradient sharding for data-parallel training.
//
// Each trainable parameter is owned by one rank of a collective group (see optimizers.Sharded). During
// the backward pass, as each gradient becomes ready, it is reduced to its owner rank only: the owner keeps
// the summed (and by default averaged) gradient, and the other ranks release theirs. To reduce the number
// of collective operations, the gradients owned by the same rank are packed into contiguous GradStorage
// buckets, which are reduced at once when all their gradients are ready.
//
// Typical use, on every rank:
//
//	opt := must.M1(optimizers.Sharded(m.Parameters(), group.NumRanks()).Done())
//	engine := must.M1(sharding.New(m, group, opt).Done())
//	for step := range numSteps {
//		_, err := engine.Forward(batch)  // Refreshes buckets and hooks if needed.
//		...                              // Backward pass: calls Parameter.GradReady for each parameter.
//		engine.BeforeOptimizerStep()
//		...                              // Apply the owned gradients.
//		engine.AfterClearGradients()
//	}
package sharding

import (
	"cmp"
	"maps"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/distributed"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/ml/model"
	"github.com/gomlx/shardgrad/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// rootRank is the reference rank for parameters and buffers synchronization.
const rootRank = 0

// Stats counts the events of a Stage2 engine since its creation.
type Stats struct {
	// Steps is the number of forward calls in training mode.
	Steps int

	// Refreshes is the number of times the trainable parameters, storages and hooks were rebuilt.
	Refreshes int

	// Rebuilds is the number of GradStorage buffers re-allocated at the start of a step.
	Rebuilds int

	// BucketReductions and DirectReductions count the reductions submitted for GradStorage buffers
	// and for individual gradients.
	BucketReductions, DirectReductions int

	// Fallbacks is the number of times a parameter didn't fit its GradStorage and was set to be
	// reduced individually.
	Fallbacks int

	// SkippedDuplicates counts gradient-ready notifications ignored because the parameter was
	// already reduced in the step.
	SkippedDuplicates int
}

// Stage2 is the ZeRO stage-2 engine wrapping a model. Create it with New.
//
// It implements model.Model, delegating to the wrapped model, so it can be used in its place.
// It is not safe for concurrent use: each rank drives its engine from a single goroutine.
type Stage2 struct {
	config     *Config
	model      model.Model
	group      distributed.Group
	optimizers []Optimizer
	rank       int
	numRanks   int
	scale      float64
	offload    bool
	capacities map[dtypes.DType]int

	allParams     []*model.Parameter
	trainableMask []bool
	trainable     []*model.Parameter
	trainableIdx  map[string]int
	owners        *ownership

	storages    map[dtypes.DType]map[int]*GradStorage
	storageList []*GradStorage
	bucketed    []bool
	individual  sets.Set[string]

	pending []bool
	hooks   []*model.HookHandle
	tasks   *TaskFlow

	initialized       bool
	training          bool
	refreshedTraining bool
	closed            bool
	stats             Stats
}

var _ model.Model = (*Stage2)(nil)

func newStage2(c *Config, allParams []*model.Parameter) (*Stage2, error) {
	s := &Stage2{
		config:            c,
		model:             c.model,
		group:             c.group,
		optimizers:        slices.Clone(c.optimizers),
		rank:              c.group.Rank(),
		numRanks:          c.group.NumRanks(),
		scale:             1.0 / float64(c.group.NumRanks()),
		offload:           c.optimizers[0].IsOffload(),
		allParams:         allParams,
		trainableMask:     trainableMask(allParams),
		storages:          make(map[dtypes.DType]map[int]*GradStorage),
		individual:        sets.Make[string](),
		tasks:             NewTaskFlow(),
		training:          true,
		refreshedTraining: true,
	}
	var err error
	s.capacities, err = bufferCapacities(s.optimizers, c.bufferMaxSize)
	if err != nil {
		return nil, errors.WithMessage(err, "sharding.New")
	}
	s.reportSizes()
	if c.syncModels {
		if err := s.syncParamsAndBuffers(); err != nil {
			return nil, errors.WithMessage(err, "sharding.New: failed to synchronize model")
		}
	}
	return s, nil
}

// reportSizes logs the GradStorage capacity of each dtype and the model size.
func (s *Stage2) reportSizes() {
	var modelSize int
	for _, p := range s.model.Parameters() {
		modelSize += p.Size()
	}
	for _, dtype := range slices.Sorted(maps.Keys(s.capacities)) {
		capacity := s.capacities[dtype]
		klog.Infof("sharding rank %d: %s GradStorage size: %s parameters (%s), model size: %s parameters",
			s.rank, dtype, humanize.Comma(int64(capacity)), humanize.IBytes(uint64(capacity*dtype.Size())),
			humanize.Comma(int64(modelSize)))
	}
}

func trainableMask(params []*model.Parameter) []bool {
	mask := make([]bool, len(params))
	for ii, p := range params {
		mask[ii] = p.Trainable()
	}
	return mask
}

// Model returns the wrapped model.
func (s *Stage2) Model() model.Model { return s.model }

// Parameters implements model.Model.
func (s *Stage2) Parameters() []*model.Parameter { return s.model.Parameters() }

// Buffers implements model.Model.
func (s *Stage2) Buffers() []*tensors.Tensor { return s.model.Buffers() }

// Rank of this engine in the group.
func (s *Stage2) Rank() int { return s.rank }

// NumRanks in the group.
func (s *Stage2) NumRanks() int { return s.numRanks }

// Stats returns a copy of the engine counters.
func (s *Stage2) Stats() Stats { return s.stats }

// GradStorages returns the current storages, in order of creation.
func (s *Stage2) GradStorages() []*GradStorage { return slices.Clone(s.storageList) }

// Owner returns the owner rank of a trainable parameter. It returns false if p is not trainable
// as of the last refresh.
func (s *Stage2) Owner(p *model.Parameter) (rank int, found bool) {
	if _, found = s.trainableIdx[p.Name()]; !found {
		return 0, false
	}
	return s.owners.ranks[p.Name()], true
}

// IsBucketed returns whether the gradient of p is packed in a GradStorage, as opposed to reduced individually.
func (s *Stage2) IsBucketed(p *model.Parameter) bool {
	idx, found := s.trainableIdx[p.Name()]
	return found && s.bucketed[idx]
}

// Train sets the engine (not the wrapped model) in training mode: gradient hooks are installed at the next Forward.
func (s *Stage2) Train() { s.training = true }

// Eval sets the engine in evaluation mode: gradient hooks are removed at the next Forward.
func (s *Stage2) Eval() { s.training = false }

// IsTraining returns whether the engine is in training mode.
func (s *Stage2) IsTraining() bool { return s.training }

// AccumulateGrads returns whether reduced gradients are accumulated across steps, see Config.AccumulateGrads.
func (s *Stage2) AccumulateGrads() bool { return s.config.accumulateGrads }

// Forward prepares the gradient storages and hooks for a new step, and then runs the wrapped model's Forward.
//
// The storages and hooks are rebuilt if this is the first training step, if the mode changed between
// training and evaluation, or if the set of trainable parameters changed (see Config.AutoRefreshTrainable).
func (s *Stage2) Forward(inputs ...any) (any, error) {
	if s.closed {
		return nil, errors.New("sharding.Stage2.Forward called after Close")
	}
	needsRefresh := !s.initialized || s.training != s.refreshedTraining
	if s.config.autoRefreshTrainable && s.detectTrainableChange() {
		needsRefresh = true
	}
	if needsRefresh {
		if err := s.refresh(); err != nil {
			return nil, err
		}
	} else {
		s.rebuildGradStorages()
	}
	s.clearCounters()
	if s.training {
		s.stats.Steps++
	}

	if s.config.syncBuffers {
		if err := s.broadcastAll(s.model.Buffers()); err != nil {
			return nil, errors.WithMessage(err, "failed to synchronize model buffers")
		}
	}
	return s.model.Forward(inputs...)
}

// Refresh rebuilds the list of trainable parameters, their ownership, the gradient storages and hooks.
//
// It is called automatically by Forward when needed, but it can be called explicitly after changing
// parameters with AutoRefreshTrainable disabled.
func (s *Stage2) Refresh() error {
	if err := s.refresh(); err != nil {
		return err
	}
	s.clearCounters()
	return nil
}

// To moves the engine to the device. Only the device configured with Config.Device is accepted, since
// the optimizers' state is not moved.
func (s *Stage2) To(device string) error {
	if device != s.config.device {
		return errors.Errorf("sharding.Stage2.To(%q): only the configured device %q is supported", device, s.config.device)
	}
	return s.Refresh()
}

// Close removes the gradient hooks. It returns an error if reductions are still pending.
func (s *Stage2) Close() error {
	s.removeHooks()
	s.closed = true
	if s.tasks.Len() > 0 {
		return errors.Errorf("sharding.Stage2 closed with %d pending reductions", s.tasks.Len())
	}
	return nil
}

// detectTrainableChange checks whether the trainable flag of any parameter changed since the last check.
func (s *Stage2) detectTrainableChange() bool {
	mask := trainableMask(s.allParams)
	if slices.Equal(mask, s.trainableMask) {
		return false
	}
	klog.Warningf("sharding rank %d: trainable parameters changed, because of eval/train mode or parameter freezing/unfreezing",
		s.rank)
	s.trainableMask = mask
	return true
}

func (s *Stage2) refresh() error {
	if slices.Contains(s.pending, true) || s.tasks.Len() > 0 {
		klog.Warningf("sharding rank %d: refreshing trainable parameters while gradients are waiting to be reduced", s.rank)
	}
	s.detachGrads()
	s.trainableMask = trainableMask(s.allParams)
	var trainable []*model.Parameter
	for _, p := range s.allParams {
		if p.Trainable() {
			trainable = append(trainable, p)
		}
	}
	slices.SortStableFunc(trainable, func(a, b *model.Parameter) int { return cmp.Compare(a.Size(), b.Size()) })
	owners, err := resolveOwnership(s.optimizers, trainable, s.numRanks)
	if err != nil {
		return errors.WithMessage(err, "sharding.Stage2")
	}
	s.trainable = trainable
	s.owners = owners
	s.trainableIdx = make(map[string]int, len(trainable))
	for idx, p := range trainable {
		s.trainableIdx[p.Name()] = idx
	}
	s.pending = make([]bool, len(trainable))

	s.setupGradStorages()
	s.setupHooks()
	s.initialized = true
	s.refreshedTraining = s.training
	s.stats.Refreshes++
	if klog.V(1).Enabled() {
		klog.Infof("sharding rank %d: %d trainable parameters, %d storages, %d reduced individually, training=%v",
			s.rank, len(trainable), len(s.storageList), len(s.individual), s.training)
	}
	return nil
}

// detachGrads unmaps the gradients from the storages about to be replaced. Gradients still in use are copied
// out of the storages, and the gradients of parameters that are no longer trainable are dropped.
func (s *Stage2) detachGrads() {
	for idx, p := range s.trainable {
		switch {
		case !p.Trainable():
			p.ClearGrad()
		case s.bucketed[idx] && p.HasGrad():
			if err := p.SetGrad(p.Grad().Clone()); err != nil {
				exceptions.Panicf("sharding rank %d: failed to detach gradient of %s: %+v", s.rank, p, err)
			}
		}
	}
}

// setupGradStorages packs the gradients of the trainable parameters, in order, into one GradStorage per
// (dtype, owner rank). Parameters that don't fit are reduced individually.
func (s *Stage2) setupGradStorages() {
	s.storages = make(map[dtypes.DType]map[int]*GradStorage)
	s.storageList = nil
	s.bucketed = make([]bool, len(s.trainable))
	s.individual = sets.Make[string]()
	for idx, p := range s.trainable {
		if !s.config.useGradStorage {
			s.individual.Insert(p.Name())
			continue
		}
		dst, align := s.owners.ranks[p.Name()], s.owners.aligns[p.Name()]
		perRank, found := s.storages[p.DType()]
		if !found {
			perRank = make(map[int]*GradStorage)
			s.storages[p.DType()] = perRank
		}
		storage, found := perRank[dst]
		if !found {
			storage = NewGradStorage(s.capacities[p.DType()], p.DType(), s.config.device, dst)
			perRank[dst] = storage
			s.storageList = append(s.storageList, storage)
		}
		if storage.CanAdmit(p, align) {
			storage.Admit(p, align)
			s.bucketed[idx] = true
			continue
		}
		s.individual.Insert(p.Name())
		s.stats.Fallbacks++
		klog.Infof("sharding rank %d: cannot add parameter %s (align %d) to %s, it will be reduced individually",
			s.rank, p, align, storage)
	}
}

func (s *Stage2) removeHooks() {
	for _, h := range s.hooks {
		h.Remove()
	}
	s.hooks = nil
}

// setupHooks replaces the gradient hooks: one per trainable parameter, only in training mode.
func (s *Stage2) setupHooks() {
	s.removeHooks()
	if !s.training {
		return
	}
	for idx, p := range s.trainable {
		hook := &gradHook{
			engine: s,
			index:  idx,
			param:  p,
			dst:    s.owners.ranks[p.Name()],
			kind:   reduceDirect,
		}
		if s.bucketed[idx] {
			hook.kind = reduceBucketed
		}
		s.hooks = append(s.hooks, p.RegisterGradHook(hook))
	}
}

// rebuildGradStorages re-allocates the buffers released in the previous step: the ones owned by other ranks,
// or all of them if offloading.
func (s *Stage2) rebuildGradStorages() {
	for _, storage := range s.storageList {
		if s.offload || storage.Destination() != s.rank {
			storage.Release()
			storage.Rebuild()
			s.stats.Rebuilds++
		}
	}
}

// clearCounters marks all trainable parameters as pending reduction (in training mode) and
// resets the storages check-in counters.
func (s *Stage2) clearCounters() {
	if s.training {
		for ii := range s.pending {
			s.pending[ii] = true
		}
	}
	for _, storage := range s.storageList {
		storage.ResetCheckedIn()
	}
}

// BeforeOptimizerStep must be called by the training loop before applying the gradients.
//
// With AccumulateGrads enabled, it averages the accumulated gradients owned by this rank. Otherwise, it's a no-op.
func (s *Stage2) BeforeOptimizerStep() {
	if !s.config.accumulateGrads {
		return
	}
	if !s.offload {
		for _, storage := range s.ownedStorages() {
			storage.Buffer().Scale(s.scale)
		}
	}
	for _, p := range s.trainable {
		if s.individual.Has(p.Name()) && p.HasGrad() {
			p.Grad().Scale(s.scale)
		}
	}
	if s.offload {
		s.optimizers[0].OffloadScaleGrad(s.scale)
	}
}

// AfterClearGradients must be called by the training loop after the gradients were applied, to prepare
// for the next step: it zeroes the storages owned by this rank, releases the individually reduced
// gradients and clears the offloaded gradients.
func (s *Stage2) AfterClearGradients() {
	if !s.offload {
		for _, storage := range s.ownedStorages() {
			storage.Buffer().Zero()
		}
	}
	for _, p := range s.trainable {
		if s.individual.Has(p.Name()) {
			p.ClearGrad()
		}
	}
	if s.offload {
		s.optimizers[0].OffloadClearGrad()
	}
}

// ownedStorages returns the storages owned by this rank that hold a buffer.
func (s *Stage2) ownedStorages() []*GradStorage {
	var owned []*GradStorage
	for _, storage := range s.storageList {
		if storage.Destination() == s.rank && !storage.IsReleased() {
			owned = append(owned, storage)
		}
	}
	return owned
}

// syncParamsAndBuffers broadcasts the values of all parameters and buffers of the model from the root rank.
func (s *Stage2) syncParamsAndBuffers() error {
	var values []*tensors.Tensor
	for _, p := range s.model.Parameters() {
		values = append(values, p.Value())
	}
	values = append(values, s.model.Buffers()...)
	return s.broadcastAll(values)
}

// broadcastAll broadcasts all tensors from the root rank, and waits for all of them.
func (s *Stage2) broadcastAll(values []*tensors.Tensor) error {
	handles := make([]distributed.Handle, 0, len(values))
	for _, t := range values {
		h, err := s.group.Broadcast(t, rootRank)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	return distributed.WaitAll(s.group, handles...)
}

type reduceKind int

const (
	reduceDirect reduceKind = iota
	reduceBucketed
)

// gradHook is the gradient-ready hook of one trainable parameter.
type gradHook struct {
	engine *Stage2
	index  int
	param  *model.Parameter
	dst    int
	kind   reduceKind
}

// OnGradReady implements model.GradHook.
func (h *gradHook) OnGradReady(*model.Parameter) error {
	s := h.engine
	if !s.pending[h.index] {
		s.stats.SkippedDuplicates++
		return nil
	}
	if !h.param.HasGrad() {
		exceptions.Panicf("sharding rank %d: gradient of parameter %s reported ready, but it is absent", s.rank, h.param)
	}
	s.pending[h.index] = false
	if h.kind == reduceBucketed {
		return h.reduceStorage()
	}
	return h.reduceGrad()
}

// reduceGrad reduces the parameter's gradient alone.
func (h *gradHook) reduceGrad() error {
	s := h.engine
	grad := h.param.Grad()
	if !s.config.accumulateGrads {
		grad.Scale(s.scale)
	}
	klog.V(2).Infof("sharding rank %d: reducing gradient of %s to rank %d", s.rank, h.param, h.dst)
	handle, err := s.group.Reduce(grad, h.dst)
	if err != nil {
		return errors.WithMessagef(err, "sharding rank %d: failed to reduce gradient of %s", s.rank, h.param)
	}
	s.stats.DirectReductions++
	s.tasks.Push(handle, h.cleanupGrad)
	if err := s.group.Wait(handle); err != nil {
		return errors.WithMessagef(err, "sharding rank %d: failed to reduce gradient of %s", s.rank, h.param)
	}
	return s.tasks.Drain()
}

// cleanupGrad runs after the reduction of the parameter's gradient: non-owners release it, and the owner
// forwards it to the offload store, if offloading.
func (h *gradHook) cleanupGrad() error {
	s := h.engine
	if h.dst != s.rank {
		h.param.ClearGrad()
		return nil
	}
	if s.offload {
		if err := s.optimizers[0].OffloadAccumulateGrad(h.param.Name(), h.param.Grad()); err != nil {
			return err
		}
		h.param.ClearGrad()
	}
	return nil
}

// reduceStorage checks the parameter in its GradStorage, and reduces the storage once all its
// parameters checked in.
func (h *gradHook) reduceStorage() error {
	s := h.engine
	storage := s.storages[h.param.DType()][h.dst]
	storage.CheckIn()
	if storage.AllCheckedIn() && !storage.Sent() {
		buffer := storage.Buffer()
		if buffer == nil {
			exceptions.Panicf("sharding rank %d: all gradients checked in %s, but its buffer is released", s.rank, storage)
		}
		if !s.config.accumulateGrads {
			buffer.Scale(s.scale)
		}
		storage.MarkSent()
		klog.V(2).Infof("sharding rank %d: reducing %s to rank %d", s.rank, storage, h.dst)
		handle, err := s.group.Reduce(buffer, storage.Destination())
		if err != nil {
			return errors.WithMessagef(err, "sharding rank %d: failed to reduce %s", s.rank, storage)
		}
		s.stats.BucketReductions++
		s.tasks.Push(handle, func() error { return s.cleanupStorage(storage) })
		if err := s.group.Wait(handle); err != nil {
			return errors.WithMessagef(err, "sharding rank %d: failed to reduce %s", s.rank, storage)
		}
	}
	return s.tasks.Drain()
}

// cleanupStorage runs after the reduction of a storage: non-owners release it, and the owner forwards
// its gradients to the offload store, if offloading.
func (s *Stage2) cleanupStorage(storage *GradStorage) error {
	if storage.Destination() != s.rank {
		storage.Release()
		return nil
	}
	if !s.offload {
		return nil
	}
	storage.MoveTo(OffloadDevice)
	opt := s.optimizers[0]
	for _, p := range storage.Params() {
		if err := opt.OffloadAccumulateGrad(p.Name(), p.Grad()); err != nil {
			return err
		}
	}
	storage.Release()
	storage.MoveTo(s.config.device)
	return nil
}
