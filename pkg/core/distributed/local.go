// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/shardgrad/internal/workerspool"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/gomlx/shardgrad/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LocalGroup is an in-process Group: each rank is expected to be driven by its own goroutine.
//
// The n-th collective operation submitted by each rank is matched with the n-th operation of the other
// ranks. The operation is executed by the last rank to arrive, and it completes for all ranks at
// the same time.
type LocalGroup struct {
	hub  *localHub
	rank int

	// nextSeq is the sequence number of the next operation submitted by this rank.
	nextSeq uint64
}

var _ Group = (*LocalGroup)(nil)

// LocalOption configures a family of LocalGroup created with NewLocalGroups.
type LocalOption func(hub *localHub)

// WithWaitTimeout makes Wait return an error if an operation doesn't complete within timeout.
// The default (0) is to wait forever.
func WithWaitTimeout(timeout time.Duration) LocalOption {
	return func(hub *localHub) { hub.waitTimeout = timeout }
}

// WithMaxParallelism sets the number of goroutines used to sum the contributions of large reductions.
// 0 disables parallelism, -1 makes it unlimited. It defaults to the number of CPUs.
func WithMaxParallelism(maxParallelism int) LocalOption {
	return func(hub *localHub) { hub.pool.SetMaxParallelism(maxParallelism) }
}

// minReduceChunk is the minimum number of elements summed by one worker.
const minReduceChunk = 1 << 14

// NewLocalGroups creates numRanks connected LocalGroup, one per rank.
func NewLocalGroups(numRanks int, options ...LocalOption) ([]*LocalGroup, error) {
	if numRanks <= 0 {
		return nil, errors.Errorf("NewLocalGroups requires a positive number of ranks, got %d", numRanks)
	}
	hub := &localHub{
		id:       uuid.New(),
		numRanks: numRanks,
		pool:     workerspool.New(),
		ops:      make(map[uint64]*localOp),
	}
	for _, option := range options {
		option(hub)
	}
	groups := make([]*LocalGroup, numRanks)
	for rank := range groups {
		groups[rank] = &LocalGroup{hub: hub, rank: rank}
	}
	klog.V(1).Infof("created local communication group %s with %d ranks", hub.id, numRanks)
	return groups, nil
}

// NewLocalGroupsFromMesh creates one family of LocalGroup per replica group of the mesh along the given axes.
// It returns the group of each device of the mesh, indexed by device number.
func NewLocalGroupsFromMesh(mesh *DeviceMesh, axes []string, options ...LocalOption) ([]*LocalGroup, error) {
	replicaGroups, err := mesh.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, errors.WithMessagef(err, "NewLocalGroupsFromMesh(%s, %q)", mesh, axes)
	}
	perDevice := make([]*LocalGroup, mesh.NumDevices())
	for _, devices := range replicaGroups {
		groups, err := NewLocalGroups(len(devices), options...)
		if err != nil {
			return nil, err
		}
		for rank, device := range devices {
			perDevice[device] = groups[rank]
		}
	}
	return perDevice, nil
}

// ID of the family of groups this group belongs to. Used to correlate logs.
func (g *LocalGroup) ID() uuid.UUID { return g.hub.id }

// Rank implements Group.
func (g *LocalGroup) Rank() int { return g.rank }

// NumRanks implements Group.
func (g *LocalGroup) NumRanks() int { return g.hub.numRanks }

// Broadcast implements Group.
func (g *LocalGroup) Broadcast(t *tensors.Tensor, src int) (Handle, error) {
	return g.submit(opBroadcast, t, src)
}

// Reduce implements Group.
func (g *LocalGroup) Reduce(t *tensors.Tensor, dst int) (Handle, error) {
	return g.submit(opReduce, t, dst)
}

// Wait implements Group.
func (g *LocalGroup) Wait(h Handle) error {
	lh, ok := h.(*localHandle)
	if !ok || lh.op.hub != g.hub {
		return errors.Errorf("LocalGroup.Wait: handle %T doesn't belong to group %s", h, g.hub.id)
	}
	err, ok := lh.op.done.WaitTimeout(g.hub.waitTimeout)
	if !ok {
		return errors.Errorf("LocalGroup.Wait: rank %d timed out after %s waiting for %s",
			g.rank, g.hub.waitTimeout, lh.op)
	}
	return err
}

func (g *LocalGroup) submit(kind opKind, t *tensors.Tensor, root int) (Handle, error) {
	if root < 0 || root >= g.hub.numRanks {
		return nil, errors.Errorf("%s: invalid root rank %d for group of %d ranks", kind, root, g.hub.numRanks)
	}
	if t.IsReleased() {
		return nil, errors.Errorf("%s: rank %d submitted a released buffer", kind, g.rank)
	}
	seq := g.nextSeq
	g.nextSeq++
	op := g.hub.arrive(g.rank, seq, kind, t, root)
	return &localHandle{op: op}, nil
}

type opKind int

const (
	opReduce opKind = iota
	opBroadcast
)

func (k opKind) String() string {
	if k == opReduce {
		return "Reduce"
	}
	return "Broadcast"
}

// localHub is shared by all ranks of a family of LocalGroup.
type localHub struct {
	id          uuid.UUID
	numRanks    int
	waitTimeout time.Duration
	pool        *workerspool.Pool

	mu  sync.Mutex
	ops map[uint64]*localOp
}

// localOp is one collective operation, matched across ranks by its sequence number.
type localOp struct {
	hub     *localHub
	seq     uint64
	kind    opKind
	root    int
	buffers []*tensors.Tensor
	arrived int
	err     error
	done    *xsync.LatchWithValue[error]
}

func (op *localOp) String() string {
	return fmt.Sprintf("%s #%d (root=%d) of group %s", op.kind, op.seq, op.root, op.hub.id)
}

type localHandle struct {
	op *localOp
}

// Done implements Handle.
func (h *localHandle) Done() bool { return h.op.done.Test() }

// arrive registers the contribution of rank to operation seq, and executes it if rank is the last to arrive.
func (hub *localHub) arrive(rank int, seq uint64, kind opKind, t *tensors.Tensor, root int) *localOp {
	hub.mu.Lock()
	op, found := hub.ops[seq]
	if !found {
		op = &localOp{
			hub:     hub,
			seq:     seq,
			kind:    kind,
			root:    root,
			buffers: make([]*tensors.Tensor, hub.numRanks),
			done:    xsync.NewLatchWithValue[error](),
		}
		hub.ops[seq] = op
	}
	op.buffers[rank] = t
	op.arrived++
	if op.err == nil && (op.kind != kind || op.root != root) {
		op.err = errors.Errorf("rank %d submitted %s(root=%d), but other ranks submitted %s", rank, kind, root, op)
	}
	last := op.arrived == hub.numRanks
	if last {
		delete(hub.ops, seq)
	}
	hub.mu.Unlock()

	klog.V(2).Infof("group %s rank %d: %s #%d root=%d %s", hub.id, rank, kind, seq, root, t.DType())
	if last {
		op.done.Trigger(hub.execute(op))
	}
	return op
}

// execute the operation once all ranks contributed. It returns the error of the operation.
func (hub *localHub) execute(op *localOp) error {
	if op.err != nil {
		return op.err
	}
	rootBuffer := op.buffers[op.root]
	for rank, buffer := range op.buffers {
		if buffer.DType() != rootBuffer.DType() || buffer.Size() != rootBuffer.Size() {
			return errors.Errorf("%s: rank %d buffer (%s, %d elements) doesn't match root buffer (%s, %d elements)",
				op, rank, buffer.DType(), buffer.Size(), rootBuffer.DType(), rootBuffer.Size())
		}
	}

	switch op.kind {
	case opBroadcast:
		for rank, buffer := range op.buffers {
			if rank == op.root {
				continue
			}
			if err := buffer.CopyFrom(rootBuffer); err != nil {
				return errors.WithMessagef(err, "%s to rank %d", op, rank)
			}
		}

	case opReduce:
		var (
			muErr    sync.Mutex
			firstErr error
		)
		hub.pool.Range(rootBuffer.Size(), minReduceChunk, func(start, end int) {
			for rank, buffer := range op.buffers {
				if rank == op.root {
					continue
				}
				if err := rootBuffer.AddRange(buffer, start, end); err != nil {
					muErr.Lock()
					if firstErr == nil {
						firstErr = errors.WithMessagef(err, "%s from rank %d", op, rank)
					}
					muErr.Unlock()
					return
				}
			}
		})
		return firstErr
	}
	return nil
}
