// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/shardgrad/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001
)

// AdamConfig holds the configuration for an Adam optimizer, create it with Adam and finish with Done.
type AdamConfig struct {
	sharded      *ShardedOptimizer
	rank         int
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
	amsGrad      bool
}

// Adam creates a configuration for an Adam optimizer applying the gradients of the parameters of sharded
// owned by rank. The moments are only kept for the owned parameters.
//
// See [Adam: A Method for Stochastic Optimization](https://arxiv.org/abs/1412.6980).
func Adam(sharded *ShardedOptimizer, rank int) *AdamConfig {
	return &AdamConfig{
		sharded:      sharded,
		rank:         rank,
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// LearningRate sets the base learning rate. Each call to Step can override it.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// AMSGrad keeps the maximum of the second moment seen so far, see
// [On the Convergence of Adam and Beyond](https://openreview.net/forum?id=ryQu7f-RZ).
func (c *AdamConfig) AMSGrad(amsGrad bool) *AdamConfig {
	c.amsGrad = amsGrad
	return c
}

// Done validates the configuration and returns the optimizer.
func (c *AdamConfig) Done() (*AdamOptimizer, error) {
	if c.sharded == nil {
		return nil, errors.New("optimizers.Adam: ShardedOptimizer is nil")
	}
	if c.rank < 0 || c.rank >= c.sharded.NumRanks() {
		return nil, errors.Errorf("optimizers.Adam: rank %d out of range for %d ranks", c.rank, c.sharded.NumRanks())
	}
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		return nil, errors.Errorf("optimizers.Adam: betas must be in [0, 1), got %g and %g", c.beta1, c.beta2)
	}
	return &AdamOptimizer{config: c, moments: make(map[string]*adamMoments)}, nil
}

// AdamOptimizer applies Adam to the parameters owned by one rank.
type AdamOptimizer struct {
	config  *AdamConfig
	step    int
	moments map[string]*adamMoments
}

// adamMoments holds the float32 moving averages of one parameter.
type adamMoments struct {
	moment1, moment2 *tensors.Tensor
}

// NumSteps returns the number of updates applied so far.
func (o *AdamOptimizer) NumSteps() int { return o.step }

// StateMemory returns the memory used by the moments. Only the owned parameters hold moments.
func (o *AdamOptimizer) StateMemory() uintptr {
	var total uintptr
	for _, m := range o.moments {
		total += m.moment1.Memory() + m.moment2.Memory()
	}
	return total
}

// Step applies one Adam update, with the given learning rate (or the configured one if learningRate <= 0),
// to the owned parameters that have gradients. The offloaded gradients are used if the ShardedOptimizer
// is configured with offload.
//
// It returns the number of parameters updated.
func (o *AdamOptimizer) Step(learningRate float64) (int, error) {
	c := o.config
	sharded := c.sharded
	if !sharded.HasAssignment() {
		return 0, errors.New("AdamOptimizer.Step: no assignment, call ShardedOptimizer.UpdateAssignment first")
	}
	if learningRate <= 0 {
		learningRate = c.learningRate
	}
	o.step++
	debias1 := 1 / (1 - math.Pow(c.beta1, float64(o.step)))
	debias2 := 1 / (1 - math.Pow(c.beta2, float64(o.step)))

	var updated int
	for _, p := range sharded.ParamsOfRank(c.rank) {
		if !p.Trainable() {
			continue
		}
		var grad *tensors.Tensor
		if sharded.IsOffload() {
			grad = sharded.OffloadGrad(p.Name())
		} else if p.HasGrad() {
			grad = p.Grad()
		}
		if grad.IsReleased() {
			continue
		}
		m, found := o.moments[p.Name()]
		if !found {
			m = &adamMoments{
				moment1: tensors.FromShape(dtypes.Float32, p.Size()),
				moment2: tensors.FromShape(dtypes.Float32, p.Size()),
			}
			o.moments[p.Name()] = m
		}
		gradValues := grad.Float64s()
		values := p.Value().Float64s()
		tensors.MutableFlatData(m.moment1, func(moment1 []float32) {
			tensors.MutableFlatData(m.moment2, func(moment2 []float32) {
				for ii, g := range gradValues {
					m1 := c.beta1*float64(moment1[ii]) + (1-c.beta1)*g
					m2 := c.beta2*float64(moment2[ii]) + (1-c.beta2)*g*g
					if c.amsGrad {
						m2 = max(m2, float64(moment2[ii]))
					}
					moment1[ii], moment2[ii] = float32(m1), float32(m2)
					delta := m1 * debias1 / (math.Sqrt(m2*debias2) + c.epsilon)
					if c.weightDecay > 0 {
						delta += c.weightDecay * values[ii]
					}
					values[ii] -= learningRate * delta
				}
			})
		})
		newValue := tensors.FromFlatDataAndDimensions(values, p.Dimensions()...).ConvertTo(p.DType())
		if err := p.Value().CopyFrom(newValue); err != nil {
			return updated, errors.WithMessagef(err, "AdamOptimizer.Step(%q)", p.Name())
		}
		updated++
	}
	return updated, nil
}
