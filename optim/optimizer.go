// Copyright 2026 fusedopt Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optim

import (
	"fmt"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// Adam is a stateful Adam/AdamW optimizer over a set of parameter
// slices. It owns the moment buffers and the step counter and runs one
// fused AdamStep per parameter on every Step call. The kernel itself
// never allocates; all state lifetime lives here.
//
// An Adam value is not goroutine-safe: concurrent Step calls on the
// same value, or on overlapping parameter slices, must be synchronized
// externally.
type Adam[T hwy.Lanes] struct {
	cfg     Config
	pool    *workerpool.Pool
	ownPool bool
	step    float64

	sizes       []int
	expAvg      [][]T
	expAvgSq    [][]T
	maxExpAvgSq [][]T
}

// NewAdam creates an optimizer for the given parameter slices with
// zeroed moment state and an internally owned worker pool. Call Close
// to release the pool.
func NewAdam[T hwy.Lanes](params [][]T, cfg Config) (*Adam[T], error) {
	a, err := NewAdamWithPool(nil, params, cfg)
	if err != nil {
		return nil, err
	}
	a.pool = workerpool.New(0)
	a.ownPool = true
	return a, nil
}

// NewAdamWithPool is like NewAdam but shares a caller-owned pool; the
// optimizer will not close it.
func NewAdamWithPool[T hwy.Lanes](pool *workerpool.Pool, params [][]T, cfg Config) (*Adam[T], error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	var zero T
	switch any(zero).(type) {
	case float32, float64, hwy.Float16, hwy.BFloat16:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedDType, zero)
	}

	a := &Adam[T]{
		cfg:      cfg,
		pool:     pool,
		sizes:    make([]int, len(params)),
		expAvg:   make([][]T, len(params)),
		expAvgSq: make([][]T, len(params)),
	}
	if cfg.AMSGrad {
		a.maxExpAvgSq = make([][]T, len(params))
	}
	for i, p := range params {
		a.sizes[i] = len(p)
		a.expAvg[i] = make([]T, len(p))
		a.expAvgSq[i] = make([]T, len(p))
		if cfg.AMSGrad {
			a.maxExpAvgSq[i] = make([]T, len(p))
		}
	}
	return a, nil
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.LR <= 0:
		return fmt.Errorf("%w: LR %v must be > 0", ErrInvalidConfig, cfg.LR)
	case cfg.Beta1 < 0 || cfg.Beta1 >= 1:
		return fmt.Errorf("%w: Beta1 %v must be in [0, 1)", ErrInvalidConfig, cfg.Beta1)
	case cfg.Beta2 < 0 || cfg.Beta2 >= 1:
		return fmt.Errorf("%w: Beta2 %v must be in [0, 1)", ErrInvalidConfig, cfg.Beta2)
	case cfg.Eps <= 0:
		return fmt.Errorf("%w: Eps %v must be > 0", ErrInvalidConfig, cfg.Eps)
	case cfg.WeightDecay < 0:
		return fmt.Errorf("%w: WeightDecay %v must be >= 0", ErrInvalidConfig, cfg.WeightDecay)
	case cfg.Mode != Coupled && cfg.Mode != Decoupled:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, cfg.Mode)
	case cfg.GradScale != nil && *cfg.GradScale == 0:
		return fmt.Errorf("%w: GradScale must be nonzero", ErrInvalidConfig)
	}
	return nil
}

// StepCount returns how many optimizer steps have been taken.
func (a *Adam[T]) StepCount() int {
	return int(a.step)
}

// Step advances the counter once and applies one fused update to every
// parameter. params and grads must line up with the slices given to
// NewAdam, element count included. All slices are checked before any
// parameter is touched.
func (a *Adam[T]) Step(params, grads [][]T) error {
	if len(params) != len(a.sizes) || len(grads) != len(a.sizes) {
		return fmt.Errorf("%w: optimizer tracks %d parameters, got %d params and %d grads",
			ErrSizeMismatch, len(a.sizes), len(params), len(grads))
	}
	for i := range params {
		if len(params[i]) != a.sizes[i] || len(grads[i]) != a.sizes[i] {
			return fmt.Errorf("%w: parameter %d has %d elements, got param %d and grad %d",
				ErrSizeMismatch, i, a.sizes[i], len(params[i]), len(grads[i]))
		}
	}

	a.step++
	for i := range params {
		s := State[T]{
			Param:    params[i],
			Grad:     grads[i],
			ExpAvg:   a.expAvg[i],
			ExpAvgSq: a.expAvgSq[i],
		}
		if a.cfg.AMSGrad {
			s.MaxExpAvgSq = a.maxExpAvgSq[i]
		}
		if err := AdamStep(a.pool, s, a.step, a.cfg); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the worker pool if the optimizer owns it. Safe to
// call more than once.
func (a *Adam[T]) Close() {
	if a.ownPool && a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
