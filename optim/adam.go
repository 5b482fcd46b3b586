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
	"errors"
	"fmt"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// Mode selects how weight decay interacts with the update.
type Mode int

const (
	// Coupled folds decay into the gradient before moment accumulation
	// (classic L2 regularization).
	Coupled Mode = iota

	// Decoupled subtracts lr*decay*param directly from the parameter,
	// independent of the moment estimates (AdamW).
	Decoupled
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case Coupled:
		return "coupled"
	case Decoupled:
		return "decoupled"
	default:
		return "unknown"
	}
}

// Errors reported by AdamStep before any buffer is touched.
var (
	// ErrUnsupportedDType indicates a storage type outside
	// {float32, float64, hwy.Float16, hwy.BFloat16}.
	ErrUnsupportedDType = errors.New("optim: unsupported storage dtype")

	// ErrSizeMismatch indicates buffers of differing element counts.
	ErrSizeMismatch = errors.New("optim: buffer size mismatch")

	// ErrMissingState indicates AMSGrad was requested without a
	// running-max buffer. There is no silent fallback.
	ErrMissingState = errors.New("optim: missing AMSGrad state")

	// ErrInvalidConfig indicates hyperparameters outside their valid
	// ranges. Only NewAdam validates these; AdamStep trusts its caller.
	ErrInvalidConfig = errors.New("optim: invalid config")
)

// Config holds the Adam/AdamW hyperparameters for a step.
type Config struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	WeightDecay float64
	Eps         float64

	// Mode selects coupled (L2) or decoupled (AdamW) weight decay.
	Mode Mode

	// AMSGrad enables running-maximum tracking of the second moment.
	// State.MaxExpAvgSq must be present when set.
	AMSGrad bool

	// Maximize flips the gradient sign, ascending the objective.
	Maximize bool

	// GradScale, when non-nil, divides every gradient element before
	// use. The divided value is written back to the gradient buffer,
	// an intentional, externally visible side effect. The scale is
	// always 32-bit regardless of storage dtype.
	GradScale *float32
}

// State bundles the buffers for one parameter. All slices must share
// the same element count. Param, ExpAvg, ExpAvgSq (and MaxExpAvgSq
// when AMSGrad is on) are mutated in place; Grad is rewritten only
// when Config.GradScale is set.
type State[T hwy.Lanes] struct {
	Param    []T
	Grad     []T
	ExpAvg   []T
	ExpAvgSq []T

	// MaxExpAvgSq is the running maximum of ExpAvgSq. Required iff
	// Config.AMSGrad; ignored otherwise.
	MaxExpAvgSq []T
}

// AdamStep applies one fused Adam/AdamW optimizer step to s.
//
// step is the 1-based index of the step being taken: the first update
// of a freshly initialized parameter passes 1. It is read once and
// never mutated.
//
// The {precision path}x{decay mode} specialization is resolved here,
// once per call; no mode or type decision survives into the per-element
// loops. All validation happens before any mutation: on error, every
// buffer is left exactly as it was. pool may be nil, in which case the
// whole range runs on the calling goroutine.
func AdamStep[T hwy.Lanes](pool *workerpool.Pool, s State[T], step float64, cfg Config) error {
	if err := checkState(s, cfg); err != nil {
		return err
	}
	c := NewStepCoeffs(step, cfg)
	switch st := any(s).(type) {
	case State[float32]:
		stepNative(pool, st, c, cfg)
	case State[float64]:
		stepNative(pool, st, c, cfg)
	case State[hwy.Float16]:
		stepHalf(pool, st, c, cfg, BaseAdamStepF16)
	case State[hwy.BFloat16]:
		stepHalf(pool, st, c, cfg, BaseAdamStepBF16)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedDType, s.Param)
	}
	return nil
}

// checkState performs every fallible check up front, so that nothing
// can fail once the per-chunk loops have begun.
func checkState[T hwy.Lanes](s State[T], cfg Config) error {
	n := len(s.Param)
	if len(s.Grad) != n {
		return fmt.Errorf("%w: param %d elements, grad %d", ErrSizeMismatch, n, len(s.Grad))
	}
	if len(s.ExpAvg) != n {
		return fmt.Errorf("%w: param %d elements, exp_avg %d", ErrSizeMismatch, n, len(s.ExpAvg))
	}
	if len(s.ExpAvgSq) != n {
		return fmt.Errorf("%w: param %d elements, exp_avg_sq %d", ErrSizeMismatch, n, len(s.ExpAvgSq))
	}
	if cfg.AMSGrad {
		if s.MaxExpAvgSq == nil && n > 0 {
			return fmt.Errorf("%w: AMSGrad enabled but MaxExpAvgSq is nil", ErrMissingState)
		}
		if len(s.MaxExpAvgSq) != n {
			return fmt.Errorf("%w: param %d elements, max_exp_avg_sq %d", ErrSizeMismatch, n, len(s.MaxExpAvgSq))
		}
	}
	return nil
}
