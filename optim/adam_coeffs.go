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

import stdmath "math"

// StepCoeffs holds the scalar coefficients shared by every chunk of a
// step. They are computed once per call, before partitioning, and are
// read-only afterwards, so chunks need no synchronization to use them.
type StepCoeffs struct {
	// LR is the learning rate, kept for the decoupled decay term.
	LR float64

	// StepSize is lr / (1 - beta1^step). The first-moment bias
	// correction is evaluated in float64 unconditionally, whatever the
	// storage or compute precision, so a fused step reproduces an
	// unfused update exactly in that coefficient.
	StepSize float64

	// Beta2 scales the previous second-moment estimate.
	Beta2 float64

	// ExpAvgCoeff is 1 - beta1, the first-moment gradient coefficient.
	ExpAvgCoeff float64

	// ExpAvgSqCoeff is 1 - beta2, the second-moment gradient coefficient.
	ExpAvgSqCoeff float64

	// BiasCorr2Sqrt is sqrt(1 - beta2^step).
	BiasCorr2Sqrt float64

	// Eps is added to the denominator strictly after the division by
	// BiasCorr2Sqrt, never folded into the square root.
	Eps float64

	// WeightDecay of zero disables the decay branch entirely; it is
	// skipped, not multiplied through, to avoid an extra rounding.
	WeightDecay float64
}

// NewStepCoeffs computes the per-call coefficients for the given
// 1-based step number.
func NewStepCoeffs(step float64, cfg Config) StepCoeffs {
	biasCorr1 := 1 - stdmath.Pow(cfg.Beta1, step)
	biasCorr2 := 1 - stdmath.Pow(cfg.Beta2, step)
	return StepCoeffs{
		LR:            cfg.LR,
		StepSize:      cfg.LR / biasCorr1,
		Beta2:         cfg.Beta2,
		ExpAvgCoeff:   1 - cfg.Beta1,
		ExpAvgSqCoeff: 1 - cfg.Beta2,
		BiasCorr2Sqrt: stdmath.Sqrt(biasCorr2),
		Eps:           cfg.Eps,
		WeightDecay:   cfg.WeightDecay,
	}
}
