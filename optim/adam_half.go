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
	stdmath "math"

	"github.com/ajroetker/go-highway/hwy"
)

// The reduced-precision kernels share their arithmetic through this
// file. A 16-bit storage batch holds twice as many lanes as a float32
// batch, so each load is widened into a lower and an upper float32
// half-batch; every product, sum, comparison and square root runs in
// float32, and values are narrowed back to storage only at the store.
// Each half-batch uses its own gradient throughout.

// halfCoeffs carries the float32-narrowed per-call coefficients: as
// broadcast vectors for the batch loop and as scalars for the tail. All
// mode decisions are captured here, outside the per-element loops.
type halfCoeffs struct {
	vStepSize, vBeta2, vMCoeff, vVCoeff hwy.Vec[float32]
	vBiasCorr2Sqrt, vEps                hwy.Vec[float32]
	vDecay, vLRDecay, vScale            hwy.Vec[float32]

	stepSize, beta2, mCoeff, vCoeff float32
	biasCorr2Sqrt, eps              float32
	decay, lrDecay, scale           float32

	mode     Mode
	hasDecay bool
	amsgrad  bool
	maximize bool
	rescale  bool
}

func newHalfCoeffs(c StepCoeffs, cfg Config) halfCoeffs {
	k := halfCoeffs{
		stepSize:      float32(c.StepSize),
		beta2:         float32(c.Beta2),
		mCoeff:        float32(c.ExpAvgCoeff),
		vCoeff:        float32(c.ExpAvgSqCoeff),
		biasCorr2Sqrt: float32(c.BiasCorr2Sqrt),
		eps:           float32(c.Eps),
		decay:         float32(c.WeightDecay),
		lrDecay:       float32(c.LR) * float32(c.WeightDecay),
		mode:          cfg.Mode,
		hasDecay:      c.WeightDecay != 0,
		amsgrad:       cfg.AMSGrad,
		maximize:      cfg.Maximize,
		rescale:       cfg.GradScale != nil,
	}
	if k.rescale {
		k.scale = *cfg.GradScale
	}
	k.vStepSize = hwy.Set(k.stepSize)
	k.vBeta2 = hwy.Set(k.beta2)
	k.vMCoeff = hwy.Set(k.mCoeff)
	k.vVCoeff = hwy.Set(k.vCoeff)
	k.vBiasCorr2Sqrt = hwy.Set(k.biasCorr2Sqrt)
	k.vEps = hwy.Set(k.eps)
	k.vDecay = hwy.Set(k.decay)
	k.vLRDecay = hwy.Set(k.lrDecay)
	k.vScale = hwy.Set(k.scale)
	return k
}

// adamVecStep advances one widened float32 half-batch through the fused
// update. The gradient must already be rescaled. vMax is meaningful
// only under AMSGrad.
func adamVecStep(p, g, m, v, vMax hwy.Vec[float32], k *halfCoeffs) (pOut, mOut, vOut, vMaxOut hwy.Vec[float32]) {
	if k.maximize {
		g = hwy.Neg(g)
	}
	if k.hasDecay {
		if k.mode == Coupled {
			g = hwy.Add(g, hwy.Mul(p, k.vDecay))
		} else {
			p = hwy.Sub(p, hwy.Mul(k.vLRDecay, p))
		}
	}

	m = hwy.Add(m, hwy.Mul(k.vMCoeff, hwy.Sub(g, m)))
	v = hwy.Add(hwy.Mul(v, k.vBeta2), hwy.Mul(k.vVCoeff, hwy.Mul(g, g)))

	var denom hwy.Vec[float32]
	if k.amsgrad {
		vMax = hwy.Max(vMax, v)
		denom = hwy.Add(hwy.Div(hwy.Sqrt(vMax), k.vBiasCorr2Sqrt), k.vEps)
	} else {
		denom = hwy.Add(hwy.Div(hwy.Sqrt(v), k.vBiasCorr2Sqrt), k.vEps)
	}
	p = hwy.Sub(p, hwy.Div(hwy.Mul(k.vStepSize, m), denom))
	return p, m, v, vMax
}

// adamScalarStep is the float32 tail counterpart of adamVecStep, used
// for the remainder of a reduced-precision range. Rescaling and its
// write-back happen in the caller, before this runs.
func adamScalarStep(p, g, m, v, vMax float32, k *halfCoeffs) (pOut, mOut, vOut, vMaxOut float32) {
	if k.maximize {
		g = -g
	}
	if k.hasDecay {
		if k.mode == Coupled {
			g = g + p*k.decay
		} else {
			p = p - k.lrDecay*p
		}
	}

	m = m + k.mCoeff*(g-m)
	v = v*k.beta2 + k.vCoeff*(g*g)

	var denom float32
	if k.amsgrad {
		vMax = max(vMax, v)
		denom = float32(stdmath.Sqrt(float64(vMax)))/k.biasCorr2Sqrt + k.eps
	} else {
		denom = float32(stdmath.Sqrt(float64(v)))/k.biasCorr2Sqrt + k.eps
	}
	p = p - k.stepSize*m/denom
	return p, m, v, vMax
}
