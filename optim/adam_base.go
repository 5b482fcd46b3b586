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

//go:generate go run github.com/ajroetker/go-highway/cmd/hwygen -input adam_base.go -output . -targets avx2,avx512,neon,fallback

// BaseAdamStep applies one fused Adam/AdamW update to a contiguous run
// of elements stored at native float precision. Arithmetic runs at
// storage precision: coefficients are narrowed from float64 to T once,
// ahead of the loop, and full vector batches are followed by a scalar
// tail for the remainder.
//
// maxExpAvgSq is read and written only when cfg.AMSGrad is set and may
// be nil otherwise. Callers are responsible for validation; this is the
// hot path and checks nothing.
func BaseAdamStep[T hwy.Floats](param, grad, expAvg, expAvgSq, maxExpAvgSq []T, c StepCoeffs, cfg Config) {
	size := len(param)
	lanes := hwy.MaxLanes[T]()

	stepSize := T(c.StepSize)
	beta2 := T(c.Beta2)
	mCoeff := T(c.ExpAvgCoeff)
	vCoeff := T(c.ExpAvgSqCoeff)
	biasCorr2Sqrt := T(c.BiasCorr2Sqrt)
	eps := T(c.Eps)
	decay := T(c.WeightDecay)
	// Narrow before multiplying so both loops agree with each other.
	lrDecay := T(c.LR) * T(c.WeightDecay)
	var scale T
	if cfg.GradScale != nil {
		scale = T(*cfg.GradScale)
	}

	vStepSize := hwy.Set(stepSize)
	vBeta2 := hwy.Set(beta2)
	vMCoeff := hwy.Set(mCoeff)
	vVCoeff := hwy.Set(vCoeff)
	vBiasCorr2Sqrt := hwy.Set(biasCorr2Sqrt)
	vEps := hwy.Set(eps)
	vDecay := hwy.Set(decay)
	vLRDecay := hwy.Set(lrDecay)
	vScale := hwy.Set(scale)

	var i int
	for ; i+lanes <= size; i += lanes {
		p := hwy.Load(param[i:])
		g := hwy.Load(grad[i:])
		if cfg.GradScale != nil {
			g = hwy.Div(g, vScale)
			hwy.Store(g, grad[i:])
		}
		if cfg.Maximize {
			g = hwy.Neg(g)
		}
		if c.WeightDecay != 0 {
			if cfg.Mode == Coupled {
				g = hwy.Add(g, hwy.Mul(p, vDecay))
			} else {
				p = hwy.Sub(p, hwy.Mul(vLRDecay, p))
			}
		}

		m := hwy.Load(expAvg[i:])
		m = hwy.Add(m, hwy.Mul(vMCoeff, hwy.Sub(g, m)))
		v := hwy.Load(expAvgSq[i:])
		v = hwy.Add(hwy.Mul(v, vBeta2), hwy.Mul(vVCoeff, hwy.Mul(g, g)))
		hwy.Store(m, expAvg[i:])
		hwy.Store(v, expAvgSq[i:])

		var denom hwy.Vec[T]
		if cfg.AMSGrad {
			vMax := hwy.Max(hwy.Load(maxExpAvgSq[i:]), v)
			hwy.Store(vMax, maxExpAvgSq[i:])
			denom = hwy.Add(hwy.Div(hwy.Sqrt(vMax), vBiasCorr2Sqrt), vEps)
		} else {
			denom = hwy.Add(hwy.Div(hwy.Sqrt(v), vBiasCorr2Sqrt), vEps)
		}
		p = hwy.Sub(p, hwy.Div(hwy.Mul(vStepSize, m), denom))
		hwy.Store(p, param[i:])
	}

	// Scalar tail for the vector-width remainder.
	for ; i < size; i++ {
		g := grad[i]
		if cfg.GradScale != nil {
			g = g / scale
			grad[i] = g
		}
		if cfg.Maximize {
			g = -g
		}
		p := param[i]
		if c.WeightDecay != 0 {
			if cfg.Mode == Coupled {
				g = g + p*decay
			} else {
				p = p - lrDecay*p
			}
		}

		m := expAvg[i]
		m = m + mCoeff*(g-m)
		expAvg[i] = m
		v := expAvgSq[i]
		v = v*beta2 + vCoeff*(g*g)
		expAvgSq[i] = v

		var denom T
		if cfg.AMSGrad {
			vMax := max(maxExpAvgSq[i], v)
			maxExpAvgSq[i] = vMax
			denom = T(stdmath.Sqrt(float64(vMax)))/biasCorr2Sqrt + eps
		} else {
			denom = T(stdmath.Sqrt(float64(v)))/biasCorr2Sqrt + eps
		}
		param[i] = p - stepSize*m/denom
	}
}
