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

import "github.com/ajroetker/go-highway/hwy"

// BaseAdamStepBF16 is the BFloat16 twin of BaseAdamStepF16: widen each
// packed batch into two float32 half-batches, compute in float32,
// narrow back at the store.
func BaseAdamStepBF16(param, grad, expAvg, expAvgSq, maxExpAvgSq []hwy.BFloat16, c StepCoeffs, cfg Config) {
	size := len(param)
	lanes := hwy.MaxLanes[hwy.BFloat16]()
	k := newHalfCoeffs(c, cfg)

	var i int
	for ; i+lanes <= size; i += lanes {
		pPacked := hwy.Load(param[i:])
		p1 := hwy.PromoteLowerBF16ToF32(pPacked)
		p2 := hwy.PromoteUpperBF16ToF32(pPacked)
		gPacked := hwy.Load(grad[i:])
		g1 := hwy.PromoteLowerBF16ToF32(gPacked)
		g2 := hwy.PromoteUpperBF16ToF32(gPacked)
		if k.rescale {
			g1 = hwy.Div(g1, k.vScale)
			g2 = hwy.Div(g2, k.vScale)
			hwy.Store(hwy.DemoteTwoF32ToBF16(g1, g2), grad[i:])
		}

		mPacked := hwy.Load(expAvg[i:])
		m1 := hwy.PromoteLowerBF16ToF32(mPacked)
		m2 := hwy.PromoteUpperBF16ToF32(mPacked)
		vPacked := hwy.Load(expAvgSq[i:])
		v1 := hwy.PromoteLowerBF16ToF32(vPacked)
		v2 := hwy.PromoteUpperBF16ToF32(vPacked)
		var x1, x2 hwy.Vec[float32]
		if k.amsgrad {
			xPacked := hwy.Load(maxExpAvgSq[i:])
			x1 = hwy.PromoteLowerBF16ToF32(xPacked)
			x2 = hwy.PromoteUpperBF16ToF32(xPacked)
		}

		p1, m1, v1, x1 = adamVecStep(p1, g1, m1, v1, x1, &k)
		p2, m2, v2, x2 = adamVecStep(p2, g2, m2, v2, x2, &k)

		hwy.Store(hwy.DemoteTwoF32ToBF16(m1, m2), expAvg[i:])
		hwy.Store(hwy.DemoteTwoF32ToBF16(v1, v2), expAvgSq[i:])
		if k.amsgrad {
			hwy.Store(hwy.DemoteTwoF32ToBF16(x1, x2), maxExpAvgSq[i:])
		}
		hwy.Store(hwy.DemoteTwoF32ToBF16(p1, p2), param[i:])
	}

	for ; i < size; i++ {
		g := grad[i].Float32()
		if k.rescale {
			g = g / k.scale
			grad[i] = hwy.Float32ToBFloat16(g)
		}
		var vMax float32
		if k.amsgrad {
			vMax = maxExpAvgSq[i].Float32()
		}
		p, m, v, vMax := adamScalarStep(param[i].Float32(), g, expAvg[i].Float32(), expAvgSq[i].Float32(), vMax, &k)
		expAvg[i] = hwy.Float32ToBFloat16(m)
		expAvgSq[i] = hwy.Float32ToBFloat16(v)
		if k.amsgrad {
			maxExpAvgSq[i] = hwy.Float32ToBFloat16(vMax)
		}
		param[i] = hwy.Float32ToBFloat16(p)
	}
}
