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
	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// MinParallelAdamElems is the minimum element count before a step is
// split across the worker pool. Below it the chunking overhead costs
// more than it buys and the whole range runs on the calling goroutine.
// This is a latency heuristic only; results are identical either way.
const MinParallelAdamElems = 16384

// runChunks executes chunk over disjoint contiguous sub-ranges of
// [0, n). Chunk boundaries are chosen by the pool; the call blocks
// until every chunk has completed, the pool's join being the only
// barrier. Shared coefficients are computed before this is called and
// are read-only from every chunk.
func runChunks(pool *workerpool.Pool, n int, chunk func(start, end int)) {
	if n == 0 {
		return
	}
	if pool == nil || n < MinParallelAdamElems {
		chunk(0, n)
		return
	}
	pool.ParallelFor(n, chunk)
}

func stepNative[T hwy.Floats](pool *workerpool.Pool, s State[T], c StepCoeffs, cfg Config) {
	runChunks(pool, len(s.Param), func(start, end int) {
		var vMax []T
		if cfg.AMSGrad {
			vMax = s.MaxExpAvgSq[start:end]
		}
		BaseAdamStep(s.Param[start:end], s.Grad[start:end], s.ExpAvg[start:end], s.ExpAvgSq[start:end], vMax, c, cfg)
	})
}

// stepHalf drives one of the reduced-precision kernels; kernel is
// BaseAdamStepF16 or BaseAdamStepBF16, bound once at dispatch.
func stepHalf[T hwy.Lanes](pool *workerpool.Pool, s State[T], c StepCoeffs, cfg Config, kernel func(param, grad, expAvg, expAvgSq, maxExpAvgSq []T, c StepCoeffs, cfg Config)) {
	runChunks(pool, len(s.Param), func(start, end int) {
		var vMax []T
		if cfg.AMSGrad {
			vMax = s.MaxExpAvgSq[start:end]
		}
		kernel(s.Param[start:end], s.Grad[start:end], s.ExpAvg[start:end], s.ExpAvgSq[start:end], vMax, c, cfg)
	})
}
