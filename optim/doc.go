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

// Package optim provides fused, SIMD-accelerated optimizer step kernels.
//
// The core operation is AdamStep, a single-pass Adam/AdamW parameter
// update that fuses gradient rescaling, weight decay, both moment
// updates, optional AMSGrad running-maximum tracking, bias correction,
// and the parameter step into one sweep over memory. Buffers are flat
// slices updated in place; one call is exactly one optimizer step for
// one parameter buffer.
//
// Two numeric paths are selected once per call from the storage type:
//
//   - float32/float64: arithmetic at storage precision, vector-width
//     batches plus a scalar tail.
//   - Float16/BFloat16: each packed 16-bit batch is widened into two
//     float32 half-batches, all arithmetic runs in float32, and results
//     are narrowed back only at the store.
//
// Large buffers are split across a workerpool.Pool into disjoint
// chunks; the call blocks until every element has been updated.
//
// The stateful Adam type wraps the kernel with persistent moment state
// and a step counter for callers that want a conventional optimizer
// interface.
package optim
