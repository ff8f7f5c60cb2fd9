/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fairshare

import (
	"math"

	"github.com/ytscheduler/fairshare/pkg/metrics"
)

// precision is the binary-search tolerance on the fit factor itself
// (spec.md §4.1: "computation precision is ε = 1e-12").
const precision = 1e-12

// ComparisonPrecision is the looser tolerance used when comparing ratios for
// equality in invariant checks and tests (spec.md §4.1: "sqrt(ε) ≈ 1e-6").
const ComparisonPrecision = 1e-6

// Share evaluates one child's candidate fair-share ratio at fit factor x
// (spec.md §4.1 step 4): `clamp(x * weight / minWeight, lower, upper)`.
func Share(x, weight, minWeight, lower, upper float64) float64 {
	v := x * weight / minWeight
	if v < lower {
		v = lower
	}
	if v > upper {
		v = upper
	}
	return v
}

// FitFactor finds x in [0,1] such that the sum of each child's clamped share
// equals target, to within precision (spec.md §4.1 step 4, §8 "fit-factor
// binary search" property). weightOf/lowerOf/upperOf are indexed accessors
// so the same routine serves both the clamped pass (max_possible_usage_ratio
// upper bound) and the unclamped guaranteed_resources_ratio pass without
// allocating an intermediate slice.
//
// If the sum at x=1 is still below target, every child is already saturated
// at its upper bound; FitFactor returns 1.0 rather than searching forever.
func FitFactor(target float64, count int, weightOf, lowerOf, upperOf func(i int) float64) float64 {
	x, _ := fitFactorCounting(target, count, weightOf, lowerOf, upperOf)
	return x
}

// fitFactorCounting is FitFactor's implementation, additionally reporting
// the number of binary-search iterations performed so the caller can record
// metrics.FitFactorIterations (SPEC_FULL.md "AMBIENT STACK", Metrics).
func fitFactorCounting(target float64, count int, weightOf, lowerOf, upperOf func(i int) float64) (float64, int) {
	if count == 0 {
		return 0, 0
	}

	minWeight := math.Inf(1)
	for i := 0; i < count; i++ {
		w := weightOf(i)
		if w > precision && w < minWeight {
			minWeight = w
		}
	}
	if math.IsInf(minWeight, 1) {
		minWeight = 1
	}

	sumAt := func(x float64) float64 {
		sum := 0.0
		for i := 0; i < count; i++ {
			sum += Share(x, weightOf(i), minWeight, lowerOf(i), upperOf(i))
		}
		return sum
	}

	if sumAt(1) < target {
		return 1, 0
	}

	lo, hi := 0.0, 1.0
	iters := 0
	for hi-lo > precision {
		mid := (lo + hi) / 2
		if sumAt(mid) < target {
			lo = mid
		} else {
			hi = mid
		}
		iters++
	}
	return (lo + hi) / 2, iters
}

// fitFactorWithMetrics runs fitFactorCounting and records the iteration
// count against treeID before returning the fit factor.
func fitFactorWithMetrics(treeID string, target float64, count int, weightOf, lowerOf, upperOf func(i int) float64) float64 {
	x, iters := fitFactorCounting(target, count, weightOf, lowerOf, upperOf)
	metrics.FitFactorIterations.WithLabelValues(treeID).Observe(float64(iters))
	return x
}
