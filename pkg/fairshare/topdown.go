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
	"fmt"

	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

// topDown implements spec.md §4.1 step 4: at every composite, dispatch to
// the FIFO or FairShare branch, recursing into children afterward so a
// child's own composite logic sees its freshly assigned fair_share_ratio.
func (u *Updater) topDown(root *tree.RootElement, warnings *[]Warning) {
	root.Dynamic().FairShareRatio = 1
	root.Dynamic().RecursiveMinShareRatio = 1
	root.Dynamic().AdjustedMinShareRatio = 1
	u.topDownComposite(root, root.Children(), warnings)
}

func (u *Updater) topDownComposite(parent tree.Element, children []tree.Element, warnings *[]Warning) {
	if len(children) == 0 {
		return
	}

	var mode tree.SchedulingMode
	var fifoParams []tree.FifoSortParameter
	switch v := parent.(type) {
	case *tree.RootElement:
		mode, fifoParams = v.Mode(), v.FIFOSortParameters()
	case *tree.PoolElement:
		mode, fifoParams = v.Mode(), v.FIFOSortParameters()
	}

	if mode == tree.FIFOMode {
		u.fifoPass(children, fifoParams)
	} else {
		u.fairSharePass(parent, children, warnings)
	}

	for _, c := range children {
		switch v := c.(type) {
		case *tree.PoolElement:
			u.topDownComposite(v, v.Children(), warnings)
		}
	}
}

// fifoPass assigns fifo_index in sort order and routes the parent's entire
// fair_share_ratio to the first child, capped at that child's
// min(max_possible_usage_ratio, best_allocation_ratio); every later child
// gets zero (spec.md §4.1 step 4, FIFO branch). Min-share is forced to zero
// and starvation disabled for each direct child (encoded via fifo_index >= 0
// => satisfaction = +inf, §4.3).
func (u *Updater) fifoPass(children []tree.Element, params []tree.FifoSortParameter) {
	sorted := tree.FIFOSortedChildren(children, params)
	for i, c := range sorted {
		dyn := c.Dynamic()
		dyn.FifoIndex = i
		dyn.RecursiveMinShareRatio = 0
		dyn.AdjustedMinShareRatio = 0
	}
	parentRatio := sorted[0].Parent().Dynamic().FairShareRatio
	for i, c := range sorted {
		dyn := c.Dynamic()
		if i > 0 {
			dyn.FairShareRatio = 0
			continue
		}
		upper := minFloat(dyn.MaxPossibleUsageRatio, dyn.BestAllocationRatio)
		dyn.FairShareRatio = minFloat(parentRatio, upper)
	}
}

// fairSharePass runs spec.md §4.1 step 4's FairShare branch: recursive
// min-share computation, oversubscription rescaling, then two fit-factor
// binary searches (clamped for fair_share_ratio, unclamped for
// guaranteed_resources_ratio).
func (u *Updater) fairSharePass(parent tree.Element, children []tree.Element, warnings *[]Warning) {
	parentDyn := parent.Dynamic()
	nonOpSum := 0.0
	opSum := 0.0
	for _, c := range children {
		recursiveMin := maxFloat(parentDyn.RecursiveMinShareRatio*c.MinShareRatio(), minShareByResources(c))
		c.Dynamic().RecursiveMinShareRatio = recursiveMin
		c.Dynamic().FifoIndex = -1
		if _, ok := c.(*tree.OperationElement); ok {
			opSum += recursiveMin
		} else {
			nonOpSum += recursiveMin
		}
	}

	switch {
	case nonOpSum > parentDyn.RecursiveMinShareRatio+ComparisonPrecision:
		// Pools alone already oversubscribe the parent's recursive min-share:
		// rescale the pools to fit exactly and zero every operation, since
		// operations never hold a guaranteed min-share once their siblings
		// pools can't all be honored (spec.md §4.1 step 4).
		*warnings = append(*warnings, Warning{
			ElementID: parent.ID(),
			Message:   fmt.Sprintf("min-share sums to %.6f across pools, exceeding recursive min-share %.6f; rescaling", nonOpSum, parentDyn.RecursiveMinShareRatio),
		})
		scale := 0.0
		if nonOpSum > 0 {
			scale = parentDyn.RecursiveMinShareRatio / nonOpSum
		}
		for _, c := range children {
			if _, ok := c.(*tree.OperationElement); ok {
				c.Dynamic().RecursiveMinShareRatio = 0
				continue
			}
			c.Dynamic().RecursiveMinShareRatio *= scale
		}
	case nonOpSum+opSum > parentDyn.RecursiveMinShareRatio+ComparisonPrecision:
		// Pools fit on their own, but operations' own min-shares push the
		// combined total over; scale only the operations down to what's left
		// of the parent's budget after the pools are honored, leaving every
		// pool's recursive min-share untouched.
		remaining := maxFloat(parentDyn.RecursiveMinShareRatio-nonOpSum, 0)
		scale := 0.0
		if opSum > 0 {
			scale = remaining / opSum
		}
		for _, c := range children {
			if _, ok := c.(*tree.OperationElement); ok {
				c.Dynamic().RecursiveMinShareRatio *= scale
			}
		}
	}

	// Clamped pass: upper bound is min(max_possible_usage_ratio, best_allocation_ratio).
	x := fitFactorWithMetrics(u.cfg.TreeID, parentDyn.FairShareRatio, len(children),
		func(i int) float64 { return children[i].Weight() },
		func(i int) float64 { return children[i].Dynamic().RecursiveMinShareRatio },
		func(i int) float64 {
			d := children[i].Dynamic()
			return minFloat(d.MaxPossibleUsageRatio, d.BestAllocationRatio)
		},
	)
	minWeight := minPositiveWeight(children)
	for _, c := range children {
		d := c.Dynamic()
		upper := minFloat(d.MaxPossibleUsageRatio, d.BestAllocationRatio)
		d.FairShareRatio = Share(x, c.Weight(), minWeight, d.RecursiveMinShareRatio, upper)
	}

	// Unclamped pass for guaranteed_resources_ratio (spec.md §4.1 step 4).
	g := fitFactorWithMetrics(u.cfg.TreeID, parentDyn.FairShareRatio, len(children),
		func(i int) float64 { return children[i].Weight() },
		func(i int) float64 { return children[i].Dynamic().RecursiveMinShareRatio },
		func(i int) float64 { return 1.0 },
	)
	for _, c := range children {
		d := c.Dynamic()
		d.GuaranteedResourcesRatio = Share(g, c.Weight(), minWeight, d.RecursiveMinShareRatio, 1.0)
		d.AdjustedMinShareRatio = minFloat(minFloat(d.RecursiveMinShareRatio, d.MaxPossibleUsageRatio), d.BestAllocationRatio)
	}
}

func minShareByResources(e tree.Element) float64 {
	minRes := e.MinShareResources()
	if resources.IsZero(minRes) {
		return 0
	}
	limits := e.ResourceLimits()
	if resources.IsZero(limits) {
		limits = e.ResourceLimitsConfig()
	}
	_, ratio := resources.DominantResource(minRes, limits)
	return ratio
}

func minPositiveWeight(children []tree.Element) float64 {
	min := -1.0
	for _, c := range children {
		w := c.Weight()
		if w > precision && (min < 0 || w < min) {
			min = w
		}
	}
	if min < 0 {
		return 1
	}
	return min
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
