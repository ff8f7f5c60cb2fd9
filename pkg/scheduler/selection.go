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

package scheduler

import (
	"math"
	"sort"

	"github.com/ytscheduler/fairshare/pkg/tree"
)

// SatisfactionRatio computes spec.md §4.3's per-element satisfaction score,
// lower meaning more deserving of the next job: +inf for an element with no
// fair-share guarantee or any child of a FIFO pool (fifo_index >= 0; FIFO
// order, not satisfaction, picks among those); negative ("needy") while
// below its own min-share; usage/fair-share otherwise.
func SatisfactionRatio(e tree.Element) float64 {
	dyn := e.Dynamic()
	if dyn.FairShareRatio < 1e-12 || dyn.FifoIndex >= 0 {
		return math.Inf(1)
	}
	if dyn.UsageRatio < dyn.AdjustedMinShareRatio && dyn.AdjustedMinShareRatio > 1e-12 {
		return dyn.UsageRatio/dyn.AdjustedMinShareRatio - 1
	}
	return dyn.UsageRatio / dyn.FairShareRatio
}

// starvingOnly, when true, restricts selection to elements flagged starving
// in their persistent attributes (spec.md §4.2 stage P: "Preschedule with
// starving_only = true").
func selectBestLeaf(e tree.Element, starvingOnly bool) *tree.OperationElement {
	for {
		switch v := e.(type) {
		case *tree.OperationElement:
			if !v.Schedulable() {
				return nil
			}
			if starvingOnly && !elementStarving(v) {
				return nil
			}
			return v
		case *tree.RootElement:
			next := bestChild(v.Children(), v.Mode(), starvingOnly)
			if next == nil {
				return nil
			}
			e = next
		case *tree.PoolElement:
			next := bestChild(v.Children(), v.Mode(), starvingOnly)
			if next == nil {
				return nil
			}
			e = next
		default:
			return nil
		}
	}
}

func elementStarving(e tree.Element) bool {
	p := e.Persistent()
	return p != nil && p.Starving
}

func bestChild(children []tree.Element, mode tree.SchedulingMode, starvingOnly bool) tree.Element {
	active := make([]tree.Element, 0, len(children))
	for _, c := range children {
		if !c.Schedulable() {
			continue
		}
		if starvingOnly && !subtreeHasStarving(c) {
			continue
		}
		active = append(active, c)
	}
	if len(active) == 0 {
		return nil
	}

	if mode == tree.FIFOMode {
		sort.SliceStable(active, func(i, j int) bool {
			return active[i].Dynamic().FifoIndex < active[j].Dynamic().FifoIndex
		})
		return active[0]
	}

	best := active[0]
	bestRatio := SatisfactionRatio(best)
	for _, c := range active[1:] {
		r := SatisfactionRatio(c)
		if r < bestRatio {
			best, bestRatio = c, r
		}
	}
	return best
}

// subtreeHasStarving reports whether e or any descendant is starving; used
// to prune branches during stage P's starving_only descent instead of
// requiring every intermediate pool to itself be marked starving.
func subtreeHasStarving(e tree.Element) bool {
	found := false
	tree.Walk(e, func(el tree.Element) {
		if elementStarving(el) {
			found = true
		}
	})
	return found
}
