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
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

// cascadeTopDown runs before the bottom-up pass and propagates two things a
// child can only know once its parent has them: effective resource_limits
// (a pool's configured limit, capped by its parent's; unset means "inherit
// the parent's limit" all the way up to the tree's total cluster capacity at
// the root) and the adjusted starvation tolerance/timeout (spec.md §4.1 step
// 3's "child = clamp(child_spec, parent_adjusted)"). Operation elements are
// excluded: their resource_limits already come from the host's per-filter
// ceiling during pre-update (spec.md §4.1 step 2), not from pool nesting.
func (u *Updater) cascadeTopDown(root *tree.RootElement) {
	rootLimits := resources.JobResources{}
	if u.host != nil {
		rootLimits = u.host.ResourceLimits(root.SchedulingTagFilterIndex())
	}
	root.SetResourceLimits(rootLimits)

	cfg := root.StarvationConfig()
	dyn := root.Dynamic()
	dyn.AdjustedFairShareStarvationTolerance = cfg.FairShareStarvationTolerance
	dyn.AdjustedMinSharePreemptionTimeout = cfg.MinSharePreemptionTimeout
	dyn.AdjustedFairSharePreemptionTimeout = cfg.FairSharePreemptionTimeout

	cascadeChildren(root, root.Children())
}

func cascadeChildren(parent tree.Element, children []tree.Element) {
	for _, c := range children {
		cfg := c.StarvationConfig()
		pdyn := parent.Dynamic()
		dyn := c.Dynamic()
		dyn.AdjustedFairShareStarvationTolerance = minFloat(cfg.FairShareStarvationTolerance, pdyn.AdjustedFairShareStarvationTolerance)
		dyn.AdjustedMinSharePreemptionTimeout = minDuration(cfg.MinSharePreemptionTimeout, pdyn.AdjustedMinSharePreemptionTimeout)
		dyn.AdjustedFairSharePreemptionTimeout = minDuration(cfg.FairSharePreemptionTimeout, pdyn.AdjustedFairSharePreemptionTimeout)

		p, ok := c.(*tree.PoolElement)
		if !ok {
			continue // operations keep the limits pre-update already assigned
		}

		limits := p.ResourceLimitsConfig()
		if resources.IsZero(limits) {
			limits = parent.ResourceLimits()
		} else if !resources.IsZero(parent.ResourceLimits()) {
			limits = resources.Min(limits, parent.ResourceLimits())
		}
		p.SetResourceLimits(limits)

		cascadeChildren(p, p.Children())
	}
}
