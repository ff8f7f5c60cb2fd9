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
	"time"

	"github.com/ytscheduler/fairshare/pkg/tree"
)

// starvationCheck classifies every operation (and, if enabled, every pool)
// and transitions its persistent starving state via hysteresis (spec.md
// §4.1 step 5).
func (u *Updater) starvationCheck(root *tree.RootElement, now time.Time) {
	for _, op := range tree.Operations(root) {
		u.checkElement(op, now)
	}
	if u.cfg.EnablePoolStarvation {
		for _, p := range tree.Pools(root) {
			u.checkElement(p, now)
		}
	}
}

// classifyStarvation computes status per spec.md §4.1 step 5: an element
// whose fair_share_ratio is below precision, or any child of a FIFO pool,
// never starves (fifo_index >= 0 disables starvation the same way it sets
// satisfaction_ratio = +inf in §4.3).
func classifyStarvation(e tree.Element) tree.StarvationStatus {
	dyn := e.Dynamic()
	if dyn.FifoIndex >= 0 || dyn.FairShareRatio < precision {
		return tree.StatusNormal
	}
	if dyn.UsageRatio < dyn.AdjustedMinShareRatio {
		return tree.StatusBelowMinShare
	}
	if dyn.UsageRatio < dyn.FairShareRatio*dyn.AdjustedFairShareStarvationTolerance {
		return tree.StatusBelowFairShare
	}
	return tree.StatusNormal
}

func (u *Updater) checkElement(e tree.Element, now time.Time) {
	persistent := e.Persistent()
	if persistent == nil {
		return
	}
	dyn := e.Dynamic()
	status := classifyStarvation(e)
	persistent.StarvationStatusCounts[status]++

	switch status {
	case tree.StatusNormal:
		persistent.BelowFairShareSince = nil
		persistent.BelowMinShareSince = nil
		persistent.LastNonStarvingTime = now
		persistent.Starving = false

	case tree.StatusBelowMinShare:
		if persistent.BelowFairShareSince == nil {
			persistent.BelowFairShareSince = timePtr(now)
		}
		if persistent.BelowMinShareSince == nil {
			persistent.BelowMinShareSince = timePtr(now)
		}
		if now.Sub(*persistent.BelowMinShareSince) >= dyn.AdjustedMinSharePreemptionTimeout {
			persistent.Starving = true
		}

	case tree.StatusBelowFairShare:
		persistent.BelowMinShareSince = nil
		if persistent.BelowFairShareSince == nil {
			persistent.BelowFairShareSince = timePtr(now)
		}
		if now.Sub(*persistent.BelowFairShareSince) >= dyn.AdjustedFairSharePreemptionTimeout {
			persistent.Starving = true
		}
	}

	persistent.HistoricUsageAggregator.UpdateAt(now, dyn.UsageRatio)
}

func timePtr(t time.Time) *time.Time { return &t }
