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

package preempt

import (
	"sort"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

// Reason classifies why a victim was selected (spec.md §4.2 "Preemption phase").
type Reason int

const (
	ReasonNodeOverflow Reason = iota
	ReasonOperationOverflow
	ReasonPoolOverflow
)

func (r Reason) String() string {
	switch r {
	case ReasonOperationOverflow:
		return "operation_overflow"
	case ReasonPoolOverflow:
		return "pool_overflow"
	default:
		return "node_overflow"
	}
}

// Candidate is one running job eligible for preemption consideration, with
// enough context for the two-sweep decision (spec.md §4.2). OperationOverLimit
// / PoolOverLimit are computed by the caller (host.Tree.BuildCandidates) from
// the snapshot's operation and ancestor-pool usage against their limits,
// since only it knows the tree structure above this job.
type Candidate struct {
	Job

	OperationOverLimit bool
	PoolOverLimit      bool
	OverflowingPool    string
}

// Victim is a selected preemption target with its reason.
type Victim struct {
	Candidate
	Reason       Reason
	OverflowPool string
}

// SelectVictims runs spec.md §4.2's two-sweep preemption phase over
// candidates running at one node:
//
//  1. sorted youngest-start-time-first, preempt successive candidates while
//     the node's usage (net of everything already preempted this sweep)
//     still exceeds nodeLimits;
//  2. for each remaining candidate, preempt it if its operation or an
//     ancestor pool is over its own limits (already flagged by the caller).
func SelectVictims(candidates []Candidate, nodeUsage, nodeLimits resources.JobResources) []Victim {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.After(sorted[j].StartTime)
	})

	var victims []Victim
	remaining := nodeUsage
	i := 0
	for ; i < len(sorted) && !resources.Dominates(remaining, nodeLimits); i++ {
		c := sorted[i]
		victims = append(victims, Victim{Candidate: c, Reason: ReasonNodeOverflow})
		remaining = resources.Subtract(remaining, c.ResourceUsage)
	}

	for ; i < len(sorted); i++ {
		c := sorted[i]
		switch {
		case c.OperationOverLimit:
			victims = append(victims, Victim{Candidate: c, Reason: ReasonOperationOverflow})
		case c.PoolOverLimit:
			victims = append(victims, Victim{Candidate: c, Reason: ReasonPoolOverflow, OverflowPool: c.OverflowingPool})
		}
	}
	return victims
}
