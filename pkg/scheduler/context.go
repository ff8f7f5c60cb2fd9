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

// Package scheduler implements the per-heartbeat scheduling state machine
// (spec.md §4.2-§4.5): stage N (non-preemptive), stage P (preemptive, node-
// throttled), stage F (packing fallback), followed by the two-sweep
// preemption phase.
package scheduler

import (
	"time"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

// JobStart describes a job the scheduler committed during this heartbeat.
type JobStart struct {
	JobID         string
	OperationID   string
	ResourceUsage resources.JobResources
}

// JobPreemption describes a victim selected during the preemption phase.
type JobPreemption struct {
	JobID       string
	OperationID string
	Reason      string
}

// JobStarter is the narrow slice of the operation controller contract
// (spec.md §6) the scheduling stages need: given currently-available
// resources, try to start one job. The full retry-wrapped RPC contract
// lives in pkg/controllerclient; SchedulingContext is handed a thin
// adapter so pkg/scheduler stays free of RPC/retry concerns.
type JobStarter interface {
	TryScheduleJob(available resources.JobResources, ignorePacking bool) (JobStart, bool)
}

// SchedulingContext is the mutable per-heartbeat view of one node (spec.md
// §2 row 2): free/limit/usage, the discounts applied while evaluating
// preemption, and the started/preempted job buffers a heartbeat accumulates.
type SchedulingContext struct {
	NodeID string
	TreeID string

	Now      time.Time
	Deadline time.Time

	ResourceLimits resources.JobResources
	ResourceUsage  resources.JobResources

	// ResourceUsageDiscount is subtracted from ResourceUsage while computing
	// free capacity during stage P (spec.md §4.2: "add its usage to
	// resource_usage_discount ... on the node and on every ancestor pool").
	ResourceUsageDiscount resources.JobResources

	// Starters maps an operation element id to its controller adapter.
	Starters map[string]JobStarter

	StartedJobs     []JobStart
	PreemptedJobs   []JobPreemption
	SchedulingSkipped bool
}

// Free returns the node's currently available capacity, net of usage and
// any active preemption discount.
func (c *SchedulingContext) Free() resources.JobResources {
	used := resources.Subtract(c.ResourceUsage, c.ResourceUsageDiscount)
	return resources.Subtract(c.ResourceLimits, used)
}

// Exceeded reports whether usage (net of discount) exceeds limits on any
// dimension (spec.md §4.2 sweep 1: "node.resource_usage ⊄ node.resource_limits").
func (c *SchedulingContext) Exceeded() bool {
	used := resources.Subtract(c.ResourceUsage, c.ResourceUsageDiscount)
	return !resources.Dominates(used, c.ResourceLimits)
}

// CanStartMore reports whether the node has any non-zero free capacity left
// to offer a job (spec.md §4.2 stage N: "node.can_start_more_jobs()").
func (c *SchedulingContext) CanStartMore() bool {
	return !resources.IsZero(c.Free())
}

// Deadlined reports whether the context's wall deadline has passed.
func (c *SchedulingContext) Deadlined() bool {
	return !c.Deadline.IsZero() && !c.Now.Before(c.Deadline)
}

// CommitStart records a successful job start and debits the node's usage.
func (c *SchedulingContext) CommitStart(s JobStart) {
	c.StartedJobs = append(c.StartedJobs, s)
	c.ResourceUsage = resources.Add(c.ResourceUsage, s.ResourceUsage)
}
