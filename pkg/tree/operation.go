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

package tree

import (
	"time"

	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
)

// Controller is the subset of the operation controller contract (spec.md §6)
// the fair-share updater needs during pre-update: how much more the
// operation wants, and how many jobs are still pending. The full contract
// (ScheduleJob, AbortJob, lifecycle callbacks) lives in pkg/controllerclient;
// this narrower interface keeps pkg/tree free of that package's retry/RPC
// dependencies.
type Controller interface {
	NeededResources() resources.JobResources
	PendingJobCount() int
}

// OperationElement is a tree leaf representing a single running operation
// (spec.md §3, §4.5). It owns a preempt.Tracker for its own running jobs and
// the FIFO/controller metadata the scheduling stages consult.
type OperationElement struct {
	base

	startTime time.Time

	// tentative marks an operation attached to a tree only as a tentative
	// presentation of demand (pkg/host RegisterOperationInTrees); the
	// scheduling stages do not consult it.
	tentative bool

	// disabled is set on abort/failure (spec.md §3 "Lifecycle"); a disabled
	// operation presents zero demand and is excluded from the tree walk's
	// scheduling, but stays attached until explicitly removed.
	disabled bool

	// custom-profiling tags let an operation opt into its own metric labels
	// (SPEC_FULL.md "Supplemented features") without changing every counter's
	// cardinality tree-wide.
	profilingTag string

	controller  Controller
	pendingJobs int

	tracker *preempt.Tracker
}

// NewOperationElement constructs a leaf with a fresh preemption tracker.
func NewOperationElement(id string, weight float64, startTime time.Time, now time.Time) *OperationElement {
	return &OperationElement{
		base:      newBase(id, weight, now),
		startTime: startTime,
		tracker:   preempt.NewTracker(),
	}
}

func (o *OperationElement) Kind() ElementKind { return OperationKind }

// StartTime is the wall-clock time the operation was registered, the
// tie-break FIFO pools sort by (spec.md §3, §4.4).
func (o *OperationElement) StartTime() time.Time { return o.startTime }

// Tentative reports whether this operation was attached as a tentative
// element (spec.md §3 "tentative flag").
func (o *OperationElement) Tentative() bool { return o.tentative }

// SetTentative flips the tentative flag; set by pkg/host for extra-tree
// attachments and by UpdateOperationRuntimeParameters.
func (o *OperationElement) SetTentative(v bool) { o.tentative = v }

// ProfilingTag returns the operation's custom metrics label, empty if unset.
func (o *OperationElement) ProfilingTag() string { return o.profilingTag }

// SetProfilingTag sets the operation's custom metrics label.
func (o *OperationElement) SetProfilingTag(tag string) { o.profilingTag = tag }

// Tracker returns the operation's preemptible-jobs tracker.
func (o *OperationElement) Tracker() *preempt.Tracker { return o.tracker }

// PreemptionStatusHistogram reports how many fair-share updates classified
// this operation at each starvation status, keyed by its String() form
// (SPEC_FULL.md "Supplemented features": recovered from the original's
// GetPreemptionStatusStatistics).
func (o *OperationElement) PreemptionStatusHistogram() map[string]int64 {
	out := map[string]int64{}
	if o.persistent == nil {
		return out
	}
	for status, n := range o.persistent.StarvationStatusCounts {
		out[status.String()] = n
	}
	return out
}

// Disabled reports whether the operation has been aborted/failed but not yet
// unregistered (spec.md §3 "Lifecycle": "disabled on abort/failure").
func (o *OperationElement) Disabled() bool { return o.disabled }

// SetDisabled flips the disabled flag.
func (o *OperationElement) SetDisabled(v bool) { o.disabled = v }

// Controller returns the operation's controller handle, nil until attached.
func (o *OperationElement) Controller() Controller { return o.controller }

// SetController attaches the controller handle used during pre-update
// (spec.md §4.1 step 2: "resource_demand = usage + controller.needed_resources()").
func (o *OperationElement) SetController(c Controller) { o.controller = c }

// PendingJobCount returns the operation's last-refreshed pending job count.
func (o *OperationElement) PendingJobCount() int { return o.pendingJobs }

// SetPendingJobCount records the pending job count, refreshed during pre-update.
func (o *OperationElement) SetPendingJobCount(n int) { o.pendingJobs = n }

// Schedulable reports whether the operation should be considered by the tree
// walk: not disabled, and presenting outstanding demand (spec.md §3
// "Lifecycle", §4.1 step 2).
func (o *OperationElement) Schedulable() bool {
	return !o.disabled && o.resourceDemandNonZero()
}

func (o *OperationElement) resourceDemandNonZero() bool {
	return !resources.IsZero(o.ResourceDemand())
}
