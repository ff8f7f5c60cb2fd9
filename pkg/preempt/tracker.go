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

// Package preempt implements per-operation preemptible-job bookkeeping and
// the cluster-wide preemption sweep (spec.md §5): every running job is
// partitioned into exactly one of three ordered lists -- non-preemptible,
// aggressively preemptible, preemptible -- and SelectVictims walks node,
// operation, and pool overflows to pick victims.
package preempt

import (
	"container/list"
	"sync"
	"time"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

// Job is the minimal view of a running job the tracker needs; the scheduler
// and shard packages supply concrete job records that satisfy it.
type Job struct {
	ID            string
	OperationID   string
	StartTime     time.Time
	ResourceUsage resources.JobResources
}

// list membership, tracked so moves between lists are O(1) instead of a scan.
type entry struct {
	job      Job
	elem     *list.Element // element in its current list
	bucket   *list.List    // which of the three lists currently owns elem
}

// Tracker partitions one operation's running jobs into the three lists
// spec.md §5 describes, using container/list so a job can move between lists
// in O(1) once located (spec.md §9's "intrusive list" idiom, expressed here
// as a map from job id to its list.Element rather than an invasive pointer
// embedded in the job record itself, since Go has no intrusive containers).
type Tracker struct {
	mu sync.Mutex

	nonPreemptible *list.List
	aggressive     *list.List
	preemptible    *list.List

	byID map[string]*entry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		nonPreemptible: list.New(),
		aggressive:     list.New(),
		preemptible:    list.New(),
		byID:           map[string]*entry{},
	}
}

// AddJob registers a newly started job as non-preemptible; Balance will move
// it per the operation's current usage against its guarantees.
func (t *Tracker) AddJob(j Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[j.ID]; ok {
		return
	}
	e := &entry{job: j, bucket: t.nonPreemptible}
	e.elem = t.nonPreemptible.PushBack(e)
	t.byID[j.ID] = e
}

// RemoveJob drops a completed/aborted job from whichever list holds it.
func (t *Tracker) RemoveJob(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return
	}
	e.bucket.Remove(e.elem)
	delete(t.byID, id)
}

// moveTo relocates e into dst, no-op if already there.
func (t *Tracker) moveTo(e *entry, dst *list.List) {
	if e.bucket == dst {
		return
	}
	e.bucket.Remove(e.elem)
	e.elem = dst.PushBack(e)
	e.bucket = dst
}

// Jobs returns the jobs currently in each list, in list order: AddJob
// appends to the non-preemptible list, and Balance appends a job to the end
// of the list it moves the job into.
func (t *Tracker) Jobs() (nonPreemptible, aggressive, preemptible []Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	collect := func(l *list.List) []Job {
		out := make([]Job, 0, l.Len())
		for e := l.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*entry).job)
		}
		return out
	}
	return collect(t.nonPreemptible), collect(t.aggressive), collect(t.preemptible)
}

// Len returns the total number of tracked jobs across all three lists.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Status classifies where a job currently sits, for status reporting
// (spec.md "Supplemented features": per-job preemption status).
type Status int

const (
	StatusNonPreemptible Status = iota
	StatusAggressivelyPreemptible
	StatusPreemptible
)

func (s Status) String() string {
	switch s {
	case StatusAggressivelyPreemptible:
		return "aggressively_preemptible"
	case StatusPreemptible:
		return "preemptible"
	default:
		return "non_preemptible"
	}
}

// StatusOf reports which list currently holds id, if tracked.
func (t *Tracker) StatusOf(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return StatusNonPreemptible, false
	}
	switch e.bucket {
	case t.aggressive:
		return StatusAggressivelyPreemptible, true
	case t.preemptible:
		return StatusPreemptible, true
	default:
		return StatusNonPreemptible, true
	}
}

// Balance repartitions jobs by cumulative dominant-resource usage ratio
// against totalLimits, implementing spec.md §4.6's update_preemptible_lists:
//
//	usage_ratio(non_preemptible)                ≤ fair_share_ratio · aggressiveThreshold
//	usage_ratio(non_preemptible ∪ aggressively)  ≤ fair_share_ratio · preemptionThreshold
//
// Jobs are walked oldest-start-time first, so long-running jobs keep their
// non-preemptible status and only the jobs started after the operation grew
// past its guarantee spill into the aggressive/preemptible lists -- matching
// the preemption phase's own preference (spec.md §4.2) to select youngest
// candidates first. A job's usage only counts toward the running cumulative
// total while it stays in non_preemptible or aggressively_preemptible;
// once a job is pushed into preemptible its usage is excluded from that
// total, same as the invariant it's no longer a party to.
func (t *Tracker) Balance(totalLimits resources.JobResources, fairShareRatio, aggressiveThreshold, preemptionThreshold float64, aggressiveEnabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*entry, 0, len(t.byID))
	for _, e := range t.byID {
		all = append(all, e)
	}
	sortByStartAsc(all)

	aggressiveBound := fairShareRatio * aggressiveThreshold
	preemptionBound := fairShareRatio * preemptionThreshold

	var covered resources.JobResources
	for _, e := range all {
		candidate := resources.Add(covered, e.job.ResourceUsage)
		_, ratio := resources.DominantResource(candidate, totalLimits)
		switch {
		case ratio <= aggressiveBound:
			t.moveTo(e, t.nonPreemptible)
			covered = candidate
		case aggressiveEnabled && ratio <= preemptionBound:
			t.moveTo(e, t.aggressive)
			covered = candidate
		default:
			t.moveTo(e, t.preemptible)
		}
	}
}

func sortByStartAsc(es []*entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].job.StartTime.Before(es[j-1].job.StartTime); j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}
