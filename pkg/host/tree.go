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

// Package host implements the tree host / multi-tree dispatcher (spec.md §2
// row 9, §4.9): one Host holds every pool tree by id, routes operation
// lifecycle events to the trees an operation's spec names, recomputes which
// trees a node belongs to from scheduling tag filters, and runs each tree's
// periodic fair-share updater. Grounded on the teacher's
// pkg/controllers/provisioning/scheduling/scheduler.go for the
// "single exported entry point owns a sequence of stage helpers over
// shared, lock-guarded state" shape, generalized here from one scheduling
// pass to a map of independently-updating trees.
package host

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ytscheduler/fairshare/pkg/fairshare"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/tagfilter"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

// Tree bundles one pool tree's live structure, the tag-filter registry its
// elements index into (spec.md §3 "scheduling_tag_filter_index"), its
// fair-share updater, and the scheduler that runs heartbeats against its
// published snapshots.
type Tree struct {
	ID     string
	Filter tagfilter.Filter // selects which nodes belong to this tree (spec.md §2 "partitioning exec nodes disjointly")

	mu   sync.RWMutex
	live *tree.RootElement

	Filters   *tagfilter.Registry
	Updater   *fairshare.Updater
	Scheduler *scheduler.Scheduler

	nodeMu sync.RWMutex
	nodes  map[string]nodeInventoryEntry // node id -> reported descriptor/limits, feeds HostLimits
}

type nodeInventoryEntry struct {
	tags   sets.String
	limits resources.JobResources
}

func newTreeState(id string, filter tagfilter.Filter, root *tree.RootElement, fsCfg fairshare.Config, schedCfg scheduler.Config) *Tree {
	fsCfg.TreeID = id
	t := &Tree{
		ID:      id,
		Filter:  filter,
		live:    root,
		Filters: tagfilter.NewRegistry(),
		nodes:   map[string]nodeInventoryEntry{},
	}
	t.Updater = fairshare.NewUpdater(fsCfg, t, nil)
	t.Scheduler = scheduler.NewScheduler(schedCfg)
	return t
}

// Live returns the tree's mutable live root, the one operation/pool
// registration mutates directly (spec.md §4.1 step 1: "clone the live
// tree"). Callers must hold no other lock on it across goroutines; mutation
// happens only through this package's exported methods.
func (t *Tree) Live() *tree.RootElement {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Snapshot returns the tree's most recently published fair-share snapshot.
func (t *Tree) Snapshot() *fairshare.Snapshot {
	return t.Updater.Snapshot()
}

// RecordNodeResources updates this tree's view of one node's reported
// limits, feeding fairshare.HostLimits (spec.md §4.1 step 2:
// "resource_limits = min(host.resource_limits(scheduling_tag_filter) ...")).
// Called by the node shard on every heartbeat for every tree the node
// currently belongs to.
func (t *Tree) RecordNodeResources(nodeID string, tags sets.String, limits resources.JobResources) {
	t.nodeMu.Lock()
	defer t.nodeMu.Unlock()
	t.nodes[nodeID] = nodeInventoryEntry{tags: tags, limits: limits}
}

// ForgetNode drops a node from this tree's inventory (offline/unregistered).
func (t *Tree) ForgetNode(nodeID string) {
	t.nodeMu.Lock()
	defer t.nodeMu.Unlock()
	delete(t.nodes, nodeID)
}

// ResourceLimits satisfies fairshare.HostLimits: the sum of every inventoried
// node's limits whose tags match the filter registered at schedulingTagFilterIndex.
func (t *Tree) ResourceLimits(schedulingTagFilterIndex int) resources.JobResources {
	t.nodeMu.RLock()
	defer t.nodeMu.RUnlock()
	if schedulingTagFilterIndex < 0 || schedulingTagFilterIndex >= t.Filters.Len() {
		return t.sumAll()
	}
	filter := t.Filters.At(schedulingTagFilterIndex)
	sum := resources.Zero()
	for _, n := range t.nodes {
		if filter.Matches(n.tags) {
			sum = resources.Add(sum, n.limits)
		}
	}
	return sum
}

func (t *Tree) sumAll() resources.JobResources {
	sum := resources.Zero()
	for _, n := range t.nodes {
		sum = resources.Add(sum, n.limits)
	}
	return sum
}

// BuildCandidates annotates a node's currently running jobs against this
// tree's latest snapshot into preemption candidates (spec.md §4.2
// "Preemption phase", §4.6, §4.7): a job is a candidate only if its
// operation's tracker has it in the preemptible or aggressively-preemptible
// list, and only if no ancestor pool is currently starving (spec.md §4.7:
// "forbidden if an ancestor is starving, because that would defeat the
// starvation guarantee"). Operation/pool overflow flags are computed here
// because only the tree structure above the job -- which the scheduler
// deliberately doesn't hold -- can answer them (spec.md §4.2).
func (t *Tree) BuildCandidates(running []preempt.Job) []preempt.Candidate {
	snap := t.Snapshot()
	if snap == nil {
		return nil
	}
	var out []preempt.Candidate
	for _, j := range running {
		op, ok := tree.OperationByID(snap.Root, j.OperationID)
		if !ok {
			continue
		}
		status, tracked := op.Tracker().StatusOf(j.ID)
		if !tracked || status == preempt.StatusNonPreemptible {
			continue
		}
		if anyAncestorStarving(op) {
			continue
		}

		c := preempt.Candidate{Job: j}
		c.OperationOverLimit = !resources.Dominates(op.ResourceUsage(), op.ResourceLimits())
		for _, anc := range tree.Ancestors(op) {
			pool, ok := anc.(*tree.PoolElement)
			if !ok {
				continue
			}
			if !resources.Dominates(pool.ResourceUsage(), pool.ResourceLimits()) {
				c.PoolOverLimit = true
				c.OverflowingPool = pool.ID()
				break
			}
		}
		out = append(out, c)
	}
	return out
}

func anyAncestorStarving(e tree.Element) bool {
	for _, anc := range tree.Ancestors(e) {
		if p := anc.Persistent(); p != nil && p.Starving {
			return true
		}
	}
	return false
}
