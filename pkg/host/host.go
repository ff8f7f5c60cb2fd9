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

package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/ytscheduler/fairshare/pkg/fairshare"
	"github.com/ytscheduler/fairshare/pkg/logging"
	"github.com/ytscheduler/fairshare/pkg/metrics"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/tagfilter"
	"github.com/ytscheduler/fairshare/pkg/tree"
	"github.com/ytscheduler/fairshare/pkg/treeconfig"
)

// TreeBinding names one tree a node belongs to, alongside the scheduler that
// runs its heartbeats (spec.md §4.9).
type TreeBinding struct {
	TreeID    string
	Scheduler *scheduler.Scheduler
}

// Host owns every pool tree in the cluster, keyed by id (spec.md §2 row 9,
// §4.9): it routes operation lifecycle calls to the tree an operation was
// registered against, recomputes which tree(s) a node belongs to from
// scheduling tag filters, and runs every tree's fair-share updater on its own
// ticker. Grounded on the teacher's Cluster/Provisioner relationship in
// pkg/controllers/provisioning/provisioner.go, where one top-level type owns
// a map of independently-reconciling sub-resources behind a single mutex.
type Host struct {
	clk clock.Clock

	mu    sync.RWMutex
	trees map[string]*Tree

	// operationTree remembers which tree an operation was registered
	// against, so Unregister/UpdateRuntimeParameters/Abort don't require the
	// caller to pass the tree id back in (spec.md §6's controller calls
	// don't carry it either). This is the operation's one "home" tree: the
	// one its Tracker, Abort, and RebalanceOperation act on.
	operationTree map[string]string

	// operationTentativeTrees remembers any additional trees an operation
	// was also attached to as a tentative presentation of demand (spec.md §3
	// "tentative flag", §4.9 "the dispatcher selects the set of trees [...]
	// by operation spec (pool_trees)"), via RegisterOperationInTrees. These
	// never carry real jobs -- only the home tree's Tracker does -- so they
	// don't need an entry in operationTree.
	operationTentativeTrees map[string][]string
}

// New returns an empty host.
func New(clk clock.Clock) *Host {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Host{
		clk:                     clk,
		trees:                   map[string]*Tree{},
		operationTree:           map[string]string{},
		operationTentativeTrees: map[string][]string{},
	}
}

// AddTree materializes a validated pool config into a new live tree and
// starts tracking it (spec.md §6 "Pool configuration"). Re-adding an
// existing tree id replaces its pool structure but keeps its updater and
// scheduler state (so in-flight per-node preemptive-stage throttling
// survives a config reload).
func (h *Host) AddTree(cfg *treeconfig.Tree, filter tagfilter.Filter, fsCfg fairshare.Config, schedCfg scheduler.Config) error {
	root, err := treeconfig.Build(cfg, cfg.TreeID, h.clk.Now())
	if err != nil {
		return fmt.Errorf("host: building tree %q: %w", cfg.TreeID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.trees[cfg.TreeID]; ok {
		existing.mu.Lock()
		existing.live = root
		existing.Filter = filter
		existing.mu.Unlock()
		return nil
	}
	h.trees[cfg.TreeID] = newTreeState(cfg.TreeID, filter, root, fsCfg, schedCfg)
	return nil
}

// RemoveTree drops a tree entirely. Operations still registered against it
// are orphaned; callers are expected to have unregistered them first.
func (h *Host) RemoveTree(treeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.trees, treeID)
}

// Tree returns the named tree, nil if unknown.
func (h *Host) Tree(treeID string) *Tree {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.trees[treeID]
}

// TreeIDs returns every currently-registered tree id.
func (h *Host) TreeIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.trees))
	for id := range h.trees {
		out = append(out, id)
	}
	return out
}

// Run starts every tree's fair-share updater on its own ticker, returning
// once ctx is canceled and all updater goroutines have exited (spec.md §4.1
// "Triggered on a fixed period").
func (h *Host) Run(ctx context.Context) {
	h.mu.RLock()
	trees := make([]*Tree, 0, len(h.trees))
	for _, t := range h.trees {
		trees = append(trees, t)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range trees {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Updater.Run(ctx, t.Live)
		}()
	}
	wg.Wait()
}

// RegisterOperation attaches a new operation leaf under poolName in treeID
// (spec.md §6 "register_operation"). The pool must already exist; an
// operation can never attach directly to the root unless poolName is empty
// and the root permits immediate operations, nor to a pool that forbids
// them.
func (h *Host) RegisterOperation(treeID, operationID, poolName string, weight float64, startTime time.Time, controller tree.Controller) error {
	return h.RegisterOperationWithFilter(treeID, operationID, poolName, weight, startTime, controller, tagfilter.Filter{})
}

// RegisterOperationWithFilter is RegisterOperation plus an explicit
// scheduling tag filter (spec.md §3 "scheduling_tag_filter_index"),
// registered into the tree's filter registry so the operation's effective
// resource limits are computed against the matching subset of nodes
// (fairshare.Updater.preUpdate, via Tree.ResourceLimits).
func (h *Host) RegisterOperationWithFilter(treeID, operationID, poolName string, weight float64, startTime time.Time, controller tree.Controller, filter tagfilter.Filter) error {
	t := h.Tree(treeID)
	if t == nil {
		return fmt.Errorf("host: unknown tree %q", treeID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var parent tree.Element = t.live
	if poolName != "" {
		pool := findPool(t.live, poolName)
		if pool == nil {
			return fmt.Errorf("host: tree %q has no pool %q", treeID, poolName)
		}
		parent = pool
	}
	if c, ok := parent.(interface{ ForbidImmediateOperations() bool }); ok && c.ForbidImmediateOperations() {
		return fmt.Errorf("host: %q in tree %q forbids immediate operations", parent.ID(), treeID)
	}

	if existing, _ := tree.OperationByID(t.live, operationID); existing != nil {
		return fmt.Errorf("host: operation %q already registered in tree %q", operationID, treeID)
	}

	op := tree.NewOperationElement(operationID, weight, startTime, h.clk.Now())
	op.SetParent(parent)
	op.SetController(controller)
	op.SetSchedulingTagFilterIndex(t.Filters.Register(filter))

	switch v := parent.(type) {
	case *tree.RootElement:
		v.AddChild(op)
	case *tree.PoolElement:
		v.AddChild(op)
	default:
		return fmt.Errorf("host: pool %q is not a composite element", poolName)
	}

	h.mu.Lock()
	h.operationTree[operationID] = treeID
	h.mu.Unlock()

	metrics.ActiveOperationsGauge.WithLabelValues(treeID).Inc()
	return nil
}

// RegisterOperationInTrees registers operationID in homeTreeID exactly as
// RegisterOperationWithFilter does, then additionally attaches it as a
// tentative operation (spec.md §3 "tentative flag") to every tree in
// extraTreeIDs, matching spec.md §4.9: "the dispatcher selects the set of
// trees by operation spec (pool_trees)". A tentative attachment failing in
// one tree (unknown tree id, missing pool) does not block attachment in the
// others or in the home tree; every such failure is aggregated and returned
// together, the way provisioner.go's LaunchNodes aggregates independent
// per-node failures with multierr rather than aborting on the first one.
func (h *Host) RegisterOperationInTrees(homeTreeID string, extraTreeIDs []string, operationID, poolName string, weight float64, startTime time.Time, controller tree.Controller, filter tagfilter.Filter) error {
	if err := h.RegisterOperationWithFilter(homeTreeID, operationID, poolName, weight, startTime, controller, filter); err != nil {
		return err
	}

	var attached []string
	var err error
	for _, extraTreeID := range extraTreeIDs {
		if extraTreeID == homeTreeID {
			continue
		}
		if attachErr := h.attachTentative(extraTreeID, operationID, poolName, weight, startTime, controller, filter); attachErr != nil {
			err = multierr.Append(err, fmt.Errorf("host: tentative tree %q: %w", extraTreeID, attachErr))
			continue
		}
		attached = append(attached, extraTreeID)
	}

	if len(attached) > 0 {
		h.mu.Lock()
		h.operationTentativeTrees[operationID] = append(h.operationTentativeTrees[operationID], attached...)
		h.mu.Unlock()
	}
	return err
}

// attachTentative mirrors RegisterOperationWithFilter's tree-attachment
// logic for a single extra tree, marking the resulting element tentative and
// without touching operationTree (the home tree stays the sole entry there).
func (h *Host) attachTentative(treeID, operationID, poolName string, weight float64, startTime time.Time, controller tree.Controller, filter tagfilter.Filter) error {
	t := h.Tree(treeID)
	if t == nil {
		return fmt.Errorf("unknown tree %q", treeID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var parent tree.Element = t.live
	if poolName != "" {
		pool := findPool(t.live, poolName)
		if pool == nil {
			return fmt.Errorf("tree has no pool %q", poolName)
		}
		parent = pool
	}
	if c, ok := parent.(interface{ ForbidImmediateOperations() bool }); ok && c.ForbidImmediateOperations() {
		return fmt.Errorf("%q forbids immediate operations", parent.ID())
	}

	if existing, _ := tree.OperationByID(t.live, operationID); existing != nil {
		return fmt.Errorf("operation %q already registered", operationID)
	}

	op := tree.NewOperationElement(operationID, weight, startTime, h.clk.Now())
	op.SetParent(parent)
	op.SetController(controller)
	op.SetTentative(true)
	op.SetSchedulingTagFilterIndex(t.Filters.Register(filter))

	switch v := parent.(type) {
	case *tree.RootElement:
		v.AddChild(op)
	case *tree.PoolElement:
		v.AddChild(op)
	default:
		return fmt.Errorf("pool %q is not a composite element", poolName)
	}

	metrics.ActiveOperationsGauge.WithLabelValues(treeID).Inc()
	return nil
}

// UnregisterOperation detaches an operation from its home tree and from
// every tentative tree RegisterOperationInTrees attached it to (spec.md §6
// "unregister_operation"). Each tree is detached independently; one tree
// failing to yield the operation (already removed, structural change since
// registration) doesn't stop the others from being cleaned up, and every
// such failure is combined into the returned error.
func (h *Host) UnregisterOperation(ctx context.Context, operationID string) error {
	h.mu.Lock()
	treeID, ok := h.operationTree[operationID]
	if ok {
		delete(h.operationTree, operationID)
	}
	extraTreeIDs := h.operationTentativeTrees[operationID]
	delete(h.operationTentativeTrees, operationID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("host: operation %q not registered", operationID)
	}

	var err error
	if detachErr := h.detachOperation(treeID, operationID); detachErr != nil {
		err = multierr.Append(err, fmt.Errorf("host: home tree %q: %w", treeID, detachErr))
	}
	for _, extraTreeID := range extraTreeIDs {
		if detachErr := h.detachOperation(extraTreeID, operationID); detachErr != nil {
			err = multierr.Append(err, fmt.Errorf("host: tentative tree %q: %w", extraTreeID, detachErr))
		}
	}

	logging.FromContext(ctx).Infow("unregistered operation", "operation", operationID, "tree", treeID, "tentative_trees", extraTreeIDs)
	return err
}

// detachOperation removes operationID from one tree, if both the tree and
// the operation element still exist there.
func (h *Host) detachOperation(treeID, operationID string) error {
	t := h.Tree(treeID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	op, found := tree.OperationByID(t.live, operationID)
	if !found {
		return nil
	}
	if parent, ok := op.Parent().(interface{ RemoveChild(string) }); ok {
		parent.RemoveChild(operationID)
	}
	metrics.ActiveOperationsGauge.WithLabelValues(treeID).Dec()
	return nil
}

// UpdateOperationRuntimeParameters sets an operation's tentative flag
// without detaching it (spec.md §6 "update_operation_runtime_parameters").
// The weight argument is accepted but not applied: an element's weight is
// fixed at construction.
func (h *Host) UpdateOperationRuntimeParameters(operationID string, weight float64, tentative bool) error {
	t, op := h.findOperation(operationID)
	if t == nil {
		return fmt.Errorf("host: operation %q not registered", operationID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	op.SetTentative(tentative)
	_ = weight // the element model fixes Weight() at construction; see DESIGN.md
	return nil
}

// Abort marks an operation disabled so it presents zero demand on the next
// fair-share update, without detaching it from the tree (spec.md §3
// "Lifecycle": disabled on abort/failure, stays attached until
// unregistered).
func (h *Host) Abort(operationID string) error {
	t, op := h.findOperation(operationID)
	if t == nil {
		return fmt.Errorf("host: operation %q not registered", operationID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	op.SetDisabled(true)
	return nil
}

// OperationTracker returns the preemptible-jobs tracker for a registered
// operation, shared by pointer between the tree's live and snapshot copies
// (spec.md §4.1 step 6), so the node shard can record job starts/removals on
// it directly (spec.md §4.8).
func (h *Host) OperationTracker(operationID string) (*preempt.Tracker, bool) {
	_, op := h.findOperation(operationID)
	if op == nil {
		return nil, false
	}
	return op.Tracker(), true
}

// RebalanceOperation re-partitions a registered operation's tracked jobs
// against its most recently published fair-share ratio (spec.md §4.6,
// triggered here on job started/finished -- the fair-share-refreshed trigger
// is already covered by fairshare.Updater.Update itself). A no-op until the
// tree has published at least one snapshot.
func (h *Host) RebalanceOperation(operationID string) {
	t, ok := h.TreeOf(operationID)
	if !ok {
		return
	}
	snap := t.Snapshot()
	if snap == nil {
		return
	}
	op, found := tree.OperationByID(snap.Root, operationID)
	if !found {
		return
	}
	fairshare.Rebalance(op, t.Updater.Config())
}

// TreeOf returns the tree an operation is currently registered against.
func (h *Host) TreeOf(operationID string) (*Tree, bool) {
	h.mu.RLock()
	treeID, ok := h.operationTree[operationID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	t := h.Tree(treeID)
	return t, t != nil
}

func (h *Host) findOperation(operationID string) (*Tree, *tree.OperationElement) {
	h.mu.RLock()
	treeID, ok := h.operationTree[operationID]
	h.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	t := h.Tree(treeID)
	if t == nil {
		return nil, nil
	}
	t.mu.RLock()
	op, found := tree.OperationByID(t.live, operationID)
	t.mu.RUnlock()
	if !found {
		return nil, nil
	}
	return t, op
}

// TreesForNode returns every tree whose filter matches the node's tags
// (spec.md §4.9: "partitioning exec nodes disjointly across pool trees" --
// disjoint in the common case, but nothing here enforces it, matching the
// original which leaves overlapping filters to the operator to avoid).
func (h *Host) TreesForNode(tags []string) []TreeBinding {
	set := sets.NewString(tags...)
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []TreeBinding
	for id, t := range h.trees {
		if t.Filter.Matches(set) {
			out = append(out, TreeBinding{TreeID: id, Scheduler: t.Scheduler})
		}
	}
	return out
}

func findPool(root *tree.RootElement, name string) *tree.PoolElement {
	for _, p := range tree.Pools(root) {
		if p.ID() == name {
			return p
		}
	}
	return nil
}
