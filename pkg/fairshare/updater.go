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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/ytscheduler/fairshare/pkg/logging"
	"github.com/ytscheduler/fairshare/pkg/metrics"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

// HostLimits supplies the node-derived resource ceiling visible to an
// element through its scheduling tag filter (spec.md §4.1 step 2:
// "resource_limits = min(host.resource_limits(scheduling_tag_filter) ·
// max_share_ratio, spec.resource_limits)").
type HostLimits interface {
	ResourceLimits(schedulingTagFilterIndex int) resources.JobResources
}

// Config tunes one tree's updater.
type Config struct {
	Period time.Duration

	// TreeID labels this updater's metrics; empty is a valid label for a
	// single-tree deployment.
	TreeID string

	// EnablePoolStarvation extends the starvation state machine to pool
	// elements, not just operations. spec.md §9 leaves the default
	// unresolved for the distilled core; this implementation defaults it to
	// false, see DESIGN.md's Open Question decision.
	EnablePoolStarvation bool

	// AggressivePreemptionEnabled gates whether the aggressively-preemptible
	// list is ever populated tree-wide (spec.md §4.6).
	AggressivePreemptionEnabled bool

	// DefaultAggressiveThreshold / DefaultPreemptionThreshold are the ratios
	// applied to fair_share_ratio when no pool overrides them (spec.md §4.6's
	// `aggressive_threshold`/`preemption_threshold`).
	DefaultAggressiveThreshold float64
	DefaultPreemptionThreshold float64
}

// DefaultConfig matches the original's common-case tree defaults.
func DefaultConfig() Config {
	return Config{
		Period:                     5 * time.Second,
		EnablePoolStarvation:       false,
		AggressivePreemptionEnabled: true,
		DefaultAggressiveThreshold: 1.0,
		DefaultPreemptionThreshold: 1.2,
	}
}

// Updater owns one tree's periodic fair-share computation (spec.md §4.1) and
// publishes the resulting Snapshot for schedulers to read.
type Updater struct {
	cfg   Config
	clock clock.Clock
	host  HostLimits

	snapshot atomic.Pointer[Snapshot]
}

// NewUpdater constructs an updater for one pool tree.
func NewUpdater(cfg Config, host HostLimits, clk clock.Clock) *Updater {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Updater{cfg: cfg, clock: clk, host: host}
}

// Snapshot returns the most recently published snapshot, nil before the
// first successful update.
func (u *Updater) Snapshot() *Snapshot {
	return u.snapshot.Load()
}

// Config returns the updater's tree-wide configuration, including the
// preemption thresholds Rebalance applies.
func (u *Updater) Config() Config {
	return u.cfg
}

// Run ticks Update on cfg.Period until ctx is canceled (spec.md §4.1
// "Triggered on a fixed period"), logging but not propagating per-tick
// errors so one bad update doesn't kill the updater goroutine.
func (u *Updater) Run(ctx context.Context, live func() *tree.RootElement) {
	logger := logging.FromContext(ctx)
	ticker := u.clock.NewTicker(u.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, _, err := u.Update(ctx, live()); err != nil {
				logger.Errorw("fair-share update failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

// Update runs one full pass of spec.md §4.1 over live and publishes the
// resulting snapshot. A panic during clone or computation is recovered as a
// hard failure: the previous snapshot stays live and err is non-nil.
func (u *Updater) Update(ctx context.Context, live *tree.RootElement) (snap *Snapshot, warnings []Warning, err error) {
	start := u.clock.Now()
	defer func() {
		metrics.FairShareUpdateDuration.WithLabelValues(u.cfg.TreeID).Observe(u.clock.Now().Sub(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("fair-share update panicked: %v", r)
			snap = u.snapshot.Load()
		}
	}()

	now := u.clock.Now()

	clone := tree.Clone(live)

	warnings = u.preUpdate(clone)
	u.cascadeTopDown(clone)
	u.bottomUp(clone)
	u.topDown(clone, &warnings)
	u.starvationCheck(clone, now)
	u.rebalancePreemptibleLists(clone)

	if len(warnings) > 0 {
		metrics.UpdateWarningsTotal.WithLabelValues(u.cfg.TreeID).Add(float64(len(warnings)))
	}

	result := &Snapshot{
		Root:       clone,
		TreeSize:   treeSize(clone),
		UpdateTime: now,
		Warnings:   warnings,
	}
	u.snapshot.Store(result)
	return result, warnings, nil
}

// preUpdate refreshes each operation's schedulable flag, resource_demand,
// resource_limits, and pending_job_count (spec.md §4.1 step 2).
func (u *Updater) preUpdate(root *tree.RootElement) []Warning {
	var warnings []Warning
	for _, op := range tree.Operations(root) {
		limits := op.ResourceLimitsConfig()
		if u.host != nil {
			hostLimits := resources.Scale(u.host.ResourceLimits(op.SchedulingTagFilterIndex()), op.MaxShareRatio())
			if resources.IsZero(limits) {
				limits = hostLimits
			} else {
				limits = resources.Min(hostLimits, limits)
			}
		}
		op.SetResourceLimits(limits)

		usage := resources.Zero()
		nonPreemptible, aggressive, preemptible := op.Tracker().Jobs()
		for _, j := range nonPreemptible {
			usage = resources.Add(usage, j.ResourceUsage)
		}
		for _, j := range aggressive {
			usage = resources.Add(usage, j.ResourceUsage)
		}
		for _, j := range preemptible {
			usage = resources.Add(usage, j.ResourceUsage)
		}
		op.SetResourceUsage(usage)

		if op.Disabled() {
			op.SetResourceDemand(resources.Zero())
			op.SetPendingJobCount(0)
			continue
		}

		demand := op.ResourceUsage()
		if c := op.Controller(); c != nil {
			demand = resources.Add(demand, c.NeededResources())
			op.SetPendingJobCount(c.PendingJobCount())
		}
		op.SetResourceDemand(demand)
	}
	return warnings
}

// bottomUp sums demand, usage and max-possible-usage from children into parents and
// derives each element's dominant resource, demand ratio, and max-possible-
// usage ratio (spec.md §4.1 step 3).
func (u *Updater) bottomUp(root *tree.RootElement) {
	u.bottomUpElement(root)
}

func (u *Updater) bottomUpElement(e tree.Element) {
	switch v := e.(type) {
	case *tree.RootElement:
		for _, c := range v.Children() {
			u.bottomUpElement(c)
		}
		u.aggregateComposite(v, v.Children())
	case *tree.PoolElement:
		for _, c := range v.Children() {
			u.bottomUpElement(c)
		}
		u.aggregateComposite(v, v.Children())
	case *tree.OperationElement:
		v.SetMaxPossibleResourceUsage(resources.Min(v.ResourceLimits(), v.ResourceDemand()))
		u.deriveRatios(v)
	}
}

func (u *Updater) aggregateComposite(e tree.Element, children []tree.Element) {
	demand := resources.Zero()
	usage := resources.Zero()
	maxPossible := resources.Zero()
	for _, c := range children {
		demand = resources.Add(demand, c.ResourceDemand())
		usage = resources.Add(usage, c.ResourceUsage())
		maxPossible = resources.Add(maxPossible, c.MaxPossibleResourceUsage())
	}
	e.SetResourceDemand(demand)
	e.SetResourceUsage(usage)
	if !resources.IsZero(e.ResourceLimits()) {
		maxPossible = resources.Min(e.ResourceLimits(), maxPossible)
	}
	e.SetMaxPossibleResourceUsage(maxPossible)
	u.deriveRatios(e)
}

func (u *Updater) deriveRatios(e tree.Element) {
	limits := e.ResourceLimits()
	dyn := e.Dynamic()
	kind, demandRatio := resources.DominantResource(e.ResourceDemand(), limits)
	dyn.DominantResource = kind
	dyn.DemandRatio = demandRatio
	_, usageRatio := resources.DominantResource(e.ResourceUsage(), limits)
	dyn.UsageRatio = usageRatio
	_, maxPossibleRatio := resources.DominantResource(e.MaxPossibleResourceUsage(), limits)
	dyn.MaxPossibleUsageRatio = maxPossibleRatio
	if dyn.MaxPossibleUsageRatio > 1 {
		dyn.MaxPossibleUsageRatio = 1
	}
	dyn.Active = e.Schedulable()
}

// rebalancePreemptibleLists re-partitions every operation's running jobs
// against its freshly computed fair-share ratio (spec.md §4.6), so the
// preemption sweep (spec.md §4.2) always has an up-to-date view of which
// jobs may be selected as victims. Pool-level threshold overrides aren't
// part of this implementation's config model, so every operation uses the
// tree-wide defaults.
func (u *Updater) rebalancePreemptibleLists(root *tree.RootElement) {
	for _, op := range tree.Operations(root) {
		Rebalance(op, u.cfg)
	}
}

// Rebalance applies one operation's current fair-share ratio and limits to
// its tracker, moving jobs between the non-preemptible, aggressively
// preemptible, and preemptible lists per spec.md §4.6.
func Rebalance(op *tree.OperationElement, cfg Config) {
	op.Tracker().Balance(
		op.ResourceLimits(),
		op.Dynamic().FairShareRatio,
		cfg.DefaultAggressiveThreshold,
		cfg.DefaultPreemptionThreshold,
		cfg.AggressivePreemptionEnabled,
	)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
