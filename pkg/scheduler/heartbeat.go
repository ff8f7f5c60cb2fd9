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
	"context"
	"sync"
	"time"

	"github.com/ytscheduler/fairshare/pkg/logging"
	"github.com/ytscheduler/fairshare/pkg/metrics"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

// Config holds the per-tree knobs stage P's throttle and the preemption
// phase need (spec.md §4.2).
type Config struct {
	// PreemptiveSchedulingBackoff bounds how often stage P may run for a
	// given node ("gated per node by a last preemptive time").
	PreemptiveSchedulingBackoff time.Duration

	// MaxStageNJobs bounds stage N's loop as a last-resort safety net; the
	// real stop condition is can-start-more-jobs/deadline, this only guards
	// against a selection bug spinning forever on one heartbeat.
	MaxStageNJobs int
}

// DefaultConfig mirrors the original's typical heartbeat tuning.
func DefaultConfig() Config {
	return Config{
		PreemptiveSchedulingBackoff: 1 * time.Second,
		MaxStageNJobs:               1000,
	}
}

// Scheduler runs spec.md §4.2's three-stage heartbeat state machine, one
// instance per tree (pkg/host), shared by every node and shard heartbeating
// against that tree, so stage P's per-node throttle is remembered between
// heartbeats.
type Scheduler struct {
	cfg Config

	mu             sync.Mutex
	lastPreemptive map[string]time.Time
}

// NewScheduler returns a scheduler with an empty per-node preemptive-stage
// throttle table.
func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, lastPreemptive: map[string]time.Time{}}
}

// RunHeartbeat executes stage N, stage P (if due), stage F (if stage N
// started nothing and something was flagged bad-packing), and finally the
// preemption phase, against sc and root. candidates lists every job
// currently running at sc.NodeID that a Tracker has marked preemptible or
// aggressively preemptible, already annotated with operation/pool overflow
// flags by the caller (which alone knows the tree structure above each job).
func (s *Scheduler) RunHeartbeat(ctx context.Context, now time.Time, root *tree.RootElement, sc *SchedulingContext, candidates []preempt.Candidate) {
	log := logging.FromContext(ctx)

	if ctx.Err() != nil {
		sc.SchedulingSkipped = true
		return
	}

	badPacking := map[string]bool{}
	started := s.stageN(ctx, root, sc, badPacking)

	if s.stageDue(sc.NodeID, now) {
		s.stageP(ctx, root, sc, candidates)
		s.recordPreemptiveRun(sc.NodeID, now)
	}

	if !started && len(badPacking) > 0 {
		s.stageF(root, sc)
	}

	victims := preempt.SelectVictims(candidates, sc.ResourceUsage, sc.ResourceLimits)
	for _, v := range victims {
		sc.PreemptedJobs = append(sc.PreemptedJobs, JobPreemption{
			JobID:       v.ID,
			OperationID: v.OperationID,
			Reason:      v.Reason.String(),
		})
		metrics.JobsPreemptedTotal.WithLabelValues(sc.TreeID, v.Reason.String()).Inc()
	}
	if len(victims) > 0 {
		log.Infow("preemption phase selected victims", "node", sc.NodeID, "count", len(victims))
	}
}

// stageN is the non-preemptive loop: preschedule with starving_only=false,
// repeatedly picking the best active descendant and asking its controller
// to start a job, while the node can still take more and the deadline
// hasn't passed.
func (s *Scheduler) stageN(ctx context.Context, root *tree.RootElement, sc *SchedulingContext, badPacking map[string]bool) bool {
	started := false
	for i := 0; i < s.cfg.MaxStageNJobs; i++ {
		if ctx.Err() != nil || sc.Deadlined() || !sc.CanStartMore() {
			break
		}
		leaf := selectBestLeaf(root, false)
		if leaf == nil {
			break
		}
		starter, ok := sc.Starters[leaf.ID()]
		if !ok {
			break
		}
		metrics.ScheduleJobAttemptsTotal.WithLabelValues(sc.TreeID, "N").Inc()
		job, ok := starter.TryScheduleJob(sc.Free(), false)
		if !ok {
			badPacking[leaf.ID()] = true
			break
		}
		sc.CommitStart(job)
		metrics.JobsStartedTotal.WithLabelValues(sc.TreeID, "N").Inc()
		started = true
	}
	return started
}

// stageP discounts every candidate's usage from the node and prescheudles
// with starving_only=true, attempting at most one job start, then resets
// the discount (spec.md §4.2 stage P).
func (s *Scheduler) stageP(ctx context.Context, root *tree.RootElement, sc *SchedulingContext, candidates []preempt.Candidate) {
	if ctx.Err() != nil || sc.Deadlined() {
		return
	}
	var discount resources.JobResources
	for _, c := range candidates {
		discount = resources.Add(discount, c.ResourceUsage)
	}
	sc.ResourceUsageDiscount = discount
	defer func() { sc.ResourceUsageDiscount = resources.JobResources{} }()

	leaf := selectBestLeaf(root, true)
	if leaf == nil {
		return
	}
	starter, ok := sc.Starters[leaf.ID()]
	if !ok {
		return
	}
	metrics.ScheduleJobAttemptsTotal.WithLabelValues(sc.TreeID, "P").Inc()
	job, ok := starter.TryScheduleJob(sc.Free(), false)
	if !ok {
		return
	}
	sc.CommitStart(job)
	metrics.JobsStartedTotal.WithLabelValues(sc.TreeID, "P").Inc()
}

// stageF retries once with packing disabled, starting at most one job,
// triggered only when stage N made zero progress and at least one start
// attempt was refused; JobStarter does not say why it refused, so stage N
// records every refusal as possible bad packing (spec.md §4.2 stage F).
func (s *Scheduler) stageF(root *tree.RootElement, sc *SchedulingContext) {
	if sc.Deadlined() {
		return
	}
	leaf := selectBestLeaf(root, false)
	if leaf == nil {
		return
	}
	starter, ok := sc.Starters[leaf.ID()]
	if !ok {
		return
	}
	metrics.ScheduleJobAttemptsTotal.WithLabelValues(sc.TreeID, "F").Inc()
	job, ok := starter.TryScheduleJob(sc.Free(), true)
	if !ok {
		return
	}
	sc.CommitStart(job)
	metrics.JobsStartedTotal.WithLabelValues(sc.TreeID, "F").Inc()
}

func (s *Scheduler) stageDue(nodeID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastPreemptive[nodeID]
	return !ok || now.Sub(last) >= s.cfg.PreemptiveSchedulingBackoff
}

func (s *Scheduler) recordPreemptiveRun(nodeID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPreemptive[nodeID] = now
}
