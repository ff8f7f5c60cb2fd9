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

// Package shard implements the node shard (spec.md §2 row 8, §4.8, §5): the
// owner of a partition of exec nodes, processing each node's heartbeat RPC
// through validate/register, lease renewal, usage accounting, reported-job
// reconciliation, per-shard throttling, and the scheduling/preemption pass,
// in the order spec.md §4.8 lists them. Heartbeats from different nodes may
// run concurrently; node and job records are guarded by the shard's mutex,
// and a second heartbeat for a node whose previous one is still in flight
// is rejected.
//
// Grounded on the teacher's
// pkg/controllers/termination/terminator/eviction.go EvictionQueue, which
// embeds workqueue.RateLimitingInterface over a plain struct rather than
// running its own goroutine loop -- Shard does the same for its pending
// job-update flush queue (spec.md §5's "pending strategy-submission map").
package shard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/ytscheduler/fairshare/pkg/api"
	"github.com/ytscheduler/fairshare/pkg/host"
	"github.com/ytscheduler/fairshare/pkg/logging"
	"github.com/ytscheduler/fairshare/pkg/metrics"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/utils/pretty"
)

// Config tunes one shard's lease/throttle/budget knobs.
type Config struct {
	// LeaseTimeout is how long a node's registration survives without a
	// heartbeat before it's considered offline (spec.md §4.8 step 2).
	LeaseTimeout time.Duration

	// SoftConcurrencyLimit is the point past which new heartbeats are still
	// served but scheduling is skipped (spec.md §4.8 step 5, "throttle").
	SoftConcurrencyLimit int32
	// HardConcurrencyLimit is the point past which the shard still registers
	// the node, renews its lease, and reconciles its reported jobs, but skips
	// scheduling the same way the soft limit does (spec.md §4.8 step 5, §8
	// scenario 5: "too many concurrent heartbeats ... skip scheduling and
	// reply"). It never fails the RPC outright; that's reserved for §7's
	// cancelation path.
	HardConcurrencyLimit int32

	HeartbeatBudget time.Duration

	// NonPreemptiveFraction/PreemptiveFraction apportion HeartbeatBudget
	// across stages N and P, the remainder implicitly going to stage F
	// (SPEC_FULL.md "Supplemented features": "per-stage wall-clock budgets
	// from a single deadline", recovered from node_shard.cpp). Only the
	// aggregate deadline is enforced by pkg/scheduler today; see DESIGN.md.
	NonPreemptiveFraction float64
	PreemptiveFraction    float64

	// AbortJobsOnZeroUserSlots aborts every job a node is currently running
	// the moment that node reports zero user slots (spec.md §4.8 step 3),
	// grounded on the original's EnableJobAbortOnZeroUserSlots /
	// NodeWithZeroUserSlots (node_shard.cpp). Defaults on: a node with no
	// user slots can never confirm or finish the jobs it claims to be
	// running, so holding onto their records only delays the inevitable.
	AbortJobsOnZeroUserSlots bool
}

// DefaultConfig mirrors the original's typical node-shard tuning.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout:          30 * time.Second,
		SoftConcurrencyLimit:  64,
		HardConcurrencyLimit:  128,
		HeartbeatBudget:          3 * time.Second,
		NonPreemptiveFraction:    0.6,
		PreemptiveFraction:       0.3,
		AbortJobsOnZeroUserSlots: true,
	}
}

// ExecNode is a shard's view of one node's last-reported state (spec.md §2
// row 8).
type ExecNode struct {
	ID                string
	Descriptor        api.NodeDescriptor
	ResourceLimits    resources.JobResources
	ResourceUsage     resources.JobResources
	LeaseExpiry       time.Time
	ConfirmedJobCount int

	// heartbeatInFlight guards against a second heartbeat for this node
	// arriving before the first one finished (spec.md §4.8 step 2's
	// "ongoing-heartbeat flag"), distinct from the shard-wide inFlight
	// counter that drives the soft/hard concurrency throttle: that one
	// limits how many *different* nodes' heartbeats the shard serves at
	// once, this one rejects a node heartbeating itself concurrently with
	// itself, which would otherwise let two goroutines mutate the same
	// node's job records unsynchronized.
	heartbeatInFlight bool

	jobs map[string]*jobRecord
}

type jobRecord struct {
	operationID string
	startTime   time.Time
	usage       resources.JobResources
	agent       api.ControllerAgentDescriptor
}

// Shard owns a partition of exec nodes, reconciling their heartbeats against
// a shared Host (spec.md §4.8). Jobs pending a slower-than-heartbeat follow
// up (interrupt confirmations, store/fail acknowledgements) are buffered on
// a rate-limiting queue rather than blocking the heartbeat that discovered
// them.
type Shard struct {
	id  string
	h   *host.Host
	clk clock.Clock
	cfg Config

	mu    sync.Mutex
	nodes map[string]*ExecNode

	startersMu sync.RWMutex
	starters   map[string]scheduler.JobStarter
	agents     map[string]api.ControllerAgentDescriptor

	inFlight int32

	// pending holds job ids awaiting a follow-up action the next heartbeat
	// should carry (spec.md §5's pending strategy-submission map).
	pending workqueue.RateLimitingInterface
}

// New returns a shard with an empty node set.
func New(id string, h *host.Host, clk clock.Clock, cfg Config) *Shard {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Shard{
		id:       id,
		h:        h,
		clk:      clk,
		cfg:      cfg,
		nodes:    map[string]*ExecNode{},
		starters: map[string]scheduler.JobStarter{},
		agents:   map[string]api.ControllerAgentDescriptor{},
		pending:  workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
	}
}

// RegisterOperation attaches a job starter for operationID, used to resolve
// sc.Starters when this shard's nodes are offered jobs from that operation's
// tree (spec.md §6 consumed controller interface, narrowed to
// scheduler.JobStarter the same way pkg/controllerclient.Client satisfies
// both that and pkg/tree.Controller).
func (s *Shard) RegisterOperation(operationID string, starter scheduler.JobStarter, agent api.ControllerAgentDescriptor) {
	s.startersMu.Lock()
	defer s.startersMu.Unlock()
	s.starters[operationID] = starter
	s.agents[operationID] = agent
}

// UnregisterOperation drops a job starter registration.
func (s *Shard) UnregisterOperation(operationID string) {
	s.startersMu.Lock()
	defer s.startersMu.Unlock()
	delete(s.starters, operationID)
	delete(s.agents, operationID)
}

// NodeCount returns how many nodes this shard currently tracks.
func (s *Shard) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// ExpireLeases drops nodes whose lease has lapsed (spec.md §4.8 step 2),
// returning their ids for the caller to forget from every tree's inventory.
func (s *Shard) ExpireLeases(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, n := range s.nodes {
		if now.After(n.LeaseExpiry) {
			expired = append(expired, id)
			delete(s.nodes, id)
		}
	}
	return expired
}

// ProcessHeartbeat implements spec.md §4.8 steps 1-7: validate/register,
// renew the lease, refresh limits/usage, reconcile reported jobs against
// their operations' preemption trackers, apply the per-shard throttle, run
// the scheduling/preemption pass per tree the node belongs to, and build the
// heartbeat response.
func (s *Shard) ProcessHeartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	log := logging.FromContext(ctx)
	now := s.clk.Now()
	defer func() {
		metrics.HeartbeatDuration.WithLabelValues().Observe(s.clk.Now().Sub(now).Seconds())
	}()

	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	// Both limits only skip scheduling; neither fails the RPC (spec.md §4.8
	// step 5, §8 scenario 5). A node past the hard limit still gets its
	// lease renewed and its reported jobs reconciled below -- it's shed from
	// scheduling consideration, not from the cluster's bookkeeping.
	throttled := n > s.cfg.SoftConcurrencyLimit || n > s.cfg.HardConcurrencyLimit

	node, alreadyInFlight := s.registerOrUpdateNode(req, now)
	if alreadyInFlight {
		return api.HeartbeatResponse{}, fmt.Errorf("shard %s: heartbeat already in flight for node %s", s.id, req.NodeID)
	}
	defer s.clearHeartbeatInFlight(node)

	resp := api.HeartbeatResponse{}
	if s.cfg.AbortJobsOnZeroUserSlots && req.ResourceLimits.UserSlots == 0 {
		if aborted := s.abortAllJobs(node, "NodeWithZeroUserSlots", &resp); len(aborted) > 0 {
			req.Jobs = dropJobStatuses(req.Jobs, aborted)
			log.Infow("aborted all jobs on node reporting zero user slots", "node", node.ID, "shard", s.id, "jobs", pretty.Slice(aborted, 5))
		}
	}

	bindings := s.h.TreesForNode(req.NodeDescriptor.Tags)
	tags := sets.NewString(req.NodeDescriptor.Tags...)
	for _, b := range bindings {
		if t := s.h.Tree(b.TreeID); t != nil {
			t.RecordNodeResources(node.ID, tags, req.ResourceLimits)
		}
	}

	running := s.reconcileJobs(log, node, req, now, &resp)

	if throttled {
		reason := "soft_limit"
		if n > s.cfg.HardConcurrencyLimit {
			reason = "hard_limit"
		}
		metrics.HeartbeatsSkippedTotal.WithLabelValues(reason).Inc()
		resp.SchedulingSkipped = true
		log.Infow("heartbeat throttled, skipping scheduling", "node", node.ID, "shard", s.id, "in_flight", n)
		return resp, nil
	}

	deadline := now.Add(s.cfg.HeartbeatBudget)
	for _, b := range bindings {
		t := s.h.Tree(b.TreeID)
		if t == nil {
			continue
		}
		snap := t.Snapshot()
		if snap == nil {
			continue
		}
		candidates := t.BuildCandidates(running)
		sc := &scheduler.SchedulingContext{
			NodeID:         node.ID,
			TreeID:         b.TreeID,
			Now:            now,
			Deadline:       deadline,
			ResourceLimits: node.ResourceLimits,
			ResourceUsage:  node.ResourceUsage,
			Starters:       s.starterSnapshot(),
		}
		b.Scheduler.RunHeartbeat(ctx, now, snap.Root, sc, candidates)
		s.commitStarted(node, b.TreeID, sc.StartedJobs, &resp)
		s.commitPreempted(sc.PreemptedJobs, &resp)
		if sc.SchedulingSkipped {
			resp.SchedulingSkipped = true
		}
	}

	return resp, nil
}

// registerOrUpdateNode validates/creates the node's local record and renews
// its lease (spec.md §4.8 steps 1-2). The second return value reports
// whether a heartbeat for this node was already in flight -- the per-node
// counterpart to the shard-wide inFlight counter above, refusing to let two
// heartbeats for the same node race over its job records. Callers that get
// true back must not touch the returned node further; the in-flight
// heartbeat owns it until it calls clearHeartbeatInFlight.
func (s *Shard) registerOrUpdateNode(req api.HeartbeatRequest, now time.Time) (*ExecNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[req.NodeID]
	if !ok {
		n = &ExecNode{ID: req.NodeID, jobs: map[string]*jobRecord{}}
		s.nodes[req.NodeID] = n
	}
	if n.heartbeatInFlight {
		return n, true
	}
	n.heartbeatInFlight = true
	n.Descriptor = req.NodeDescriptor
	n.ResourceLimits = req.ResourceLimits
	n.ResourceUsage = req.ResourceUsage
	n.ConfirmedJobCount = req.ConfirmedJobCount
	n.LeaseExpiry = now.Add(s.cfg.LeaseTimeout)
	return n, false
}

// clearHeartbeatInFlight releases the per-node heartbeat guard registerOrUpdateNode set.
func (s *Shard) clearHeartbeatInFlight(n *ExecNode) {
	s.mu.Lock()
	n.heartbeatInFlight = false
	s.mu.Unlock()
}

// SetHeartbeatInFlightForTest forces the per-node in-flight guard for nodeID,
// letting tests simulate a heartbeat that hasn't returned yet without
// actually blocking a goroutine on one. Exists for shard_test.go only.
func (s *Shard) SetHeartbeatInFlightForTest(nodeID string, inFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.heartbeatInFlight = inFlight
	}
}

// abortAllJobs drops every job record the shard holds for n and appends an
// abort for each to resp, used when a node reports zero user slots (spec.md
// §4.8 step 3), grounded on the original's EnableJobAbortOnZeroUserSlots
// sweep over node->Jobs() (node_shard.cpp). Returns the aborted job ids so
// the caller can keep this heartbeat's own reported statuses from
// re-creating the records just dropped.
func (s *Shard) abortAllJobs(n *ExecNode, reason string, resp *api.HeartbeatResponse) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(n.jobs) == 0 {
		return nil
	}
	dirty := map[string]bool{}
	aborted := make([]string, 0, len(n.jobs))
	for jobID, rec := range n.jobs {
		if tr, ok := s.h.OperationTracker(rec.operationID); ok {
			tr.RemoveJob(jobID)
			dirty[rec.operationID] = true
		}
		resp.JobsToAbort = append(resp.JobsToAbort, api.JobToAbort{JobID: jobID, AbortReason: reason})
		aborted = append(aborted, jobID)
	}
	n.jobs = map[string]*jobRecord{}
	for operationID := range dirty {
		s.h.RebalanceOperation(operationID)
	}
	return aborted
}

// dropJobStatuses filters drop out of jobs, preserving order.
func dropJobStatuses(jobs []api.JobStatus, drop []string) []api.JobStatus {
	if len(drop) == 0 {
		return jobs
	}
	skip := make(map[string]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	out := jobs[:0:0]
	for _, js := range jobs {
		if !skip[js.JobID] {
			out = append(out, js)
		}
	}
	return out
}

// reconcileJobs folds the heartbeat's reported job statuses into the node's
// local record and the owning operations' preemption trackers (spec.md §4.8
// step 4), returning the jobs currently running at this node for the
// preemption phase's candidate list. Every operation touched by a tracker
// mutation this heartbeat has its preemptible lists rebalanced exactly once
// (spec.md §4.6), after the per-job loop, so the candidate list built right
// after reflects the node's just-reported state without re-sorting the same
// operation's tracker once per job it reports.
func (s *Shard) reconcileJobs(log *zap.SugaredLogger, n *ExecNode, req api.HeartbeatRequest, now time.Time, resp *api.HeartbeatResponse) []preempt.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	dirty := map[string]bool{}
	var running []preempt.Job
	var stale []string
	for _, js := range req.Jobs {
		seen[js.JobID] = true
		rec, ok := n.jobs[js.JobID]
		if !ok {
			rec = &jobRecord{operationID: js.OperationID, startTime: now}
			n.jobs[js.JobID] = rec
		}
		rec.usage = js.ResourceUsage

		switch js.State {
		case api.JobFinished:
			delete(n.jobs, js.JobID)
			if tr, ok := s.h.OperationTracker(js.OperationID); ok {
				tr.RemoveJob(js.JobID)
				dirty[js.OperationID] = true
			}
			resp.JobsToRemove = append(resp.JobsToRemove, api.JobToRemove{JobID: js.JobID})
		case api.JobRunning:
			if tr, ok := s.h.OperationTracker(js.OperationID); ok {
				tr.AddJob(preempt.Job{ID: js.JobID, OperationID: js.OperationID, StartTime: rec.startTime, ResourceUsage: js.ResourceUsage})
				dirty[js.OperationID] = true
			}
			running = append(running, preempt.Job{ID: js.JobID, OperationID: js.OperationID, StartTime: rec.startTime, ResourceUsage: js.ResourceUsage})
		}
	}

	for _, id := range req.UnconfirmedJobs {
		seen[id] = true
		rec, ok := n.jobs[id]
		if !ok {
			continue
		}
		resp.JobsToConfirm = append(resp.JobsToConfirm, api.JobToConfirm{JobID: id, ControllerAgentDescriptor: rec.agent})
	}

	// jobs the node no longer reports at all (neither in Jobs nor
	// UnconfirmedJobs) are stale local state; drop them so a later restart
	// doesn't keep replaying a removal the node already forgot about.
	for id, rec := range n.jobs {
		if !seen[id] {
			if tr, ok := s.h.OperationTracker(rec.operationID); ok {
				tr.RemoveJob(id)
				dirty[rec.operationID] = true
			}
			delete(n.jobs, id)
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		log.Debugw("dropped stale job records no longer reported by node", "node", n.ID, "shard", s.id, "jobs", pretty.Slice(stale, 5))
	}

	// Rebalance once per operation touched this heartbeat, not once per job:
	// a heartbeat reporting many jobs for the same operation would otherwise
	// re-sort that operation's whole tracker on every single job.
	for operationID := range dirty {
		s.h.RebalanceOperation(operationID)
	}

	return running
}

func (s *Shard) commitStarted(n *ExecNode, treeID string, started []scheduler.JobStart, resp *api.HeartbeatResponse) {
	if len(started) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := map[string]bool{}
	for _, j := range started {
		agent := s.agentFor(j.OperationID)
		n.jobs[j.JobID] = &jobRecord{operationID: j.OperationID, startTime: s.clk.Now(), usage: j.ResourceUsage, agent: agent}
		if tr, ok := s.h.OperationTracker(j.OperationID); ok {
			tr.AddJob(preempt.Job{ID: j.JobID, OperationID: j.OperationID, StartTime: s.clk.Now(), ResourceUsage: j.ResourceUsage})
			dirty[j.OperationID] = true
		}
		resp.JobsToStart = append(resp.JobsToStart, api.JobToStart{
			JobID:                     j.JobID,
			OperationID:               j.OperationID,
			ResourceLimits:            j.ResourceUsage,
			ControllerAgentDescriptor: agent,
		})
	}
	for operationID := range dirty {
		s.h.RebalanceOperation(operationID)
	}
}

// commitPreempted translates selected victims into abort/interrupt
// responses. api.JobStatus carries no interruptible flag, so every victim
// is aborted rather than gracefully interrupted; see DESIGN.md.
func (s *Shard) commitPreempted(preempted []scheduler.JobPreemption, resp *api.HeartbeatResponse) {
	for _, p := range preempted {
		resp.JobsToAbort = append(resp.JobsToAbort, api.JobToAbort{JobID: p.JobID, PreemptionReason: p.Reason})
	}
}

func (s *Shard) starterSnapshot() map[string]scheduler.JobStarter {
	s.startersMu.RLock()
	defer s.startersMu.RUnlock()
	out := make(map[string]scheduler.JobStarter, len(s.starters))
	for k, v := range s.starters {
		out[k] = v
	}
	return out
}

func (s *Shard) agentFor(operationID string) api.ControllerAgentDescriptor {
	s.startersMu.RLock()
	defer s.startersMu.RUnlock()
	return s.agents[operationID]
}

// QueuePendingUpdate buffers a job id for a follow-up the next opportunity
// allows (spec.md §5's pending strategy-submission map), draining via
// DrainPending.
func (s *Shard) QueuePendingUpdate(jobID string) {
	s.pending.Add(jobID)
}

// DrainPending pops every currently-queued pending update and hands each to
// fn; fn's return value controls whether the item is marked done (true) or
// requeued with backoff (false), mirroring the teacher's EvictionQueue
// retry-until-success loop.
func (s *Shard) DrainPending(fn func(jobID string) bool) {
	for s.pending.Len() > 0 {
		item, shutdown := s.pending.Get()
		if shutdown {
			return
		}
		jobID := item.(string)
		if fn(jobID) {
			s.pending.Forget(jobID)
		} else {
			s.pending.AddRateLimited(jobID)
		}
		s.pending.Done(jobID)
	}
}

// Close shuts down the shard's pending-update queue.
func (s *Shard) Close() {
	s.pending.ShutDown()
}
