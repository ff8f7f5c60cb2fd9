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

// Package strategy implements the exposed scheduling-strategy contract
// (spec.md §6): the surface a scheduler-wide controller calls into,
// realized here by gluing pkg/host (pool trees, fair-share updates) and
// pkg/shard (node heartbeats) behind the single interface spec.md §6
// describes as split across both.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/ytscheduler/fairshare/pkg/api"
	"github.com/ytscheduler/fairshare/pkg/fairshare"
	"github.com/ytscheduler/fairshare/pkg/host"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/shard"
	"github.com/ytscheduler/fairshare/pkg/tagfilter"
	"github.com/ytscheduler/fairshare/pkg/tree"
	"github.com/ytscheduler/fairshare/pkg/treeconfig"
)

// Controller is the narrow handle Strategy needs per operation: the
// fair-share-consumed Controller contract plus the scheduler-consumed
// JobStarter contract, both satisfied by a single pkg/controllerclient.Client
// (spec.md §6).
type Controller interface {
	tree.Controller
	scheduler.JobStarter
}

// Strategy is the exposed contract (spec.md §6): register/unregister
// operations, push pool config, adjust runtime parameters, run a node's
// scheduling pass, preempt an operation's jobs gracefully, fold in
// out-of-band job status updates, and report cached preemption statuses.
type Strategy interface {
	RegisterOperation(treeID, operationID, poolName string, weight float64, startTime time.Time, controller Controller, agent api.ControllerAgentDescriptor, filter tagfilter.Filter) error
	UnregisterOperation(ctx context.Context, operationID string) error
	UpdatePools(treeID string, cfg *treeconfig.Tree, filter tagfilter.Filter, fsCfg fairshare.Config, schedCfg scheduler.Config) error
	UpdateOperationRuntimeParameters(operationID string, weight float64, tentative bool) error
	ScheduleJobs(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error)
	PreemptJobsGracefully(operationID, reason string) error
	ProcessJobUpdates(now time.Time, updates []api.JobStatus) error
	GetCachedJobPreemptionStatuses(operationID string) (map[string]string, error)
}

// Bridge implements Strategy over one Host and one shard.Pool (spec.md §6:
// "implemented by Host + Shard together"). It owns nothing scheduling-
// specific itself; every method is a thin fan-out to the package that
// actually holds the relevant state.
type Bridge struct {
	h     *host.Host
	pool  *shard.Pool
}

// New returns a Bridge gluing h and pool together.
func New(h *host.Host, pool *shard.Pool) *Bridge {
	return &Bridge{h: h, pool: pool}
}

var _ Strategy = (*Bridge)(nil)

// RegisterOperation attaches the operation to its tree (for fair-share
// accounting) and fans its job starter out to every shard (since any
// shard's nodes may run its jobs), matching the controllerclient.Client
// that satisfies both halves of Controller.
func (b *Bridge) RegisterOperation(treeID, operationID, poolName string, weight float64, startTime time.Time, controller Controller, agent api.ControllerAgentDescriptor, filter tagfilter.Filter) error {
	if err := b.h.RegisterOperationWithFilter(treeID, operationID, poolName, weight, startTime, controller, filter); err != nil {
		return err
	}
	b.pool.RegisterOperation(operationID, controller, agent)
	return nil
}

// UnregisterOperation detaches the operation from its tree and drops its
// job starter from every shard.
func (b *Bridge) UnregisterOperation(ctx context.Context, operationID string) error {
	if err := b.h.UnregisterOperation(ctx, operationID); err != nil {
		return err
	}
	b.pool.UnregisterOperation(operationID)
	return nil
}

// UpdatePools pushes a validated pool config tree into the host (spec.md §6
// "Pool configuration").
func (b *Bridge) UpdatePools(treeID string, cfg *treeconfig.Tree, filter tagfilter.Filter, fsCfg fairshare.Config, schedCfg scheduler.Config) error {
	if cfg.TreeID == "" {
		cfg.TreeID = treeID
	}
	return b.h.AddTree(cfg, filter, fsCfg, schedCfg)
}

// UpdateOperationRuntimeParameters forwards to the host.
func (b *Bridge) UpdateOperationRuntimeParameters(operationID string, weight float64, tentative bool) error {
	return b.h.UpdateOperationRuntimeParameters(operationID, weight, tentative)
}

// ScheduleJobs runs one node's heartbeat through its assigned shard.
func (b *Bridge) ScheduleJobs(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	return b.pool.ProcessHeartbeat(ctx, req)
}

// PreemptJobsGracefully marks every currently preemptible or aggressively
// preemptible job of operationID for graceful preemption, queuing each on
// every shard's pending-update list (spec.md §5's pending strategy-
// submission map) since the bridge doesn't track which shard owns which
// running job -- the owning shard's own node-id partitioning means only
// one of them will actually find the job on its next drain.
func (b *Bridge) PreemptJobsGracefully(operationID, reason string) error {
	tr, ok := b.h.OperationTracker(operationID)
	if !ok {
		return fmt.Errorf("strategy: operation %q not registered", operationID)
	}
	_, aggressive, preemptible := tr.Jobs()
	for _, s := range b.pool.Shards() {
		for _, j := range aggressive {
			s.QueuePendingUpdate(j.ID)
		}
		for _, j := range preemptible {
			s.QueuePendingUpdate(j.ID)
		}
	}
	return nil
}

// ProcessJobUpdates folds a batch of out-of-band job status reports (e.g.
// from a job reporter, outside the regular heartbeat cadence) into the
// owning operations' preemption trackers.
func (b *Bridge) ProcessJobUpdates(now time.Time, updates []api.JobStatus) error {
	for _, u := range updates {
		tr, ok := b.h.OperationTracker(u.OperationID)
		if !ok {
			continue
		}
		switch u.State {
		case api.JobFinished:
			tr.RemoveJob(u.JobID)
		case api.JobRunning:
			tr.AddJob(preempt.Job{ID: u.JobID, OperationID: u.OperationID, StartTime: now, ResourceUsage: u.ResourceUsage})
		}
	}
	return nil
}

// GetCachedJobPreemptionStatuses reports each of an operation's currently
// tracked jobs and which of the three preemption lists currently holds it
// (spec.md §5).
func (b *Bridge) GetCachedJobPreemptionStatuses(operationID string) (map[string]string, error) {
	tr, ok := b.h.OperationTracker(operationID)
	if !ok {
		return nil, fmt.Errorf("strategy: operation %q not registered", operationID)
	}
	nonPreemptible, aggressive, preemptible := tr.Jobs()
	out := make(map[string]string, len(nonPreemptible)+len(aggressive)+len(preemptible))
	for _, j := range nonPreemptible {
		out[j.ID] = preempt.StatusNonPreemptible.String()
	}
	for _, j := range aggressive {
		out[j.ID] = preempt.StatusAggressivelyPreemptible.String()
	}
	for _, j := range preemptible {
		out[j.ID] = preempt.StatusPreemptible.String()
	}
	return out, nil
}
