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

package shard

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/ytscheduler/fairshare/pkg/api"
	"github.com/ytscheduler/fairshare/pkg/host"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"k8s.io/utils/clock"
)

// Pool partitions every exec node across a fixed number of shards by a
// stable hash of the node id (spec.md §5 "single-threaded invoker per
// partition"), so one node's heartbeats are always processed serially by
// the same shard even as the cluster scales.
type Pool struct {
	shards []*Shard
}

// NewPool creates n shards over h, each with the same cfg.
func NewPool(h *host.Host, clk clock.Clock, n int, cfg Config) *Pool {
	p := &Pool{shards: make([]*Shard, n)}
	for i := range p.shards {
		p.shards[i] = New(fmt.Sprintf("shard-%d", i), h, clk, cfg)
	}
	return p
}

// Shards returns every shard in the pool, for registration fan-out.
func (p *Pool) Shards() []*Shard {
	return p.shards
}

// ShardFor returns the shard a given node id is assigned to.
func (p *Pool) ShardFor(nodeID string) *Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return p.shards[int(h.Sum32())%len(p.shards)]
}

// ProcessHeartbeat routes a node's heartbeat to its assigned shard.
func (p *Pool) ProcessHeartbeat(ctx context.Context, req api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	return p.ShardFor(req.NodeID).ProcessHeartbeat(ctx, req)
}

// RegisterOperation fans a job starter out to every shard, since any shard's
// nodes may end up running that operation's jobs.
func (p *Pool) RegisterOperation(operationID string, starter scheduler.JobStarter, agent api.ControllerAgentDescriptor) {
	for _, s := range p.shards {
		s.RegisterOperation(operationID, starter, agent)
	}
}

// UnregisterOperation drops the job starter from every shard.
func (p *Pool) UnregisterOperation(operationID string) {
	for _, s := range p.shards {
		s.UnregisterOperation(operationID)
	}
}

// ExpireLeases sweeps every shard for lapsed node leases, returning the
// expired node ids grouped by nothing in particular (callers forget them
// from whichever trees' inventories reference them).
func (p *Pool) ExpireLeases(now time.Time) []string {
	var all []string
	for _, s := range p.shards {
		all = append(all, s.ExpireLeases(now)...)
	}
	return all
}

// Close shuts down every shard's pending-update queue.
func (p *Pool) Close() {
	for _, s := range p.shards {
		s.Close()
	}
}
