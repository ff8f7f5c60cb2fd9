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

package strategy_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ytscheduler/fairshare/pkg/api"
	"github.com/ytscheduler/fairshare/pkg/fairshare"
	"github.com/ytscheduler/fairshare/pkg/host"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/shard"
	"github.com/ytscheduler/fairshare/pkg/strategy"
	"github.com/ytscheduler/fairshare/pkg/tagfilter"
	"github.com/ytscheduler/fairshare/pkg/treeconfig"
)

func TestStrategy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/strategy")
}

type fixedController struct {
	needed resources.JobResources
}

func (c fixedController) NeededResources() resources.JobResources { return c.needed }
func (c fixedController) PendingJobCount() int                    { return 1 }
func (c fixedController) TryScheduleJob(available resources.JobResources, ignorePacking bool) (scheduler.JobStart, bool) {
	return scheduler.JobStart{}, false
}

func oneTreeCfg(treeID string) *treeconfig.Tree {
	return &treeconfig.Tree{
		TreeID: treeID,
		Pools: map[string]*treeconfig.PoolConfig{
			"users": {Name: "users", Weight: 1},
		},
	}
}

var _ = Describe("Bridge", func() {
	var (
		now time.Time
		clk *clocktesting.FakeClock
		h   *host.Host
		p   *shard.Pool
		b   *strategy.Bridge
	)

	BeforeEach(func() {
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clk = clocktesting.NewFakeClock(now)
		h = host.New(clk)
		p = shard.NewPool(h, clk, 2, shard.DefaultConfig())
		b = strategy.New(h, p)
	})

	It("pushes a pool config through UpdatePools", func() {
		Expect(b.UpdatePools("physical", oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		Expect(h.TreeIDs()).To(ConsistOf("physical"))
	})

	It("registers an operation against the host and fans its starter out to every shard", func() {
		Expect(b.UpdatePools("physical", oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())

		ctrl := fixedController{needed: resources.JobResources{CPU: 50}}
		Expect(b.RegisterOperation("physical", "op1", "users", 1, now, ctrl, api.ControllerAgentDescriptor{Address: "agent-1"}, tagfilter.Filter{})).To(Succeed())

		tr, ok := h.OperationTracker("op1")
		Expect(ok).To(BeTrue())
		Expect(tr).NotTo(BeNil())

		Expect(b.UnregisterOperation(context.Background(), "op1")).To(Succeed())
		_, ok = h.OperationTracker("op1")
		Expect(ok).To(BeFalse())
	})

	It("reports cached preemption statuses across all three tracker lists", func() {
		Expect(b.UpdatePools("physical", oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 50}}
		Expect(b.RegisterOperation("physical", "op1", "users", 1, now, ctrl, api.ControllerAgentDescriptor{}, tagfilter.Filter{})).To(Succeed())

		tr, ok := h.OperationTracker("op1")
		Expect(ok).To(BeTrue())
		tr.AddJob(preempt.Job{ID: "j1", OperationID: "op1", StartTime: now, ResourceUsage: resources.JobResources{CPU: 10}})

		statuses, err := b.GetCachedJobPreemptionStatuses("op1")
		Expect(err).NotTo(HaveOccurred())
		Expect(statuses).To(HaveKeyWithValue("j1", preempt.StatusNonPreemptible.String()))

		_, err = b.GetCachedJobPreemptionStatuses("missing")
		Expect(err).To(HaveOccurred())
	})

	It("folds out-of-band job status updates into the owning operation's tracker", func() {
		Expect(b.UpdatePools("physical", oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 50}}
		Expect(b.RegisterOperation("physical", "op1", "users", 1, now, ctrl, api.ControllerAgentDescriptor{}, tagfilter.Filter{})).To(Succeed())

		Expect(b.ProcessJobUpdates(now, []api.JobStatus{
			{JobID: "j1", OperationID: "op1", State: api.JobRunning, ResourceUsage: resources.JobResources{CPU: 10}},
		})).To(Succeed())

		tr, ok := h.OperationTracker("op1")
		Expect(ok).To(BeTrue())
		Expect(tr.Len()).To(Equal(1))

		Expect(b.ProcessJobUpdates(now, []api.JobStatus{
			{JobID: "j1", OperationID: "op1", State: api.JobFinished},
		})).To(Succeed())
		Expect(tr.Len()).To(Equal(0))
	})

	It("routes a heartbeat through ScheduleJobs to the node's assigned shard", func() {
		Expect(b.UpdatePools("physical", oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())

		resp, err := b.ScheduleJobs(context.Background(), api.HeartbeatRequest{NodeID: "node-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.SchedulingSkipped).To(BeFalse())
	})

	It("queues every preemptible and aggressively preemptible job on every shard when preempting gracefully", func() {
		Expect(b.UpdatePools("physical", oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 50}}
		Expect(b.RegisterOperation("physical", "op1", "users", 1, now, ctrl, api.ControllerAgentDescriptor{}, tagfilter.Filter{})).To(Succeed())

		Expect(b.PreemptJobsGracefully("op1", "test")).To(Succeed())
		Expect(b.PreemptJobsGracefully("missing", "test")).To(HaveOccurred())
	})
})
