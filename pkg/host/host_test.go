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

package host_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ytscheduler/fairshare/pkg/fairshare"
	"github.com/ytscheduler/fairshare/pkg/host"
	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/tagfilter"
	"github.com/ytscheduler/fairshare/pkg/tree"
	"github.com/ytscheduler/fairshare/pkg/treeconfig"
)

func TestHost(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/host")
}

type fixedController struct {
	needed  resources.JobResources
	pending int
}

func (c fixedController) NeededResources() resources.JobResources { return c.needed }
func (c fixedController) PendingJobCount() int                    { return c.pending }
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

var _ = Describe("Host", func() {
	var (
		now time.Time
		clk *clocktesting.FakeClock
		h   *host.Host
	)

	BeforeEach(func() {
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clk = clocktesting.NewFakeClock(now)
		h = host.New(clk)
	})

	It("adds a tree and rejects registering against an unknown one", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		Expect(h.TreeIDs()).To(ConsistOf("physical"))

		err := h.RegisterOperation("nope", "op1", "users", 1, now, fixedController{})
		Expect(err).To(HaveOccurred())
	})

	It("registers an operation under a named pool and rejects duplicates", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())

		ctrl := fixedController{needed: resources.JobResources{CPU: 100}}
		Expect(h.RegisterOperation("physical", "op1", "users", 1, now, ctrl)).To(Succeed())

		err := h.RegisterOperation("physical", "op1", "users", 1, now, ctrl)
		Expect(err).To(HaveOccurred())

		err = h.RegisterOperation("physical", "op2", "missing-pool", 1, now, ctrl)
		Expect(err).To(HaveOccurred())
	})

	It("unregisters a registered operation and rejects an unknown one", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 100}}
		Expect(h.RegisterOperation("physical", "op1", "users", 1, now, ctrl)).To(Succeed())

		Expect(h.UnregisterOperation(context.Background(), "op1")).To(Succeed())
		Expect(h.UnregisterOperation(context.Background(), "op1")).To(HaveOccurred())

		tr, ok := h.OperationTracker("op1")
		Expect(ok).To(BeFalse())
		Expect(tr).To(BeNil())
	})

	It("exposes a registered operation's preemption tracker shared across live and snapshot trees", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 100}}
		Expect(h.RegisterOperation("physical", "op1", "users", 1, now, ctrl)).To(Succeed())

		tr, ok := h.OperationTracker("op1")
		Expect(ok).To(BeTrue())
		tr.AddJob(preempt.Job{ID: "j1", OperationID: "op1", StartTime: now, ResourceUsage: resources.JobResources{CPU: 10}})
		Expect(tr.Len()).To(Equal(1))

		t := h.Tree("physical")
		Expect(t).NotTo(BeNil())
		snap, _, err := t.Updater.Update(context.Background(), t.Live())
		Expect(err).NotTo(HaveOccurred())
		Expect(snap).NotTo(BeNil())

		snapOp, found := tree.OperationByID(snap.Root, "op1")
		Expect(found).To(BeTrue())
		Expect(snapOp.Tracker()).To(BeIdenticalTo(tr))
	})

	It("routes a node to every tree whose scheduling tag filter matches", func() {
		gpuCfg := oneTreeCfg("gpu")
		Expect(h.AddTree(gpuCfg, tagfilter.MustParse("gpu"), fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		cpuCfg := oneTreeCfg("cpu")
		Expect(h.AddTree(cpuCfg, tagfilter.MustParse("!gpu"), fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())

		gpuBindings := h.TreesForNode([]string{"gpu", "ssd"})
		Expect(gpuBindings).To(HaveLen(1))
		Expect(gpuBindings[0].TreeID).To(Equal("gpu"))

		cpuBindings := h.TreesForNode([]string{"ssd"})
		Expect(cpuBindings).To(HaveLen(1))
		Expect(cpuBindings[0].TreeID).To(Equal("cpu"))
	})

	It("aborts an operation by disabling it without detaching it", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 100}}
		Expect(h.RegisterOperation("physical", "op1", "users", 1, now, ctrl)).To(Succeed())

		Expect(h.Abort("op1")).To(Succeed())

		tr, ok := h.OperationTracker("op1")
		Expect(ok).To(BeTrue())
		Expect(tr).NotTo(BeNil())

		Expect(h.Abort("missing")).To(HaveOccurred())
	})

	It("attaches an operation to extra trees as tentative and detaches all of them together (spec.md §4.9 pool_trees dispatch)", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		Expect(h.AddTree(oneTreeCfg("cloud"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 100}}

		err := h.RegisterOperationInTrees("physical", []string{"cloud"}, "op1", "users", 1, now, ctrl, tagfilter.Filter{})
		Expect(err).NotTo(HaveOccurred())

		homeOp, found := tree.OperationByID(h.Tree("physical").Live(), "op1")
		Expect(found).To(BeTrue())
		Expect(homeOp.Tentative()).To(BeFalse())

		extraOp, found := tree.OperationByID(h.Tree("cloud").Live(), "op1")
		Expect(found).To(BeTrue())
		Expect(extraOp.Tentative()).To(BeTrue())

		Expect(h.UnregisterOperation(context.Background(), "op1")).To(Succeed())
		_, found = tree.OperationByID(h.Tree("physical").Live(), "op1")
		Expect(found).To(BeFalse())
		_, found = tree.OperationByID(h.Tree("cloud").Live(), "op1")
		Expect(found).To(BeFalse())
	})

	It("aggregates per-tree failures rather than aborting the whole multi-tree registration", func() {
		Expect(h.AddTree(oneTreeCfg("physical"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		Expect(h.AddTree(oneTreeCfg("cloud"), tagfilter.Filter{}, fairshare.DefaultConfig(), scheduler.DefaultConfig())).To(Succeed())
		ctrl := fixedController{needed: resources.JobResources{CPU: 100}}

		err := h.RegisterOperationInTrees("physical", []string{"cloud", "unknown-tree"}, "op1", "users", 1, now, ctrl, tagfilter.Filter{})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("unknown-tree"))

		// the home tree and the valid extra tree both still got the operation.
		_, found := tree.OperationByID(h.Tree("physical").Live(), "op1")
		Expect(found).To(BeTrue())
		_, found = tree.OperationByID(h.Tree("cloud").Live(), "op1")
		Expect(found).To(BeTrue())
	})
})
