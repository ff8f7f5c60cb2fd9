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

package fairshare_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ytscheduler/fairshare/pkg/fairshare"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

func TestFairshare(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/fairshare")
}

type fixedHostLimits struct{ limits resources.JobResources }

func (f fixedHostLimits) ResourceLimits(int) resources.JobResources { return f.limits }

type fixedController struct {
	needed  resources.JobResources
	pending int
}

func (c fixedController) NeededResources() resources.JobResources { return c.needed }
func (c fixedController) PendingJobCount() int                    { return c.pending }

var _ = Describe("Updater", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	It("splits two operations 0.25/0.75 by weight under one CPU pool (spec scenario 1)", func() {
		root := tree.NewRootElement("root", now)
		pool := tree.NewPoolElement("users", 1, now)
		pool.SetParent(root)
		root.AddChild(pool)

		a := tree.NewOperationElement("a", 1, now, now)
		a.SetParent(pool)
		a.SetController(fixedController{needed: resources.JobResources{CPU: 100}})
		pool.AddChild(a)

		b := tree.NewOperationElement("b", 3, now, now)
		b.SetParent(pool)
		b.SetController(fixedController{needed: resources.JobResources{CPU: 100}})
		pool.AddChild(b)

		clk := clocktesting.NewFakeClock(now)
		u := fairshare.NewUpdater(fairshare.DefaultConfig(), fixedHostLimits{resources.JobResources{CPU: 100}}, clk)

		snap, warnings, err := u.Update(context.Background(), root)
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings).To(BeEmpty())

		ops := tree.Operations(snap.Root)
		var snapA, snapB *tree.OperationElement
		for _, op := range ops {
			switch op.ID() {
			case "a":
				snapA = op
			case "b":
				snapB = op
			}
		}
		Expect(snapA).NotTo(BeNil())
		Expect(snapB).NotTo(BeNil())
		Expect(snapA.Dynamic().FairShareRatio).To(BeNumerically("~", 0.25, fairshare.ComparisonPrecision))
		Expect(snapB.Dynamic().FairShareRatio).To(BeNumerically("~", 0.75, fairshare.ComparisonPrecision))
	})

	It("routes all fair share to the fifo leader and zero to followers", func() {
		root := tree.NewRootElement("root", now)
		pool := tree.NewPoolElement("fifo-pool", 1, now)
		pool.SetMode(tree.FIFOMode)
		pool.SetParent(root)
		root.AddChild(pool)

		x := tree.NewOperationElement("x", 2, now, now)
		x.SetParent(pool)
		x.SetController(fixedController{needed: resources.JobResources{CPU: 50}})
		pool.AddChild(x)

		y := tree.NewOperationElement("y", 2, now.Add(time.Second), now)
		y.SetParent(pool)
		y.SetController(fixedController{needed: resources.JobResources{CPU: 50}})
		pool.AddChild(y)

		clk := clocktesting.NewFakeClock(now)
		u := fairshare.NewUpdater(fairshare.DefaultConfig(), fixedHostLimits{resources.JobResources{CPU: 100}}, clk)

		snap, _, err := u.Update(context.Background(), root)
		Expect(err).NotTo(HaveOccurred())

		ops := tree.Operations(snap.Root)
		var snapX, snapY *tree.OperationElement
		for _, op := range ops {
			if op.ID() == "x" {
				snapX = op
			}
			if op.ID() == "y" {
				snapY = op
			}
		}
		Expect(snapX.Dynamic().FifoIndex).To(Equal(0))
		Expect(snapY.Dynamic().FifoIndex).To(Equal(1))
		Expect(snapX.Dynamic().FairShareRatio).To(BeNumerically(">", 0))
		Expect(snapY.Dynamic().FairShareRatio).To(BeNumerically("~", 0, fairshare.ComparisonPrecision))
	})

	It("rescales oversubscribed pool min-shares proportionally, leaving their sum within precision of the parent's (spec scenario 3)", func() {
		root := tree.NewRootElement("root", now)

		p1 := tree.NewPoolElement("p1", 1, now)
		p1.SetMinShareRatio(0.6)
		p1.SetParent(root)
		root.AddChild(p1)
		op1 := tree.NewOperationElement("op1", 1, now, now)
		op1.SetParent(p1)
		op1.SetController(fixedController{needed: resources.JobResources{CPU: 1000}})
		p1.AddChild(op1)

		p2 := tree.NewPoolElement("p2", 1, now)
		p2.SetMinShareRatio(0.7)
		p2.SetParent(root)
		root.AddChild(p2)
		op2 := tree.NewOperationElement("op2", 1, now, now)
		op2.SetParent(p2)
		op2.SetController(fixedController{needed: resources.JobResources{CPU: 1000}})
		p2.AddChild(op2)

		clk := clocktesting.NewFakeClock(now)
		u := fairshare.NewUpdater(fairshare.DefaultConfig(), fixedHostLimits{resources.JobResources{CPU: 100}}, clk)

		snap, warnings, err := u.Update(context.Background(), root)
		Expect(err).NotTo(HaveOccurred())
		Expect(warnings).NotTo(BeEmpty())

		var snapP1, snapP2 *tree.PoolElement
		for _, p := range tree.Pools(snap.Root) {
			switch p.ID() {
			case "p1":
				snapP1 = p
			case "p2":
				snapP2 = p
			}
		}
		Expect(snapP1).NotTo(BeNil())
		Expect(snapP2).NotTo(BeNil())
		Expect(snapP1.Dynamic().RecursiveMinShareRatio).To(BeNumerically("~", 0.6/1.3, fairshare.ComparisonPrecision))
		Expect(snapP2.Dynamic().RecursiveMinShareRatio).To(BeNumerically("~", 0.7/1.3, fairshare.ComparisonPrecision))
		Expect(snapP1.Dynamic().RecursiveMinShareRatio + snapP2.Dynamic().RecursiveMinShareRatio).To(BeNumerically("<=", 1+fairshare.ComparisonPrecision))
	})

	It("scales only operations, leaving a fitting pool's min-share untouched, when the combined total overflows (spec.md §4.1 step 4's second branch)", func() {
		root := tree.NewRootElement("root", now)

		pool := tree.NewPoolElement("users", 1, now)
		pool.SetMinShareRatio(0.4)
		pool.SetParent(root)
		root.AddChild(pool)
		poolOp := tree.NewOperationElement("pool-op", 1, now, now)
		poolOp.SetParent(pool)
		poolOp.SetController(fixedController{needed: resources.JobResources{CPU: 1000}})
		pool.AddChild(poolOp)

		greedy := tree.NewOperationElement("greedy", 1, now, now)
		greedy.SetMinShareRatio(0.7)
		greedy.SetParent(root)
		greedy.SetController(fixedController{needed: resources.JobResources{CPU: 1000}})
		root.AddChild(greedy)

		clk := clocktesting.NewFakeClock(now)
		u := fairshare.NewUpdater(fairshare.DefaultConfig(), fixedHostLimits{resources.JobResources{CPU: 100}}, clk)

		snap, _, err := u.Update(context.Background(), root)
		Expect(err).NotTo(HaveOccurred())

		var snapPool *tree.PoolElement
		var snapGreedy *tree.OperationElement
		for _, p := range tree.Pools(snap.Root) {
			if p.ID() == "users" {
				snapPool = p
			}
		}
		for _, op := range tree.Operations(snap.Root) {
			if op.ID() == "greedy" {
				snapGreedy = op
			}
		}
		Expect(snapPool).NotTo(BeNil())
		Expect(snapGreedy).NotTo(BeNil())
		// the pool's own guaranteed min-share survives untouched...
		Expect(snapPool.Dynamic().RecursiveMinShareRatio).To(BeNumerically("~", 0.4, fairshare.ComparisonPrecision))
		// ...while the greedy sibling operation's min-share (configured at
		// 0.7, which combined with the pool's 0.4 overflows root's budget of
		// 1) is scaled down to what's left after the pool is honored, 0.6.
		Expect(snapGreedy.Dynamic().RecursiveMinShareRatio).To(BeNumerically("~", 0.6, fairshare.ComparisonPrecision))
	})

	It("keeps the previous snapshot on a panicking update", func() {
		root := tree.NewRootElement("root", now)
		clk := clocktesting.NewFakeClock(now)
		u := fairshare.NewUpdater(fairshare.DefaultConfig(), fixedHostLimits{resources.JobResources{CPU: 10}}, clk)

		first, _, err := u.Update(context.Background(), root)
		Expect(err).NotTo(HaveOccurred())

		_, _, err = u.Update(context.Background(), nil)
		Expect(err).To(HaveOccurred())
		Expect(u.Snapshot()).To(Equal(first))
	})
})

var _ = Describe("FitFactor", func() {
	It("returns 1.0 when even the saturated sum falls short of target", func() {
		x := fairshare.FitFactor(10, 2,
			func(int) float64 { return 1 },
			func(int) float64 { return 0 },
			func(int) float64 { return 1 },
		)
		Expect(x).To(Equal(1.0))
	})

	It("finds x such that the clamped sum matches target within precision", func() {
		weights := []float64{1, 3}
		x := fairshare.FitFactor(1, 2,
			func(i int) float64 { return weights[i] },
			func(int) float64 { return 0 },
			func(int) float64 { return 1 },
		)
		sum := fairshare.Share(x, weights[0], 1, 0, 1) + fairshare.Share(x, weights[1], 1, 0, 1)
		Expect(sum).To(BeNumerically("~", 1, fairshare.ComparisonPrecision))
	})
})
