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

package tree_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

func TestTree(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/tree")
}

func buildSampleTree(now time.Time) (*tree.RootElement, *tree.PoolElement, *tree.OperationElement, *tree.OperationElement) {
	root := tree.NewRootElement("root", now)
	pool := tree.NewPoolElement("users", 1, now)
	pool.SetParent(root)
	root.AddChild(pool)

	older := tree.NewOperationElement("op-old", 1, now.Add(-time.Hour), now)
	older.SetParent(pool)
	older.SetResourceDemand(resources.JobResources{CPU: 4})
	pool.AddChild(older)

	newer := tree.NewOperationElement("op-new", 1, now, now)
	newer.SetParent(pool)
	newer.SetResourceDemand(resources.JobResources{CPU: 4})
	pool.AddChild(newer)

	return root, pool, older, newer
}

var _ = Describe("pool tree", func() {
	now := time.Now()

	It("assigns stable pre-order tree indices on clone", func() {
		root, pool, older, newer := buildSampleTree(now)
		_ = older
		_ = newer
		clone := tree.Clone(root)
		Expect(clone.TreeIndex()).To(Equal(0))
		clonedPool := clone.Children()[0].(*tree.PoolElement)
		Expect(clonedPool.TreeIndex()).To(Equal(1))
		Expect(clonedPool.Children()[0].TreeIndex()).To(Equal(2))
		Expect(clonedPool.Children()[1].TreeIndex()).To(Equal(3))
		_ = pool
	})

	It("shares persistent attributes between live tree and clone", func() {
		root, _, _, _ := buildSampleTree(now)
		clone := tree.Clone(root)
		clone.Persistent().Starving = true
		Expect(root.Persistent().Starving).To(BeTrue())
	})

	It("sorts FIFO children by start time ascending after weight", func() {
		_, pool, older, newer := buildSampleTree(now)
		sorted := tree.FIFOSortedChildren(pool.Children(), []tree.FifoSortParameter{tree.FifoByStartTime})
		Expect(sorted[0].ID()).To(Equal(older.ID()))
		Expect(sorted[1].ID()).To(Equal(newer.ID()))
	})

	It("collects operation leaves via Operations", func() {
		root, _, older, newer := buildSampleTree(now)
		ops := tree.Operations(root)
		Expect(ops).To(HaveLen(2))
		ids := []string{ops[0].ID(), ops[1].ID()}
		Expect(ids).To(ConsistOf(older.ID(), newer.ID()))
	})
})
