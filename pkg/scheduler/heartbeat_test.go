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

package scheduler_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ytscheduler/fairshare/pkg/preempt"
	"github.com/ytscheduler/fairshare/pkg/resources"
	"github.com/ytscheduler/fairshare/pkg/scheduler"
	"github.com/ytscheduler/fairshare/pkg/tree"
)

func TestScheduler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/scheduler")
}

// fixedStarter always either starts a job of the given size or refuses,
// depending on whether available resources admit it.
type fixedStarter struct {
	jobID  string
	opID   string
	needed resources.JobResources
}

func (s fixedStarter) TryScheduleJob(available resources.JobResources, ignorePacking bool) (scheduler.JobStart, bool) {
	if !resources.Dominates(s.needed, available) {
		return scheduler.JobStart{}, false
	}
	return scheduler.JobStart{JobID: s.jobID, OperationID: s.opID, ResourceUsage: s.needed}, true
}

var _ = Describe("Scheduler.RunHeartbeat", func() {
	It("preempts an overflowing node to let a starving operation run (spec scenario 4)", func() {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		root := tree.NewRootElement("root", now)
		opA := tree.NewOperationElement("A", 1, now, now)
		opA.SetParent(root)
		opA.SetDisabled(true) // A already has its one job running; nothing left to schedule
		root.AddChild(opA)

		opB := tree.NewOperationElement("B", 1, now, now)
		opB.SetParent(root)
		opB.SetResourceDemand(resources.JobResources{CPU: 5})
		opB.Persistent().Starving = true
		root.AddChild(opB)

		sc := &scheduler.SchedulingContext{
			NodeID:         "node-1",
			Now:            now,
			ResourceLimits: resources.JobResources{CPU: 10},
			ResourceUsage:  resources.JobResources{CPU: 8},
			Starters: map[string]scheduler.JobStarter{
				"B": fixedStarter{jobID: "b1", opID: "B", needed: resources.JobResources{CPU: 5}},
			},
		}

		candidates := []preempt.Candidate{
			{Job: preempt.Job{ID: "a1", OperationID: "A", StartTime: now.Add(-time.Hour), ResourceUsage: resources.JobResources{CPU: 8}}},
		}

		s := scheduler.NewScheduler(scheduler.DefaultConfig())
		s.RunHeartbeat(context.Background(), now, root, sc, candidates)

		Expect(sc.StartedJobs).To(HaveLen(1))
		Expect(sc.StartedJobs[0].JobID).To(Equal("b1"))

		Expect(sc.PreemptedJobs).To(HaveLen(1))
		Expect(sc.PreemptedJobs[0].JobID).To(Equal("a1"))
		Expect(sc.PreemptedJobs[0].Reason).To(Equal("node_overflow"))
	})

	It("throttles stage P to at most once per PreemptiveSchedulingBackoff", func() {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		root := tree.NewRootElement("root", now)

		opB := tree.NewOperationElement("B", 1, now, now)
		opB.SetParent(root)
		opB.SetResourceDemand(resources.JobResources{CPU: 5})
		opB.Persistent().Starving = true
		root.AddChild(opB)

		newContext := func() *scheduler.SchedulingContext {
			return &scheduler.SchedulingContext{
				NodeID:         "node-1",
				ResourceLimits: resources.JobResources{CPU: 10},
				ResourceUsage:  resources.JobResources{CPU: 8},
				Starters: map[string]scheduler.JobStarter{
					"B": fixedStarter{jobID: "b1", opID: "B", needed: resources.JobResources{CPU: 5}},
				},
			}
		}
		candidates := []preempt.Candidate{
			{Job: preempt.Job{ID: "a1", OperationID: "A", StartTime: now.Add(-time.Hour), ResourceUsage: resources.JobResources{CPU: 8}}},
		}

		// MaxStageNJobs is zero here, so only stage P can start B's job.
		s := scheduler.NewScheduler(scheduler.Config{PreemptiveSchedulingBackoff: time.Minute})
		first := newContext()
		s.RunHeartbeat(context.Background(), now, root, first, candidates)
		Expect(first.StartedJobs).To(HaveLen(1))

		sc := newContext()
		s.RunHeartbeat(context.Background(), now.Add(time.Second), root, sc, candidates)

		Expect(sc.StartedJobs).To(BeEmpty())
		Expect(sc.PreemptedJobs).To(BeEmpty())
	})
})
