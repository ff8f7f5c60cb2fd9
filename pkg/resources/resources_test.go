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

package resources_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ytscheduler/fairshare/pkg/resources"
)

func TestResources(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/resources")
}

var _ = Describe("JobResources", func() {
	It("adds and subtracts pointwise, flooring subtraction at zero", func() {
		a := resources.JobResources{CPU: 4, Memory: 10, Disk: map[string]int64{"ssd": 100}}
		b := resources.JobResources{CPU: 6, Memory: 3, Disk: map[string]int64{"ssd": 150}}

		Expect(resources.Add(a, b)).To(Equal(resources.JobResources{CPU: 10, Memory: 13, Disk: map[string]int64{"ssd": 250}}))
		Expect(resources.Subtract(a, b)).To(Equal(resources.JobResources{CPU: 0, Memory: 7, Disk: map[string]int64{"ssd": 0}}))
	})

	It("dominates iff every dimension is <=", func() {
		small := resources.JobResources{CPU: 1, Memory: 1}
		big := resources.JobResources{CPU: 2, Memory: 2}
		Expect(resources.Dominates(small, big)).To(BeTrue())
		Expect(resources.Dominates(big, small)).To(BeFalse())
	})

	It("Fits is Dominates(requested, available)", func() {
		requested := resources.JobResources{CPU: 2, Memory: 2, Disk: map[string]int64{"hdd": 10}}
		available := resources.JobResources{CPU: 4, Memory: 4, Disk: map[string]int64{"hdd": 5}}
		Expect(resources.Fits(requested, available)).To(BeFalse())
		available.Disk["hdd"] = 20
		Expect(resources.Fits(requested, available)).To(BeTrue())
	})

	DescribeTable("dominant resource excludes zero-limit dimensions unless usage is also zero",
		func(usage, limits resources.JobResources, wantKind resources.Kind, wantRatio float64) {
			kind, ratio := resources.DominantResource(usage, limits)
			Expect(kind).To(Equal(wantKind))
			Expect(ratio).To(BeNumerically("~", wantRatio, 1e-9))
		},
		Entry("cpu dominates when cpu ratio is highest",
			resources.JobResources{CPU: 50, Memory: 10}, resources.JobResources{CPU: 100, Memory: 100}, resources.CPU, 0.5),
		Entry("gpu ratio wins over cpu",
			resources.JobResources{CPU: 10, GPU: 9}, resources.JobResources{CPU: 100, GPU: 10}, resources.GPU, 0.9),
		Entry("zero-limit, zero-usage dimension does not win",
			resources.JobResources{CPU: 1}, resources.JobResources{CPU: 100, GPU: 0}, resources.CPU, 0.01),
	)
})
