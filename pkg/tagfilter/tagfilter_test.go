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

package tagfilter_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ytscheduler/fairshare/pkg/tagfilter"
)

func TestTagFilter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pkg/tagfilter")
}

var _ = Describe("Filter", func() {
	It("matches everything when empty", func() {
		f, err := tagfilter.Parse("")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Matches(sets.NewString())).To(BeTrue())
	})

	DescribeTable("boolean evaluation",
		func(expr string, tags []string, want bool) {
			f, err := tagfilter.Parse(expr)
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Matches(sets.NewString(tags...))).To(Equal(want))
		},
		Entry("simple tag present", "gpu", []string{"gpu"}, true),
		Entry("simple tag absent", "gpu", []string{"cpu"}, false),
		Entry("and both present", "gpu & ssd", []string{"gpu", "ssd"}, true),
		Entry("and missing one", "gpu & ssd", []string{"gpu"}, false),
		Entry("or either", "gpu | tpu", []string{"tpu"}, true),
		Entry("not inverts", "!gpu", []string{"cpu"}, true),
		Entry("parens and precedence", "(gpu | tpu) & !spot", []string{"tpu"}, true),
		Entry("parens and precedence excludes spot", "(gpu | tpu) & !spot", []string{"tpu", "spot"}, false),
	)

	It("rejects malformed expressions", func() {
		_, err := tagfilter.Parse("gpu &")
		Expect(err).To(HaveOccurred())
		_, err = tagfilter.Parse("(gpu")
		Expect(err).To(HaveOccurred())
	})

	It("registers distinct filters with stable indices, reusing identical ones", func() {
		r := tagfilter.NewRegistry()
		a := tagfilter.MustParse("gpu")
		b := tagfilter.MustParse("ssd")
		ia := r.Register(a)
		ib := r.Register(b)
		ia2 := r.Register(tagfilter.MustParse("gpu"))
		Expect(ia).NotTo(Equal(ib))
		Expect(ia).To(Equal(ia2))
		Expect(r.At(ia).Matches(sets.NewString("gpu"))).To(BeTrue())
	})
})
