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

package adjudication

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
)

var _ = Describe("Catalog", func() {
	var catalog *Catalog

	BeforeEach(func() {
		catalog = DefaultCatalog()
	})

	It("should pick the first reason for a zero roll", func() {
		reason := catalog.Pick(0, nil)
		Expect(reason.Code).To(Equal("AUTH_REQUIRED"))
	})

	It("should pick the last reason as the roll approaches one", func() {
		reason := catalog.Pick(0.999999, nil)
		Expect(reason.Code).To(Equal("DUPLICATE_CLAIM"))
	})

	It("should restrict picks to preferred categories", func() {
		for roll := 0.0; roll < 1.0; roll += 0.05 {
			reason := catalog.Pick(roll, []string{"coding"})
			Expect(reason.Category).To(Equal("coding"))
		}
	})

	It("should ignore a restriction that matches nothing", func() {
		reason := catalog.Pick(0, []string{"astrology"})
		Expect(reason.Code).To(Equal("AUTH_REQUIRED"))
	})

	It("should weight picks proportionally", func() {
		rng := NewRand(7)
		counts := map[string]int{}
		for i := 0; i < 10000; i++ {
			counts[catalog.Pick(rng.Float64(), nil).Code]++
		}
		// AUTH_REQUIRED carries 4x the weight of MAX_BENEFIT_REACHED.
		Expect(counts["AUTH_REQUIRED"]).To(BeNumerically(">", counts["MAX_BENEFIT_REACHED"]*2))
	})

	It("should carry EDI codes into denial info", func() {
		reason, found := lo.Find(DefaultCatalog().reasons, func(r DenialReason) bool {
			return r.Code == "NOT_MEDICALLY_NECESSARY"
		})
		Expect(found).To(BeTrue())
		info := reason.Info()
		Expect(info.GroupCode).To(Equal("CO"))
		Expect(info.ReasonCode).To(Equal(50))
		Expect(info.Category).To(Equal("medical_necessity"))
	})

	It("should only draw administrative reasons from PickCategory", func() {
		for roll := 0.0; roll < 1.0; roll += 0.1 {
			Expect(catalog.PickCategory(roll, "administrative").Category).To(Equal("administrative"))
		}
	})
})
