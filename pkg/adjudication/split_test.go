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

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/payers"
)

var _ = Describe("Splits", func() {
	It("should split a clean approval into payer and coinsurance shares", func() {
		s, err := approvalSplit(claims.Cents(10000), payers.AdjudicationRules{PayerPercentage: 0.8})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.payerPaid).To(Equal(claims.Cents(8000)))
		Expect(s.coinsurance).To(Equal(claims.Cents(2000)))
		Expect(s.copay).To(Equal(claims.Cents(0)))
		Expect(s.deductible).To(Equal(claims.Cents(0)))
		Expect(s.notAllowed).To(Equal(claims.Cents(0)))
	})

	It("should apply copay and deductible after the payer share", func() {
		s, err := approvalSplit(claims.Cents(20000), payers.AdjudicationRules{
			PayerPercentage:      0.75,
			CopayFixedAmount:     lo.ToPtr(25.0),
			DeductiblePercentage: lo.ToPtr(0.2),
		})
		Expect(err).ToNot(HaveOccurred())
		// 200.00: payer 150.00, copay 25.00, deductible 20% of 25.00, rest coinsurance.
		Expect(s.payerPaid).To(Equal(claims.Cents(15000)))
		Expect(s.copay).To(Equal(claims.Cents(2500)))
		Expect(s.deductible).To(Equal(claims.Cents(500)))
		Expect(s.coinsurance).To(Equal(claims.Cents(2000)))
		Expect(s.sum()).To(Equal(claims.Cents(20000)))
	})

	It("should cap the copay at the post-payer remainder", func() {
		s, err := approvalSplit(claims.Cents(1000), payers.AdjudicationRules{
			PayerPercentage:  0.9,
			CopayFixedAmount: lo.ToPtr(25.0),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.copay).To(Equal(claims.Cents(100)))
		Expect(s.coinsurance).To(Equal(claims.Cents(0)))
		Expect(s.sum()).To(Equal(claims.Cents(1000)))
	})

	It("should absorb a one-cent rounding residual into the largest component", func() {
		s, err := approvalSplit(claims.Cents(10003), payers.AdjudicationRules{
			PayerPercentage:      0.8,
			DeductiblePercentage: lo.ToPtr(0.2),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.sum()).To(Equal(claims.Cents(10003)))
		Expect(s.payerPaid).To(Equal(claims.Cents(8003)))
	})

	It("should send everything to notAllowed on a hard denial", func() {
		s := hardDenialSplit(claims.Cents(12345))
		Expect(s.notAllowed).To(Equal(claims.Cents(12345)))
		Expect(s.sum()).To(Equal(claims.Cents(12345)))
	})

	It("should split a soft denial between notAllowed and patient responsibility", func() {
		s, err := softDenialSplit(claims.Cents(10000), 0.3, payers.AdjudicationRules{
			PayerPercentage: 0.8,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(s.payerPaid).To(Equal(claims.Cents(0)))
		Expect(s.notAllowed).To(Equal(claims.Cents(3000)))
		Expect(s.coinsurance).To(Equal(claims.Cents(7000)))
		Expect(s.sum()).To(Equal(claims.Cents(10000)))
	})

	It("should conserve money across arbitrary amounts and rules", func() {
		rng := NewRand(42)
		for i := 0; i < 2000; i++ {
			billed := claims.Cents(rng.Int63n(5_000_00) + 1)
			rules := payers.AdjudicationRules{PayerPercentage: rng.Float64()}
			if rng.Float64() < 0.5 {
				rules.CopayFixedAmount = lo.ToPtr(rng.Float64() * 50)
			}
			if rng.Float64() < 0.5 {
				rules.DeductiblePercentage = lo.ToPtr(rng.Float64())
			}

			s, err := approvalSplit(billed, rules)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.sum()).To(Equal(billed))

			s, err = softDenialSplit(billed, 0.3+rng.Float64()*0.4, rules)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.sum()).To(Equal(billed))
		}
	})

	It("should reject a residual beyond the rounding tolerance", func() {
		s := split{payerPaid: 5000}
		_, err := reconcile(s, claims.Cents(10000))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("money conservation violated"))
	})

	It("should accept a residual within the rounding tolerance", func() {
		s := split{payerPaid: 6000, coinsurance: 3998}
		fixed, err := reconcile(s, claims.Cents(10000))
		Expect(err).ToNot(HaveOccurred())
		Expect(fixed.payerPaid).To(Equal(claims.Cents(6002)))
		Expect(fixed.sum()).To(Equal(claims.Cents(10000)))
	})
})
