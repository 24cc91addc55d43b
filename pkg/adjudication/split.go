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
	"fmt"

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/payers"
)

// maxResidualCents is the largest post-rounding discrepancy reconciliation
// will absorb. Anything larger is a money-conservation bug, not rounding.
const maxResidualCents = 2

// split is a cost-share breakdown in cents. Ordered as payerPaid, coinsurance,
// copay, deductible, notAllowed; after reconcile the five sum exactly to the
// billed amount.
type split struct {
	payerPaid   claims.Cents
	coinsurance claims.Cents
	copay       claims.Cents
	deductible  claims.Cents
	notAllowed  claims.Cents
}

func (s split) sum() claims.Cents {
	return s.payerPaid + s.coinsurance + s.copay + s.deductible + s.notAllowed
}

func (s split) apply(line *claims.RemittanceLine) {
	line.PayerPaid = s.payerPaid.Dollars()
	line.Coinsurance = s.coinsurance.Dollars()
	line.Copay = s.copay.Dollars()
	line.Deductible = s.deductible.Dollars()
	line.NotAllowed = s.notAllowed.Dollars()
}

// approvalSplit computes the approved cost-share for a billed amount:
// payer pays its percentage, a fixed copay is capped at the remainder, the
// deductible takes its percentage of what is left and coinsurance absorbs the
// rest. Components are rounded to cents and reconciled against billed.
func approvalSplit(billed claims.Cents, rules payers.AdjudicationRules) (split, error) {
	b := billed.Dollars()
	payerPaid := b * rules.PayerPercentage
	copay := 0.0
	if rules.CopayFixedAmount != nil {
		copay = min(*rules.CopayFixedAmount, b-payerPaid)
		copay = max(copay, 0)
	}
	deductible := 0.0
	if rules.DeductiblePercentage != nil {
		deductible = (b - payerPaid - copay) * *rules.DeductiblePercentage
	}
	coinsurance := b - payerPaid - copay - deductible
	s := split{
		payerPaid:   claims.ToCents(payerPaid),
		coinsurance: claims.ToCents(coinsurance),
		copay:       claims.ToCents(copay),
		deductible:  claims.ToCents(deductible),
	}
	return reconcile(s, billed)
}

// softDenialSplit computes the partial-denial breakdown: the payer pays
// nothing, notAllowed takes the disallowed fraction of billed, and the
// remainder becomes patient responsibility split by the approval rules with a
// zero payer share.
func softDenialSplit(billed claims.Cents, disallowedFraction float64, rules payers.AdjudicationRules) (split, error) {
	b := billed.Dollars()
	notAllowed := b * disallowedFraction
	remainder := b - notAllowed
	copay := 0.0
	if rules.CopayFixedAmount != nil {
		copay = min(*rules.CopayFixedAmount, remainder)
		copay = max(copay, 0)
	}
	deductible := 0.0
	if rules.DeductiblePercentage != nil {
		deductible = (remainder - copay) * *rules.DeductiblePercentage
	}
	coinsurance := remainder - copay - deductible
	s := split{
		notAllowed:  claims.ToCents(notAllowed),
		coinsurance: claims.ToCents(coinsurance),
		copay:       claims.ToCents(copay),
		deductible:  claims.ToCents(deductible),
	}
	return reconcile(s, billed)
}

// hardDenialSplit sends the entire billed amount to notAllowed.
func hardDenialSplit(billed claims.Cents) split {
	return split{notAllowed: billed}
}

// reconcile absorbs the post-rounding residual into the largest component so
// the split sums exactly to billed. A residual beyond maxResidualCents means
// the split itself is wrong and the record must be dropped.
func reconcile(s split, billed claims.Cents) (split, error) {
	residual := billed - s.sum()
	if residual == 0 {
		return s, nil
	}
	if residual > maxResidualCents || residual < -maxResidualCents {
		return s, fmt.Errorf("money conservation violated: split sums to %d cents against billed %d", s.sum(), billed)
	}
	largest := &s.payerPaid
	for _, c := range []*claims.Cents{&s.coinsurance, &s.copay, &s.deductible, &s.notAllowed} {
		if *c > *largest {
			largest = c
		}
	}
	*largest += residual
	return s, nil
}
