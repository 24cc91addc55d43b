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
	"github.com/samber/lo"

	"github.com/claimpipe/claimpipe/pkg/claims"
)

// DenialReason is a static catalogue entry. The EDI group and reason codes are
// carried into each remittance denial for auditability.
type DenialReason struct {
	Code        string
	GroupCode   string
	ReasonCode  int
	Category    string
	Severity    claims.Severity
	Description string
	Weight      float64
}

func (r DenialReason) Info() *claims.DenialInfo {
	return &claims.DenialInfo{
		Code:        r.Code,
		GroupCode:   r.GroupCode,
		ReasonCode:  r.ReasonCode,
		Category:    r.Category,
		Severity:    r.Severity,
		Description: r.Description,
	}
}

// Catalog is the read-only denial reason catalogue, fixed at startup.
type Catalog struct {
	reasons []DenialReason
}

func NewCatalog(reasons []DenialReason) *Catalog {
	return &Catalog{reasons: reasons}
}

// DefaultCatalog returns the built-in CARC-style catalogue.
func DefaultCatalog() *Catalog {
	return NewCatalog([]DenialReason{
		{Code: "AUTH_REQUIRED", GroupCode: "CO", ReasonCode: 197, Category: "authorization", Severity: claims.SeverityHard, Description: "Precertification/authorization absent", Weight: 20},
		{Code: "NOT_MEDICALLY_NECESSARY", GroupCode: "CO", ReasonCode: 50, Category: "medical_necessity", Severity: claims.SeverityHard, Description: "Non-covered: not deemed a medical necessity", Weight: 15},
		{Code: "COVERAGE_TERMINATED", GroupCode: "CO", ReasonCode: 27, Category: "coverage", Severity: claims.SeverityHard, Description: "Expenses incurred after coverage terminated", Weight: 10},
		{Code: "NON_COVERED_SERVICE", GroupCode: "PI", ReasonCode: 96, Category: "coverage", Severity: claims.SeverityHard, Description: "Non-covered charge", Weight: 12},
		{Code: "TIMELY_FILING", GroupCode: "CO", ReasonCode: 29, Category: "administrative", Severity: claims.SeverityHard, Description: "The time limit for filing has expired", Weight: 8},
		{Code: "BUNDLED_SERVICE", GroupCode: "CO", ReasonCode: 97, Category: "coding", Severity: claims.SeveritySoft, Description: "Payment included in another adjudicated service", Weight: 10},
		{Code: "INVALID_MODIFIER", GroupCode: "CO", ReasonCode: 4, Category: "coding", Severity: claims.SeveritySoft, Description: "Procedure code inconsistent with modifier", Weight: 8},
		{Code: "INFO_REQUESTED", GroupCode: "PI", ReasonCode: 16, Category: "administrative", Severity: claims.SeveritySoft, Description: "Claim lacks information needed for adjudication", Weight: 10},
		{Code: "MAX_BENEFIT_REACHED", GroupCode: "CO", ReasonCode: 119, Category: "coverage", Severity: claims.SeveritySoft, Description: "Benefit maximum for this period has been reached", Weight: 5},
		{Code: "DUPLICATE_CLAIM", GroupCode: "OA", ReasonCode: 18, Category: "administrative", Severity: claims.SeverityAdministrative, Description: "Exact duplicate claim/service", Weight: 6},
	})
}

// Pick draws a reason by weighted selection, restricted to the preferred
// categories when the restriction matches anything. roll is uniform in [0,1).
func (c *Catalog) Pick(roll float64, preferredCategories []string) DenialReason {
	pool := c.reasons
	if len(preferredCategories) > 0 {
		restricted := lo.Filter(c.reasons, func(r DenialReason, _ int) bool {
			return lo.Contains(preferredCategories, r.Category)
		})
		if len(restricted) > 0 {
			pool = restricted
		}
	}
	total := lo.SumBy(pool, func(r DenialReason) float64 { return r.Weight })
	target := roll * total
	for _, r := range pool {
		target -= r.Weight
		if target < 0 {
			return r
		}
	}
	return pool[len(pool)-1]
}

// PickCategory draws from a single category regardless of weights pool.
func (c *Catalog) PickCategory(roll float64, category string) DenialReason {
	return c.Pick(roll, []string{category})
}
