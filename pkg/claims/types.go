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

package claims

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// PayerID identifies one of the simulated payers. The insurance schema enum is
// the single authoritative id space; registry keys and queue names derive from it.
type PayerID string

const (
	PayerMedicare          PayerID = "medicare"
	PayerUnitedHealthGroup PayerID = "united_health_group"
	PayerAnthem            PayerID = "anthem"
)

// KnownPayers lists every payer id accepted at the schema level.
var KnownPayers = []PayerID{PayerMedicare, PayerUnitedHealthGroup, PayerAnthem}

func IsKnownPayer(id PayerID) bool {
	return lo.Contains(KnownPayers, id)
}

// ServiceLine is a single billable procedure on a claim.
type ServiceLine struct {
	ServiceLineID    string   `json:"service_line_id" validate:"required"`
	ProcedureCode    string   `json:"procedure_code" validate:"required"`
	Units            int      `json:"units" validate:"gt=0"`
	UnitChargeAmount float64  `json:"unit_charge_amount" validate:"gte=0"`
	UnitChargeCurr   string   `json:"unit_charge_currency,omitempty"`
	Modifiers        []string `json:"modifiers,omitempty"`
	DoNotBill        bool     `json:"do_not_bill,omitempty"`
}

// BilledCents is units x unit charge, in integer cents.
func (s ServiceLine) BilledCents() Cents {
	return ToCents(s.UnitChargeAmount) * Cents(s.Units)
}

// BilledAmount is units x unit charge, in dollars.
func (s ServiceLine) BilledAmount() float64 {
	return s.BilledCents().Dollars()
}

type Insurance struct {
	PayerID         PayerID `json:"payer_id" validate:"required,oneof=medicare united_health_group anthem"`
	PatientMemberID string  `json:"patient_member_id" validate:"required"`
}

type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

type Patient struct {
	FirstName string   `json:"first_name" validate:"required"`
	LastName  string   `json:"last_name" validate:"required"`
	Gender    string   `json:"gender" validate:"required,oneof=m f"`
	DOB       string   `json:"dob" validate:"required,datetime=2006-01-02"`
	Address   *Address `json:"address,omitempty"`
}

type Organization struct {
	Name    string   `json:"name" validate:"required"`
	NPI     string   `json:"billing_npi,omitempty" validate:"omitempty,len=10,numeric"`
	EIN     string   `json:"ein,omitempty"`
	Contact string   `json:"contact,omitempty"`
	Address *Address `json:"address,omitempty"`
}

type RenderingProvider struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	NPI       string `json:"npi" validate:"required,len=10,numeric"`
}

// PayerClaim is the inbound claim record as read off the ingestion file.
type PayerClaim struct {
	ClaimID            string            `json:"claim_id" validate:"required"`
	PlaceOfServiceCode string            `json:"place_of_service_code" validate:"required"`
	Insurance          Insurance         `json:"insurance" validate:"required"`
	Patient            Patient           `json:"patient" validate:"required"`
	Organization       Organization      `json:"organization" validate:"required"`
	RenderingProvider  RenderingProvider `json:"rendering_provider" validate:"required"`
	ServiceLines       []ServiceLine     `json:"service_lines" validate:"required,min=1,dive"`
}

// TotalBilledCents sums billed amounts across all service lines.
func (c PayerClaim) TotalBilledCents() Cents {
	return lo.SumBy(c.ServiceLines, func(s ServiceLine) Cents { return s.BilledCents() })
}

// ClaimMessage wraps a claim for transit through the claims and payer queues.
type ClaimMessage struct {
	CorrelationID string     `json:"correlation_id"`
	Claim         PayerClaim `json:"claim"`
	IngestedAt    time.Time  `json:"ingested_at"`
}

// LineStatus is the adjudication outcome for a remittance line or a whole advice.
type LineStatus string

const (
	StatusApproved      LineStatus = "APPROVED"
	StatusDenied        LineStatus = "DENIED"
	StatusPartialDenial LineStatus = "PARTIAL_DENIAL"
)

// Severity classifies a denial.
type Severity string

const (
	SeverityHard           Severity = "HARD"
	SeveritySoft           Severity = "SOFT"
	SeverityAdministrative Severity = "ADMINISTRATIVE"
)

// DenialInfo carries the EDI audit trail for a denied line.
type DenialInfo struct {
	Code        string   `json:"code"`
	GroupCode   string   `json:"group_code"`
	ReasonCode  int      `json:"reason_code"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// RemittanceLine is the per-service-line cost-share split. The five components
// always sum exactly to BilledAmount after reconciliation.
type RemittanceLine struct {
	ServiceLineID string      `json:"service_line_id"`
	BilledAmount  float64     `json:"billed_amount"`
	PayerPaid     float64     `json:"payer_paid"`
	Coinsurance   float64     `json:"coinsurance"`
	Copay         float64     `json:"copay"`
	Deductible    float64     `json:"deductible"`
	NotAllowed    float64     `json:"not_allowed"`
	Status        LineStatus  `json:"status"`
	DenialInfo    *DenialInfo `json:"denial_info,omitempty"`
}

// RemittanceAdvice is the payer's response for a single claim.
type RemittanceAdvice struct {
	CorrelationID     string           `json:"correlation_id"`
	ClaimID           string           `json:"claim_id"`
	PayerID           PayerID          `json:"payer_id"`
	Lines             []RemittanceLine `json:"lines"`
	ProcessedAt       time.Time        `json:"processed_at"`
	OverallStatus     LineStatus       `json:"overall_status"`
	TotalDeniedAmount float64          `json:"total_denied_amount,omitempty"`
}

// RemittanceMessage wraps an advice for transit through the remittance queue.
type RemittanceMessage struct {
	Remittance RemittanceAdvice `json:"remittance"`
}

// NewCorrelationID generates a run-unique correlation id with a monotonic
// timestamp prefix so ids sort roughly by ingestion order.
func NewCorrelationID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
}
