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

// Package store persists the pipeline's two durable tables: the in-flight
// correlation records created at clearinghouse routing and the processed-claim
// history written by billing. The in-flight store's single-winner Take is the
// at-most-once hand-off point between matcher and billing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/claimpipe/claimpipe/pkg/claims"
)

// ErrDuplicate reports an insert against an already-tracked primary key.
// Callers replaying a partially-failed job treat it as success.
var ErrDuplicate = errors.New("duplicate primary key")

// CorrelationRecord tracks one in-flight claim between routing and matching.
// PatientID and IngestedAt are carried here so downstream stages never derive
// them from other fields.
type CorrelationRecord struct {
	CorrelationID string            `db:"correlation_id" json:"correlation_id"`
	ClaimID       string            `db:"claim_id" json:"claim_id"`
	PatientID     string            `db:"patient_id" json:"patient_id"`
	PayerID       claims.PayerID    `db:"payer_id" json:"payer_id"`
	IngestedAt    time.Time         `db:"ingested_at" json:"ingested_at"`
	SubmittedAt   time.Time         `db:"submitted_at" json:"submitted_at"`
	Claim         claims.PayerClaim `db:"-" json:"claim"`
}

// ProcessedClaim is one completed claim-remittance round trip.
type ProcessedClaim struct {
	CorrelationID    string                  `db:"correlation_id" json:"correlation_id"`
	ClaimID          string                  `db:"claim_id" json:"claim_id"`
	PatientID        string                  `db:"patient_id" json:"patient_id"`
	PayerID          claims.PayerID          `db:"payer_id" json:"payer_id"`
	IngestedAt       time.Time               `db:"ingested_at" json:"ingested_at"`
	ProcessedAt      time.Time               `db:"processed_at" json:"processed_at"`
	ProcessingTimeMs int64                   `db:"processing_time_ms" json:"processing_time_ms"`
	Remittance       claims.RemittanceAdvice `db:"-" json:"remittance"`
}

// AgingBuckets is the per-payer A/R aging distribution over the trailing
// observation window, bucketed by processing time.
type AgingBuckets struct {
	Under60s   int     `json:"0-60s"`
	Under120s  int     `json:"60-120s"`
	Under180s  int     `json:"120-180s"`
	Over180s   int     `json:"180s+"`
	Total      int     `json:"total"`
	WeightedMs float64 `json:"weighted_avg_ms"`
}

// PatientCostShare is a per-patient rollup of the first remittance line's
// patient-responsibility components.
type PatientCostShare struct {
	PatientID   string  `db:"patient_id" json:"patient_id"`
	Copay       float64 `db:"copay" json:"copay"`
	Coinsurance float64 `db:"coinsurance" json:"coinsurance"`
	Deductible  float64 `db:"deductible" json:"deductible"`
}

// InFlightStore is the correlation-record table. All mutation is INSERT and
// DELETE by primary key, relying on the store's atomicity.
type InFlightStore interface {
	// Insert persists a new correlation record. A duplicate correlation id is an error.
	Insert(ctx context.Context, rec *CorrelationRecord) error
	// Take atomically reads and deletes the record, returning false when it does
	// not exist. Exactly one concurrent caller wins for a given id.
	Take(ctx context.Context, correlationID string) (*CorrelationRecord, bool, error)
	// ListAgedOut returns records submitted before the cutoff.
	ListAgedOut(ctx context.Context, cutoff time.Time) ([]*CorrelationRecord, error)
	// DeleteAgedOut removes records submitted before the cutoff, returning how many.
	DeleteAgedOut(ctx context.Context, cutoff time.Time) (int64, error)
}

// ProcessedStore is the processed-claim history and its reporting queries.
type ProcessedStore interface {
	// Record inserts idempotently on correlation id; replays return false.
	Record(ctx context.Context, pc *ProcessedClaim) (inserted bool, err error)
	// ARAging buckets processing time per payer over the trailing window.
	ARAging(ctx context.Context, since time.Time) (map[claims.PayerID]*AgingBuckets, error)
	// PatientCostShare sums copay/coinsurance/deductible of the first
	// remittance line per claim, grouped by patient.
	PatientCostShare(ctx context.Context) ([]PatientCostShare, error)
}
