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

// Package remittance pairs each remittance advice with its in-flight
// correlation record, closes out the tracking state and hands off to billing.
package remittance

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/claimpipe/claimpipe/pkg/billing"
	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/metrics"
	"github.com/claimpipe/claimpipe/pkg/queue"
	"github.com/claimpipe/claimpipe/pkg/store"
)

// DefaultConcurrency bounds parallel matching. Safety under concurrency rests
// on the in-flight store's Take being single-winner per correlation id.
const DefaultConcurrency = 5

// Matcher is the remittance queue handler.
type Matcher struct {
	inFlight store.InFlightStore
	billing  *billing.Aggregator
	log      *zap.SugaredLogger
}

func NewMatcher(inFlight store.InFlightStore, billing *billing.Aggregator, log *zap.SugaredLogger) *Matcher {
	return &Matcher{
		inFlight: inFlight,
		billing:  billing,
		log:      log.Named("matcher"),
	}
}

// Register attaches the matcher to the remittance queue.
func (m *Matcher) Register(remitQueue *queue.Queue, concurrency int) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	remitQueue.RegisterWorker(m.Handle, concurrency)
}

// Handle matches one remittance. A missing correlation record is an orphan:
// the claim was never tracked, already matched, or swept. Replaying would
// double-count, so the job is acknowledged with a warning. The Take delete is
// the at-most-once hand-off point to billing.
func (m *Matcher) Handle(ctx context.Context, job *queue.Job) error {
	msg := claims.RemittanceMessage{}
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		metrics.Errors.WithLabelValues("matcher").Inc()
		return queue.NewUnrecoverableError(fmt.Errorf("unmarshaling remittance message, %w", err))
	}
	advice := msg.Remittance

	rec, ok, err := m.inFlight.Take(ctx, advice.CorrelationID)
	if err != nil {
		metrics.Errors.WithLabelValues("matcher").Inc()
		return fmt.Errorf("looking up correlation %q, %w", advice.CorrelationID, err)
	}
	if !ok {
		orphanRemittances.Inc()
		m.log.Warnw("orphan remittance, no in-flight correlation",
			"correlation", advice.CorrelationID, "claim", advice.ClaimID, "payer", advice.PayerID)
		return nil
	}

	processingTime := advice.ProcessedAt.Sub(rec.IngestedAt)
	if processingTime < 0 {
		// Clock skew between stages; clamp rather than record negative age.
		processingTime = 0
	}
	pc := &store.ProcessedClaim{
		CorrelationID:    rec.CorrelationID,
		ClaimID:          rec.ClaimID,
		PatientID:        rec.PatientID,
		PayerID:          advice.PayerID,
		IngestedAt:       rec.IngestedAt,
		ProcessedAt:      advice.ProcessedAt,
		ProcessingTimeMs: processingTime.Milliseconds(),
		Remittance:       advice,
	}
	if err := m.billing.Record(ctx, pc); err != nil {
		metrics.Errors.WithLabelValues("matcher").Inc()
		return err
	}
	metrics.ClaimsProcessed.Inc()
	matchedRemittances.Inc()
	m.log.Debugw("matched remittance",
		"correlation", rec.CorrelationID, "claim", rec.ClaimID, "processing_ms", pc.ProcessingTimeMs)
	return nil
}
