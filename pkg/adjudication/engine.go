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

// Package adjudication simulates a payer: it consumes routed claims, waits out
// a processing-delay window, computes the per-service-line cost-share split
// with optional denial injection, and emits a remittance advice.
package adjudication

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/metrics"
	"github.com/claimpipe/claimpipe/pkg/payers"
	"github.com/claimpipe/claimpipe/pkg/queue"
)

// Remittance queue retry policy.
const (
	RemittanceMaxAttempts = 5
	RemittanceBaseDelay   = 500 * time.Millisecond
)

// Rand is the subset of math/rand the engine draws from. Implementations must
// be safe for concurrent use.
type Rand interface {
	Float64() float64
	Int63n(n int64) int64
}

type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

func (r *lockedRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Int63n(n)
}

// NewRand returns a concurrency-safe seeded Rand.
func NewRand(seed int64) Rand {
	return &lockedRand{rng: rand.New(rand.NewSource(seed))}
}

// Engine adjudicates claims for a single payer.
type Engine struct {
	config  *payers.PayerConfig
	catalog *Catalog
	remit   *queue.Queue
	clock   clock.WithTicker
	log     *zap.SugaredLogger
	rng     Rand
}

func NewEngine(config *payers.PayerConfig, catalog *Catalog, remit *queue.Queue,
	clk clock.WithTicker, log *zap.SugaredLogger, rng Rand) *Engine {

	return &Engine{
		config:  config,
		catalog: catalog,
		remit:   remit,
		clock:   clk,
		log:     log.Named(fmt.Sprintf("payer.%s", config.ID)),
		rng:     rng,
	}
}

// Register attaches the engine to its payer queue with the configured concurrency.
func (e *Engine) Register(q *queue.Queue) {
	q.RegisterWorker(e.Handle, e.config.Concurrency)
}

// Handle is the payer queue handler: sleep the simulated processing delay,
// adjudicate, enqueue the remittance. Validation and conservation failures are
// unrecoverable; a remittance enqueue failure is transient and retried by the
// payer queue's policy.
func (e *Engine) Handle(ctx context.Context, job *queue.Job) error {
	msg := claims.ClaimMessage{}
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		metrics.PayerErrors.WithLabelValues(string(e.config.ID)).Inc()
		return queue.NewUnrecoverableError(fmt.Errorf("unmarshaling claim message, %w", err))
	}
	if err := e.sleep(ctx); err != nil {
		return err
	}
	advice, err := e.Adjudicate(msg)
	if err != nil {
		metrics.PayerErrors.WithLabelValues(string(e.config.ID)).Inc()
		e.log.Errorw("dropping claim after adjudication failure",
			"correlation", msg.CorrelationID, "claim", msg.Claim.ClaimID, "error", err)
		return queue.NewUnrecoverableError(err)
	}
	raw, err := json.Marshal(claims.RemittanceMessage{Remittance: advice})
	if err != nil {
		metrics.PayerErrors.WithLabelValues(string(e.config.ID)).Inc()
		return queue.NewUnrecoverableError(fmt.Errorf("marshaling remittance, %w", err))
	}
	if _, err := e.remit.Enqueue(ctx, raw, queue.EnqueueOptions{
		MaxAttempts: RemittanceMaxAttempts,
		BaseDelay:   RemittanceBaseDelay,
	}); err != nil {
		return fmt.Errorf("enqueuing remittance for %q, %w", msg.CorrelationID, err)
	}
	metrics.PayerClaimsProcessed.WithLabelValues(string(e.config.ID)).Inc()
	metrics.RemittancesGenerated.Inc()
	e.log.Debugw("adjudicated claim",
		"correlation", msg.CorrelationID, "claim", msg.Claim.ClaimID, "status", advice.OverallStatus)
	return nil
}

// sleep suspends for a uniform random duration within the payer's processing
// window, observing cancellation. No shared state is held across the sleep.
func (e *Engine) sleep(ctx context.Context) error {
	delay := e.config.ProcessingDelay.Min()
	if window := e.config.ProcessingDelay.Max() - delay; window > 0 {
		delay += time.Duration(e.rng.Int63n(int64(window) + 1))
	}
	if delay <= 0 {
		return nil
	}
	timer := e.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Adjudicate produces the remittance advice for a claim message.
func (e *Engine) Adjudicate(msg claims.ClaimMessage) (claims.RemittanceAdvice, error) {
	lines := make([]claims.RemittanceLine, 0, len(msg.Claim.ServiceLines))
	for _, sl := range msg.Claim.ServiceLines {
		line, err := e.adjudicateLine(sl)
		if err != nil {
			return claims.RemittanceAdvice{}, fmt.Errorf("adjudicating line %q of claim %q, %w",
				sl.ServiceLineID, msg.Claim.ClaimID, err)
		}
		linesAdjudicated.WithLabelValues(string(e.config.ID), string(line.Status)).Inc()
		lines = append(lines, line)
	}

	advice := claims.RemittanceAdvice{
		CorrelationID: msg.CorrelationID,
		ClaimID:       msg.Claim.ClaimID,
		PayerID:       e.config.ID,
		Lines:         lines,
		ProcessedAt:   e.clock.Now(),
		OverallStatus: overallStatus(lines),
	}
	advice.TotalDeniedAmount = lo.SumBy(lines, func(l claims.RemittanceLine) float64 {
		return lo.Ternary(l.Status != claims.StatusApproved, l.NotAllowed, 0)
	})
	return advice, nil
}

func (e *Engine) adjudicateLine(sl claims.ServiceLine) (claims.RemittanceLine, error) {
	billed := sl.BilledCents()
	line := claims.RemittanceLine{
		ServiceLineID: sl.ServiceLineID,
		BilledAmount:  billed.Dollars(),
		Status:        claims.StatusApproved,
	}

	if sl.DoNotBill {
		// Flagged by the provider as not billable: denied administratively.
		reason := e.catalog.PickCategory(e.rng.Float64(), "administrative")
		info := reason.Info()
		info.Severity = claims.SeverityAdministrative
		line.Status = claims.StatusDenied
		line.DenialInfo = info
		hardDenialSplit(billed).apply(&line)
		return line, nil
	}

	if d := e.config.Denials; d != nil && e.rng.Float64() < d.DenialRate {
		reason := e.catalog.Pick(e.rng.Float64(), d.PreferredCategories)
		info := reason.Info()
		if e.rng.Float64() < d.HardDenialRate {
			info.Severity = claims.SeverityHard
			line.Status = claims.StatusDenied
			line.DenialInfo = info
			hardDenialSplit(billed).apply(&line)
			return line, nil
		}
		info.Severity = claims.SeveritySoft
		line.Status = claims.StatusPartialDenial
		line.DenialInfo = info
		disallowed := 0.3 + e.rng.Float64()*0.4
		s, err := softDenialSplit(billed, disallowed, e.config.Rules)
		if err != nil {
			return line, err
		}
		s.apply(&line)
		return line, nil
	}

	s, err := approvalSplit(billed, e.config.Rules)
	if err != nil {
		return line, err
	}
	s.apply(&line)
	return line, nil
}

func overallStatus(lines []claims.RemittanceLine) claims.LineStatus {
	approved := lo.CountBy(lines, func(l claims.RemittanceLine) bool { return l.Status == claims.StatusApproved })
	switch approved {
	case len(lines):
		return claims.StatusApproved
	case 0:
		return claims.StatusDenied
	default:
		return claims.StatusPartialDenial
	}
}
