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

// Package ingestion reads newline-delimited claim records from a file and
// emits them into the claims queue at a configured rate.
package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/metrics"
	"github.com/claimpipe/claimpipe/pkg/queue"
)

// maxLineBytes caps a single claim record; anything larger is malformed input.
const maxLineBytes = 1 << 20

// Stats summarizes one ingestion run.
type Stats struct {
	Accepted  int
	Malformed int
	Blank     int
}

// Source paces claims from a file into the claims queue. Per-record schema
// failures are counted and skipped; a substrate failure aborts the run.
type Source struct {
	claimsQueue *queue.Queue
	clock       clock.PassiveClock
	log         *zap.SugaredLogger

	cancel context.CancelFunc
}

func NewSource(claimsQueue *queue.Queue, clk clock.PassiveClock, log *zap.SugaredLogger) *Source {
	return &Source{
		claimsQueue: claimsQueue,
		clock:       clk,
		log:         log.Named("ingestion"),
	}
}

// Run ingests the whole file at ratePerSec claims per second and returns the
// run's stats. Emission is paced by a token bucket of size one, so over any
// window the enqueue count cannot exceed the configured rate plus one burst.
func (s *Source) Run(ctx context.Context, path string, ratePerSec float64) (Stats, error) {
	stats := Stats{}
	if ratePerSec <= 0 {
		return stats, fmt.Errorf("ingestion rate must be positive, got %v", ratePerSec)
	}
	file, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("opening claim file, %w", err)
	}
	defer file.Close()

	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	limiter := rate.NewLimiter(rate.Limit(ratePerSec), 1)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			stats.Blank++
			continue
		}
		claim, err := claims.ParseClaim([]byte(line))
		if err != nil {
			stats.Malformed++
			metrics.Errors.WithLabelValues("ingestion").Inc()
			s.log.Warnw("skipping malformed record", "line", stats.Accepted+stats.Malformed+stats.Blank, "error", err)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return stats, fmt.Errorf("waiting for rate token, %w", err)
		}
		if err := s.emit(ctx, claim); err != nil {
			return stats, err
		}
		stats.Accepted++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading claim file, %w", err)
	}
	s.log.Infow("ingestion complete", "accepted", stats.Accepted, "malformed", stats.Malformed, "blank", stats.Blank)
	return stats, nil
}

// Stop halts emission after the current record.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Source) emit(ctx context.Context, claim *claims.PayerClaim) error {
	now := s.clock.Now()
	msg := claims.ClaimMessage{
		CorrelationID: claims.NewCorrelationID(now),
		Claim:         *claim,
		IngestedAt:    now,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling claim message, %w", err)
	}
	if _, err := s.claimsQueue.Enqueue(ctx, payload, queue.EnqueueOptions{MaxAttempts: 1}); err != nil {
		return fmt.Errorf("emitting claim %q, %w", claim.ClaimID, err)
	}
	metrics.ClaimsIngested.Inc()
	return nil
}
