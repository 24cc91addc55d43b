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

// Package sweeper surfaces in-flight correlations that never produced a
// remittance within the timeout. A swept claim that later produces a
// remittance falls through the matcher's orphan branch.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/metrics"
	"github.com/claimpipe/claimpipe/pkg/store"
)

const (
	DefaultTimeout  = 10 * time.Minute
	DefaultInterval = time.Minute
)

func init() {
	metrics.Registry.MustRegister(agedOutCorrelations)
}

var agedOutCorrelations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "sweeper",
		Name:      "aged_out_correlations",
		Help:      "Number of in-flight correlations surfaced as aged out.",
	},
)

// Sweeper periodically lists aged-out correlation records for operator
// attention. With the delete policy enabled it also removes them.
type Sweeper struct {
	inFlight store.InFlightStore
	clock    clock.WithTicker
	log      *zap.SugaredLogger

	Timeout      time.Duration
	Interval     time.Duration
	DeletePolicy bool
}

func New(inFlight store.InFlightStore, clk clock.WithTicker, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		inFlight: inFlight,
		clock:    clk,
		log:      log.Named("sweeper"),
		Timeout:  DefaultTimeout,
		Interval: DefaultInterval,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Errorw("sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass and returns the aged-out records it surfaced.
func (s *Sweeper) Sweep(ctx context.Context) ([]*store.CorrelationRecord, error) {
	cutoff := s.clock.Now().Add(-s.Timeout)
	aged, err := s.inFlight.ListAgedOut(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, rec := range aged {
		agedOutCorrelations.Inc()
		s.log.Warnw("aged-out correlation, no remittance within timeout",
			"correlation", rec.CorrelationID, "claim", rec.ClaimID,
			"payer", rec.PayerID, "submitted_at", rec.SubmittedAt)
	}
	if s.DeletePolicy && len(aged) > 0 {
		deleted, err := s.inFlight.DeleteAgedOut(ctx, cutoff)
		if err != nil {
			return aged, err
		}
		s.log.Infow("deleted aged-out correlations", "count", deleted)
	}
	return aged, nil
}
