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

// Package billing persists processed claims and serves the reporting views:
// per-payer A/R aging and per-patient cost-share rollups.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/store"
)

const (
	// DefaultWindow is the trailing observation window for A/R aging.
	DefaultWindow = time.Hour

	// Reporting queries are cached briefly; the dashboard polls faster than
	// the numbers meaningfully move.
	reportTTL = 2 * time.Second

	recordAttempts = 3
	recordDelay    = 100 * time.Millisecond
)

const (
	agingCacheKey     = "ar_aging"
	costShareCacheKey = "patient_cost_share"
)

// Aggregator is the billing sink.
type Aggregator struct {
	processed store.ProcessedStore
	cache     *gocache.Cache
	clock     clock.PassiveClock
	log       *zap.SugaredLogger
	window    time.Duration
}

func NewAggregator(processed store.ProcessedStore, clk clock.PassiveClock, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		processed: processed,
		cache:     gocache.New(reportTTL, time.Minute),
		clock:     clk,
		log:       log.Named("billing"),
		window:    DefaultWindow,
	}
}

// Record persists a processed claim. The insert is idempotent on correlation
// id, so at-least-once delivery from the matcher is safe; transient store
// failures are retried before surfacing.
func (a *Aggregator) Record(ctx context.Context, pc *store.ProcessedClaim) error {
	var inserted bool
	err := retry.Do(
		func() error {
			var err error
			inserted, err = a.processed.Record(ctx, pc)
			return err
		},
		retry.Attempts(recordAttempts),
		retry.Delay(recordDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("recording processed claim %q, %w", pc.CorrelationID, err)
	}
	if !inserted {
		a.log.Debugw("ignored replayed processed claim", "correlation", pc.CorrelationID)
	}
	return nil
}

// ARAging buckets processing time per payer over the trailing window.
func (a *Aggregator) ARAging(ctx context.Context) (map[claims.PayerID]*store.AgingBuckets, error) {
	if cached, ok := a.cache.Get(agingCacheKey); ok {
		return cached.(map[claims.PayerID]*store.AgingBuckets), nil
	}
	aging, err := a.processed.ARAging(ctx, a.clock.Now().Add(-a.window))
	if err != nil {
		return nil, err
	}
	a.cache.SetDefault(agingCacheKey, aging)
	return aging, nil
}

// PatientCostShare sums the first remittance line's patient responsibility per
// patient.
func (a *Aggregator) PatientCostShare(ctx context.Context) ([]store.PatientCostShare, error) {
	if cached, ok := a.cache.Get(costShareCacheKey); ok {
		return cached.([]store.PatientCostShare), nil
	}
	shares, err := a.processed.PatientCostShare(ctx)
	if err != nil {
		return nil, err
	}
	a.cache.SetDefault(costShareCacheKey, shares)
	return shares, nil
}
