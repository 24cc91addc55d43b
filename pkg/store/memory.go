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

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/claimpipe/claimpipe/pkg/claims"
)

// MemoryInFlightStore is the in-process InFlightStore used by the memory
// backend mode and by tests. The mutex gives Take its single-winner contract.
type MemoryInFlightStore struct {
	mu      sync.Mutex
	records map[string]*CorrelationRecord
}

func NewMemoryInFlightStore() *MemoryInFlightStore {
	return &MemoryInFlightStore{records: map[string]*CorrelationRecord{}}
}

func (s *MemoryInFlightStore) Insert(_ context.Context, rec *CorrelationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.CorrelationID]; ok {
		return fmt.Errorf("correlation %q, %w", rec.CorrelationID, ErrDuplicate)
	}
	s.records[rec.CorrelationID] = rec
	return nil
}

func (s *MemoryInFlightStore) Take(_ context.Context, correlationID string) (*CorrelationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[correlationID]
	if !ok {
		return nil, false, nil
	}
	delete(s.records, correlationID)
	return rec, true, nil
}

func (s *MemoryInFlightStore) ListAgedOut(_ context.Context, cutoff time.Time) ([]*CorrelationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var aged []*CorrelationRecord
	for _, rec := range s.records {
		if rec.SubmittedAt.Before(cutoff) {
			aged = append(aged, rec)
		}
	}
	return aged, nil
}

func (s *MemoryInFlightStore) DeleteAgedOut(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.SubmittedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// MemoryProcessedStore is the in-process ProcessedStore.
type MemoryProcessedStore struct {
	mu     sync.Mutex
	byID   map[string]*ProcessedClaim
	sorted []*ProcessedClaim
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{byID: map[string]*ProcessedClaim{}}
}

func (s *MemoryProcessedStore) Record(_ context.Context, pc *ProcessedClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[pc.CorrelationID]; ok {
		return false, nil
	}
	s.byID[pc.CorrelationID] = pc
	s.sorted = append(s.sorted, pc)
	return true, nil
}

func (s *MemoryProcessedStore) ARAging(_ context.Context, since time.Time) (map[claims.PayerID]*AgingBuckets, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aging := map[claims.PayerID]*AgingBuckets{}
	sums := map[claims.PayerID]float64{}
	for _, pc := range s.sorted {
		if pc.ProcessedAt.Before(since) {
			continue
		}
		buckets, ok := aging[pc.PayerID]
		if !ok {
			buckets = &AgingBuckets{}
			aging[pc.PayerID] = buckets
		}
		bucketFor(buckets, pc.ProcessingTimeMs)
		buckets.Total++
		sums[pc.PayerID] += float64(pc.ProcessingTimeMs)
	}
	for payer, buckets := range aging {
		buckets.WeightedMs = sums[payer] / float64(buckets.Total)
	}
	return aging, nil
}

func bucketFor(b *AgingBuckets, ms int64) {
	switch {
	case ms < 60_000:
		b.Under60s++
	case ms < 120_000:
		b.Under120s++
	case ms < 180_000:
		b.Under180s++
	default:
		b.Over180s++
	}
}

func (s *MemoryProcessedStore) PatientCostShare(_ context.Context) ([]PatientCostShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPatient := map[string]*PatientCostShare{}
	order := []string{}
	for _, pc := range s.sorted {
		if len(pc.Remittance.Lines) == 0 {
			continue
		}
		line := pc.Remittance.Lines[0]
		share, ok := byPatient[pc.PatientID]
		if !ok {
			share = &PatientCostShare{PatientID: pc.PatientID}
			byPatient[pc.PatientID] = share
			order = append(order, pc.PatientID)
		}
		share.Copay += line.Copay
		share.Coinsurance += line.Coinsurance
		share.Deductible += line.Deductible
	}
	shares := make([]PatientCostShare, 0, len(order))
	for _, id := range order {
		shares = append(shares, *byPatient[id])
	}
	return shares, nil
}
