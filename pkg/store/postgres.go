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
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/sony/gobreaker"

	"github.com/claimpipe/claimpipe/pkg/claims"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	maxOpenConns = 20
	idleTimeout  = 30 * time.Second
)

// Open connects to Postgres, applies migrations and configures the pool.
// The DSN should carry connect_timeout; see options.PostgresDSN.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres, %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(idleTimeout)
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("selecting goose dialect, %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("applying migrations, %w", err)
	}
	return db, nil
}

// newBreaker guards store calls so a down database sheds load fast instead of
// stacking handler timeouts. Expected row-level outcomes, a miss or a
// duplicate key, are not database failures and must not open the circuit.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, sql.ErrNoRows) {
				return true
			}
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
		},
	})
}

type inFlightRow struct {
	CorrelationID string         `db:"correlation_id"`
	ClaimID       string         `db:"claim_id"`
	PatientID     string         `db:"patient_id"`
	PayerID       claims.PayerID `db:"payer_id"`
	IngestedAt    time.Time      `db:"ingested_at"`
	SubmittedAt   time.Time      `db:"submitted_at"`
	ClaimData     []byte         `db:"claim_data"`
}

func (r inFlightRow) record() (*CorrelationRecord, error) {
	rec := &CorrelationRecord{
		CorrelationID: r.CorrelationID,
		ClaimID:       r.ClaimID,
		PatientID:     r.PatientID,
		PayerID:       r.PayerID,
		IngestedAt:    r.IngestedAt,
		SubmittedAt:   r.SubmittedAt,
	}
	if err := json.Unmarshal(r.ClaimData, &rec.Claim); err != nil {
		return nil, fmt.Errorf("unmarshaling claim payload of %q, %w", r.CorrelationID, err)
	}
	return rec, nil
}

// PostgresInFlightStore is the in_flight_claims table.
type PostgresInFlightStore struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
}

func NewPostgresInFlightStore(db *sqlx.DB) *PostgresInFlightStore {
	return &PostgresInFlightStore{db: db, breaker: newBreaker("in_flight_claims")}
}

func (s *PostgresInFlightStore) Insert(ctx context.Context, rec *CorrelationRecord) error {
	payload, err := json.Marshal(rec.Claim)
	if err != nil {
		return fmt.Errorf("marshaling claim payload, %w", err)
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return s.db.ExecContext(ctx, `
			INSERT INTO in_flight_claims (correlation_id, claim_id, patient_id, payer_id, ingested_at, submitted_at, claim_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.CorrelationID, rec.ClaimID, rec.PatientID, rec.PayerID, rec.IngestedAt, rec.SubmittedAt, payload)
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("correlation %q, %w", rec.CorrelationID, ErrDuplicate)
		}
		return fmt.Errorf("inserting correlation %q, %w", rec.CorrelationID, err)
	}
	return nil
}

func (s *PostgresInFlightStore) Take(ctx context.Context, correlationID string) (*CorrelationRecord, bool, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		row := inFlightRow{}
		err := s.db.GetContext(ctx, &row, `
			DELETE FROM in_flight_claims WHERE correlation_id = $1
			RETURNING correlation_id, claim_id, patient_id, payer_id, ingested_at, submitted_at, claim_data`,
			correlationID)
		return row, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taking correlation %q, %w", correlationID, err)
	}
	rec, err := result.(inFlightRow).record()
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *PostgresInFlightStore) ListAgedOut(ctx context.Context, cutoff time.Time) ([]*CorrelationRecord, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		rows := []inFlightRow{}
		err := s.db.SelectContext(ctx, &rows, `
			SELECT correlation_id, claim_id, patient_id, payer_id, ingested_at, submitted_at, claim_data
			FROM in_flight_claims WHERE submitted_at < $1
			ORDER BY submitted_at`, cutoff)
		return rows, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing aged-out correlations, %w", err)
	}
	rows := result.([]inFlightRow)
	records := make([]*CorrelationRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *PostgresInFlightStore) DeleteAgedOut(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		res, err := s.db.ExecContext(ctx, `DELETE FROM in_flight_claims WHERE submitted_at < $1`, cutoff)
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return 0, fmt.Errorf("deleting aged-out correlations, %w", err)
	}
	return result.(int64), nil
}

// PostgresProcessedStore is the processed_claims table.
type PostgresProcessedStore struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
}

func NewPostgresProcessedStore(db *sqlx.DB) *PostgresProcessedStore {
	return &PostgresProcessedStore{db: db, breaker: newBreaker("processed_claims")}
}

func (s *PostgresProcessedStore) Record(ctx context.Context, pc *ProcessedClaim) (bool, error) {
	payload, err := json.Marshal(pc.Remittance)
	if err != nil {
		return false, fmt.Errorf("marshaling remittance payload, %w", err)
	}
	result, err := s.breaker.Execute(func() (interface{}, error) {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO processed_claims (correlation_id, claim_id, patient_id, payer_id, ingested_at, processed_at, processing_time_ms, remittance_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (correlation_id) DO NOTHING`,
			pc.CorrelationID, pc.ClaimID, pc.PatientID, pc.PayerID, pc.IngestedAt, pc.ProcessedAt, pc.ProcessingTimeMs, payload)
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return false, fmt.Errorf("recording processed claim %q, %w", pc.CorrelationID, err)
	}
	return result.(int64) > 0, nil
}

type agingRow struct {
	PayerID    claims.PayerID `db:"payer_id"`
	Under60s   int            `db:"b0"`
	Under120s  int            `db:"b1"`
	Under180s  int            `db:"b2"`
	Over180s   int            `db:"b3"`
	Total      int            `db:"total"`
	WeightedMs float64        `db:"weighted_ms"`
}

func (s *PostgresProcessedStore) ARAging(ctx context.Context, since time.Time) (map[claims.PayerID]*AgingBuckets, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		rows := []agingRow{}
		err := s.db.SelectContext(ctx, &rows, `
			SELECT payer_id,
			       COUNT(*) FILTER (WHERE processing_time_ms < 60000)                                  AS b0,
			       COUNT(*) FILTER (WHERE processing_time_ms >= 60000 AND processing_time_ms < 120000) AS b1,
			       COUNT(*) FILTER (WHERE processing_time_ms >= 120000 AND processing_time_ms < 180000) AS b2,
			       COUNT(*) FILTER (WHERE processing_time_ms >= 180000)                                AS b3,
			       COUNT(*)                                                                            AS total,
			       AVG(processing_time_ms)                                                             AS weighted_ms
			FROM processed_claims
			WHERE processed_at >= $1
			GROUP BY payer_id`, since)
		return rows, err
	})
	if err != nil {
		return nil, fmt.Errorf("querying A/R aging, %w", err)
	}
	aging := map[claims.PayerID]*AgingBuckets{}
	for _, row := range result.([]agingRow) {
		aging[row.PayerID] = &AgingBuckets{
			Under60s:   row.Under60s,
			Under120s:  row.Under120s,
			Under180s:  row.Under180s,
			Over180s:   row.Over180s,
			Total:      row.Total,
			WeightedMs: row.WeightedMs,
		}
	}
	return aging, nil
}

func (s *PostgresProcessedStore) PatientCostShare(ctx context.Context) ([]PatientCostShare, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		shares := []PatientCostShare{}
		err := s.db.SelectContext(ctx, &shares, `
			SELECT patient_id,
			       COALESCE(SUM((remittance_data->'lines'->0->>'copay')::numeric), 0)       AS copay,
			       COALESCE(SUM((remittance_data->'lines'->0->>'coinsurance')::numeric), 0) AS coinsurance,
			       COALESCE(SUM((remittance_data->'lines'->0->>'deductible')::numeric), 0)  AS deductible
			FROM processed_claims
			GROUP BY patient_id
			ORDER BY patient_id`)
		return shares, err
	})
	if err != nil {
		return nil, fmt.Errorf("querying patient cost share, %w", err)
	}
	return result.([]PatientCostShare), nil
}
