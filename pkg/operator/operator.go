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

// Package operator wires the pipeline together: queue substrate, stores,
// payer registry, the per-stage workers and the dashboard.
package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/adjudication"
	"github.com/claimpipe/claimpipe/pkg/billing"
	"github.com/claimpipe/claimpipe/pkg/claims"
	"github.com/claimpipe/claimpipe/pkg/clearinghouse"
	"github.com/claimpipe/claimpipe/pkg/dashboard"
	"github.com/claimpipe/claimpipe/pkg/ingestion"
	"github.com/claimpipe/claimpipe/pkg/operator/options"
	"github.com/claimpipe/claimpipe/pkg/payers"
	"github.com/claimpipe/claimpipe/pkg/queue"
	"github.com/claimpipe/claimpipe/pkg/remittance"
	"github.com/claimpipe/claimpipe/pkg/store"
	"github.com/claimpipe/claimpipe/pkg/sweeper"
)

// Queue names of the fixed pipeline stages. Payer queues are named by
// payers.QueueName.
const (
	ClaimsQueueName     = "claims"
	RemittanceQueueName = "remittance"
)

const drainPollInterval = 250 * time.Millisecond

// Operator holds every wired component of a pipeline instance.
type Operator struct {
	Options   *options.Options
	Log       *zap.SugaredLogger
	Clock     clock.WithTicker
	Queues    *queue.Manager
	Payers    *payers.Registry
	InFlight  store.InFlightStore
	Processed store.ProcessedStore
	Billing   *billing.Aggregator
	Router    *clearinghouse.Router
	Engines   map[claims.PayerID]*adjudication.Engine
	Matcher   *remittance.Matcher
	Sweeper   *sweeper.Sweeper
	Source    *ingestion.Source
	Dashboard *dashboard.Server

	db          *sqlx.DB
	redisClient redis.UniversalClient
}

// NewOperator builds and wires an Operator from options. Workers are
// registered and consuming as soon as this returns.
func NewOperator(ctx context.Context, opts *options.Options, clk clock.WithTicker) (*Operator, error) {
	log, err := NewLogger(opts.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("building logger, %w", err)
	}
	log = log.Named(opts.ServiceName)

	op := &Operator{
		Options: opts,
		Log:     log,
		Clock:   clk,
		Engines: map[claims.PayerID]*adjudication.Engine{},
	}
	if err := op.wireBackend(ctx); err != nil {
		return nil, err
	}
	if err := op.wireStores(ctx); err != nil {
		return nil, multierr.Append(err, op.Close(ctx))
	}
	if err := op.wirePayers(); err != nil {
		return nil, multierr.Append(err, op.Close(ctx))
	}
	op.wirePipeline()
	return op, nil
}

func (o *Operator) wireBackend(ctx context.Context) error {
	var factory queue.BackendFactory
	switch o.Options.Backend {
	case options.BackendRedis:
		o.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{o.Options.RedisAddr},
			Password: o.Options.RedisPassword,
			DB:       o.Options.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := o.redisClient.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("pinging redis at %q, %w", o.Options.RedisAddr, err)
		}
		factory = queue.NewRedisBackend(o.redisClient)
	default:
		factory = queue.NewMemoryBackend()
	}
	o.Queues = queue.NewManager(factory, o.Clock, o.Log)
	return nil
}

func (o *Operator) wireStores(ctx context.Context) error {
	if o.Options.Store == options.StorePostgres {
		db, err := store.Open(ctx, o.Options.PostgresDSN())
		if err != nil {
			return fmt.Errorf("opening postgres, %w", err)
		}
		o.db = db
		o.InFlight = store.NewPostgresInFlightStore(db)
		o.Processed = store.NewPostgresProcessedStore(db)
		return nil
	}
	o.InFlight = store.NewMemoryInFlightStore()
	o.Processed = store.NewMemoryProcessedStore()
	return nil
}

func (o *Operator) wirePayers() error {
	fallback := claims.PayerID(o.Options.FallbackPayer)
	if o.Options.PayerConfigPath != "" {
		registry, err := payers.LoadRegistry(o.Options.PayerConfigPath, fallback)
		if err != nil {
			return fmt.Errorf("loading payer registry %q, %w", o.Options.PayerConfigPath, err)
		}
		o.Payers = registry
		return nil
	}
	registry, err := payers.NewRegistry(payers.DefaultConfigs(), fallback)
	if err != nil {
		return fmt.Errorf("building payer registry, %w", err)
	}
	o.Payers = registry
	return nil
}

func (o *Operator) wirePipeline() {
	o.Billing = billing.NewAggregator(o.Processed, o.Clock, o.Log)
	o.Matcher = remittance.NewMatcher(o.InFlight, o.Billing, o.Log)
	o.Router = clearinghouse.NewRouter(o.Payers, o.InFlight, o.Queues, o.Clock, o.Log)
	o.Sweeper = sweeper.New(o.InFlight, o.Clock, o.Log)
	o.Sweeper.Timeout = o.Options.SweepTimeout
	o.Sweeper.Interval = o.Options.SweepInterval
	o.Sweeper.DeletePolicy = o.Options.SweepDelete
	o.Dashboard = dashboard.NewServer(o.Queues, o.Billing, o.Clock, o.Log)

	claimsQueue := o.Queues.Queue(ClaimsQueueName)
	remitQueue := o.Queues.Queue(RemittanceQueueName)
	o.Source = ingestion.NewSource(claimsQueue, o.Clock, o.Log)

	o.Router.Register(claimsQueue, clearinghouse.DefaultConcurrency)
	o.Matcher.Register(remitQueue, remittance.DefaultConcurrency)

	catalog := adjudication.DefaultCatalog()
	rng := adjudication.NewRand(o.Clock.Now().UnixNano())
	for _, config := range o.Payers.All() {
		engine := adjudication.NewEngine(config, catalog, remitQueue, o.Clock, o.Log, rng)
		engine.Register(o.Queues.Queue(config.QueueName()))
		o.Engines[config.ID] = engine
	}
}

// Ingest streams the configured claims file into the pipeline at the
// configured rate.
func (o *Operator) Ingest(ctx context.Context) (ingestion.Stats, error) {
	return o.Source.Run(ctx, o.Options.FilePath, o.Options.IngestRate)
}

// Drain polls queue depths until nothing is waiting, delayed or active.
func (o *Operator) Drain(ctx context.Context) error {
	ticker := o.Clock.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		depths, err := o.Queues.Depths(ctx)
		if err != nil {
			return fmt.Errorf("polling queue depths, %w", err)
		}
		idle := true
		for _, d := range depths {
			if d.Waiting+d.Delayed+d.Active > 0 {
				idle = false
				break
			}
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Close releases queues, stores and clients. Safe to call more than once.
func (o *Operator) Close(ctx context.Context) (err error) {
	if o.Queues != nil {
		err = multierr.Append(err, o.Queues.Close(ctx))
	}
	if o.db != nil {
		err = multierr.Append(err, o.db.Close())
		o.db = nil
	}
	if o.redisClient != nil {
		err = multierr.Append(err, o.redisClient.Close())
		o.redisClient = nil
	}
	return err
}
