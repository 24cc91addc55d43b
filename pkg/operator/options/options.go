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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/claimpipe/claimpipe/pkg/utils/env"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Service
	ServiceName string
	LogLevel    string
	MetricsPort int
	Serve       bool
	// Queue substrate
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Stores
	Store            string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// Payers
	PayerConfigPath string
	FallbackPayer   string
	// Ingestion
	FilePath   string
	IngestRate float64
	// Sweeper
	SweepTimeout  time.Duration
	SweepInterval time.Duration
	SweepDelete   bool
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("claimpipe", flag.ContinueOnError)
	opts.FlagSet = f

	// Service
	f.StringVar(&opts.ServiceName, "service-name", env.WithDefaultString("SERVICE_NAME", "claimpipe"), "The service name used in logs")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "The minimum log level (debug, info, warn, error)")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the dashboard and metric endpoints bind to")
	f.BoolVar(&opts.Serve, "serve", env.WithDefaultBool("SERVE", false), "Keep the pipeline running after the input file drains instead of exiting")

	// Queue substrate
	f.StringVar(&opts.Backend, "backend", env.WithDefaultString("QUEUE_BACKEND", BackendMemory), "The queue backend, either memory or redis")
	f.StringVar(&opts.RedisAddr, "redis-addr", env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "The redis address for the redis queue backend")
	f.StringVar(&opts.RedisPassword, "redis-password", env.WithDefaultString("REDIS_PASSWORD", ""), "The redis password for the redis queue backend")
	f.IntVar(&opts.RedisDB, "redis-db", env.WithDefaultInt("REDIS_DB", 0), "The redis database number for the redis queue backend")

	// Stores
	f.StringVar(&opts.Store, "store", env.WithDefaultString("CLAIM_STORE", StoreMemory), "The correlation and billing store, either memory or postgres")
	f.StringVar(&opts.PostgresHost, "postgres-host", env.WithDefaultString("POSTGRES_HOST", "localhost"), "The postgres host")
	f.IntVar(&opts.PostgresPort, "postgres-port", env.WithDefaultInt("POSTGRES_PORT", 5432), "The postgres port")
	f.StringVar(&opts.PostgresUser, "postgres-user", env.WithDefaultString("POSTGRES_USER", "claimpipe"), "The postgres user")
	f.StringVar(&opts.PostgresPassword, "postgres-password", env.WithDefaultString("POSTGRES_PASSWORD", ""), "The postgres password")
	f.StringVar(&opts.PostgresDB, "postgres-db", env.WithDefaultString("POSTGRES_DB", "claimpipe"), "The postgres database name")
	f.StringVar(&opts.PostgresSSLMode, "postgres-sslmode", env.WithDefaultString("POSTGRES_SSLMODE", "disable"), "The postgres sslmode")

	// Payers
	f.StringVar(&opts.PayerConfigPath, "payer-config", env.WithDefaultString("PAYER_CONFIG", ""), "Path to a TOML payer registry; built-in payer configs are used when empty")
	f.StringVar(&opts.FallbackPayer, "fallback-payer", env.WithDefaultString("FALLBACK_PAYER", ""), "Payer id to route claims with an unknown payer to; unknown payers are rejected when empty")

	// Ingestion
	f.StringVar(&opts.FilePath, "file", env.WithDefaultString("CLAIMS_FILE", ""), "Path to the newline-delimited claims file to ingest")
	f.Float64Var(&opts.IngestRate, "rate", env.WithDefaultFloat64("INGEST_RATE", 10), "The maximum claims ingested per second")

	// Sweeper
	f.DurationVar(&opts.SweepTimeout, "sweep-timeout", env.WithDefaultDuration("SWEEP_TIMEOUT", 10*time.Minute), "How long an in-flight claim may wait for a remittance before it is surfaced as aged out")
	f.DurationVar(&opts.SweepInterval, "sweep-interval", env.WithDefaultDuration("SWEEP_INTERVAL", time.Minute), "How often the sweeper scans for aged-out claims")
	f.BoolVar(&opts.SweepDelete, "sweep-delete", env.WithDefaultBool("SWEEP_DELETE", false), "Delete aged-out correlation records instead of only surfacing them")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse(args []string) *Options {
	err := o.Parse(args)

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// MustParseFile parses like MustParse but also accepts the claims file as a
// positional argument, so `ingest <path> --rate <r>` works. The stdlib parser
// stops at the first positional; take it as the file and resume with whatever
// followed it.
func (o *Options) MustParseFile(args []string) *Options {
	err := o.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if rest := o.Args(); len(rest) > 0 {
		if o.FilePath != "" {
			panic(fmt.Errorf("cannot combine --file with a positional path"))
		}
		o.FilePath = rest[0]
		if err := o.Parse(rest[1:]); err != nil {
			panic(err)
		}
		if o.NArg() > 0 {
			panic(fmt.Errorf("unexpected argument %q", o.Arg(0)))
		}
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.Backend != BackendMemory && o.Backend != BackendRedis {
		err = multierr.Append(err, fmt.Errorf("backend may only be either memory or redis"))
	}
	if o.Store != StoreMemory && o.Store != StorePostgres {
		err = multierr.Append(err, fmt.Errorf("store may only be either memory or postgres"))
	}
	if o.IngestRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("rate must be positive"))
	}
	if o.SweepTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("sweep-timeout must be positive"))
	}
	if o.SweepInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("sweep-interval must be positive"))
	}
	if o.Store == StorePostgres && o.PostgresHost == "" {
		err = multierr.Append(err, fmt.Errorf("POSTGRES_HOST is required when store is postgres"))
	}
	return err
}

// PostgresDSN renders the lib/pq connection string. The short connect timeout
// keeps startup failures loud instead of hanging.
func (o Options) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=2",
		o.PostgresHost, o.PostgresPort, o.PostgresUser, o.PostgresPassword, o.PostgresDB, o.PostgresSSLMode)
}
