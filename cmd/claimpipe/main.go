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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/claimpipe/claimpipe/pkg/ingestion"
	"github.com/claimpipe/claimpipe/pkg/operator"
	"github.com/claimpipe/claimpipe/pkg/operator/options"
	"github.com/claimpipe/claimpipe/pkg/queue"
	"github.com/claimpipe/claimpipe/pkg/store"
	"github.com/claimpipe/claimpipe/pkg/sweeper"
)

func main() {
	app := &cli.App{
		Name:  "claimpipe",
		Usage: "medical claims clearinghouse pipeline",
		Commands: []*cli.Command{
			{
				Name:            "run",
				Usage:           "run the full pipeline; with --file the input is ingested and the pipeline drains and exits unless --serve is set",
				SkipFlagParsing: true,
				Action:          runAction,
			},
			{
				Name:            "ingest",
				Usage:           "enqueue a claims file (positional path or --file) onto a shared redis substrate without processing it",
				SkipFlagParsing: true,
				Action:          ingestAction,
			},
			{
				Name:            "sweep",
				Usage:           "run one aged-out sweep against the postgres in-flight store",
				SkipFlagParsing: true,
				Action:          sweepAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runAction(cCtx *cli.Context) error {
	opts := options.New().MustParse(cCtx.Args().Slice())
	ctx, stop := signalContext()
	defer stop()

	op, err := operator.NewOperator(ctx, opts, clock.RealClock{})
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(op.Dashboard.Start(gctx, fmt.Sprintf(":%d", opts.MetricsPort)))
	})
	group.Go(func() error {
		return ignoreCanceled(op.Sweeper.Run(gctx))
	})
	group.Go(func() error {
		if opts.FilePath == "" {
			return nil
		}
		stats, err := op.Ingest(gctx)
		if err != nil {
			return err
		}
		op.Log.Infow("ingestion finished",
			"accepted", stats.Accepted, "malformed", stats.Malformed, "blank", stats.Blank)
		if !opts.Serve {
			if err := op.Drain(gctx); err != nil {
				return err
			}
			stop()
		}
		return nil
	})

	err = ignoreCanceled(group.Wait())
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return multierr.Append(err, op.Close(closeCtx))
}

func ingestAction(cCtx *cli.Context) error {
	opts := options.New().MustParseFile(cCtx.Args().Slice())
	if opts.FilePath == "" {
		return fmt.Errorf("ingest requires a claims file path")
	}
	ctx, stop := signalContext()
	defer stop()

	log, err := operator.NewLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	log = log.Named(opts.ServiceName)

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{opts.RedisAddr},
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("pinging redis at %q, %w", opts.RedisAddr, err)
	}

	clk := clock.RealClock{}
	manager := queue.NewManager(queue.NewRedisBackend(client), clk, log)
	source := ingestion.NewSource(manager.Queue(operator.ClaimsQueueName), clk, log)

	stats, runErr := source.Run(ctx, opts.FilePath, opts.IngestRate)
	log.Infow("ingestion finished",
		"accepted", stats.Accepted, "malformed", stats.Malformed, "blank", stats.Blank)

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClose()
	return multierr.Combine(runErr, manager.Close(closeCtx), client.Close())
}

func sweepAction(cCtx *cli.Context) error {
	opts := options.New().MustParse(cCtx.Args().Slice())
	ctx, stop := signalContext()
	defer stop()

	log, err := operator.NewLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	log = log.Named(opts.ServiceName)

	db, err := store.Open(ctx, opts.PostgresDSN())
	if err != nil {
		return fmt.Errorf("opening postgres, %w", err)
	}
	defer db.Close()

	sw := sweeper.New(store.NewPostgresInFlightStore(db), clock.RealClock{}, log)
	sw.Timeout = opts.SweepTimeout
	sw.DeletePolicy = opts.SweepDelete
	aged, err := sw.Sweep(ctx)
	if err != nil {
		return err
	}
	log.Infow("sweep finished", "aged_out", len(aged))
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
