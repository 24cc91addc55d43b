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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteBatch caps how many due delayed jobs a single Reserve promotes.
const promoteBatch = 128

// redisBackend keeps ready jobs in a ZSET scored by (priority, seq), delayed
// jobs in a ZSET scored by eligibility time, bodies in a HASH, leases in a
// ZSET scored by expiry, and retention in capped LISTs. Single-winner claims
// ride on ZREM returning the number of removed members.
type redisBackend struct {
	client redis.UniversalClient
	name   string
}

// NewRedisBackend returns a BackendFactory over the supplied client. The
// client is shared across queues and closed by the caller.
func NewRedisBackend(client redis.UniversalClient) BackendFactory {
	return func(name string) Backend {
		return &redisBackend{client: client, name: name}
	}
}

func (b *redisBackend) key(suffix string) string {
	return fmt.Sprintf("claimpipe:q:%s:%s", b.name, suffix)
}

// rankScore packs (priority, seq) into a single float64 score. Priorities stay
// small and seq below 2^32, so the packed value is exact in the mantissa.
func rankScore(job *Job) float64 {
	return float64(job.Priority)*float64(1<<32) + float64(job.Seq)
}

func (b *redisBackend) Push(ctx context.Context, job *Job) error {
	seq, err := b.client.Incr(ctx, b.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("allocating sequence, %w", err)
	}
	job.Seq = uint64(seq)
	if err := b.writeJob(ctx, job); err != nil {
		return err
	}
	if err := b.client.ZAdd(ctx, b.key("ready"), redis.Z{Score: rankScore(job), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("adding job to ready set, %w", err)
	}
	return nil
}

func (b *redisBackend) Reserve(ctx context.Context, now time.Time, lease time.Duration) (*Job, bool, error) {
	if err := b.promote(ctx, now); err != nil {
		return nil, false, err
	}
	if job, err := b.reclaim(ctx, now); err != nil || job != nil {
		return job, job != nil, err
	}

	nowMs := float64(now.UnixMilli())
	for {
		ids, err := b.client.ZRange(ctx, b.key("ready"), 0, 0).Result()
		if err != nil {
			return nil, false, fmt.Errorf("peeking ready set, %w", err)
		}
		if len(ids) == 0 {
			return nil, false, nil
		}
		removed, err := b.client.ZRem(ctx, b.key("ready"), ids[0]).Result()
		if err != nil {
			return nil, false, fmt.Errorf("claiming job %q, %w", ids[0], err)
		}
		if removed == 0 {
			// Lost the claim race, try the next candidate.
			continue
		}
		job, err := b.readJob(ctx, ids[0])
		if err != nil {
			return nil, false, err
		}
		job.State = StateActive
		expiry := nowMs + float64((lease + leaseGrace).Milliseconds())
		if err := b.client.ZAdd(ctx, b.key("active"), redis.Z{Score: expiry, Member: job.ID}).Err(); err != nil {
			return nil, false, fmt.Errorf("recording lease for %q, %w", job.ID, err)
		}
		return job, false, nil
	}
}

// promote moves due delayed jobs into the ready set.
func (b *redisBackend) promote(ctx context.Context, now time.Time) error {
	due, err := b.client.ZRangeByScore(ctx, b.key("delayed"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("listing due delayed jobs, %w", err)
	}
	for _, id := range due {
		removed, err := b.client.ZRem(ctx, b.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("claiming delayed job %q, %w", id, err)
		}
		if removed == 0 {
			continue
		}
		job, err := b.readJob(ctx, id)
		if err != nil {
			return err
		}
		job.State = StateWaiting
		if err := b.writeJob(ctx, job); err != nil {
			return err
		}
		if err := b.client.ZAdd(ctx, b.key("ready"), redis.Z{Score: rankScore(job), Member: id}).Err(); err != nil {
			return fmt.Errorf("promoting job %q, %w", id, err)
		}
	}
	return nil
}

// reclaim claims at most one job whose lease has expired.
func (b *redisBackend) reclaim(ctx context.Context, now time.Time) (*Job, error) {
	expired, err := b.client.ZRangeByScore(ctx, b.key("active"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing expired leases, %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	removed, err := b.client.ZRem(ctx, b.key("active"), expired[0]).Result()
	if err != nil || removed == 0 {
		return nil, err
	}
	return b.readJob(ctx, expired[0])
}

func (b *redisBackend) Complete(ctx context.Context, job *Job) error {
	return b.retire(ctx, job, "completed", job.KeepCompleted)
}

func (b *redisBackend) Fail(ctx context.Context, job *Job) error {
	return b.retire(ctx, job, "failed", job.KeepFailed)
}

func (b *redisBackend) retire(ctx context.Context, job *Job, ring string, keep int) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %q, %w", job.ID, err)
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.key("active"), job.ID)
	pipe.HDel(ctx, b.key("jobs"), job.ID)
	pipe.LPush(ctx, b.key(ring), raw)
	if keep > 0 {
		pipe.LTrim(ctx, b.key(ring), 0, int64(keep-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retiring job %q to %s, %w", job.ID, ring, err)
	}
	return nil
}

func (b *redisBackend) Retry(ctx context.Context, job *Job) error {
	if err := b.writeJob(ctx, job); err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.key("active"), job.ID)
	pipe.ZAdd(ctx, b.key("delayed"), redis.Z{
		Score:  float64(job.NextEligibleAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delaying job %q, %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) Depth(ctx context.Context, _ time.Time) (Depth, error) {
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, b.key("ready"))
	delayed := pipe.ZCard(ctx, b.key("delayed"))
	active := pipe.ZCard(ctx, b.key("active"))
	completed := pipe.LLen(ctx, b.key("completed"))
	failed := pipe.LLen(ctx, b.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("reading queue census, %w", err)
	}
	return Depth{
		Waiting:   int(ready.Val()),
		Active:    int(active.Val()),
		Delayed:   int(delayed.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}, nil
}

func (b *redisBackend) Close() error {
	// The client is shared across queues; the operator owns its lifecycle.
	return nil
}

func (b *redisBackend) writeJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %q, %w", job.ID, err)
	}
	if err := b.client.HSet(ctx, b.key("jobs"), job.ID, raw).Err(); err != nil {
		return fmt.Errorf("storing job %q, %w", job.ID, err)
	}
	return nil
}

func (b *redisBackend) readJob(ctx context.Context, id string) (*Job, error) {
	raw, err := b.client.HGet(ctx, b.key("jobs"), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %q has no stored body", id)
		}
		return nil, fmt.Errorf("loading job %q, %w", id, err)
	}
	job := &Job{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return nil, fmt.Errorf("unmarshaling job %q, %w", id, err)
	}
	return job, nil
}
