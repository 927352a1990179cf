package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps pending jobs in a list and moves each dequeued job onto
// its consumer's own processing list until it is acknowledged. A consumer
// announces itself in a set and keeps a heartbeat key alive while it polls;
// Recover only takes jobs back from consumers whose heartbeat has expired.
type RedisQueue struct {
	client     *redis.Client
	name       string
	consumer   string
	pending    string
	processing string
	// poll bounds each blocking pop so Dequeue notices cancellation.
	poll time.Duration
	// lease is how long a consumer counts as alive after its last poll.
	lease time.Duration
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	q := &RedisQueue{
		client:   client,
		name:     name,
		consumer: uuid.NewString(),
		pending:  name,
		poll:     2 * time.Second,
		lease:    30 * time.Second,
	}
	q.processing = q.processingOf(q.consumer)
	return q
}

func (q *RedisQueue) processingOf(consumer string) string {
	return q.name + ":processing:" + consumer
}

func (q *RedisQueue) heartbeatOf(consumer string) string {
	return q.name + ":consumer:" + consumer
}

func (q *RedisQueue) consumers() string { return q.name + ":consumers" }

// Consumer identifies this queue's processing list.
func (q *RedisQueue) Consumer() string { return q.consumer }

func (q *RedisQueue) beat(ctx context.Context) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.heartbeatOf(q.consumer), time.Now().UTC().Format(time.RFC3339), q.lease)
		p.SAdd(ctx, q.consumers(), q.consumer)
		return nil
	})
	return err
}

// ConnectRedis parses url and pings the server.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := q.beat(ctx); err != nil {
			switch {
			case errors.Is(err, redis.ErrClosed):
				return Delivery{}, ErrClosed
			case ctx.Err() != nil:
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("consumer heartbeat: %w", err)
		}
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.poll).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			continue
		case errors.Is(err, redis.ErrClosed):
			return Delivery{}, ErrClosed
		case err != nil:
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("dequeue: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Unreadable jobs would be redelivered forever.
			q.client.LRem(ctx, q.processing, 1, raw)
			return Delivery{}, fmt.Errorf("decode job: %w", err)
		}
		return Delivery{
			Job: job,
			ack: func(ctx context.Context) error {
				return q.client.LRem(ctx, q.processing, 1, raw).Err()
			},
		}, nil
	}
}

// Recover moves the unacknowledged jobs of every consumer whose heartbeat
// has expired back to the pending list and returns how many were moved.
// Jobs held by live consumers, this one included, are left alone, so it is
// safe to run while other workers are busy.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, q.consumers()).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers: %w", err)
	}
	n := 0
	for _, id := range ids {
		if id == q.consumer {
			continue
		}
		live, err := q.client.Exists(ctx, q.heartbeatOf(id)).Result()
		if err != nil {
			return n, fmt.Errorf("check consumer %s: %w", id, err)
		}
		if live > 0 {
			continue
		}
		moved, err := q.requeue(ctx, q.processingOf(id))
		n += moved
		if err != nil {
			return n, err
		}
		if err := q.client.SRem(ctx, q.consumers(), id).Err(); err != nil {
			return n, fmt.Errorf("forget consumer %s: %w", id, err)
		}
	}
	return n, nil
}

func (q *RedisQueue) requeue(ctx context.Context, processing string) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, processing, q.pending, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		n++
	}
}

// Ping reports whether Redis is reachable; used by the health endpoint.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close drops this consumer's heartbeat so its leftover jobs can be
// recovered at once. It does not close the shared client.
func (q *RedisQueue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.client.Del(ctx, q.heartbeatOf(q.consumer)).Err(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("drop consumer heartbeat: %w", err)
	}
	return nil
}
