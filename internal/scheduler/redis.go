// Package scheduler stores delayed callbacks in a redis sorted set scored by
// due time and runs them from a polling worker.
package scheduler

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"order-exchange/internal/gateway"
)

const (
	defaultKey  = "order-callbacks"
	batchSize   = 20
	maxAttempts = 8
)

// Handler runs one callback. A returned error re-enqueues the callback with
// exponential backoff until maxAttempts is reached.
type Handler func(ctx context.Context, cb gateway.Callback) error

type RedisScheduler struct {
	rdb     *redis.Client
	key     string
	backoff time.Duration
	lease   time.Duration
	now     func() time.Time
}

func NewRedisScheduler(rdb *redis.Client) *RedisScheduler {
	return &RedisScheduler{rdb: rdb, key: defaultKey, backoff: 5 * time.Second, lease: 5 * time.Minute, now: time.Now}
}

func (s *RedisScheduler) ScheduleAt(ctx context.Context, at time.Time, cb gateway.Callback) error {
	if cb.ID == "" {
		cb.ID = uuid.NewString()
	}
	payload, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.key, &redis.Z{Score: float64(at.UnixMilli()), Member: payload}).Err()
}

// claimScript moves a due member to the lease deadline. Only one worker can
// move it, and an unacknowledged member becomes due again when the lease ends.
var claimScript = redis.NewScript(`
local score = redis.call("zscore", KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
	redis.call("zadd", KEYS[1], ARGV[3], ARGV[1])
	return 1
end
return 0
`)

// Delivery is a claimed callback. It stays in the set until acknowledged.
type Delivery struct {
	gateway.Callback
	member string
}

// Due claims up to batchSize callbacks whose time has come. A claimed
// callback is redelivered after the lease unless Ack or retry removes it.
func (s *RedisScheduler) Due(ctx context.Context) ([]Delivery, error) {
	now := s.now().UnixMilli()
	members, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: batchSize,
	}).Result()
	if err != nil {
		return nil, err
	}

	leaseUntil := now + s.lease.Milliseconds()
	var due []Delivery
	for _, m := range members {
		n, err := claimScript.Run(ctx, s.rdb, []string{s.key}, m, now, leaseUntil).Int()
		if err != nil {
			return due, err
		}
		if n == 0 {
			continue
		}
		d := Delivery{member: m}
		if err := json.Unmarshal([]byte(m), &d.Callback); err != nil {
			log.Error().Err(err).Str("member", m).Msg("dropping malformed callback")
			s.rdb.ZRem(ctx, s.key, m)
			continue
		}
		due = append(due, d)
	}
	return due, nil
}

// Ack removes a handled callback.
func (s *RedisScheduler) Ack(ctx context.Context, d Delivery) error {
	return s.rdb.ZRem(ctx, s.key, d.member).Err()
}

// Run polls every interval until ctx is done.
func (s *RedisScheduler) Run(ctx context.Context, interval time.Duration, handle Handler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, handle)
		}
	}
}

func (s *RedisScheduler) RunOnce(ctx context.Context, handle Handler) {
	due, err := s.Due(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch due callbacks")
	}
	for _, d := range due {
		if err := handle(ctx, d.Callback); err != nil {
			s.retry(ctx, d, err)
			continue
		}
		if err := s.Ack(ctx, d); err != nil {
			log.Error().Err(err).Str("order_id", d.OrderID).Str("kind", string(d.Kind)).Msg("failed to acknowledge callback")
		}
	}
}

// retry swaps the claimed member for the next attempt in one transaction.
func (s *RedisScheduler) retry(ctx context.Context, d Delivery, cause error) {
	cb := d.Callback
	cb.Attempt++
	if cb.Attempt >= maxAttempts {
		log.Error().Err(cause).Str("order_id", cb.OrderID).Str("kind", string(cb.Kind)).Int("attempt", cb.Attempt).Msg("giving up on callback")
		if err := s.Ack(ctx, d); err != nil {
			log.Error().Err(err).Str("order_id", cb.OrderID).Msg("failed to drop callback")
		}
		return
	}
	delay := s.backoff << (cb.Attempt - 1)
	log.Warn().Err(cause).Str("order_id", cb.OrderID).Str("kind", string(cb.Kind)).Dur("retry_in", delay).Msg("callback failed")
	payload, err := json.Marshal(cb)
	if err != nil {
		log.Error().Err(err).Str("order_id", cb.OrderID).Msg("failed to encode callback")
		return
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.key, d.member)
		pipe.ZAdd(ctx, s.key, &redis.Z{Score: float64(s.now().Add(delay).UnixMilli()), Member: payload})
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", cb.OrderID).Msg("failed to re-enqueue callback")
	}
}
