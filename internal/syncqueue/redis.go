package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteLimit bounds how many due jobs one Pop moves into ready.
const promoteLimit = 500

// Scores and ranks are passed as decimal strings so Lua never formats a
// large number itself.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  local r = redis.call('HGET', KEYS[5], id)
  if r then
    redis.call('ZADD', KEYS[2], r, id)
  end
  redis.call('ZREM', KEYS[1], id)
end
local top = redis.call('ZRANGE', KEYS[2], 0, 0)
if #top == 0 then
  return false
end
local id = top[1]
redis.call('ZREM', KEYS[2], id)
local body = redis.call('HGET', KEYS[4], id)
if not body then
  redis.call('HDEL', KEYS[5], id)
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
return body
`)

var recoverScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #stalled
`)

// RedisStore keeps job bodies in a hash and job ids in sorted sets:
// delayed by RunAt, ready by rank, active by lease expiry, failed by time.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisClient accepts either a redis:// URL or a bare host:port.
func NewRedisClient(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return redis.NewClient(&redis.Options{Addr: url})
	}
	return redis.NewClient(opt)
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "metasync"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + ":" + name }

func (s *RedisStore) keys() []string {
	return []string{s.key("delayed"), s.key("ready"), s.key("active"), s.key("jobs"), s.key("rank")}
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (s *RedisStore) Add(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, j := range jobs {
			body, err := json.Marshal(j)
			if err != nil {
				return err
			}
			p.HSet(ctx, s.key("jobs"), j.ID, body)
			p.HSet(ctx, s.key("rank"), j.ID, rankString(j))
			p.ZAdd(ctx, s.key("delayed"), redis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis add: %w", err)
	}
	return nil
}

func (s *RedisStore) Pop(ctx context.Context, now, leaseUntil time.Time) (*Job, error) {
	res, err := popScript.Run(ctx, s.rdb, s.keys(), ms(now), ms(leaseUntil), promoteLimit).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis pop: %w", err)
	}
	var j Job
	if err := json.Unmarshal([]byte(res), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func (s *RedisStore) Ack(ctx context.Context, job Job) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key("active"), job.ID)
		p.HDel(ctx, s.key("jobs"), job.ID)
		p.HDel(ctx, s.key("rank"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key("active"), job.ID)
		p.HSet(ctx, s.key("jobs"), job.ID, body)
		p.HSet(ctx, s.key("rank"), job.ID, rankString(job))
		p.ZAdd(ctx, s.key("delayed"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis retry: %w", err)
	}
	return nil
}

func (s *RedisStore) Bury(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.key("active"), job.ID)
		p.HDel(ctx, s.key("rank"), job.ID)
		p.HSet(ctx, s.key("jobs"), job.ID, body)
		p.ZAdd(ctx, s.key("failed"), redis.Z{Score: float64(time.Now().UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis bury: %w", err)
	}
	return nil
}

func (s *RedisStore) RecoverStalled(ctx context.Context, now time.Time) (int, error) {
	n, err := recoverScript.Run(ctx, s.rdb, []string{s.key("active"), s.key("delayed")}, ms(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("redis recover: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Counts(ctx context.Context) (Counts, error) {
	var delayed, ready, active, failed *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		delayed = p.ZCard(ctx, s.key("delayed"))
		ready = p.ZCard(ctx, s.key("ready"))
		active = p.ZCard(ctx, s.key("active"))
		failed = p.ZCard(ctx, s.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("redis counts: %w", err)
	}
	return Counts{
		Delayed: delayed.Val(),
		Ready:   ready.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (s *RedisStore) Failed(ctx context.Context, limit int) ([]Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.rdb.ZRevRange(ctx, s.key("failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis failed: %w", err)
	}
	if len(ids) == 0 {
		return []Job{}, nil
	}
	bodies, err := s.rdb.HMGet(ctx, s.key("jobs"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis failed bodies: %w", err)
	}
	out := make([]Job, 0, len(bodies))
	for _, b := range bodies {
		str, ok := b.(string)
		if !ok {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(str), &j); err == nil {
			out = append(out, j)
		}
	}
	return out, nil
}
