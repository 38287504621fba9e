package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript takes runKey unless a live record holds it. Returns {1} when claimed,
// otherwise {0, field, value, ...} of the holding record.
//
// ARGV: now_ms, lease_ms, ttl_ms
var claimScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local lease = tonumber(ARGV[2])

	local state = redis.call('HGET', key, 'state')
	if state then
		local expires = tonumber(redis.call('HGET', key, 'expires_at') or '0')
		local last = tonumber(redis.call('HGET', key, 'last_attempt') or '0')
		local live = expires == 0 or now < expires
		local held = live
		if live then
			if state == 'dead' then
				held = false
			elseif state ~= 'acked' and state ~= 'deduped' and lease > 0 and now - last >= lease then
				held = false
			end
		end
		if held then
			local out = {0}
			local fields = redis.call('HGETALL', key)
			for i = 1, #fields do
				out[#out + 1] = fields[i]
			end
			return out
		end
	end

	redis.call('DEL', key)
	redis.call('HSET', key, 'state', 'submitting', 'attempts', '0', 'run_id', '',
		'last_attempt', ARGV[1], 'expires_at', '0')
	redis.call('PEXPIRE', key, ARGV[3])
	return {1}
`)

// RedisStore keeps records as hashes with native TTL eviction. The claim is a Lua
// compare-and-set, so it is safe across invoker processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

// NewRedisStore connects to redisURL.
func NewRedisStore(ctx context.Context, redisURL, prefix string, opts Options) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client, prefix, opts), nil
}

// NewRedisStoreWithClient wraps an existing client. Close closes the client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "objtrigger:run:"
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (s *RedisStore) key(runKey string) string {
	return s.prefix + runKey
}

// pendingTTL bounds how long an abandoned non-terminal record can linger.
func (s *RedisStore) pendingTTL() time.Duration {
	return s.opts.Retention + s.opts.ClaimLease
}

func (s *RedisStore) Claim(ctx context.Context, runKey string) (*Record, bool, error) {
	now := s.opts.Now()
	res, err := claimScript.Run(ctx, s.client, []string{s.key(runKey)},
		now.UnixMilli(), s.opts.ClaimLease.Milliseconds(), s.pendingTTL().Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", runKey, err)
	}
	if len(res) == 0 {
		return nil, false, fmt.Errorf("claim %s: empty script result", runKey)
	}

	if flag, _ := res[0].(int64); flag == 1 {
		return &Record{RunKey: runKey, State: StateSubmitting, LastAttemptTime: time.UnixMilli(now.UnixMilli())}, true, nil
	}

	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	rec, err := recordFromHash(runKey, fields)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (s *RedisStore) Get(ctx context.Context, runKey string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(runKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", runKey, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rec, err := recordFromHash(runKey, fields)
	if err != nil {
		return nil, err
	}
	if expired(rec, s.opts.Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, rec *Record) error {
	now := s.opts.Now()
	stamp(rec, now, s.opts.Retention)

	ttl := s.pendingTTL()
	if !rec.ExpiresAt.IsZero() {
		ttl = rec.ExpiresAt.Sub(now)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	expiresAt := int64(0)
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.UnixMilli()
	}

	key := s.key(rec.RunKey)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"state", string(rec.State),
			"attempts", rec.Attempts,
			"run_id", rec.RunID,
			"last_attempt", rec.LastAttemptTime.UnixMilli(),
			"expires_at", expiresAt,
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.RunKey, err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires keys itself.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func recordFromHash(runKey string, fields map[string]string) (*Record, error) {
	rec := &Record{
		RunKey: runKey,
		State:  State(fields["state"]),
		RunID:  fields["run_id"],
	}
	if v := fields["attempts"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad attempts %q: %w", runKey, v, err)
		}
		rec.Attempts = n
	}
	if ms := parseMillis(fields["last_attempt"]); ms > 0 {
		rec.LastAttemptTime = time.UnixMilli(ms)
	}
	if ms := parseMillis(fields["expires_at"]); ms > 0 {
		rec.ExpiresAt = time.UnixMilli(ms)
	}
	return rec, nil
}

func parseMillis(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
