package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout, all under one prefix:
//
//	<p>:waiting              LIST  job ids, claimed from the left
//	<p>:active               ZSET  job id scored by lease expiry (unix ms)
//	<p>:completed|failed|canceled  ZSET  job id scored by finish time
//	<p>:job:<id>             HASH  payload, state, token, worker, timestamps, outcome
//
// Every state change runs as a Lua script so claim and ack are atomic.

// returns 1 when enqueued, 0 when the id is already known
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'state', 'waiting', 'attempts', 0, 'enqueued_at', ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
local key = ARGV[4] .. id
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'active', 'token', ARGV[3], 'worker', ARGV[5], 'claimed_at', ARGV[1], 'expires_at', ARGV[2])
local payload = redis.call('HGET', key, 'payload')
return {id, payload, attempts}
`)

// returns 1 on success, 0 when not held, -1 when held but expired
var extendScript = redis.NewScript(`
local key = KEYS[2]
if redis.call('HGET', key, 'state') ~= 'active' or redis.call('HGET', key, 'token') ~= ARGV[2] then
	return 0
end
if tonumber(redis.call('HGET', key, 'expires_at')) < tonumber(ARGV[3]) then
	return -1
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('HSET', key, 'expires_at', ARGV[4])
return 1
`)

var ackScript = redis.NewScript(`
local key = KEYS[3]
if redis.call('HGET', key, 'state') ~= 'active' or redis.call('HGET', key, 'token') ~= ARGV[2] then
	return 0
end
if tonumber(redis.call('HGET', key, 'expires_at')) < tonumber(ARGV[3]) then
	return -1
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('HSET', key, 'state', ARGV[4], 'result', ARGV[5], 'reason', ARGV[6], 'finished_at', ARGV[3], 'token', '', 'expires_at', '')
return 1
`)

// returns 1 when canceled, 0 when not waiting, -1 when unknown
var cancelScript = redis.NewScript(`
local key = KEYS[3]
if redis.call('EXISTS', key) == 0 then
	return -1
end
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', key, 'state', 'canceled', 'finished_at', ARGV[2])
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for i = #ids, 1, -1 do
	local id = ids[i]
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
	redis.call('HSET', ARGV[2] .. id, 'state', 'waiting', 'token', '', 'worker', '', 'expires_at', '')
end
return #ids
`)

// returns 1 when removed, 0 when not finished, -1 when unknown
var removeScript = redis.NewScript(`
local key = KEYS[1]
local state = redis.call('HGET', key, 'state')
if not state then
	return -1
end
if state ~= 'completed' and state ~= 'failed' and state ~= 'canceled' then
	return 0
end
redis.call('ZREM', ARGV[2] .. state, ARGV[1])
redis.call('DEL', key)
return 1
`)

var purgeScript = redis.NewScript(`
local n = 0
for _, zkey in ipairs(KEYS) do
	local ids = redis.call('ZRANGEBYSCORE', zkey, '-inf', '(' .. ARGV[1])
	for _, id in ipairs(ids) do
		redis.call('ZREM', zkey, id)
		redis.call('DEL', ARGV[2] .. id)
		n = n + 1
	end
end
return n
`)

// RedisBroker implements Broker on Redis lists, sorted sets and hashes
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker wraps an open Redis client. prefix namespaces every key.
func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "imagejobs"
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests
func (b *RedisBroker) WithClock(now func() time.Time) *RedisBroker {
	b.now = now
	return b
}

func (b *RedisBroker) key(parts ...string) string {
	k := b.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *RedisBroker) jobKey(jobID string) string {
	return b.key("job", jobID)
}

func (b *RedisBroker) jobKeyPrefix() string {
	return b.key("job") + ":"
}

func (b *RedisBroker) stateKey(state domain.State) string {
	return b.key(string(state))
}

func (b *RedisBroker) Enqueue(ctx context.Context, jobID string, payload domain.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	code, err := enqueueScript.Run(ctx, b.client,
		[]string{b.jobKey(jobID), b.stateKey(domain.StateWaiting)},
		jobID, string(body), toMillis(b.now()),
	).Int()
	if err != nil {
		return unavailable("enqueue", err)
	}
	if code == 0 {
		return fmt.Errorf("job %s already enqueued", jobID)
	}
	return nil
}

func (b *RedisBroker) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Lease, error) {
	now := b.now()
	expires := now.Add(leaseDuration)
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, b.client,
		[]string{b.stateKey(domain.StateWaiting), b.stateKey(domain.StateActive)},
		toMillis(now), toMillis(expires), token, b.jobKeyPrefix(), workerID,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrQueueEmpty
	}
	if err != nil {
		return nil, unavailable("claim", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected claim reply: %v", res)
	}

	jobID, _ := res[0].(string)
	rawPayload, _ := res[1].(string)
	attempts, _ := res[2].(int64)

	var payload domain.Payload
	if err := json.Unmarshal([]byte(rawPayload), &payload); err != nil {
		// Keep the lease so the worker can fail the job explicitly
		payload = domain.Payload{}
	}

	return &Lease{
		JobID:     jobID,
		Token:     token,
		WorkerID:  workerID,
		Payload:   payload,
		Attempt:   int(attempts),
		ClaimedAt: now,
		ExpiresAt: fromMillis(toMillis(expires)),
	}, nil
}

func (b *RedisBroker) Extend(ctx context.Context, lease *Lease, leaseDuration time.Duration) error {
	now := b.now()
	expires := now.Add(leaseDuration)

	code, err := extendScript.Run(ctx, b.client,
		[]string{b.stateKey(domain.StateActive), b.jobKey(lease.JobID)},
		lease.JobID, lease.Token, toMillis(now), toMillis(expires),
	).Int()
	if err != nil {
		return unavailable("extend", err)
	}

	switch code {
	case 1:
		lease.ExpiresAt = fromMillis(toMillis(expires))
		return nil
	case -1:
		return ackFailure(lease, now, true)
	default:
		return ackFailure(lease, now, false)
	}
}

func (b *RedisBroker) Ack(ctx context.Context, lease *Lease, outcome Outcome) error {
	if err := outcome.validate(); err != nil {
		return err
	}

	var result []byte
	if outcome.Result != nil {
		var err error
		if result, err = json.Marshal(outcome.Result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	now := b.now()
	code, err := ackScript.Run(ctx, b.client,
		[]string{b.stateKey(domain.StateActive), b.stateKey(outcome.State), b.jobKey(lease.JobID)},
		lease.JobID, lease.Token, toMillis(now), string(outcome.State), string(result), outcome.Reason,
	).Int()
	if err != nil {
		return unavailable("ack", err)
	}

	switch code {
	case 1:
		return nil
	case -1:
		return ackFailure(lease, now, true)
	default:
		return ackFailure(lease, now, false)
	}
}

func (b *RedisBroker) Cancel(ctx context.Context, jobID string) error {
	code, err := cancelScript.Run(ctx, b.client,
		[]string{b.stateKey(domain.StateWaiting), b.stateKey(domain.StateCanceled), b.jobKey(jobID)},
		jobID, toMillis(b.now()),
	).Int()
	if err != nil {
		return unavailable("cancel", err)
	}

	switch code {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	default:
		return fmt.Errorf("%w: %s", domain.ErrNotCancelable, jobID)
	}
}

func (b *RedisBroker) ReclaimExpired(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, b.client,
		[]string{b.stateKey(domain.StateActive), b.stateKey(domain.StateWaiting)},
		toMillis(b.now()), b.jobKeyPrefix(),
	).Int()
	if err != nil {
		return 0, unavailable("reclaim", err)
	}
	return n, nil
}

func (b *RedisBroker) List(ctx context.Context, state domain.State, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var ids []string
	var err error
	if state == domain.StateWaiting {
		ids, err = b.client.LRange(ctx, b.stateKey(state), 0, stop).Result()
	} else {
		ids, err = b.client.ZRange(ctx, b.stateKey(state), 0, stop).Result()
	}
	if err != nil {
		return nil, unavailable("list", err)
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, b.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list", err)
	}

	entries := make([]Entry, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, entryFromHash(id, fields))
	}
	return entries, nil
}

func entryFromHash(jobID string, fields map[string]string) Entry {
	e := Entry{
		JobID:    jobID,
		State:    domain.State(fields["state"]),
		WorkerID: fields["worker"],
		Reason:   fields["reason"],
	}
	_ = json.Unmarshal([]byte(fields["payload"]), &e.Payload)
	e.Attempts, _ = strconv.Atoi(fields["attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		e.EnqueuedAt = fromMillis(ms)
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		t := fromMillis(ms)
		e.ExpiresAt = &t
	}
	if ms, err := strconv.ParseInt(fields["finished_at"], 10, 64); err == nil {
		t := fromMillis(ms)
		e.FinishedAt = &t
	}
	if raw := fields["result"]; raw != "" {
		var r domain.Result
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			e.Result = &r
		}
	}
	return e
}

func (b *RedisBroker) Size(ctx context.Context, state domain.State) (int64, error) {
	var n int64
	var err error
	if state == domain.StateWaiting {
		n, err = b.client.LLen(ctx, b.stateKey(state)).Result()
	} else {
		n, err = b.client.ZCard(ctx, b.stateKey(state)).Result()
	}
	if err != nil {
		return 0, unavailable("size", err)
	}
	return n, nil
}

func (b *RedisBroker) Remove(ctx context.Context, jobID string) error {
	code, err := removeScript.Run(ctx, b.client,
		[]string{b.jobKey(jobID)},
		jobID, b.key()+":",
	).Int()
	if err != nil {
		return unavailable("remove", err)
	}

	switch code {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
	default:
		return fmt.Errorf("%w: %s", domain.ErrNotDeletable, jobID)
	}
}

func (b *RedisBroker) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	keys := make([]string, len(finishedStates))
	for i, st := range finishedStates {
		keys[i] = b.stateKey(st)
	}

	n, err := purgeScript.Run(ctx, b.client, keys, toMillis(cutoff), b.jobKeyPrefix()).Int64()
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return n, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
