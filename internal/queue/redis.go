package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/saleshub/api-go/internal/model"
)

// joinScript inserts the entry only when the user has none, assigning the
// next insertion sequence as the sorted-set score.
var joinScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
  return {0, existing, score or '0'}
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], seq, ARGV[1])
return {1, ARGV[2], tostring(seq)}
`)

// pruneScript removes the user's entry only if it is still the exact entry
// the caller judged stale. A rejoin in between writes a new value and survives.
var pruneScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// Redis keeps entries in a hash keyed by user id and their insertion order in
// a sorted set.
type Redis struct {
	rdb       *redis.Client
	entryKey  string
	orderKey  string
	seqKey    string
	ownClient bool
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	r := NewRedis(rdb, prefix)
	r.ownClient = true
	return r, nil
}

// NewRedis wraps an existing client. Keys are namespaced under prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "saleshub:queue"
	}
	return &Redis{
		rdb:      rdb,
		entryKey: prefix + ":entries",
		orderKey: prefix + ":order",
		seqKey:   prefix + ":seq",
	}
}

type redisEntry struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	ProcessType string `json:"processType"`
	JoinedAtMs  int64  `json:"joinedAtMs"`
	Status      string `json:"status"`
}

func encodeRedisEntry(e model.QueueEntry) (string, error) {
	raw, err := json.Marshal(redisEntry{
		ID:          e.ID,
		UserID:      e.UserID,
		UserName:    e.UserName,
		ProcessType: e.ProcessType,
		JoinedAtMs:  e.JoinedAt.UnixMilli(),
		Status:      e.Status,
	})
	return string(raw), err
}

func decodeRedisEntry(raw string, seq int64) (model.QueueEntry, error) {
	var re redisEntry
	if err := json.Unmarshal([]byte(raw), &re); err != nil {
		return model.QueueEntry{}, err
	}
	return model.QueueEntry{
		ID:          re.ID,
		UserID:      re.UserID,
		UserName:    re.UserName,
		ProcessType: re.ProcessType,
		JoinedAt:    time.UnixMilli(re.JoinedAtMs).UTC(),
		Status:      re.Status,
		Seq:         seq,
	}, nil
}

func (r *Redis) List(ctx context.Context) ([]model.QueueEntry, error) {
	members, err := r.rdb.ZRangeWithScores(ctx, r.orderKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := []model.QueueEntry{}
	if len(members) == 0 {
		return out, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = fmt.Sprint(m.Member)
	}
	values, err := r.rdb.HMGet(ctx, r.entryKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Left between the two reads.
			continue
		}
		entry, err := decodeRedisEntry(raw, int64(members[i].Score))
		if err != nil {
			return nil, fmt.Errorf("decode queue entry %s: %w", ids[i], err)
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func (r *Redis) Join(ctx context.Context, entry model.QueueEntry) (model.QueueEntry, bool, error) {
	raw, err := encodeRedisEntry(entry)
	if err != nil {
		return model.QueueEntry{}, false, err
	}
	res, err := joinScript.Run(ctx, r.rdb, []string{r.entryKey, r.orderKey, r.seqKey}, entry.UserID, raw).Slice()
	if err != nil {
		return model.QueueEntry{}, false, err
	}
	if len(res) != 3 {
		return model.QueueEntry{}, false, fmt.Errorf("join script: unexpected reply %v", res)
	}
	created, _ := res[0].(int64)
	storedRaw, _ := res[1].(string)
	var seq int64
	if s, ok := res[2].(string); ok {
		_, _ = fmt.Sscan(s, &seq)
	}
	stored, err := decodeRedisEntry(storedRaw, seq)
	if err != nil {
		return model.QueueEntry{}, false, err
	}
	return stored, created == 1, nil
}

func (r *Redis) Leave(ctx context.Context, userID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.entryKey, userID)
		pipe.ZRem(ctx, r.orderKey, userID)
		return nil
	})
	return err
}

func (r *Redis) Prune(ctx context.Context, joinedBefore time.Time) (int, error) {
	values, err := r.rdb.HGetAll(ctx, r.entryKey).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for userID, raw := range values {
		entry, err := decodeRedisEntry(raw, 0)
		if err != nil || !entry.JoinedAt.Before(joinedBefore) {
			continue
		}
		ok, err := r.removeIfUnchanged(ctx, userID, raw)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (r *Redis) removeIfUnchanged(ctx context.Context, userID, raw string) (bool, error) {
	n, err := pruneScript.Run(ctx, r.rdb, []string{r.entryKey, r.orderKey}, userID, raw).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Close() error {
	if r.ownClient {
		return r.rdb.Close()
	}
	return nil
}
