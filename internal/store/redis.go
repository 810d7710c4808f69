package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	apperr "gemini-proxy-go/internal/errors"
)

// Redis is the shared Store. Rotation-set membership lives under
// <prefix>rotation_keys, per-credential state under <prefix>key_state:<key>
// as a hash, and per-group cursors under <prefix>rotation_counter:<group>.
// Cooldowns are expressed through the state record's TTL so that expiry
// naturally restores availability across all proxy instances.
type Redis struct {
	client *redis.Client
	prefix string
}

const (
	rotationSetSuffix    = "rotation_keys"
	stateKeySuffix       = "key_state:"
	rotationCounterInfix = "rotation_counter:"

	fieldBlocked  = "is_blocked"
	fieldFailures = "consecutive_failures"
	fieldLastFail = "last_failure"
	fieldGroup    = "group_name"
)

// NewRedis connects to the given redis URL and verifies the connection.
func NewRedis(rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageErr("ping", err)
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// NewRedisWithClient wraps an existing client (tests use miniredis here).
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) rotationSetKey() string         { return r.prefix + rotationSetSuffix }
func (r *Redis) stateKey(key string) string     { return r.prefix + stateKeySuffix + key }
func (r *Redis) counterKey(group string) string { return r.prefix + rotationCounterInfix + group }

func (r *Redis) Candidates(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.rotationSetKey()).Result()
	if err != nil {
		return nil, storageErr("candidates", err)
	}
	return members, nil
}

func (r *Redis) NextRotationIndex(ctx context.Context, groupID string) (uint64, error) {
	val, err := r.client.Incr(ctx, r.counterKey(groupID)).Result()
	if err != nil {
		return 0, storageErr("next_rotation_index", err)
	}
	return uint64(val), nil
}

func (r *Redis) RecordFailure(ctx context.Context, key string, terminal bool, maxFailures int) (KeyState, error) {
	stateKey := r.stateKey(key)
	now := time.Now().UTC()

	count, err := r.client.HIncrBy(ctx, stateKey, fieldFailures, 1).Result()
	if err != nil {
		return KeyState{}, storageErr("record_failure", err)
	}

	blocked := terminal || (maxFailures > 0 && count >= int64(maxFailures))
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, fieldLastFail, now.Format(time.RFC3339))
	if blocked {
		pipe.HSet(ctx, stateKey, fieldBlocked, "true")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return KeyState{}, storageErr("record_failure", err)
	}

	group, _ := r.client.HGet(ctx, stateKey, fieldGroup).Result()
	return KeyState{
		GroupName:           group,
		Blocked:             blocked,
		ConsecutiveFailures: int(count),
		LastFailure:         now,
	}, nil
}

func (r *Redis) RateLimit(ctx context.Context, key string, d time.Duration) error {
	stateKey := r.stateKey(key)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, fieldBlocked, "true")
	pipe.PExpire(ctx, stateKey, d)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("rate_limit", err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	stateKey := r.stateKey(key)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, fieldBlocked, "false", fieldFailures, "0")
	pipe.HDel(ctx, stateKey, fieldLastFail)
	pipe.Persist(ctx, stateKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("reset", err)
	}
	return nil
}

func (r *Redis) GetState(ctx context.Context, key string) (*KeyState, error) {
	stateKey := r.stateKey(key)
	fields, err := r.client.HGetAll(ctx, stateKey).Result()
	if err != nil {
		return nil, storageErr("get_state", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	st := parseState(fields)
	if st.Blocked {
		// A TTL on the record is the cooldown; surface it so observers can
		// report when the key becomes available again.
		if ttl, err := r.client.PTTL(ctx, stateKey).Result(); err == nil && ttl > 0 {
			st.CooldownUntil = time.Now().Add(ttl)
		}
	}
	return &st, nil
}

func (r *Redis) GetAllStates(ctx context.Context) (map[string]KeyState, error) {
	members, err := r.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]KeyState, len(members))
	for _, key := range members {
		st, err := r.GetState(ctx, key)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out[key] = *st
		}
	}
	return out, nil
}

func (r *Redis) InitializeKeys(ctx context.Context, members map[string]string, wipe bool) error {
	if wipe {
		if err := r.wipe(ctx); err != nil {
			return err
		}
	}

	current, err := r.client.SMembers(ctx, r.rotationSetKey()).Result()
	if err != nil {
		return storageErr("initialize_keys", err)
	}

	pipe := r.client.Pipeline()
	for _, key := range current {
		if _, keep := members[key]; !keep {
			pipe.SRem(ctx, r.rotationSetKey(), key)
			pipe.Del(ctx, r.stateKey(key))
		}
	}
	for key, group := range members {
		pipe.SAdd(ctx, r.rotationSetKey(), key)
		pipe.HSetNX(ctx, r.stateKey(key), fieldBlocked, "false")
		pipe.HSetNX(ctx, r.stateKey(key), fieldFailures, "0")
		pipe.HSet(ctx, r.stateKey(key), fieldGroup, group)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("initialize_keys", err)
	}
	return nil
}

// wipe destroys all proxy state under the prefix. Wildcard deletion is only
// permitted for test prefixes; production prefixes must never be scanned.
func (r *Redis) wipe(ctx context.Context) error {
	if !strings.Contains(r.prefix, "test") {
		return fmt.Errorf("refusing wildcard wipe for non-test prefix %q", r.prefix)
	}
	keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return storageErr("wipe", err)
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return storageErr("wipe", err)
		}
	}
	log.WithField("prefix", r.prefix).WithField("keys", len(keys)).Debug("test store wiped")
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }

func parseState(fields map[string]string) KeyState {
	st := KeyState{
		GroupName: fields[fieldGroup],
		Blocked:   fields[fieldBlocked] == "true",
	}
	if v, err := strconv.Atoi(fields[fieldFailures]); err == nil {
		st.ConsecutiveFailures = v
	}
	if ts, err := time.Parse(time.RFC3339, fields[fieldLastFail]); err == nil {
		st.LastFailure = ts
	}
	return st
}

func storageErr(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, apperr.ErrStorageUnavailable, err)
}
