package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/tripmate/backend/internal/config"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
)

// rowTTL 远大于新鲜度窗口；过期后等同于离线。
const rowTTL = 24 * time.Hour

// RedisStore keeps one hash per user: presence:<user> {online, last_seen}.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis connects with the configured address and pings once.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: rowTTL}
}

func presenceKey(userID string) string { return "presence:" + userID }

func (r *RedisStore) Upsert(ctx context.Context, p chat.Presence) error {
	key := presenceKey(p.UserID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"online":    strconv.FormatBool(p.IsOnline),
		"last_seen": p.LastSeen.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Query(ctx context.Context, userIDs []string) (map[string]chat.Presence, error) {
	out := make(map[string]chat.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, id := range userIDs {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		online, _ := strconv.ParseBool(fields["online"])
		lastSeen, err := time.Parse(time.RFC3339Nano, fields["last_seen"])
		if err != nil {
			// 无法解析的时间戳按离线处理
			online = false
		}
		out[id] = chat.Presence{UserID: id, IsOnline: online, LastSeen: lastSeen}
	}
	return out, nil
}
