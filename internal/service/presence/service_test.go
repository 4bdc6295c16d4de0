package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tripmate/backend/internal/config"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
)

type capturePublisher struct {
	events []event.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev event.Event) {
	c.events = append(c.events, ev)
}

func TestHeartbeatOverwritesAndPublishes(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub := &capturePublisher{}
	svc := NewService(NewMemoryStore(), pub, func() time.Time { return now })
	ctx := context.Background()

	_, err := svc.Heartbeat(ctx, "mei", true)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = svc.Heartbeat(ctx, "mei", false)
	require.NoError(t, err)

	rows, err := svc.Query(ctx, []string{"mei", "tomas"})
	require.NoError(t, err)
	require.Contains(t, rows, "mei")
	assert.NotContains(t, rows, "tomas")
	assert.False(t, rows["mei"].IsOnline)
	assert.Equal(t, now, rows["mei"].LastSeen)

	require.Len(t, pub.events, 2)
	assert.Equal(t, event.PresenceTopic("mei"), pub.events[1].Topic)
	var p chat.Presence
	require.NoError(t, pub.events[1].Decode(&p))
	assert.False(t, p.IsOnline)

	_, err = svc.Heartbeat(ctx, "", true)
	assert.ErrorIs(t, err, ErrUserRequired)
}

// 需要本地 Redis：REDIS_ADDR=localhost:6379
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	store := NewRedisStore(rdb)
	seen := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Upsert(ctx, chat.Presence{UserID: "presence-test-user", IsOnline: true, LastSeen: seen}))
	defer rdb.Del(ctx, presenceKey("presence-test-user"))

	rows, err := store.Query(ctx, []string{"presence-test-user", "presence-test-missing"})
	require.NoError(t, err)
	require.Contains(t, rows, "presence-test-user")
	assert.True(t, rows["presence-test-user"].IsOnline)
	assert.True(t, seen.Equal(rows["presence-test-user"].LastSeen))
	assert.NotContains(t, rows, "presence-test-missing")
}
