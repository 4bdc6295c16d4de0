package receipt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tripmate/backend/internal/backend/backendtest"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

type fixture struct {
	fake    *backendtest.Fake
	conv    chat.Conversation
	mine    chat.Message
	theirs  chat.Message
	tracker *Tracker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fake := backendtest.New()
	conv := fake.AddConversation("me", "you")
	mine := fake.Seed(chat.Message{ConversationID: conv.ID, SenderID: "me", Content: "landing at 6"})
	theirs := fake.Seed(chat.Message{ConversationID: conv.ID, SenderID: "you", Content: "I'll be there"})
	return fixture{
		fake:    fake,
		conv:    conv,
		mine:    mine,
		theirs:  theirs,
		tracker: NewTracker(fake, "me", "you", logger.Discard()),
	}
}

func TestLoadQueriesPartnerReceiptsForOwnMessages(t *testing.T) {
	f := newFixture(t)
	f.fake.SeedReceipt(f.mine.ID, "you")

	require.NoError(t, f.tracker.Load(context.Background(), []chat.Message{f.mine, f.theirs}))
	assert.True(t, f.tracker.ReadByOther(f.mine.ID))
	assert.False(t, f.tracker.ReadByOther(f.theirs.ID))
}

func TestLoadFailureDegradesToUnread(t *testing.T) {
	f := newFixture(t)
	f.fake.SeedReceipt(f.mine.ID, "you")
	f.fake.Fail(backendtest.OpFetchReceipts, errors.New("timeout"))

	err := f.tracker.Load(context.Background(), []chat.Message{f.mine})
	assert.Error(t, err)
	assert.False(t, f.tracker.ReadByOther(f.mine.ID))
}

func TestMarkAllAsReadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tracker.MarkAllAsRead(ctx, f.conv.ID))
	require.NoError(t, f.tracker.MarkAllAsRead(ctx, f.conv.ID))
	assert.Equal(t, 1, f.fake.ReceiptCount(f.conv.ID))
}

func TestApplyFiltersToPartner(t *testing.T) {
	f := newFixture(t)
	f.tracker.Track([]chat.Message{f.mine, f.theirs})

	assert.False(t, f.tracker.Apply(chat.ReadReceipt{MessageID: f.theirs.ID, ReaderID: "me"}), "own read action")
	assert.False(t, f.tracker.Apply(chat.ReadReceipt{MessageID: f.theirs.ID, ReaderID: "you"}), "partner's own message")
	assert.True(t, f.tracker.Apply(chat.ReadReceipt{MessageID: f.mine.ID, ReaderID: "you"}))
	assert.False(t, f.tracker.Apply(chat.ReadReceipt{MessageID: f.mine.ID, ReaderID: "you"}), "duplicate")

	// 回执可能早于消息到达
	assert.True(t, f.tracker.Apply(chat.ReadReceipt{MessageID: "not-yet-fetched", ReaderID: "you"}))
}

func TestReadStateIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.tracker.Apply(chat.ReadReceipt{MessageID: f.mine.ID, ReaderID: "you"}))

	// 后端暂未返回该回执，本地状态不得回退
	require.NoError(t, f.tracker.Load(ctx, []chat.Message{f.mine}))
	assert.True(t, f.tracker.ReadByOther(f.mine.ID))
}
