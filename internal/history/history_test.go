package history

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relyce/chatstream/internal/messages"
)

func TestTitleFromMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "How do I bake bread?", "How do I bake bread?"},
		{"markdown stripped", "# **Hello** `world` [link]", "Hello world link"},
		{"whitespace collapsed", "  many\n\nlines\there ", "many lines here"},
		{"only markup", "### ***", "Conversation"},
		{"empty", "", "Conversation"},
		{"truncated", strings.Repeat("a", 61), strings.Repeat("a", 60) + "..."},
		{"exactly the limit", strings.Repeat("b", 60), strings.Repeat("b", 60)},
		{"multibyte truncation", strings.Repeat("é", 70), strings.Repeat("é", 60) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TitleFromMessage(tt.in))
		})
	}
}

type updates struct {
	mu    sync.Mutex
	lists [][]messages.Message
	ch    chan struct{}
}

func newUpdates() *updates {
	return &updates{ch: make(chan struct{}, 32)}
}

func (u *updates) fn(list []messages.Message) {
	u.mu.Lock()
	u.lists = append(u.lists, list)
	u.mu.Unlock()
	u.ch <- struct{}{}
}

func (u *updates) wait(t *testing.T) []messages.Message {
	t.Helper()
	select {
	case <-u.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for history update")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lists[len(u.lists)-1]
}

// exerciseSource runs the behaviour every Source must share.
func exerciseSource(t *testing.T, source Source, userID string) {
	ctx := context.Background()
	sessionID := uuid.New().String()

	got := newUpdates()
	unsubscribe, err := source.Subscribe(ctx, userID, sessionID, got.fn)
	require.NoError(t, err)
	assert.Empty(t, got.wait(t), "initial snapshot is delivered")

	streaming := messages.Message{Role: messages.RoleUser, Content: "Hello", IsStreaming: true, IsSearching: true}
	id, err := source.Append(ctx, userID, sessionID, streaming)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list := got.wait(t)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "Hello", list[0].Content)
	assert.False(t, list[0].IsStreaming, "transient flags are not persisted")
	assert.False(t, list[0].IsSearching)
	assert.False(t, list[0].Timestamp.IsZero())

	name, err := source.SessionName(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionName, name)

	renamed, err := source.EnsureSessionName(ctx, userID, sessionID, "Hello")
	require.NoError(t, err)
	assert.True(t, renamed)

	renamed, err = source.EnsureSessionName(ctx, userID, sessionID, "Second title")
	require.NoError(t, err)
	assert.False(t, renamed, "only the default name is replaced")

	name, err = source.SessionName(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", name)

	unsubscribe()
	unsubscribe()
	_, err = source.Append(ctx, userID, sessionID, messages.Message{Role: messages.RoleBot, Content: "Hi"})
	require.NoError(t, err)
	select {
	case <-got.ch:
		t.Fatal("update delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseSource(t, NewMemoryStore(50), "user-1")
}

func TestMemoryStore_Limit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)
	for _, content := range []string{"one", "two", "three"} {
		_, err := store.Append(ctx, "u", "s", messages.Message{Role: messages.RoleUser, Content: content})
		require.NoError(t, err)
	}

	got := newUpdates()
	_, err := store.Subscribe(ctx, "u", "s", got.fn)
	require.NoError(t, err)

	list := got.wait(t)
	require.Len(t, list, 2)
	assert.Equal(t, "two", list[0].Content)
	assert.Equal(t, "three", list[1].Content)
}

func TestMemoryStore_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	_, err := store.Append(ctx, "u", "a", messages.Message{Role: messages.RoleUser, Content: "in a"})
	require.NoError(t, err)

	got := newUpdates()
	_, err = store.Subscribe(ctx, "u", "b", got.fn)
	require.NoError(t, err)
	assert.Empty(t, got.wait(t))

	got = newUpdates()
	_, err = store.Subscribe(ctx, "other-user", "a", got.fn)
	require.NoError(t, err)
	assert.Empty(t, got.wait(t))
}

func TestNew_FallsBackToMemory(t *testing.T) {
	t.Setenv("HISTORY_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")

	source := New(context.Background())
	defer source.Close()
	assert.IsType(t, &MemoryStore{}, source)
}

func TestOpenRedis_RequiresAddress(t *testing.T) {
	_, err := OpenRedis(context.Background(), "", "", 10)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set")
	}

	store, err := OpenRedis(context.Background(), addr, os.Getenv("REDIS_PASSWORD"), 50)
	require.NoError(t, err)
	defer store.Close()

	exerciseSource(t, store, "test-"+uuid.New().String())
}
