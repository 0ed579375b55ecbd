package messages

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func user(id, content string) Message {
	return Message{ID: id, Role: RoleUser, Content: content}
}

func bot(id, content string) Message {
	return Message{ID: id, Role: RoleBot, Content: content}
}

func placeholder(id string) Message {
	return Message{ID: id, Role: RoleBot, IsStreaming: true, IsGenerating: true}
}

func contents(list []Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestDedupe(t *testing.T) {
	tests := []struct {
		name string
		in   []Message
		want []string
	}{
		{
			name: "consecutive duplicates collapse",
			in:   []Message{bot("1", "hi"), bot("2", "hi"), user("3", "x")},
			want: []string{"bot:hi", "user:x"},
		},
		{
			name: "same content different role is kept",
			in:   []Message{user("1", "hi"), bot("2", "hi")},
			want: []string{"user:hi", "bot:hi"},
		},
		{
			name: "non-consecutive duplicates are kept",
			in:   []Message{user("1", "a"), bot("2", "b"), user("3", "a")},
			want: []string{"user:a", "bot:b", "user:a"},
		},
		{
			name: "empty",
			in:   nil,
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contents(Dedupe(tt.in)))
		})
	}
}

func TestPairs(t *testing.T) {
	list := []Message{
		bot("0", "welcome"),
		user("1", "q1"),
		bot("2", "a1"),
		user("3", "q2"),
		user("4", "q3"),
		bot("5", "a3"),
		user("6", "q4"),
	}

	pairs := Pairs(list)
	require.Len(t, pairs, 4)

	assert.Equal(t, "q1", pairs[0].Question.Content)
	require.NotNil(t, pairs[0].Answer)
	assert.Equal(t, "a1", pairs[0].Answer.Content)

	assert.Equal(t, "q2", pairs[1].Question.Content)
	assert.Nil(t, pairs[1].Answer)

	assert.Equal(t, "a3", pairs[2].Answer.Content)

	assert.Equal(t, "q4", pairs[3].Question.Content)
	assert.Nil(t, pairs[3].Answer)
}

func TestAwaitingReply(t *testing.T) {
	assert.False(t, AwaitingReply(nil))
	assert.True(t, AwaitingReply([]Message{user("1", "q")}))
	assert.False(t, AwaitingReply([]Message{user("1", "q"), bot("2", "a")}))
}

func TestStore_Append(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(user("u1", "Hello"), placeholder("b1")))

	err := s.Append(user("u1", "again"))
	assert.ErrorIs(t, err, ErrDuplicateID)

	err = s.Append(user("u2", "next"), placeholder("b2"))
	assert.ErrorIs(t, err, ErrStreamInFlight)
	assert.Equal(t, 2, s.Len(), "rejected batch is not partially applied")
	assert.Equal(t, 1, s.StreamingCount())
}

func TestStore_AppendContent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(user("u1", "Hello"), placeholder("b1")))

	assert.True(t, s.AppendContent("b1", "Hi"))
	assert.True(t, s.AppendContent("b1", " there"))
	assert.False(t, s.AppendContent("b1", ""))
	assert.False(t, s.AppendContent("missing", "x"))
	assert.False(t, s.AppendContent("u1", "x"), "only streaming messages grow")

	m, ok := s.Get("b1")
	require.True(t, ok)
	assert.Equal(t, "Hi there", m.Content)
	assert.True(t, m.IsStreaming)
	assert.False(t, m.IsGenerating)

	_, err := s.Finalize("b1", "")
	require.NoError(t, err)
	assert.False(t, s.AppendContent("b1", "!"), "finalized content is immutable")
}

func TestStore_Finalize(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		reason      string
		wantContent string
		wantError   bool
	}{
		{"done", "Hi there!", "", "Hi there!", false},
		{"error without content", "", "rate limited", ErrorPrefix + "rate limited", true},
		{"error with whitespace only", "  ", "boom", ErrorPrefix + "boom", true},
		{"error keeps partial answer", "Partial resul", "Connection lost", "Partial resul", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			msg := placeholder("b1")
			msg.IsSearching = true
			msg.SearchQuery = "go"
			require.NoError(t, s.Append(msg))
			s.AppendContent("b1", tt.content)

			final, err := s.Finalize("b1", tt.reason)
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, final.Content)
			assert.Equal(t, tt.wantError, final.IsError)
			assert.False(t, final.IsStreaming)
			assert.False(t, final.IsGenerating)
			assert.False(t, final.IsSearching)
			assert.Empty(t, final.SearchQuery)
			assert.Equal(t, 0, s.StreamingCount())
		})
	}

	_, err := NewStore().Finalize("missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_HistoryDeferredWhileStreaming(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(user("u1", "Hello"), placeholder("b1")))
	s.AppendContent("b1", "Hi")

	// Saved mid-stream: only the question, stored twice under its own ids.
	persisted := []Message{user("p1", "Hello"), user("p1b", "Hello")}
	assert.False(t, s.ApplyHistory(persisted))
	assert.True(t, s.HasDeferredHistory())
	assert.Equal(t, []string{"user:Hello", "bot:Hi"}, contents(s.Messages()))
	m, _ := s.Get("b1")
	assert.True(t, m.IsStreaming, "visible list is untouched")

	s.AppendContent("b1", " there!")
	_, err := s.Finalize("b1", "")
	require.NoError(t, err)

	list := s.Messages()
	assert.False(t, s.HasDeferredHistory())
	assert.Equal(t, []string{"user:Hello", "bot:Hi there!"}, contents(list))
	assert.Equal(t, "p1", list[0].ID)
	assert.Equal(t, "b1", list[1].ID, "the finished reply survives")
}

func TestStore_HistoryKeepsUnconfirmedEntries(t *testing.T) {
	tests := []struct {
		name    string
		history []Message
		want    []string
		wantIDs []string
	}{
		{
			name:    "nothing persisted yet",
			history: nil,
			want:    []string{"user:q1", "bot:⚠️ Error: offline"},
			wantIDs: []string{"u1", "b1"},
		},
		{
			name:    "same ids",
			history: []Message{user("u1", "q1")},
			want:    []string{"user:q1", "bot:⚠️ Error: offline"},
			wantIDs: []string{"u1", "b1"},
		},
		{
			name:    "backend ids and content",
			history: []Message{user("x1", "q1"), bot("x2", "⚠️ Error: offline")},
			want:    []string{"user:q1", "bot:⚠️ Error: offline"},
			wantIDs: []string{"x1", "x2"},
		},
		{
			name:    "written elsewhere after the turn",
			history: []Message{user("u1", "q1"), user("o1", "other device")},
			want:    []string{"user:q1", "bot:⚠️ Error: offline", "user:other device"},
			wantIDs: []string{"u1", "b1", "o1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			require.NoError(t, s.Append(user("u1", "q1"), placeholder("b1")))
			_, err := s.Finalize("b1", "offline")
			require.NoError(t, err)

			assert.True(t, s.ApplyHistory(tt.history))
			list := s.Messages()
			assert.Equal(t, tt.want, contents(list))
			ids := make([]string, len(list))
			for i, m := range list {
				ids[i] = m.ID
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestStore_ConfirmedEntriesFollowHistory(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(user("u1", "q1"), bot("b1", "a1")))
	s.ApplyHistory([]Message{user("u1", "q1"), bot("b1", "a1")})

	// Both are persisted now, so a later copy without them wins.
	s.ApplyHistory([]Message{user("o1", "fresh start")})
	assert.Equal(t, []string{"user:fresh start"}, contents(s.Messages()))
}

func TestStore_HistoryAppliedWhenIdle(t *testing.T) {
	s := NewStore()
	assert.True(t, s.ApplyHistory([]Message{bot("1", "hi"), bot("2", "hi"), user("3", "x")}))
	assert.Equal(t, []string{"bot:hi", "user:x"}, contents(s.Messages()))
}

func TestStore_Update(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(user("u1", "q"), placeholder("b1"), bot("b0", "old")))

	err := s.Update("b1", func(m *Message) {
		m.IsSearching = true
		m.SearchQuery = "weather"
		m.ID = "hijacked"
	})
	require.NoError(t, err)
	m, ok := s.Get("b1")
	require.True(t, ok)
	assert.True(t, m.IsSearching)
	assert.Equal(t, "weather", m.SearchQuery)

	err = s.Update("b0", func(m *Message) { m.IsStreaming = true })
	assert.ErrorIs(t, err, ErrStreamInFlight)
	assert.Equal(t, 1, s.StreamingCount())

	assert.ErrorIs(t, s.Update("missing", func(*Message) {}), ErrNotFound)
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	msg := bot("b1", "a")
	msg.Intelligence = map[string]any{"mode": "fast"}
	require.NoError(t, s.Append(msg))

	list := s.Messages()
	list[0].Content = "changed"
	list[0].Intelligence["mode"] = "changed"

	m, _ := s.Get("b1")
	assert.Equal(t, "a", m.Content)
	assert.Equal(t, "fast", m.Intelligence["mode"])
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()
	var seen [][]Message
	unsubscribe := s.Subscribe(func(list []Message) {
		seen = append(seen, list)
	})

	require.NoError(t, s.Append(user("u1", "q")))
	s.Reset([]Message{bot("x", "restored")})
	unsubscribe()
	require.NoError(t, s.Append(user("u2", "q2")))

	require.Len(t, seen, 2)
	assert.Equal(t, []string{"user:q"}, contents(seen[0]))
	assert.Equal(t, []string{"bot:restored"}, contents(seen[1]))
}

func TestStore_ResetDropsDeferredHistory(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(placeholder("b1")))
	s.ApplyHistory([]Message{bot("p", "persisted")})
	require.True(t, s.HasDeferredHistory())

	s.Reset(nil)
	assert.False(t, s.HasDeferredHistory())
	assert.Equal(t, 0, s.Len())
}

func TestStore_Pairs(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Append(user("u1", "q"), bot("b1", "a"), user("u2", "q2")))
	pairs := s.Pairs()
	require.Len(t, pairs, 2)
	assert.Nil(t, pairs[1].Answer)
}

func TestStore_NotifiesInOrder(t *testing.T) {
	s := NewStore()
	var mu sync.Mutex
	var lengths []int
	s.Subscribe(func(list []Message) {
		mu.Lock()
		lengths = append(lengths, len(list))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(user(fmt.Sprintf("u%d", i), "q"))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lengths)
	for i := 1; i < len(lengths); i++ {
		assert.Greater(t, lengths[i], lengths[i-1], "snapshots arrive oldest first")
	}
	assert.Equal(t, 50, lengths[len(lengths)-1])
}
