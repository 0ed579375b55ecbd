// Package history is the persisted conversation store the chat controller
// reconciles against. Updates are pushed to subscribers as full lists.
package history

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/relyce/chatstream/internal/config"
	"github.com/relyce/chatstream/internal/messages"
)

// DefaultSessionName is the title of a session nobody has written in yet.
const DefaultSessionName = "New Chat"

const maxTitleLength = 60

var ErrInvalidConfig = errors.New("history: invalid configuration")

// UpdateFunc receives the full persisted list, oldest first.
type UpdateFunc func([]messages.Message)

type Source interface {
	// Subscribe delivers the current list to fn and then every later
	// change, until the returned func is called.
	Subscribe(ctx context.Context, userID, sessionID string, fn UpdateFunc) (func(), error)
	// Append persists msg and returns its stored id.
	Append(ctx context.Context, userID, sessionID string, msg messages.Message) (string, error)
	// EnsureSessionName sets the title when the session still has the
	// default one. Reports whether it renamed.
	EnsureSessionName(ctx context.Context, userID, sessionID, title string) (bool, error)
	SessionName(ctx context.Context, userID, sessionID string) (string, error)
	Close() error
}

// New opens the backend named by HISTORY_BACKEND. Redis falls back to
// memory when it is not configured or unreachable.
func New(ctx context.Context) Source {
	limit := config.GetHistoryLimit()
	if config.GetHistoryBackend() == config.HistoryBackendRedis {
		if store, err := OpenRedis(ctx, config.GetRedisURL(), config.GetRedisPassword(), limit); err == nil {
			return store
		}
	}
	return NewMemoryStore(limit)
}

var titleStrip = regexp.MustCompile("[#>*_`\\[\\]]")

// TitleFromMessage derives a session title from the first question.
func TitleFromMessage(text string) string {
	title := strings.Join(strings.Fields(titleStrip.ReplaceAllString(text, "")), " ")
	if title == "" {
		return "Conversation"
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxTitleLength])) + "..."
	}
	return title
}

// persisted strips the fields that only make sense while streaming.
func persisted(m messages.Message) messages.Message {
	m = m.Clone()
	m.IsStreaming = false
	m.IsGenerating = false
	m.IsSearching = false
	m.SearchQuery = ""
	return m
}

func tail(list []messages.Message, limit int) []messages.Message {
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]messages.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}
