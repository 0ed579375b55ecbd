package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relyce/chatstream/internal/connections"
	"github.com/relyce/chatstream/internal/credentials"
	"github.com/relyce/chatstream/internal/wire"
)

// sseServer writes each chunk and flushes, pausing between chunks so reads
// split across them.
func sseServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			io.WriteString(w, chunk)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func data(typ, content string) string {
	b, _ := json.Marshal(wire.Frame{Type: typ, Content: content})
	return "data: " + string(b) + "\n"
}

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	defer s.Close()
	var events []Event
	for s.Next() {
		events = append(events, s.Event())
	}
	return events
}

func tokens(events []Event) string {
	var sb strings.Builder
	for _, e := range events {
		if e.Kind == EventToken {
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}

func request() Request {
	return NewRequest("Hello", "s1", "u1", wire.ModeNormal, nil, nil, nil)
}

func TestStream_Tokens(t *testing.T) {
	token := data(wire.TypeToken, " there")
	server := sseServer(t,
		": keep-alive comment\n",
		data(wire.TypeToken, "Hi"),
		token[:10], token[10:],
		"data: {not json}\n",
		"\n",
		"event: ignored\n",
		data(wire.TypeToken, "!"),
		data(wire.TypeDone, ""),
		data(wire.TypeToken, "after done"),
	)

	client := NewClient(server.URL, nil, nil)
	s, err := client.Stream(context.Background(), request())
	require.NoError(t, err)

	events := collect(t, s)
	assert.Equal(t, "Hi there!", tokens(events))
	assert.NoError(t, s.Err())
	assert.False(t, s.Next(), "exhausted stream stays exhausted")
}

func TestStream_FinalLineWithoutNewline(t *testing.T) {
	last := strings.TrimSuffix(data(wire.TypeToken, "end"), "\n")
	server := sseServer(t, data(wire.TypeToken, "the "), last)

	s, err := NewClient(server.URL, nil, nil).Stream(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "the end", tokens(collect(t, s)))
	assert.NoError(t, s.Err())
}

func TestStream_InfoFrames(t *testing.T) {
	server := sseServer(t, data(wire.TypeInfo, "processing"), data(wire.TypeToken, "ok"), data(wire.TypeDone, ""))

	s, err := NewClient(server.URL, nil, nil).Stream(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, []Event{{Kind: EventInfo, Text: "processing"}, {Kind: EventToken, Text: "ok"}}, collect(t, s))
}

func TestStream_ErrorFrame(t *testing.T) {
	server := sseServer(t, data(wire.TypeToken, "Partial"), data(wire.TypeError, "model overloaded"))

	s, err := NewClient(server.URL, nil, nil).Stream(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "Partial", tokens(collect(t, s)))

	var backendErr *BackendError
	require.ErrorAs(t, s.Err(), &backendErr)
	assert.Equal(t, "model overloaded", backendErr.Message)
	assert.ErrorIs(t, s.Err(), connections.ErrBackend)
}

func TestStream_InlineSearchingPrefix(t *testing.T) {
	tests := []struct {
		name       string
		chunks     []string
		wantInfo   []string
		wantTokens string
	}{
		{
			name:       "prefix split across tokens",
			chunks:     []string{"[IN", "FO] Searching with: go ", "generics\n", "\nGenerics are", " great"},
			wantInfo:   []string{"Searching with: go generics"},
			wantTokens: "Generics are great",
		},
		{
			name:       "prefix and content in one token",
			chunks:     []string{"[INFO] Searching with: weather\nSunny"},
			wantInfo:   []string{"Searching with: weather"},
			wantTokens: "Sunny",
		},
		{
			name:       "plain content",
			chunks:     []string{"[", "1] is a citation"},
			wantTokens: "[1] is a citation",
		},
		{
			name:       "other info block is kept",
			chunks:     []string{"[INFO] something\n", "body"},
			wantTokens: "[INFO] something\nbody",
		},
		{
			name:     "reply ends while searching",
			chunks:   []string{"[INFO] Searching with: nothing\n"},
			wantInfo: []string{"Searching with: nothing"},
		},
		{
			name:       "reply ends inside partial prefix",
			chunks:     []string{"[INFO] Sear"},
			wantTokens: "[INFO] Sear",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body []string
			for _, c := range tt.chunks {
				body = append(body, data(wire.TypeToken, c))
			}
			body = append(body, data(wire.TypeDone, ""))
			server := sseServer(t, body...)

			s, err := NewClient(server.URL, nil, nil).Stream(context.Background(), request())
			require.NoError(t, err)
			events := collect(t, s)

			var infos []string
			for _, e := range events {
				if e.Kind == EventInfo {
					infos = append(infos, e.Text)
				}
			}
			assert.Equal(t, tt.wantInfo, infos)
			assert.Equal(t, tt.wantTokens, tokens(events))

			if len(tt.wantInfo) > 0 {
				info, err := wire.ParseInfo(tt.wantInfo[0])
				require.NoError(t, err)
				assert.Equal(t, wire.InfoSearching, info.Kind)
			}
		})
	}
}

func TestClient_RequestShape(t *testing.T) {
	type captured struct {
		auth string
		body map[string]any
	}
	seen := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, StreamPath, r.URL.Path)
		c := captured{auth: r.Header.Get("Authorization")}
		json.NewDecoder(r.Body).Decode(&c.body)
		seen <- c
		io.WriteString(w, data(wire.TypeDone, ""))
	}))
	defer server.Close()

	personality := &wire.Personality{ID: "coder", Name: "Coder", Specialty: "coding"}
	req := NewRequest("Hello", "s1", "u1", wire.ModeNormal, []string{"f1"}, personality, map[string]any{"tone": "brief"})

	s, err := NewClient(server.URL+"/", credentials.Static("tok"), nil).Stream(context.Background(), req)
	require.NoError(t, err)
	collect(t, s)

	c := <-seen
	gotBody := c.body
	assert.Equal(t, "Bearer tok", c.auth)
	assert.Equal(t, "Hello", gotBody["message"])
	assert.Equal(t, "s1", gotBody["session_id"])
	assert.Equal(t, "u1", gotBody["user_id"])
	assert.Equal(t, "normal", gotBody["chat_mode"])
	assert.Equal(t, []any{"f1"}, gotBody["file_ids"])
	assert.Equal(t, map[string]any{"tone": "brief"}, gotBody["user_settings"])
	assert.Equal(t, "coder", gotBody["personality_id"])

	sent := gotBody["personality"].(map[string]any)
	assert.Equal(t, "coding", sent["specialty"])
	assert.Equal(t, 0.2, sent["temperature"])
	assert.Equal(t, 0.9, sent["top_p"])
}

func TestNewRequest_WithoutPersonality(t *testing.T) {
	req := NewRequest("q", "s1", "u1", wire.ModeDeepSearch, nil, nil, nil)
	assert.Nil(t, req.Personality)
	assert.Empty(t, req.PersonalityID)
	assert.Equal(t, []string{}, req.FileIDs)

	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"file_ids":[]`)
	assert.NotContains(t, string(b), "personality")
}

func TestClient_InvalidRequest(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", nil, nil)
	_, err := client.Stream(context.Background(), NewRequest("q", "", "u1", wire.ModeNormal, nil, nil, nil))
	assert.Error(t, err)

	_, err = client.Stream(context.Background(), NewRequest("q", "s1", "u1", "fast", nil, nil, nil))
	assert.Error(t, err)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantDetail   string
		unauthorized bool
	}{
		{"unauthorized with detail", http.StatusUnauthorized, `{"detail":"Token expired"}`, "Token expired", true},
		{"forbidden", http.StatusForbidden, ``, "Forbidden", true},
		{"server error plain text", http.StatusInternalServerError, `oops`, "Internal Server Error", false},
		{"rate limited", http.StatusTooManyRequests, `{"detail":"Slow down"}`, "Slow down", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, nil, nil).Stream(context.Background(), request())

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.wantDetail, statusErr.Detail)
			assert.Equal(t, tt.unauthorized, errors.Is(err, connections.ErrUnauthorized))
			assert.Equal(t, fmt.Sprintf("HTTP %d: %s", tt.status, tt.wantDetail), err.Error())
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	_, err := NewClient(server.URL, nil, nil).Stream(context.Background(), request())
	assert.ErrorIs(t, err, connections.ErrTransport)
}

func TestStream_CancelMidStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, data(wire.TypeToken, "first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewClient(server.URL, nil, nil).Stream(ctx, request())
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Next())
	assert.Equal(t, "first", s.Event().Text)

	cancel()
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), connections.ErrTransport)
}

func TestClient_Health(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthPath, r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status":"ok"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	assert.NoError(t, client.Health(context.Background()))

	healthy.Store(false)
	var statusErr *StatusError
	assert.ErrorAs(t, client.Health(context.Background()), &statusErr)
}
