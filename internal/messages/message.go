// Package messages holds the ordered conversation list shown to the user and
// reconciles optimistic inserts, streamed appends and persisted history.
package messages

import (
	"time"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// File is attachment metadata. FileID is set once the backend has stored it.
type File struct {
	Name     string `json:"name" validate:"required"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	FileID   string `json:"file_id,omitempty"`
}

// Source is a citation attached to a bot answer
type Source struct {
	Title string `json:"title"`
	Link  string `json:"link"`
}

type Message struct {
	ID           string         `json:"id"`
	Role         Role           `json:"role"`
	Content      string         `json:"content"`
	Timestamp    time.Time      `json:"timestamp"`
	Files        []File         `json:"files,omitempty"`
	IsStreaming  bool           `json:"is_streaming,omitempty"`
	IsGenerating bool           `json:"is_generating,omitempty"`
	IsSearching  bool           `json:"is_searching,omitempty"`
	SearchQuery  string         `json:"search_query,omitempty"`
	Intelligence map[string]any `json:"intelligence,omitempty"`
	Sources      []Source       `json:"sources,omitempty"`
	IsError      bool           `json:"is_error,omitempty"`
}

// Clone returns a copy that shares no slices or maps with m.
func (m Message) Clone() Message {
	if m.Files != nil {
		m.Files = append([]File(nil), m.Files...)
	}
	if m.Sources != nil {
		m.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Intelligence != nil {
		intel := make(map[string]any, len(m.Intelligence))
		for k, v := range m.Intelligence {
			intel[k] = v
		}
		m.Intelligence = intel
	}
	return m
}

// Dedupe collapses runs of consecutive messages with the same role and
// content into their first entry.
func Dedupe(list []Message) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if n := len(out); n > 0 && out[n-1].Role == m.Role && out[n-1].Content == m.Content {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Pair is one question and the bot message that answered it. Answer is nil
// while the question is unanswered.
type Pair struct {
	Question Message
	Answer   *Message
}

// Pairs groups each user message with the bot message directly after it.
// Bot messages with no preceding question are skipped.
func Pairs(list []Message) []Pair {
	var pairs []Pair
	for i := 0; i < len(list); i++ {
		if list[i].Role != RoleUser {
			continue
		}
		pair := Pair{Question: list[i]}
		if i+1 < len(list) && list[i+1].Role == RoleBot {
			answer := list[i+1]
			pair.Answer = &answer
			i++
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// AwaitingReply reports whether the last message is a question with no
// answer yet. The typing indicator follows it.
func AwaitingReply(list []Message) bool {
	return len(list) > 0 && list[len(list)-1].Role == RoleUser
}
