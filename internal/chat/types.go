package chat

import (
	"encoding/json"
	"errors"
)

// User is a chat-platform account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// ChannelType mirrors the platform's one-letter channel kinds.
type ChannelType string

const (
	ChannelDirect ChannelType = "D"
	ChannelOpen   ChannelType = "O"
	ChannelGroup  ChannelType = "G"
)

type Channel struct {
	ID   string      `json:"id"`
	Type ChannelType `json:"type"`
	Name string      `json:"name,omitempty"`
}

type Post struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	CreateAt  int64  `json:"create_at,omitempty"`
}

// Event kinds emitted by the event stream. Anything else is ignored.
const (
	EventHello       = "hello"
	EventPosted      = "posted"
	EventDirectAdded = "direct_added"
)

// Event is one typed frame from the event stream.
//
// For "posted" events the platform embeds the post as a JSON-encoded string
// inside data; DecodePost unwraps it.
type Event struct {
	Type string    `json:"event"`
	Seq  int64     `json:"seq,omitempty"`
	Data EventData `json:"data,omitempty"`
}

type EventData struct {
	ChannelType string `json:"channel_type,omitempty"`
	Post        string `json:"post,omitempty"`
	TeammateID  string `json:"teammate_id,omitempty"`
}

var errNoPost = errors.New("chat: event carries no post")

// DecodePost unwraps the embedded post payload of a "posted" event.
func (e Event) DecodePost() (Post, error) {
	if e.Data.Post == "" {
		return Post{}, errNoPost
	}
	var p Post
	if err := json.Unmarshal([]byte(e.Data.Post), &p); err != nil {
		return Post{}, err
	}
	return p, nil
}
