package protocol

import (
	"encoding/json"
	"slices"
	"strconv"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// DeliveryState only moves forward: pending -> sent -> delivered -> seen.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliverySeen      DeliveryState = "seen"
)

func (d DeliveryState) rank() int {
	switch d {
	case DeliveryPending:
		return 1
	case DeliverySent:
		return 2
	case DeliveryDelivered:
		return 3
	case DeliverySeen:
		return 4
	default:
		return 0
	}
}

// Advance returns the later of the two states.
func (d DeliveryState) Advance(next DeliveryState) DeliveryState {
	if next.rank() > d.rank() {
		return next
	}
	return d
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

type ConversationStatus string

const (
	ConversationAccepted ConversationStatus = "accepted"
	ConversationPending  ConversationStatus = "pending"
)

// Session is set once after authentication and cleared on logout.
type Session struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// FileSize is reported as a number by the upload endpoint and echoed back as
// whatever the sender put in the message, so both forms are accepted.
type FileSize string

func (f *FileSize) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FileSize(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FileSize(n.String())
	return nil
}

func FileSizeOf(n int64) FileSize {
	return FileSize(strconv.FormatInt(n, 10))
}

// Message is one entry of a conversation's ordered message list.
// A locally created message carries its client id in ID until the server
// acknowledges it, after which ID holds the server id.
type Message struct {
	ID             string        `json:"_id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Type           MessageType   `json:"msg_type"`
	Text           string        `json:"text,omitempty"`
	FileURL        string        `json:"file_url,omitempty"`
	FileName       string        `json:"file_name,omitempty"`
	FileSize       FileSize      `json:"file_size,omitempty"`
	CreatedAt      int64         `json:"created_at"` // epoch ms
	DeliveryState  DeliveryState `json:"status"`
}

func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		Text:      m.Text,
		SenderID:  m.SenderID,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}

type MessageSummary struct {
	Text      string      `json:"text"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"msg_type,omitempty"`
	CreatedAt int64       `json:"created_at"`
}

type Conversation struct {
	ID             string             `json:"_id"`
	Kind           ConversationKind   `json:"type"`
	Name           string             `json:"name,omitempty"`
	Avatar         string             `json:"avatar,omitempty"`
	ParticipantIDs []string           `json:"participants"`
	CreatorID      string             `json:"created_by,omitempty"`
	Status         ConversationStatus `json:"status,omitempty"`
	LastMessage    *MessageSummary    `json:"last_message"`
	PinnedMessage  *Message           `json:"pinned_message"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Clone copies the conversation so that it can be patched without touching
// a snapshot another reader may hold.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	if c.LastMessage != nil {
		lastMessage := *c.LastMessage
		cp.LastMessage = &lastMessage
	}
	if c.PinnedMessage != nil {
		pinnedMessage := *c.PinnedMessage
		cp.PinnedMessage = &pinnedMessage
	}
	return &cp
}

func (c *Conversation) WithParticipant(userID string) *Conversation {
	cp := c.Clone()
	if !cp.HasParticipant(userID) {
		cp.ParticipantIDs = append(cp.ParticipantIDs, userID)
	}
	return cp
}

func (c *Conversation) WithoutParticipant(userID string) *Conversation {
	cp := c.Clone()
	cp.ParticipantIDs = slices.DeleteFunc(cp.ParticipantIDs, func(id string) bool {
		return id == userID
	})
	return cp
}

type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type FriendRequest struct {
	ID         string `json:"_id"`
	FromUserID string `json:"from_user"`
	ToUserID   string `json:"to_user"`
	Status     string `json:"status"`
}
