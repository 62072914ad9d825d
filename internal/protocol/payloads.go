package protocol

import (
	"bytes"
	"encoding/json"
)

// inbound payloads

type AuthOk struct {
	UserID string `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p ErrorPayload) InvalidatesSession() bool {
	switch p.Code {
	case CodeUnauth, CodeInvalidToken, CodeTokenExpired, CodeSessionExpired:
		return true
	default:
		return false
	}
}

type ConversationsList struct {
	Conversations json.RawMessage `json:"conversations"`
}

// List decodes the conversations. Anything that is not an array of
// conversations yields an empty list.
func (p ConversationsList) List() []Conversation {
	return decodeList[Conversation](p.Conversations)
}

type MessagesLoaded struct {
	ConversationID string          `json:"conversation_id"`
	Messages       json.RawMessage `json:"messages"`
}

func (p MessagesLoaded) List() []Message {
	return decodeList[Message](p.Messages)
}

// ConversationRef is the partial conversation attached to notifications.
type ConversationRef struct {
	ID          string          `json:"_id"`
	LastMessage *MessageSummary `json:"last_message"`
}

// NewMessage is the payload of both new_message and new_message_notification.
type NewMessage struct {
	ConversationID string           `json:"conversation_id"`
	Message        Message          `json:"message"`
	Conversation   *ConversationRef `json:"conversation,omitempty"`
}

type SendAck struct {
	ConversationID string        `json:"conversation_id"`
	ClientMsgID    string        `json:"client_msg_id"`
	ServerMsgID    string        `json:"server_msg_id"`
	Status         DeliveryState `json:"status"`
	CreatedAt      int64         `json:"created_at"`
}

// ConversationPayload carries direct_conversation, new_conversation and
// group_created.
type ConversationPayload struct {
	Conversation Conversation `json:"conversation"`
}

type FriendRequestReceived struct {
	FromUserID string `json:"from_user_id"`
}

type FriendRequestSent struct {
	Status     string          `json:"status"`
	Friendship json.RawMessage `json:"friendship,omitempty"`
}

type FriendAccepted struct {
	UserID string `json:"user_id"`
}

type SearchResults struct {
	Query string `json:"query"`
	Users []User `json:"users"`
}

type FriendsList struct {
	Friends []User `json:"friends"`
}

type FriendRequests struct {
	Received []FriendRequest `json:"received"`
	Sent     []FriendRequest `json:"sent"`
}

// MemberChanged is member_added / member_removed. The room broadcast omits
// the conversation id, in which case the open conversation is meant.
type MemberChanged struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MemberID       string `json:"member_id"`
	AddedBy        string `json:"added_by,omitempty"`
	RemovedBy      string `json:"removed_by,omitempty"`
}

type ConversationUpdated struct {
	ConversationID string        `json:"conversation_id"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}

// ConversationRemoved is removed_from_group / conversation_deleted.
type ConversationRemoved struct {
	ConversationID string `json:"conversation_id"`
}

type GroupInfoUpdated struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
}

type PinnedMessageUpdated struct {
	ConversationID string   `json:"conversation_id"`
	PinnedMessage  *Message `json:"pinned_message"`
}

type PresenceUpdate struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen *int64 `json:"last_seen"`
}

type ReceiptUpdate struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	UserID         string        `json:"user_id"`
	Status         DeliveryState `json:"status"`
}

// outbound payloads

type Auth struct {
	Token string `json:"token"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationID string      `json:"conversation_id"`
	ClientMsgID    string      `json:"client_msg_id"`
	Type           MessageType `json:"msg_type"`
	Text           string      `json:"text"`
	FileURL        string      `json:"file_url,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	FileSize       FileSize    `json:"file_size,omitempty"`
}

type DirectConversationRequest struct {
	OtherUserID string `json:"other_user_id"`
}

type SendFriendRequest struct {
	ToUserID string `json:"to_user_id"`
}

type RespondFriendRequest struct {
	FromUserID string `json:"from_user_id"`
}

type CreateGroup struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type GroupMember struct {
	ConversationID string `json:"conversation_id"`
	MemberID       string `json:"member_id"`
}

type UpdateGroupInfo struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
}

type PinMessage struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type SearchUsers struct {
	Query string `json:"query"`
}

type Receipt struct {
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	Status         DeliveryState `json:"status"`
}

func decodeList[T any](raw json.RawMessage) []T {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []T{}
	}
	var list []T
	if err := json.Unmarshal(trimmed, &list); err != nil || list == nil {
		return []T{}
	}
	return list
}
