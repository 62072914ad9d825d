package protocol

// EventType names are dictated by the server and must not change.
type EventType string

// Wildcard registers a handler for every inbound envelope.
const Wildcard EventType = "*"

// inbound
const (
	EventAuthOk                 EventType = "auth_ok"
	EventError                  EventType = "error"
	EventConversationsList      EventType = "conversations_list"
	EventMessagesLoaded         EventType = "messages_loaded"
	EventNewMessage             EventType = "new_message"
	EventNewMessageNotification EventType = "new_message_notification"
	EventSendAck                EventType = "send_ack"
	EventDirectConversation     EventType = "direct_conversation"
	EventNewConversation        EventType = "new_conversation"
	EventFriendRequestReceived  EventType = "friend_request_received"
	EventFriendRequestSent      EventType = "friend_request_sent"
	EventFriendAccepted         EventType = "friend_accepted"
	EventSearchResults          EventType = "search_results"
	EventFriendsList            EventType = "friends_list"
	EventFriendRequests         EventType = "friend_requests"
	EventGroupCreated           EventType = "group_created"
	EventMemberAdded            EventType = "member_added"
	EventMemberRemoved          EventType = "member_removed"
	EventConversationUpdated    EventType = "conversation_updated"
	EventRemovedFromGroup       EventType = "removed_from_group"
	EventGroupInfoUpdated       EventType = "group_info_updated"
	EventConversationDeleted    EventType = "conversation_deleted"
	EventPinnedMessageUpdated   EventType = "pinned_message_updated"
	EventPresenceUpdate         EventType = "presence_update"
	EventReceiptUpdate          EventType = "receipt_update"
)

// outbound
const (
	EventAuth                  EventType = "auth"
	EventGetConversations      EventType = "get_conversations"
	EventLoadMessages          EventType = "load_messages"
	EventJoin                  EventType = "join"
	EventSendMessage           EventType = "send_message"
	EventGetFriends            EventType = "get_friends"
	EventGetFriendRequests     EventType = "get_friend_requests"
	EventSendFriendRequest     EventType = "send_friend_request"
	EventAcceptFriendRequest   EventType = "accept_friend_request"
	EventRejectFriendRequest   EventType = "reject_friend_request"
	EventCreateGroup           EventType = "create_group"
	EventAddGroupMember        EventType = "add_group_member"
	EventRemoveGroupMember     EventType = "remove_group_member"
	EventUpdateGroupInfo       EventType = "update_group_info"
	EventDeleteConversation    EventType = "delete_conversation"
	EventPinMessage            EventType = "pin_message"
	EventUnpinMessage          EventType = "unpin_message"
	EventSearchUsers           EventType = "search_users"
	EventGetDirectConversation EventType = "get_direct_conversation"
	EventReceipt               EventType = "receipt"
)

// InboundEvents is every event type the client reacts to.
var InboundEvents = []EventType{
	EventAuthOk,
	EventError,
	EventConversationsList,
	EventMessagesLoaded,
	EventNewMessage,
	EventNewMessageNotification,
	EventSendAck,
	EventDirectConversation,
	EventNewConversation,
	EventFriendRequestReceived,
	EventFriendRequestSent,
	EventFriendAccepted,
	EventSearchResults,
	EventFriendsList,
	EventFriendRequests,
	EventGroupCreated,
	EventMemberAdded,
	EventMemberRemoved,
	EventConversationUpdated,
	EventRemovedFromGroup,
	EventGroupInfoUpdated,
	EventConversationDeleted,
	EventPinnedMessageUpdated,
	EventPresenceUpdate,
	EventReceiptUpdate,
}

// IsInbound reports whether t is an event type the client handles.
func IsInbound(t EventType) bool {
	for _, known := range InboundEvents {
		if known == t {
			return true
		}
	}
	return false
}

// error codes that invalidate the session
const (
	CodeUnauth         = "UNAUTH"
	CodeInvalidToken   = "INVALID_TOKEN"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeSessionExpired = "SESSION_EXPIRED"
)
