package core

import (
	"relaychat/internal/protocol"
	"relaychat/internal/transport"
)

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a transient user-visible notification.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Code  string      `json:"code,omitempty"`
	Text  string      `json:"text"`
}

// View renders state for the user. Conversation lists are rendered from Store
// subscriptions; the methods here cover what a Store snapshot cannot express,
// such as incremental message rendering and transient notices.
type View interface {
	// RenderMessages fully re-renders the open conversation's messages.
	RenderMessages(conversationID string, messages []protocol.Message)
	AppendMessage(conversationID string, message protocol.Message)
	// ReplaceMessage re-keys a rendered message, e.g. client id -> server id.
	ReplaceMessage(conversationID string, previousID string, message protocol.Message)
	ClearMessages()
	// RenderHeader shows the open conversation. nil means none is open.
	RenderHeader(conversation *protocol.Conversation)
	Notify(notice Notice)
	ShowSearchResults(results protocol.SearchResults)
	ShowFriends(friends []protocol.User)
	ShowFriendRequests(requests protocol.FriendRequests)
	ShowPresence(presence protocol.PresenceUpdate)
	ShowStatus(state transport.ConnState)
	ShowLogin()
}

// NopView ignores everything. Embed it to implement part of View.
type NopView struct{}

func (NopView) RenderMessages(string, []protocol.Message)           {}
func (NopView) AppendMessage(string, protocol.Message)              {}
func (NopView) ReplaceMessage(string, string, protocol.Message)     {}
func (NopView) ClearMessages()                                      {}
func (NopView) RenderHeader(*protocol.Conversation)                 {}
func (NopView) Notify(Notice)                                       {}
func (NopView) ShowSearchResults(protocol.SearchResults)            {}
func (NopView) ShowFriends([]protocol.User)                         {}
func (NopView) ShowFriendRequests(protocol.FriendRequests)          {}
func (NopView) ShowPresence(protocol.PresenceUpdate)                {}
func (NopView) ShowStatus(transport.ConnState)                      {}
func (NopView) ShowLogin()                                          {}
