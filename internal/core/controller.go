package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"relaychat/internal/api"
	"relaychat/internal/protocol"
	"relaychat/internal/state"
	"relaychat/internal/transport"
)

var (
	ErrEmptyMessage        = errors.New("empty message")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrMessageNotConfirmed = errors.New("message is not confirmed by the server yet")
	ErrNoSession           = errors.New("no active session")
)

// Conn is the part of the transport the controller uses.
type Conn interface {
	Send(eventType protocol.EventType, payload any, requestID string) error
	Request(ctx context.Context, eventType protocol.EventType, payload any, responseType protocol.EventType) (*protocol.Envelope, error)
	OnEvent(eventType protocol.EventType, handler transport.Handler) func()
}

type Uploader interface {
	Upload(ctx context.Context, accessToken string, conversationID string, fileName string, content []byte, text string) (*api.UploadResult, error)
}

// Controller reconciles server events into the Store and turns user intents
// into outbound envelopes. Inbound handlers run on the transport's read
// goroutine, one at a time, in receive order.
type Controller struct {
	store *state.Store
	conn  Conn
	view  View

	// AccessToken returns the token for socket auth and uploads.
	AccessToken func() string
	Uploader    Uploader
	// OnSessionInvalid runs after the server rejects the session.
	OnSessionInvalid func(code string)

	now func() time.Time
}

func NewController(store *state.Store, conn Conn, view View) *Controller {
	if view == nil {
		view = NopView{}
	}
	return &Controller{
		store: store,
		conn:  conn,
		view:  view,
		now:   time.Now,
	}
}

// Register subscribes the controller to every inbound event type.
func (c *Controller) Register() {
	for _, eventType := range protocol.InboundEvents {
		c.conn.OnEvent(eventType, c.handle)
	}
}

func (c *Controller) handle(data json.RawMessage, env *protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[sync]%s handler panic = %s\n%s", env.Type, r, debug.Stack())
		}
	}()
	glog.V(2).Infof("[sync]<- %s\n", env.Type)

	switch env.Type {
	case protocol.EventAuthOk:
		c.onAuthOk(env)
	case protocol.EventError:
		c.onError(env)
	case protocol.EventConversationsList:
		c.onConversationsList(env)
	case protocol.EventMessagesLoaded:
		c.onMessagesLoaded(env)
	case protocol.EventNewMessage:
		c.onNewMessage(env, false)
	case protocol.EventNewMessageNotification:
		c.onNewMessage(env, true)
	case protocol.EventSendAck:
		c.onSendAck(env)
	case protocol.EventDirectConversation, protocol.EventGroupCreated:
		c.onConversationOpened(env)
	case protocol.EventNewConversation:
		c.onNewConversation(env)
	case protocol.EventFriendRequestReceived:
		c.onFriendRequestReceived(env)
	case protocol.EventFriendRequestSent:
		c.onFriendRequestSent(env)
	case protocol.EventFriendAccepted:
		c.onFriendAccepted(env)
	case protocol.EventSearchResults:
		c.onSearchResults(env)
	case protocol.EventFriendsList:
		c.onFriendsList(env)
	case protocol.EventFriendRequests:
		c.onFriendRequests(env)
	case protocol.EventMemberAdded:
		c.onMemberChanged(env, true)
	case protocol.EventMemberRemoved:
		c.onMemberChanged(env, false)
	case protocol.EventConversationUpdated:
		c.onConversationUpdated(env)
	case protocol.EventRemovedFromGroup, protocol.EventConversationDeleted:
		c.onConversationRemoved(env)
	case protocol.EventGroupInfoUpdated:
		c.onGroupInfoUpdated(env)
	case protocol.EventPinnedMessageUpdated:
		c.onPinnedMessageUpdated(env)
	case protocol.EventPresenceUpdate:
		c.onPresenceUpdate(env)
	case protocol.EventReceiptUpdate:
		c.onReceiptUpdate(env)
	default:
		glog.V(1).Infof("[sync]ignoring unknown event %s\n", env.Type)
	}
}

func decode[T any](env *protocol.Envelope) (*T, bool) {
	var payload T
	if err := env.Decode(&payload); err != nil {
		glog.Infof("[sync]bad %s payload = %s\n", env.Type, err)
		return nil, false
	}
	return &payload, true
}

func (c *Controller) send(eventType protocol.EventType, payload any) error {
	return c.conn.Send(eventType, payload, "")
}

// inbound

func (c *Controller) onAuthOk(env *protocol.Envelope) {
	p, ok := decode[protocol.AuthOk](env)
	if !ok {
		return
	}
	st := c.store.GetState()
	if st.Session == nil {
		c.store.SetCurrentUser(&protocol.Session{UserID: p.UserID})
	} else if p.UserID != "" && st.Session.UserID != p.UserID {
		glog.Infof("[sync]auth_ok for %s but session is %s\n", p.UserID, st.Session.UserID)
	}

	c.RefreshConversations()
	c.RefreshFriends()
	// rooms do not survive a reconnect
	if st.ActiveConversationID != "" {
		c.joinAndLoad(st.ActiveConversationID)
	}
}

func (c *Controller) onError(env *protocol.Envelope) {
	p, ok := decode[protocol.ErrorPayload](env)
	if !ok {
		return
	}
	glog.Infof("[sync]server error %s: %s\n", p.Code, p.Message)
	c.view.Notify(Notice{Level: NoticeError, Code: p.Code, Text: p.Message})
	if p.InvalidatesSession() && c.OnSessionInvalid != nil {
		c.OnSessionInvalid(p.Code)
	}
}

func (c *Controller) onConversationsList(env *protocol.Envelope) {
	p, ok := decode[protocol.ConversationsList](env)
	if !ok {
		return
	}
	list := p.List()

	var open *protocol.Conversation
	closed := false
	c.store.SetState(func(s *state.State) {
		s.Conversations = list
		if s.CurrentConversation == nil {
			return
		}
		if fresh, found := s.Conversation(s.CurrentConversation.ID); found {
			s.CurrentConversation = fresh.Clone()
			open = s.CurrentConversation
		} else {
			// the snapshot is authoritative, the open conversation is gone
			s.CurrentConversation = nil
			s.ActiveConversationID = ""
			closed = true
		}
	})
	if open != nil {
		c.view.RenderHeader(open)
	}
	if closed {
		c.view.ClearMessages()
		c.view.RenderHeader(nil)
	}
}

func (c *Controller) onMessagesLoaded(env *protocol.Envelope) {
	p, ok := decode[protocol.MessagesLoaded](env)
	if !ok {
		return
	}
	history := p.List()

	var list []protocol.Message
	active := false
	c.store.SetState(func(s *state.State) {
		list = withPending(history, s.Messages[p.ConversationID])
		s.Messages = state.WithMessages(s.Messages, p.ConversationID, list)
		active = s.ActiveConversationID == p.ConversationID
	})
	if active {
		c.view.RenderMessages(p.ConversationID, list)
	}
}

func (c *Controller) onNewMessage(env *protocol.Envelope, notification bool) {
	p, ok := decode[protocol.NewMessage](env)
	if !ok {
		return
	}
	message := p.Message
	conversationID := p.ConversationID
	if conversationID == "" {
		conversationID = message.ConversationID
	}
	if message.ConversationID == "" {
		message.ConversationID = conversationID
	}

	known := false
	appended := false
	self := false
	active := false
	c.store.SetState(func(s *state.State) {
		if _, known = s.Conversation(conversationID); !known {
			return
		}
		self = message.SenderID == s.UserID()
		active = s.ActiveConversationID == conversationID

		existing := s.Messages[conversationID]
		if indexOf(existing, message.ID) < 0 {
			next := make([]protocol.Message, 0, len(existing)+1)
			next = append(next, existing...)
			next = append(next, message)
			s.Messages = state.WithMessages(s.Messages, conversationID, next)
			appended = true
		}
		patchConversation(s, conversationID, func(conv *protocol.Conversation) {
			conv.LastMessage = message.Summary()
		})
	})

	if !known {
		glog.V(1).Infof("[sync]message for unknown conversation %s, refreshing\n", conversationID)
		c.RefreshConversations()
		return
	}
	if self {
		return
	}
	if active && appended {
		c.view.AppendMessage(conversationID, message)
	} else if notification && !active {
		c.view.Notify(Notice{Level: NoticeInfo, Code: string(env.Type), Text: messagePreview(message)})
	}
}

func (c *Controller) onSendAck(env *protocol.Envelope) {
	p, ok := decode[protocol.SendAck](env)
	if !ok {
		return
	}
	if p.ClientMsgID == "" || p.ServerMsgID == "" {
		glog.Infof("[sync]send_ack without ids for %s\n", p.ConversationID)
		return
	}

	var confirmed protocol.Message
	found := false
	active := false
	c.store.SetState(func(s *state.State) {
		existing := s.Messages[p.ConversationID]
		i := indexOf(existing, p.ClientMsgID)
		if i < 0 {
			return
		}
		found = true
		active = s.ActiveConversationID == p.ConversationID

		confirmed = existing[i]
		confirmed.ID = p.ServerMsgID
		confirmed.DeliveryState = confirmed.DeliveryState.Advance(protocol.DeliverySent)
		if p.Status != "" {
			confirmed.DeliveryState = confirmed.DeliveryState.Advance(p.Status)
		}
		if 0 < p.CreatedAt {
			confirmed.CreatedAt = p.CreatedAt
		}

		// the server echo may have landed before the ack
		next := make([]protocol.Message, 0, len(existing))
		for j, m := range existing {
			switch {
			case j == i:
				next = append(next, confirmed)
			case m.ID == p.ServerMsgID:
			default:
				next = append(next, m)
			}
		}
		s.Messages = state.WithMessages(s.Messages, p.ConversationID, next)
		if next[len(next)-1].ID == confirmed.ID {
			patchConversation(s, p.ConversationID, func(conv *protocol.Conversation) {
				conv.LastMessage = confirmed.Summary()
			})
		}
	})

	if !found {
		glog.V(1).Infof("[sync]send_ack for unknown client id %s\n", p.ClientMsgID)
		return
	}
	if active {
		c.view.ReplaceMessage(p.ConversationID, p.ClientMsgID, confirmed)
	}
}

func (c *Controller) onConversationOpened(env *protocol.Envelope) {
	p, ok := decode[protocol.ConversationPayload](env)
	if !ok || p.Conversation.ID == "" {
		return
	}
	c.store.SetState(func(s *state.State) {
		upsertConversation(s, p.Conversation)
	})
	c.open(&p.Conversation)
}

func (c *Controller) onNewConversation(env *protocol.Envelope) {
	p, ok := decode[protocol.ConversationPayload](env)
	if !ok || p.Conversation.ID == "" {
		return
	}
	c.store.SetState(func(s *state.State) {
		upsertConversation(s, p.Conversation)
	})
	c.view.Notify(Notice{Level: NoticeInfo, Code: string(env.Type), Text: "New conversation"})
}

func (c *Controller) onFriendRequestReceived(env *protocol.Envelope) {
	p, ok := decode[protocol.FriendRequestReceived](env)
	if !ok {
		return
	}
	c.view.Notify(Notice{Level: NoticeInfo, Code: string(env.Type), Text: fmt.Sprintf("Friend request from %s", p.FromUserID)})
	c.send(protocol.EventGetFriendRequests, struct{}{})
}

func (c *Controller) onFriendRequestSent(env *protocol.Envelope) {
	p, ok := decode[protocol.FriendRequestSent](env)
	if !ok {
		return
	}
	text := "Friend request sent"
	if p.Status != "" && p.Status != "sent" && p.Status != "pending" {
		text = fmt.Sprintf("Friend request: %s", p.Status)
	}
	c.view.Notify(Notice{Level: NoticeInfo, Code: string(env.Type), Text: text})
	c.send(protocol.EventGetFriendRequests, struct{}{})
}

func (c *Controller) onFriendAccepted(env *protocol.Envelope) {
	p, ok := decode[protocol.FriendAccepted](env)
	if !ok {
		return
	}
	c.view.Notify(Notice{Level: NoticeInfo, Code: string(env.Type), Text: fmt.Sprintf("%s accepted your friend request", p.UserID)})
	c.RefreshFriends()
	c.RefreshConversations()
}

func (c *Controller) onSearchResults(env *protocol.Envelope) {
	if p, ok := decode[protocol.SearchResults](env); ok {
		c.view.ShowSearchResults(*p)
	}
}

func (c *Controller) onFriendsList(env *protocol.Envelope) {
	if p, ok := decode[protocol.FriendsList](env); ok {
		c.view.ShowFriends(p.Friends)
	}
}

func (c *Controller) onFriendRequests(env *protocol.Envelope) {
	if p, ok := decode[protocol.FriendRequests](env); ok {
		c.view.ShowFriendRequests(*p)
	}
}

func (c *Controller) onMemberChanged(env *protocol.Envelope, added bool) {
	p, ok := decode[protocol.MemberChanged](env)
	if !ok || p.MemberID == "" {
		return
	}

	st := c.store.GetState()
	conversationID := p.ConversationID
	if conversationID == "" {
		// room broadcasts target the open conversation
		conversationID = st.ActiveConversationID
	}
	if conversationID == "" {
		c.RefreshConversations()
		return
	}
	if !added && p.MemberID == st.UserID() {
		c.removeConversation(conversationID)
		return
	}

	var open *protocol.Conversation
	c.store.SetState(func(s *state.State) {
		open = patchConversation(s, conversationID, func(conv *protocol.Conversation) {
			if added {
				conv.ParticipantIDs = conv.WithParticipant(p.MemberID).ParticipantIDs
			} else {
				conv.ParticipantIDs = conv.WithoutParticipant(p.MemberID).ParticipantIDs
			}
		})
	})
	if open != nil {
		c.view.RenderHeader(open)
	}
	c.RefreshConversations()
}

func (c *Controller) onConversationUpdated(env *protocol.Envelope) {
	p, ok := decode[protocol.ConversationUpdated](env)
	if !ok {
		return
	}
	if p.Conversation == nil || p.Conversation.ID == "" {
		c.RefreshConversations()
		return
	}

	var open *protocol.Conversation
	c.store.SetState(func(s *state.State) {
		upsertConversation(s, *p.Conversation)
		if s.CurrentConversation != nil && s.CurrentConversation.ID == p.Conversation.ID {
			open = s.CurrentConversation
		}
	})
	if open != nil {
		c.view.RenderHeader(open)
	}
}

func (c *Controller) onConversationRemoved(env *protocol.Envelope) {
	p, ok := decode[protocol.ConversationRemoved](env)
	if !ok || p.ConversationID == "" {
		return
	}
	c.removeConversation(p.ConversationID)
	text := "Conversation deleted"
	if env.Type == protocol.EventRemovedFromGroup {
		text = "You were removed from the group"
	}
	c.view.Notify(Notice{Level: NoticeInfo, Code: string(env.Type), Text: text})
}

func (c *Controller) onGroupInfoUpdated(env *protocol.Envelope) {
	p, ok := decode[protocol.GroupInfoUpdated](env)
	if !ok || p.ConversationID == "" {
		return
	}
	var open *protocol.Conversation
	c.store.SetState(func(s *state.State) {
		open = patchConversation(s, p.ConversationID, func(conv *protocol.Conversation) {
			if p.Name != "" {
				conv.Name = p.Name
			}
			if p.Avatar != "" {
				conv.Avatar = p.Avatar
			}
		})
	})
	if open != nil {
		c.view.RenderHeader(open)
	}
}

func (c *Controller) onPinnedMessageUpdated(env *protocol.Envelope) {
	p, ok := decode[protocol.PinnedMessageUpdated](env)
	if !ok || p.ConversationID == "" {
		return
	}
	var open *protocol.Conversation
	c.store.SetState(func(s *state.State) {
		open = patchConversation(s, p.ConversationID, func(conv *protocol.Conversation) {
			if p.PinnedMessage == nil {
				conv.PinnedMessage = nil
			} else {
				pinned := *p.PinnedMessage
				conv.PinnedMessage = &pinned
			}
		})
	})
	if open != nil {
		c.view.RenderHeader(open)
	}
}

func (c *Controller) onPresenceUpdate(env *protocol.Envelope) {
	if p, ok := decode[protocol.PresenceUpdate](env); ok {
		c.view.ShowPresence(*p)
	}
}

func (c *Controller) onReceiptUpdate(env *protocol.Envelope) {
	p, ok := decode[protocol.ReceiptUpdate](env)
	if !ok || p.MessageID == "" {
		return
	}

	var updated protocol.Message
	changed := false
	active := false
	c.store.SetState(func(s *state.State) {
		existing := s.Messages[p.ConversationID]
		i := indexOf(existing, p.MessageID)
		if i < 0 {
			return
		}
		next := existing[i].DeliveryState.Advance(p.Status)
		if next == existing[i].DeliveryState {
			return
		}
		list := make([]protocol.Message, len(existing))
		copy(list, existing)
		list[i].DeliveryState = next
		updated = list[i]
		changed = true
		active = s.ActiveConversationID == p.ConversationID
		s.Messages = state.WithMessages(s.Messages, p.ConversationID, list)
	})
	if changed && active {
		c.view.ReplaceMessage(p.ConversationID, p.MessageID, updated)
	}
}

// intents

// Authenticate sends the access token. Called on every transport open.
func (c *Controller) Authenticate() error {
	token := ""
	if c.AccessToken != nil {
		token = c.AccessToken()
	}
	if token == "" {
		return ErrNoSession
	}
	return c.send(protocol.EventAuth, protocol.Auth{Token: token})
}

func (c *Controller) RefreshConversations() error {
	return c.send(protocol.EventGetConversations, struct{}{})
}

func (c *Controller) RefreshFriends() error {
	if err := c.send(protocol.EventGetFriends, struct{}{}); err != nil {
		return err
	}
	return c.send(protocol.EventGetFriendRequests, struct{}{})
}

// SelectConversation opens a known conversation, renders what is cached and
// asks the server for its history.
func (c *Controller) SelectConversation(conversationID string) error {
	st := c.store.GetState()
	conv, found := st.Conversation(conversationID)
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	return c.open(conv.Clone())
}

func (c *Controller) open(conv *protocol.Conversation) error {
	c.store.SetCurrentConversation(conv)
	c.view.RenderHeader(conv)
	c.view.RenderMessages(conv.ID, c.store.GetState().Messages[conv.ID])
	return c.joinAndLoad(conv.ID)
}

func (c *Controller) joinAndLoad(conversationID string) error {
	request := protocol.ConversationRequest{ConversationID: conversationID}
	if err := c.send(protocol.EventJoin, request); err != nil {
		return err
	}
	return c.send(protocol.EventLoadMessages, request)
}

func newClientMsgID() string {
	return "c_" + strings.ToLower(ulid.Make().String())
}

// optimistic inserts a pending message and renders it.
func (c *Controller) optimistic(conversationID string, message protocol.Message) (protocol.Message, error) {
	st := c.store.GetState()
	if st.Session == nil {
		return message, ErrNoSession
	}
	if _, found := st.Conversation(conversationID); !found {
		return message, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}

	message.ID = newClientMsgID()
	message.ConversationID = conversationID
	message.SenderID = st.Session.UserID
	message.CreatedAt = c.now().UnixMilli()
	message.DeliveryState = protocol.DeliveryPending

	c.store.AddMessage(conversationID, message)
	if c.store.GetState().ActiveConversationID == conversationID {
		c.view.AppendMessage(conversationID, message)
	}
	return message, nil
}

// SendText inserts the message optimistically then transmits it. The
// returned message carries the client id. A send failure leaves the
// message pending.
func (c *Controller) SendText(conversationID string, text string) (protocol.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return protocol.Message{}, ErrEmptyMessage
	}
	message, err := c.optimistic(conversationID, protocol.Message{
		Type: protocol.MessageText,
		Text: text,
	})
	if err != nil {
		return message, err
	}
	return message, c.transmit(message)
}

func (c *Controller) transmit(message protocol.Message) error {
	return c.conn.Send(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: message.ConversationID,
		ClientMsgID:    message.ID,
		Type:           message.Type,
		Text:           message.Text,
		FileURL:        message.FileURL,
		FileName:       message.FileName,
		FileSize:       message.FileSize,
	}, "r_"+message.ID)
}

// SendFile inserts a pending file message, uploads the content and then
// transmits the message with the uploaded file's metadata. It blocks for the
// upload; callers run it off the UI thread. On upload failure the pending
// entry stays in place.
func (c *Controller) SendFile(
	ctx context.Context,
	conversationID string,
	fileName string,
	content []byte,
	text string,
) (protocol.Message, error) {
	if c.Uploader == nil {
		return protocol.Message{}, errors.New("no uploader")
	}
	message, err := c.optimistic(conversationID, protocol.Message{
		Type:     messageTypeOf(fileName),
		Text:     strings.TrimSpace(text),
		FileName: fileName,
		FileSize: protocol.FileSizeOf(int64(len(content))),
	})
	if err != nil {
		return message, err
	}

	token := ""
	if c.AccessToken != nil {
		token = c.AccessToken()
	}
	result, err := c.Uploader.Upload(ctx, token, conversationID, fileName, content, message.Text)
	if err != nil {
		glog.Infof("[sync]upload %s failed = %s\n", fileName, err)
		c.view.Notify(Notice{Level: NoticeError, Code: "upload_failed", Text: fmt.Sprintf("Upload failed: %s", err)})
		return message, err
	}

	message.FileURL = result.FileURL
	if result.FileName != "" {
		message.FileName = result.FileName
	}
	if 0 < result.FileSize {
		message.FileSize = protocol.FileSizeOf(result.FileSize)
	}
	if c.replaceMessage(conversationID, message) {
		c.view.ReplaceMessage(conversationID, message.ID, message)
	}
	return message, c.transmit(message)
}

// replaceMessage swaps the entry with the same id. It reports whether the
// conversation is open.
func (c *Controller) replaceMessage(conversationID string, message protocol.Message) bool {
	active := false
	c.store.SetState(func(s *state.State) {
		existing := s.Messages[conversationID]
		i := indexOf(existing, message.ID)
		if i < 0 {
			return
		}
		list := make([]protocol.Message, len(existing))
		copy(list, existing)
		list[i] = message
		s.Messages = state.WithMessages(s.Messages, conversationID, list)
		active = s.ActiveConversationID == conversationID
	})
	return active
}

func (c *Controller) OpenDirect(otherUserID string) error {
	return c.send(protocol.EventGetDirectConversation, protocol.DirectConversationRequest{OtherUserID: otherUserID})
}

func (c *Controller) CreateGroup(name string, memberIDs []string) error {
	if memberIDs == nil {
		memberIDs = []string{}
	}
	return c.send(protocol.EventCreateGroup, protocol.CreateGroup{Name: strings.TrimSpace(name), MemberIDs: memberIDs})
}

func (c *Controller) AddMember(conversationID string, memberID string) error {
	return c.send(protocol.EventAddGroupMember, protocol.GroupMember{ConversationID: conversationID, MemberID: memberID})
}

func (c *Controller) RemoveMember(conversationID string, memberID string) error {
	return c.send(protocol.EventRemoveGroupMember, protocol.GroupMember{ConversationID: conversationID, MemberID: memberID})
}

func (c *Controller) UpdateGroupInfo(conversationID string, name string, avatar string) error {
	return c.send(protocol.EventUpdateGroupInfo, protocol.UpdateGroupInfo{
		ConversationID: conversationID,
		Name:           strings.TrimSpace(name),
		Avatar:         avatar,
	})
}

func (c *Controller) DeleteConversation(conversationID string) error {
	return c.send(protocol.EventDeleteConversation, protocol.ConversationRequest{ConversationID: conversationID})
}

// PinMessage pins by server id. A message still carrying its client id
// cannot be pinned.
func (c *Controller) PinMessage(conversationID string, messageID string) error {
	st := c.store.GetState()
	for _, m := range st.Messages[conversationID] {
		if m.ID == messageID && m.DeliveryState == protocol.DeliveryPending {
			return ErrMessageNotConfirmed
		}
	}
	return c.send(protocol.EventPinMessage, protocol.PinMessage{ConversationID: conversationID, MessageID: messageID})
}

func (c *Controller) UnpinMessage(conversationID string) error {
	return c.send(protocol.EventUnpinMessage, protocol.ConversationRequest{ConversationID: conversationID})
}

// SearchUsers waits for the matching search_results.
func (c *Controller) SearchUsers(ctx context.Context, query string) (*protocol.SearchResults, error) {
	env, err := c.conn.Request(ctx, protocol.EventSearchUsers, protocol.SearchUsers{Query: strings.TrimSpace(query)}, protocol.EventSearchResults)
	if err != nil {
		return nil, err
	}
	var results protocol.SearchResults
	if err := env.Decode(&results); err != nil {
		return nil, err
	}
	return &results, nil
}

func (c *Controller) SendFriendRequest(toUserID string) error {
	return c.send(protocol.EventSendFriendRequest, protocol.SendFriendRequest{ToUserID: toUserID})
}

func (c *Controller) AcceptFriendRequest(fromUserID string) error {
	return c.send(protocol.EventAcceptFriendRequest, protocol.RespondFriendRequest{FromUserID: fromUserID})
}

func (c *Controller) RejectFriendRequest(fromUserID string) error {
	return c.send(protocol.EventRejectFriendRequest, protocol.RespondFriendRequest{FromUserID: fromUserID})
}

func (c *Controller) MarkSeen(conversationID string, messageID string) error {
	return c.send(protocol.EventReceipt, protocol.Receipt{
		ConversationID: conversationID,
		MessageID:      messageID,
		Status:         protocol.DeliverySeen,
	})
}

// helpers

func (c *Controller) removeConversation(conversationID string) {
	wasOpen := false
	c.store.SetState(func(s *state.State) {
		next := make([]protocol.Conversation, 0, len(s.Conversations))
		for _, conv := range s.Conversations {
			if conv.ID != conversationID {
				next = append(next, conv)
			}
		}
		s.Conversations = next
		if s.ActiveConversationID == conversationID {
			s.CurrentConversation = nil
			s.ActiveConversationID = ""
			wasOpen = true
		}
	})
	if wasOpen {
		c.view.ClearMessages()
		c.view.RenderHeader(nil)
	}
}

// patchConversation applies fn to a copy of the conversation in the list and,
// if it is open, to a copy of the current conversation. It returns the open
// conversation when it was patched.
func patchConversation(s *state.State, conversationID string, fn func(conv *protocol.Conversation)) *protocol.Conversation {
	next := make([]protocol.Conversation, len(s.Conversations))
	copy(next, s.Conversations)
	for i := range next {
		if next[i].ID == conversationID {
			cp := next[i].Clone()
			fn(cp)
			next[i] = *cp
		}
	}
	s.Conversations = next

	if s.CurrentConversation != nil && s.CurrentConversation.ID == conversationID {
		cp := s.CurrentConversation.Clone()
		fn(cp)
		s.CurrentConversation = cp
		return cp
	}
	return nil
}

// upsertConversation replaces the conversation with the same id or appends it.
func upsertConversation(s *state.State, conv protocol.Conversation) {
	next := make([]protocol.Conversation, 0, len(s.Conversations)+1)
	replaced := false
	for _, existing := range s.Conversations {
		if existing.ID == conv.ID {
			next = append(next, *conv.Clone())
			replaced = true
		} else {
			next = append(next, existing)
		}
	}
	if !replaced {
		next = append(next, *conv.Clone())
	}
	s.Conversations = next

	if s.CurrentConversation != nil && s.CurrentConversation.ID == conv.ID {
		s.CurrentConversation = conv.Clone()
	}
}

// withPending appends the local messages still waiting for their ack, which
// history cannot contain yet.
func withPending(history []protocol.Message, local []protocol.Message) []protocol.Message {
	list := history
	for _, m := range local {
		if m.DeliveryState != protocol.DeliveryPending || 0 <= indexOf(history, m.ID) {
			continue
		}
		if len(list) == len(history) {
			list = append(make([]protocol.Message, 0, len(history)+1), history...)
		}
		list = append(list, m)
	}
	return list
}

func indexOf(messages []protocol.Message, id string) int {
	if id == "" {
		return -1
	}
	for i, m := range messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func messageTypeOf(fileName string) protocol.MessageType {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return protocol.MessageImage
	default:
		return protocol.MessageFile
	}
}

func messagePreview(m protocol.Message) string {
	switch m.Type {
	case protocol.MessageImage:
		return "[image]"
	case protocol.MessageFile:
		return "[file] " + m.FileName
	default:
		return m.Text
	}
}
