package fakeserver

import (
	"errors"
	"slices"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"

	"relaychat/internal/protocol"
)

const codeNotFound = "NOT_FOUND"

func (s *Server) handleEnvelope(c *client, env *protocol.Envelope) {
	if env.Type == protocol.EventAuth {
		s.handleAuth(c, env)
		return
	}
	s.lock.Lock()
	userID := c.userID
	s.lock.Unlock()
	if userID == "" {
		s.replyError(c, protocol.CodeUnauth, "Not authenticated", env.RequestID)
		return
	}

	switch env.Type {
	case protocol.EventGetConversations:
		s.handleGetConversations(c, userID)
	case protocol.EventJoin:
		s.handleJoin(c, userID, env)
	case protocol.EventLoadMessages:
		s.handleLoadMessages(c, userID, env)
	case protocol.EventSendMessage:
		s.handleSendMessage(c, userID, env)
	case protocol.EventGetDirectConversation:
		s.handleDirectConversation(c, userID, env)
	case protocol.EventCreateGroup:
		s.handleCreateGroup(c, userID, env)
	case protocol.EventAddGroupMember:
		s.handleAddMember(c, userID, env)
	case protocol.EventRemoveGroupMember:
		s.handleRemoveMember(c, userID, env)
	case protocol.EventUpdateGroupInfo:
		s.handleUpdateGroupInfo(c, userID, env)
	case protocol.EventDeleteConversation:
		s.handleDeleteConversation(c, userID, env)
	case protocol.EventPinMessage, protocol.EventUnpinMessage:
		s.handlePin(c, userID, env)
	case protocol.EventSearchUsers:
		s.handleSearchUsers(c, userID, env)
	case protocol.EventGetFriends:
		s.handleGetFriends(c, userID, env)
	case protocol.EventGetFriendRequests:
		s.handleGetFriendRequests(c, userID, env)
	case protocol.EventSendFriendRequest:
		s.handleSendFriendRequest(c, userID, env)
	case protocol.EventAcceptFriendRequest, protocol.EventRejectFriendRequest:
		s.handleRespondFriendRequest(c, userID, env)
	case protocol.EventReceipt:
		s.handleReceipt(c, userID, env)
	default:
		s.replyError(c, "UNKNOWN_EVENT", "Unknown event "+string(env.Type), env.RequestID)
	}
}

func (s *Server) handleAuth(c *client, env *protocol.Envelope) {
	var p protocol.Auth
	if err := env.Decode(&p); err != nil || p.Token == "" {
		s.replyError(c, protocol.CodeUnauth, "Missing token", env.RequestID)
		return
	}
	userID, err := s.verify(p.Token, tokenAccess)
	if err != nil {
		code := protocol.CodeInvalidToken
		if errors.Is(err, gojwt.ErrTokenExpired) {
			code = protocol.CodeTokenExpired
		}
		s.replyError(c, code, "Invalid token", env.RequestID)
		return
	}

	s.lock.Lock()
	_, known := s.accounts[userID]
	if known {
		c.userID = userID
	}
	s.lock.Unlock()
	if !known {
		s.replyError(c, protocol.CodeUnauth, "Unknown user", env.RequestID)
		return
	}
	glog.V(1).Infof("[fake]authenticated %s\n", userID)
	s.reply(c, protocol.EventAuthOk, protocol.AuthOk{UserID: userID}, env.RequestID)
	s.announcePresence(userID, true)
}

// conversation returns a copy of a conversation userID takes part in.
func (s *Server) conversation(userID string, conversationID string) (*protocol.Conversation, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || !conv.HasParticipant(userID) {
		return nil, false
	}
	return conv.Clone(), true
}

func (s *Server) handleGetConversations(c *client, userID string) {
	s.lock.Lock()
	list := []protocol.Conversation{}
	for _, id := range s.order {
		if conv, ok := s.conversations[id]; ok && conv.HasParticipant(userID) {
			list = append(list, *conv.Clone())
		}
	}
	s.lock.Unlock()
	s.reply(c, protocol.EventConversationsList, map[string]any{"conversations": list}, "")
}

func (s *Server) handleJoin(c *client, userID string, env *protocol.Envelope) {
	var p protocol.ConversationRequest
	env.Decode(&p)
	if _, ok := s.conversation(userID, p.ConversationID); !ok {
		s.replyError(c, codeNotFound, "Conversation not found", env.RequestID)
		return
	}
	s.lock.Lock()
	c.rooms[p.ConversationID] = true
	s.lock.Unlock()
}

func (s *Server) handleLoadMessages(c *client, userID string, env *protocol.Envelope) {
	var p protocol.ConversationRequest
	env.Decode(&p)
	if _, ok := s.conversation(userID, p.ConversationID); !ok {
		s.replyError(c, codeNotFound, "Conversation not found", env.RequestID)
		return
	}
	list, err := s.log.list(p.ConversationID)
	if err != nil {
		glog.Errorf("[fake]load messages = %s\n", err)
		list = []protocol.Message{}
	}
	s.reply(c, protocol.EventMessagesLoaded, map[string]any{
		"conversation_id": p.ConversationID,
		"messages":        list,
	}, env.RequestID)
}

func (s *Server) handleSendMessage(c *client, userID string, env *protocol.Envelope) {
	var p protocol.SendMessage
	env.Decode(&p)
	conv, ok := s.conversation(userID, p.ConversationID)
	if !ok {
		s.replyError(c, codeNotFound, "Conversation not found", env.RequestID)
		return
	}
	if strings.TrimSpace(p.Text) == "" && p.FileURL == "" {
		s.replyError(c, "EMPTY_MESSAGE", "Message is empty", env.RequestID)
		return
	}

	msgType := p.Type
	if msgType == "" {
		msgType = protocol.MessageText
	}
	message, err := s.log.append(protocol.Message{
		ConversationID: p.ConversationID,
		SenderID:       userID,
		Type:           msgType,
		Text:           p.Text,
		FileURL:        p.FileURL,
		FileName:       p.FileName,
		FileSize:       p.FileSize,
		CreatedAt:      time.Now().UnixMilli(),
		DeliveryState:  protocol.DeliverySent,
	})
	if err != nil {
		glog.Errorf("[fake]store message = %s\n", err)
		s.replyError(c, "STORE_FAILED", "Message not stored", env.RequestID)
		return
	}

	s.lock.Lock()
	if stored, ok := s.conversations[p.ConversationID]; ok {
		stored.LastMessage = message.Summary()
	}
	s.lock.Unlock()

	s.reply(c, protocol.EventSendAck, protocol.SendAck{
		ConversationID: p.ConversationID,
		ClientMsgID:    p.ClientMsgID,
		ServerMsgID:    message.ID,
		Status:         protocol.DeliverySent,
		CreatedAt:      message.CreatedAt,
	}, env.RequestID)

	ref := &protocol.ConversationRef{ID: conv.ID, LastMessage: message.Summary()}
	payload := protocol.NewMessage{ConversationID: conv.ID, Message: message, Conversation: ref}
	// the room gets the message, everyone else in the conversation a notification
	s.toRoom(protocol.EventNewMessage, payload, conv.ID)
	s.broadcast(protocol.EventNewMessageNotification, payload, func(other *client) bool {
		return !other.rooms[conv.ID] && conv.HasParticipant(other.userID)
	})
}

func (s *Server) handleDirectConversation(c *client, userID string, env *protocol.Envelope) {
	var p protocol.DirectConversationRequest
	env.Decode(&p)

	s.lock.Lock()
	if _, ok := s.accounts[p.OtherUserID]; !ok || p.OtherUserID == userID {
		s.lock.Unlock()
		s.replyError(c, codeNotFound, "User not found", env.RequestID)
		return
	}
	var found *protocol.Conversation
	for _, id := range s.order {
		conv := s.conversations[id]
		if conv != nil && conv.Kind == protocol.ConversationDirect && conv.HasParticipant(userID) && conv.HasParticipant(p.OtherUserID) {
			found = conv.Clone()
			break
		}
	}
	created := false
	if found == nil {
		status := protocol.ConversationPending
		if s.friends[userID][p.OtherUserID] {
			status = protocol.ConversationAccepted
		}
		found = s.addConversation(protocol.Conversation{
			Kind:           protocol.ConversationDirect,
			ParticipantIDs: []string{userID, p.OtherUserID},
			CreatorID:      userID,
			Status:         status,
		}).Clone()
		created = true
	}
	s.lock.Unlock()

	s.reply(c, protocol.EventDirectConversation, protocol.ConversationPayload{Conversation: *found}, env.RequestID)
	if created {
		s.toUsers(protocol.EventNewConversation, protocol.ConversationPayload{Conversation: *found}, p.OtherUserID)
	}
}

func (s *Server) handleCreateGroup(c *client, userID string, env *protocol.Envelope) {
	var p protocol.CreateGroup
	env.Decode(&p)
	name := strings.TrimSpace(p.Name)
	if name == "" {
		s.replyError(c, "INVALID_GROUP", "Group name is required", env.RequestID)
		return
	}

	participants := []string{userID}
	s.lock.Lock()
	for _, memberID := range p.MemberIDs {
		if _, ok := s.accounts[memberID]; ok && !slices.Contains(participants, memberID) {
			participants = append(participants, memberID)
		}
	}
	conv := s.addConversation(protocol.Conversation{
		Kind:           protocol.ConversationGroup,
		Name:           name,
		ParticipantIDs: participants,
		CreatorID:      userID,
	}).Clone()
	s.lock.Unlock()

	s.reply(c, protocol.EventGroupCreated, protocol.ConversationPayload{Conversation: *conv}, env.RequestID)
	s.toUsers(protocol.EventNewConversation, protocol.ConversationPayload{Conversation: *conv}, participants[1:]...)
}

// group returns the group conversation if userID may manage it.
func (s *Server) group(c *client, userID string, conversationID string, requestID string) (*protocol.Conversation, bool) {
	conv, ok := s.conversation(userID, conversationID)
	if !ok {
		s.replyError(c, codeNotFound, "Conversation not found", requestID)
		return nil, false
	}
	if conv.Kind != protocol.ConversationGroup {
		s.replyError(c, "NOT_A_GROUP", "Not a group conversation", requestID)
		return nil, false
	}
	return conv, true
}

func (s *Server) handleAddMember(c *client, userID string, env *protocol.Envelope) {
	var p protocol.GroupMember
	env.Decode(&p)
	if _, ok := s.group(c, userID, p.ConversationID, env.RequestID); !ok {
		return
	}

	s.lock.Lock()
	if _, ok := s.accounts[p.MemberID]; !ok {
		s.lock.Unlock()
		s.replyError(c, codeNotFound, "User not found", env.RequestID)
		return
	}
	stored := s.conversations[p.ConversationID]
	*stored = *stored.WithParticipant(p.MemberID)
	conv := stored.Clone()
	s.lock.Unlock()

	s.toRoom(protocol.EventMemberAdded, protocol.MemberChanged{
		ConversationID: conv.ID,
		MemberID:       p.MemberID,
		AddedBy:        userID,
	}, conv.ID)
	s.toUsers(protocol.EventNewConversation, protocol.ConversationPayload{Conversation: *conv}, p.MemberID)
}

func (s *Server) handleRemoveMember(c *client, userID string, env *protocol.Envelope) {
	var p protocol.GroupMember
	env.Decode(&p)
	conv, ok := s.group(c, userID, p.ConversationID, env.RequestID)
	if !ok {
		return
	}
	if conv.CreatorID != userID && p.MemberID != userID {
		s.replyError(c, "FORBIDDEN", "Only the creator can remove members", env.RequestID)
		return
	}

	s.lock.Lock()
	stored := s.conversations[p.ConversationID]
	*stored = *stored.WithoutParticipant(p.MemberID)
	for other := range s.clients {
		if other.userID == p.MemberID {
			delete(other.rooms, p.ConversationID)
		}
	}
	s.lock.Unlock()

	s.toRoom(protocol.EventMemberRemoved, protocol.MemberChanged{
		ConversationID: conv.ID,
		MemberID:       p.MemberID,
		RemovedBy:      userID,
	}, conv.ID)
	s.toUsers(protocol.EventRemovedFromGroup, protocol.ConversationRemoved{ConversationID: conv.ID}, p.MemberID)
}

func (s *Server) handleUpdateGroupInfo(c *client, userID string, env *protocol.Envelope) {
	var p protocol.UpdateGroupInfo
	env.Decode(&p)
	if _, ok := s.group(c, userID, p.ConversationID, env.RequestID); !ok {
		return
	}

	s.lock.Lock()
	stored := s.conversations[p.ConversationID]
	if name := strings.TrimSpace(p.Name); name != "" {
		stored.Name = name
	}
	if p.Avatar != "" {
		stored.Avatar = p.Avatar
	}
	participants := slices.Clone(stored.ParticipantIDs)
	update := protocol.GroupInfoUpdated{ConversationID: stored.ID, Name: stored.Name, Avatar: stored.Avatar}
	s.lock.Unlock()

	s.toUsers(protocol.EventGroupInfoUpdated, update, participants...)
}

func (s *Server) handleDeleteConversation(c *client, userID string, env *protocol.Envelope) {
	var p protocol.ConversationRequest
	env.Decode(&p)
	conv, ok := s.conversation(userID, p.ConversationID)
	if !ok {
		s.replyError(c, codeNotFound, "Conversation not found", env.RequestID)
		return
	}
	if conv.Kind == protocol.ConversationGroup && conv.CreatorID != userID {
		s.replyError(c, "FORBIDDEN", "Only the creator can delete a group", env.RequestID)
		return
	}

	s.lock.Lock()
	delete(s.conversations, conv.ID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == conv.ID })
	for other := range s.clients {
		delete(other.rooms, conv.ID)
	}
	s.lock.Unlock()
	if err := s.log.deleteConversation(conv.ID); err != nil {
		glog.Errorf("[fake]delete messages = %s\n", err)
	}

	s.toUsers(protocol.EventConversationDeleted, protocol.ConversationRemoved{ConversationID: conv.ID}, conv.ParticipantIDs...)
}

func (s *Server) handlePin(c *client, userID string, env *protocol.Envelope) {
	var p protocol.PinMessage
	env.Decode(&p)
	conv, ok := s.conversation(userID, p.ConversationID)
	if !ok {
		s.replyError(c, codeNotFound, "Conversation not found", env.RequestID)
		return
	}

	var pinned *protocol.Message
	if env.Type == protocol.EventPinMessage {
		m, err := s.log.get(conv.ID, p.MessageID)
		if err != nil {
			s.replyError(c, codeNotFound, "Message not found", env.RequestID)
			return
		}
		pinned = m
	}

	s.lock.Lock()
	if stored, ok := s.conversations[conv.ID]; ok {
		stored.PinnedMessage = pinned
	}
	s.lock.Unlock()

	s.toUsers(protocol.EventPinnedMessageUpdated, protocol.PinnedMessageUpdated{
		ConversationID: conv.ID,
		PinnedMessage:  pinned,
	}, conv.ParticipantIDs...)
}

func (s *Server) handleSearchUsers(c *client, userID string, env *protocol.Envelope) {
	var p protocol.SearchUsers
	env.Decode(&p)
	query := strings.ToLower(strings.TrimSpace(p.Query))

	s.lock.Lock()
	users := []protocol.User{}
	if query != "" {
		for id, a := range s.accounts {
			if id != userID && strings.Contains(strings.ToLower(a.user.Username), query) {
				users = append(users, a.user)
			}
		}
	}
	s.lock.Unlock()
	slices.SortFunc(users, func(a, b protocol.User) int { return strings.Compare(a.Username, b.Username) })

	s.reply(c, protocol.EventSearchResults, protocol.SearchResults{Query: p.Query, Users: users}, env.RequestID)
}

func (s *Server) handleGetFriends(c *client, userID string, env *protocol.Envelope) {
	s.lock.Lock()
	friends := []protocol.User{}
	for friendID := range s.friends[userID] {
		if a, ok := s.accounts[friendID]; ok {
			friends = append(friends, a.user)
		}
	}
	s.lock.Unlock()
	slices.SortFunc(friends, func(a, b protocol.User) int { return strings.Compare(a.Username, b.Username) })

	s.reply(c, protocol.EventFriendsList, protocol.FriendsList{Friends: friends}, env.RequestID)
}

func (s *Server) handleGetFriendRequests(c *client, userID string, env *protocol.Envelope) {
	s.reply(c, protocol.EventFriendRequests, s.friendRequests(userID), env.RequestID)
}

func (s *Server) friendRequests(userID string) protocol.FriendRequests {
	s.lock.Lock()
	defer s.lock.Unlock()
	requests := protocol.FriendRequests{
		Received: []protocol.FriendRequest{},
		Sent:     []protocol.FriendRequest{},
	}
	for _, r := range s.requests {
		if r.Status != "pending" {
			continue
		}
		if r.ToUserID == userID {
			requests.Received = append(requests.Received, r)
		}
		if r.FromUserID == userID {
			requests.Sent = append(requests.Sent, r)
		}
	}
	return requests
}

func (s *Server) handleSendFriendRequest(c *client, userID string, env *protocol.Envelope) {
	var p protocol.SendFriendRequest
	env.Decode(&p)

	s.lock.Lock()
	if _, ok := s.accounts[p.ToUserID]; !ok || p.ToUserID == userID {
		s.lock.Unlock()
		s.replyError(c, codeNotFound, "User not found", env.RequestID)
		return
	}
	status := "pending"
	if s.friends[userID][p.ToUserID] {
		status = "already_friends"
	} else {
		for _, r := range s.requests {
			if r.FromUserID == userID && r.ToUserID == p.ToUserID && r.Status == "pending" {
				status = "already_sent"
			}
		}
	}
	request := protocol.FriendRequest{FromUserID: userID, ToUserID: p.ToUserID, Status: "pending"}
	if status == "pending" {
		request.ID = s.newID("fr")
		s.requests = append(s.requests, request)
	}
	s.lock.Unlock()

	s.reply(c, protocol.EventFriendRequestSent, map[string]any{"status": status, "friendship": request}, env.RequestID)
	if status == "pending" {
		s.toUsers(protocol.EventFriendRequestReceived, protocol.FriendRequestReceived{FromUserID: userID}, p.ToUserID)
	}
}

func (s *Server) handleRespondFriendRequest(c *client, userID string, env *protocol.Envelope) {
	var p protocol.RespondFriendRequest
	env.Decode(&p)
	accept := env.Type == protocol.EventAcceptFriendRequest

	s.lock.Lock()
	found := false
	for i, r := range s.requests {
		if r.FromUserID == p.FromUserID && r.ToUserID == userID && r.Status == "pending" {
			found = true
			if accept {
				s.requests[i].Status = "accepted"
			} else {
				s.requests[i].Status = "rejected"
			}
		}
	}
	if found && accept {
		s.befriend(userID, p.FromUserID)
	}
	s.lock.Unlock()

	if !found {
		s.replyError(c, codeNotFound, "Friend request not found", env.RequestID)
		return
	}
	if accept {
		s.toUsers(protocol.EventFriendAccepted, protocol.FriendAccepted{UserID: userID}, p.FromUserID)
		s.handleGetFriends(c, userID, env)
	}
	s.handleGetFriendRequests(c, userID, env)
}

// befriend also accepts any pending direct conversation between the two.
func (s *Server) befriend(a string, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if s.friends[pair[0]] == nil {
			s.friends[pair[0]] = map[string]bool{}
		}
		s.friends[pair[0]][pair[1]] = true
	}
	for _, conv := range s.conversations {
		if conv.Kind == protocol.ConversationDirect && conv.HasParticipant(a) && conv.HasParticipant(b) {
			conv.Status = protocol.ConversationAccepted
		}
	}
}

// Befriend makes two users friends without a request.
func (s *Server) Befriend(a string, b string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.befriend(a, b)
}

func (s *Server) handleReceipt(c *client, userID string, env *protocol.Envelope) {
	var p protocol.Receipt
	env.Decode(&p)
	conv, ok := s.conversation(userID, p.ConversationID)
	if !ok {
		s.replyError(c, codeNotFound, "Conversation not found", env.RequestID)
		return
	}
	if err := s.log.setStatus(conv.ID, p.MessageID, p.Status); err != nil {
		s.replyError(c, codeNotFound, "Message not found", env.RequestID)
		return
	}
	s.toUsers(protocol.EventReceiptUpdate, protocol.ReceiptUpdate{
		ConversationID: conv.ID,
		MessageID:      p.MessageID,
		UserID:         userID,
		Status:         p.Status,
	}, conv.ParticipantIDs...)
}
