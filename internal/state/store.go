package state

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"

	"relaychat/internal/protocol"
)

// State is the client-visible session, conversation and message data.
//
// Slices and maps inside a State are never modified in place by the Store,
// every mutator builds new ones, so a State returned by GetState stays
// consistent after later mutations. Callers must treat it as read only.
type State struct {
	Session              *protocol.Session
	Conversations        []protocol.Conversation
	CurrentConversation  *protocol.Conversation
	ActiveConversationID string
	// conversation id -> ordered messages
	Messages map[string][]protocol.Message
}

func emptyState() State {
	return State{
		Conversations: []protocol.Conversation{},
		Messages:      map[string][]protocol.Message{},
	}
}

// Conversation finds a conversation in the list by id.
func (s *State) Conversation(conversationID string) (*protocol.Conversation, bool) {
	for i := range s.Conversations {
		if s.Conversations[i].ID == conversationID {
			return &s.Conversations[i], true
		}
	}
	return nil, false
}

func (s *State) UserID() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.UserID
}

type Listener func(State)

type subscription struct {
	id       uint64
	listener Listener
}

// Store is the single source of truth for client state. Every mutation
// synchronously notifies all subscribers, in registration order, with the
// updated state.
type Store struct {
	mu            sync.Mutex
	state         State
	subscriptions []subscription
	nextID        uint64
}

func NewStore() *Store {
	return &Store{
		state: emptyState(),
	}
}

func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState applies update to the state then notifies subscribers.
// update must replace, not modify, any slice or map it changes.
func (s *Store) SetState(update func(state *State)) {
	s.mu.Lock()
	update(&s.state)
	next := s.state
	subscriptions := s.subscriptions
	s.mu.Unlock()

	s.notify(subscriptions, next)
}

// Subscribe registers listener and returns the function that removes it.
// Registering the same listener twice delivers every notification twice.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID += 1
	id := s.nextID
	next := make([]subscription, 0, len(s.subscriptions)+1)
	next = append(next, s.subscriptions...)
	next = append(next, subscription{id: id, listener: listener})
	s.subscriptions = next

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subscriptions {
			if sub.id == id {
				next := make([]subscription, 0, len(s.subscriptions)-1)
				next = append(next, s.subscriptions[:i]...)
				next = append(next, s.subscriptions[i+1:]...)
				s.subscriptions = next
				return
			}
		}
	}
}

func (s *Store) notify(subscriptions []subscription, next State) {
	for _, sub := range subscriptions {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[store]subscriber %d panic = %v\n%s", sub.id, r, debug.Stack())
				}
			}()
			sub.listener(next)
		}()
	}
}

// ResetState restores every field to its empty value.
func (s *Store) ResetState() {
	s.SetState(func(state *State) {
		*state = emptyState()
	})
}

func (s *Store) SetCurrentUser(session *protocol.Session) {
	s.SetState(func(state *State) {
		state.Session = session
	})
}

// SetConversations replaces the list. A nil list is stored as empty.
func (s *Store) SetConversations(conversations []protocol.Conversation) {
	if conversations == nil {
		conversations = []protocol.Conversation{}
	}
	s.SetState(func(state *State) {
		state.Conversations = conversations
	})
}

// AddConversation appends without checking for an existing entry.
func (s *Store) AddConversation(conversation protocol.Conversation) {
	s.SetState(func(state *State) {
		next := make([]protocol.Conversation, 0, len(state.Conversations)+1)
		next = append(next, state.Conversations...)
		state.Conversations = append(next, conversation)
	})
}

// SetCurrentConversation also sets ActiveConversationID. nil clears both.
func (s *Store) SetCurrentConversation(conversation *protocol.Conversation) {
	s.SetState(func(state *State) {
		state.CurrentConversation = conversation
		if conversation == nil {
			state.ActiveConversationID = ""
		} else {
			state.ActiveConversationID = conversation.ID
		}
	})
}

func (s *Store) SetMessages(conversationID string, messages []protocol.Message) {
	if messages == nil {
		messages = []protocol.Message{}
	}
	s.SetState(func(state *State) {
		state.Messages = WithMessages(state.Messages, conversationID, messages)
	})
}

func (s *Store) AddMessage(conversationID string, message protocol.Message) {
	s.SetState(func(state *State) {
		existing := state.Messages[conversationID]
		next := make([]protocol.Message, 0, len(existing)+1)
		next = append(next, existing...)
		next = append(next, message)
		state.Messages = WithMessages(state.Messages, conversationID, next)
	})
}

// WithMessages returns a copy of messages with conversationID's list replaced.
// SetState updates use it to keep the message map copy-on-write.
func WithMessages(
	messages map[string][]protocol.Message,
	conversationID string,
	list []protocol.Message,
) map[string][]protocol.Message {
	next := make(map[string][]protocol.Message, len(messages)+1)
	for k, v := range messages {
		next[k] = v
	}
	next[conversationID] = list
	return next
}
