// Package fakeserver is an in-process chat server that speaks the client's
// wire envelope. It backs the integration tests and `chatctl serve`.
package fakeserver

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"relaychat/internal/protocol"
)

type Settings struct {
	// empty keeps the message log in memory
	DataDir         string
	TokenSecret     []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

func DefaultSettings() *Settings {
	return &Settings{
		TokenSecret:     []byte("fakeserver"),
		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

type account struct {
	user     protocol.User
	password string
	lastSeen int64
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	userID  string
	rooms   map[string]bool
}

func (c *client) write(env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

type Server struct {
	settings *Settings
	upgrader websocket.Upgrader
	log      *messageLog

	lock          sync.Mutex
	clients       map[*client]bool
	accounts      map[string]*account
	conversations map[string]*protocol.Conversation
	// conversation ids in creation order
	order    []string
	requests []protocol.FriendRequest
	friends  map[string]map[string]bool
	uploads  map[string][]byte
	nextID   int

	// Received sees every inbound envelope before it is handled.
	Received func(userID string, env *protocol.Envelope)
}

func NewServerWithDefaults() (*Server, error) {
	return NewServer(DefaultSettings())
}

func NewServer(settings *Settings) (*Server, error) {
	log, err := openMessageLog(settings.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	return &Server{
		settings: settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:           log,
		clients:       map[*client]bool{},
		accounts:      map[string]*account{},
		conversations: map[string]*protocol.Conversation{},
		friends:       map[string]map[string]bool{},
		uploads:       map[string][]byte{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /uploads/{name}", s.handleDownload)
	return mux
}

// WsURL maps the server's http base url to its websocket endpoint.
func WsURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

func (s *Server) Close() error {
	s.lock.Lock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
	s.lock.Unlock()
	return s.log.close()
}

// AddUser registers an account. The user id is the username.
func (s *Server) AddUser(username string, password string) protocol.User {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.addUser(username, password)
}

func (s *Server) addUser(username string, password string) protocol.User {
	a := &account{
		user:     protocol.User{UserID: username, Username: username},
		password: password,
	}
	s.accounts[username] = a
	return a.user
}

// AddConversation stores a conversation as is. An empty id is assigned.
func (s *Server) AddConversation(conv protocol.Conversation) protocol.Conversation {
	s.lock.Lock()
	defer s.lock.Unlock()
	return *s.addConversation(conv)
}

func (s *Server) addConversation(conv protocol.Conversation) *protocol.Conversation {
	if conv.ID == "" {
		conv.ID = s.newID("conv")
	}
	if conv.Status == "" {
		conv.Status = protocol.ConversationAccepted
	}
	if conv.ParticipantIDs == nil {
		conv.ParticipantIDs = []string{}
	}
	stored := conv.Clone()
	if _, exists := s.conversations[conv.ID]; !exists {
		s.order = append(s.order, conv.ID)
	}
	s.conversations[conv.ID] = stored
	return stored
}

func (s *Server) newID(prefix string) string {
	s.nextID += 1
	return fmt.Sprintf("%s_%d", prefix, s.nextID)
}

// DropConnections closes every client connection with code, without
// telling the clients why.
func (s *Server) DropConnections(code int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	deadline := time.Now().Add(time.Second)
	for c := range s.clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
		c.writeMu.Unlock()
		c.conn.Close()
		delete(s.clients, c)
	}
}

// Connections counts authenticated clients.
func (s *Server) Connections() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for c := range s.clients {
		if c.userID != "" {
			n += 1
		}
	}
	return n
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	glog.V(1).Infof("[fake]client connected %s\n", conn.RemoteAddr())

	c := &client{conn: conn, rooms: map[string]bool{}}
	s.lock.Lock()
	s.clients[c] = true
	s.lock.Unlock()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if _, ok := err.(*websocket.CloseError); !ok && !strings.Contains(err.Error(), "use of closed") {
				glog.V(1).Infof("[fake]read = %s\n", err)
			}
			break
		}
		if s.Received != nil {
			s.Received(c.userID, &env)
		}
		s.handleEnvelope(c, &env)
	}

	s.lock.Lock()
	delete(s.clients, c)
	userID := c.userID
	if userID != "" {
		if a, ok := s.accounts[userID]; ok {
			a.lastSeen = time.Now().UnixMilli()
		}
	}
	s.lock.Unlock()
	if userID != "" && !s.online(userID) {
		s.announcePresence(userID, false)
	}
}

func (s *Server) online(userID string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.clients {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (s *Server) reply(c *client, eventType protocol.EventType, payload any, requestID string) {
	env, err := protocol.NewEnvelope(eventType, payload, requestID)
	if err != nil {
		glog.Errorf("[fake]encode %s = %s\n", eventType, err)
		return
	}
	if err := c.write(env); err != nil {
		glog.V(1).Infof("[fake]write %s = %s\n", eventType, err)
	}
}

func (s *Server) replyError(c *client, code string, message string, requestID string) {
	s.reply(c, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message}, requestID)
}

// broadcast sends to every client that match selects.
func (s *Server) broadcast(eventType protocol.EventType, payload any, match func(c *client) bool) {
	env, err := protocol.NewEnvelope(eventType, payload, "")
	if err != nil {
		glog.Errorf("[fake]encode %s = %s\n", eventType, err)
		return
	}
	s.lock.Lock()
	targets := []*client{}
	for c := range s.clients {
		if c.userID != "" && match(c) {
			targets = append(targets, c)
		}
	}
	s.lock.Unlock()

	for _, c := range targets {
		if err := c.write(env); err != nil {
			c.conn.Close()
			s.lock.Lock()
			delete(s.clients, c)
			s.lock.Unlock()
		}
	}
}

func (s *Server) toUsers(eventType protocol.EventType, payload any, userIDs ...string) {
	s.broadcast(eventType, payload, func(c *client) bool {
		for _, userID := range userIDs {
			if c.userID == userID {
				return true
			}
		}
		return false
	})
}

func (s *Server) toRoom(eventType protocol.EventType, payload any, conversationID string) {
	s.broadcast(eventType, payload, func(c *client) bool {
		return c.rooms[conversationID]
	})
}

func (s *Server) announcePresence(userID string, online bool) {
	s.lock.Lock()
	friends := []string{}
	for friendID := range s.friends[userID] {
		friends = append(friends, friendID)
	}
	var lastSeen *int64
	if a, ok := s.accounts[userID]; ok && !online && 0 < a.lastSeen {
		ts := a.lastSeen
		lastSeen = &ts
	}
	s.lock.Unlock()

	s.toUsers(protocol.EventPresenceUpdate, protocol.PresenceUpdate{
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	}, friends...)
}
