package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"relaychat/internal/api"
	"relaychat/internal/protocol"
	"relaychat/internal/state"
	"relaychat/internal/transport"
)

type sentEnvelope struct {
	eventType protocol.EventType
	payload   any
	requestID string
}

// fakeConn records sends and lets a test deliver envelopes to the
// registered handlers.
type fakeConn struct {
	mu       sync.Mutex
	sent     []sentEnvelope
	handlers map[protocol.EventType][]transport.Handler
	sendErr  error

	response   *protocol.Envelope
	requestErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[protocol.EventType][]transport.Handler{}}
}

func (f *fakeConn) Send(eventType protocol.EventType, payload any, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEnvelope{eventType, payload, requestID})
	return f.sendErr
}

func (f *fakeConn) Request(ctx context.Context, eventType protocol.EventType, payload any, responseType protocol.EventType) (*protocol.Envelope, error) {
	f.Send(eventType, payload, "req_test")
	return f.response, f.requestErr
}

func (f *fakeConn) OnEvent(eventType protocol.EventType, handler transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[eventType] = append(f.handlers[eventType], handler)
	return func() {}
}

func (f *fakeConn) deliver(t *testing.T, eventType protocol.EventType, payload any) {
	env, err := protocol.NewEnvelope(eventType, payload, "")
	assert.Equal(t, err, nil)
	f.mu.Lock()
	handlers := f.handlers[eventType]
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(env.Data, env)
	}
}

func (f *fakeConn) sentTypes() []protocol.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := []protocol.EventType{}
	for _, s := range f.sent {
		types = append(types, s.eventType)
	}
	return types
}

func (f *fakeConn) last() sentEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

// recordingView records calls by name.
type recordingView struct {
	NopView

	mu       sync.Mutex
	calls    []string
	appended []protocol.Message
	replaced map[string]protocol.Message
	rendered [][]protocol.Message
	headers  []*protocol.Conversation
	notices  []Notice
	statuses []transport.ConnState
	results  []protocol.SearchResults
}

func newRecordingView() *recordingView {
	return &recordingView{replaced: map[string]protocol.Message{}}
}

func (v *recordingView) record(call string) {
	v.calls = append(v.calls, call)
}

func (v *recordingView) RenderMessages(conversationID string, messages []protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("RenderMessages")
	v.rendered = append(v.rendered, messages)
}

func (v *recordingView) AppendMessage(conversationID string, message protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("AppendMessage")
	v.appended = append(v.appended, message)
}

func (v *recordingView) ReplaceMessage(conversationID string, previousID string, message protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("ReplaceMessage")
	v.replaced[previousID] = message
}

func (v *recordingView) ClearMessages() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("ClearMessages")
}

func (v *recordingView) RenderHeader(conversation *protocol.Conversation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("RenderHeader")
	v.headers = append(v.headers, conversation)
}

func (v *recordingView) Notify(notice Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("Notify")
	v.notices = append(v.notices, notice)
}

func (v *recordingView) ShowSearchResults(results protocol.SearchResults) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("ShowSearchResults")
	v.results = append(v.results, results)
}

func (v *recordingView) ShowStatus(connState transport.ConnState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses = append(v.statuses, connState)
}

func (v *recordingView) ShowLogin() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("ShowLogin")
}

func (v *recordingView) count(call string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, c := range v.calls {
		if c == call {
			n += 1
		}
	}
	return n
}

func (v *recordingView) appendedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.appended)
}

func (v *recordingView) appendedList() []protocol.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]protocol.Message{}, v.appended...)
}

type controllerFixture struct {
	store *state.Store
	conn  *fakeConn
	view  *recordingView
	c     *Controller
}

// newControllerFixture has alice logged in with conversations c1 and c2,
// c1 open.
func newControllerFixture(t *testing.T) *controllerFixture {
	store := state.NewStore()
	conn := newFakeConn()
	view := newRecordingView()
	c := NewController(store, conn, view)
	c.AccessToken = func() string { return "token" }
	c.Register()

	store.SetCurrentUser(&protocol.Session{UserID: "alice", Username: "alice"})
	store.SetConversations([]protocol.Conversation{
		{ID: "c1", Kind: protocol.ConversationGroup, Name: "team", ParticipantIDs: []string{"alice", "bob"}},
		{ID: "c2", Kind: protocol.ConversationDirect, ParticipantIDs: []string{"alice", "carol"}},
	})
	conv, _ := store.GetState().Conversation("c1")
	store.SetCurrentConversation(conv.Clone())

	return &controllerFixture{store: store, conn: conn, view: view, c: c}
}

func (f *controllerFixture) messages(conversationID string) []protocol.Message {
	return f.store.GetState().Messages[conversationID]
}

func TestRegisterCoversEveryInboundEvent(t *testing.T) {
	f := newControllerFixture(t)
	for _, eventType := range protocol.InboundEvents {
		assert.Equal(t, len(f.conn.handlers[eventType]), 1)
	}
}

func TestConversationsListReplaces(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventConversationsList, map[string]any{
		"conversations": []map[string]any{{"_id": "c1", "type": "group", "name": "renamed", "participants": []string{"alice"}}},
	})
	st := f.store.GetState()
	assert.Equal(t, len(st.Conversations), 1)
	assert.Equal(t, st.Conversations[0].ID, "c1")
	// the open conversation follows the snapshot
	assert.Equal(t, st.CurrentConversation.Name, "renamed")
	assert.Equal(t, f.view.count("RenderHeader"), 1)

	f.conn.deliver(t, protocol.EventConversationsList, map[string]any{"conversations": map[string]any{"_id": "c1"}})
	assert.Equal(t, len(f.store.GetState().Conversations), 0)
}

func TestMessagesLoadedRendersOpenConversationOnly(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventMessagesLoaded, map[string]any{
		"conversation_id": "c2",
		"messages":        []protocol.Message{{ID: "m_1", Text: "hi"}},
	})
	assert.Equal(t, len(f.messages("c2")), 1)
	assert.Equal(t, f.view.count("RenderMessages"), 0)

	f.conn.deliver(t, protocol.EventMessagesLoaded, map[string]any{
		"conversation_id": "c1",
		"messages":        []protocol.Message{{ID: "m_2"}, {ID: "m_3"}},
	})
	assert.Equal(t, len(f.messages("c1")), 2)
	assert.Equal(t, f.view.count("RenderMessages"), 1)
	assert.Equal(t, len(f.view.rendered[0]), 2)
}

func TestMessagesLoadedKeepsPendingSends(t *testing.T) {
	f := newControllerFixture(t)
	f.store.SetMessages("c1", []protocol.Message{{ID: "m_1", DeliveryState: protocol.DeliverySent}})
	sent, err := f.c.SendText("c1", "in flight")
	assert.Equal(t, err, nil)

	// history loaded before the server stored the new message
	f.conn.deliver(t, protocol.EventMessagesLoaded, map[string]any{
		"conversation_id": "c1",
		"messages":        []protocol.Message{{ID: "m_0"}, {ID: "m_1"}},
	})
	list := f.messages("c1")
	assert.Equal(t, len(list), 3)
	assert.Equal(t, list[2].ID, sent.ID)
	assert.Equal(t, len(f.view.rendered[0]), 3)

	// the ack still finds the pending entry
	f.conn.deliver(t, protocol.EventSendAck, protocol.SendAck{ConversationID: "c1", ClientMsgID: sent.ID, ServerMsgID: "m_2"})
	list = f.messages("c1")
	assert.Equal(t, len(list), 3)
	assert.Equal(t, list[2].ID, "m_2")
	assert.Equal(t, list[2].DeliveryState, protocol.DeliverySent)

	// once confirmed, history wins
	f.conn.deliver(t, protocol.EventMessagesLoaded, map[string]any{
		"conversation_id": "c1",
		"messages":        []protocol.Message{{ID: "m_1"}},
	})
	assert.Equal(t, len(f.messages("c1")), 1)
}

func TestConversationsListClosesMissingOpenConversation(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventConversationsList, map[string]any{
		"conversations": []map[string]any{{"_id": "c2", "type": "direct", "participants": []string{"alice", "carol"}}},
	})
	st := f.store.GetState()
	assert.Equal(t, len(st.Conversations), 1)
	assert.Equal(t, st.CurrentConversation, nil)
	assert.Equal(t, st.ActiveConversationID, "")
	assert.Equal(t, f.view.count("ClearMessages"), 1)
	assert.Equal(t, f.view.headers, []*protocol.Conversation{nil})
}

func TestOptimisticSendIsRewrittenOnAck(t *testing.T) {
	f := newControllerFixture(t)
	f.store.SetMessages("c1", []protocol.Message{{ID: "m_1", Text: "earlier"}})

	sent, err := f.c.SendText("c1", "  hello ")
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(sent.ID, "c_"), true)
	assert.Equal(t, sent.Text, "hello")
	assert.Equal(t, sent.DeliveryState, protocol.DeliveryPending)
	assert.Equal(t, f.view.appendedCount(), 1)

	out := f.conn.last()
	assert.Equal(t, out.eventType, protocol.EventSendMessage)
	assert.Equal(t, out.requestID, "r_"+sent.ID)
	assert.Equal(t, out.payload.(protocol.SendMessage).ClientMsgID, sent.ID)

	// a later message from someone else
	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c1",
		Message:        protocol.Message{ID: "m_2", SenderID: "bob", Text: "after"},
	})

	f.conn.deliver(t, protocol.EventSendAck, protocol.SendAck{
		ConversationID: "c1",
		ClientMsgID:    sent.ID,
		ServerMsgID:    "m_99",
		Status:         protocol.DeliverySent,
	})

	list := f.messages("c1")
	assert.Equal(t, len(list), 3)
	assert.Equal(t, list[0].ID, "m_1")
	assert.Equal(t, list[1].ID, "m_99")
	assert.Equal(t, list[1].DeliveryState, protocol.DeliverySent)
	assert.Equal(t, list[2].ID, "m_2")
	assert.Equal(t, f.view.replaced[sent.ID].ID, "m_99")

	// the ack does not roll the summary back past m_2
	conv, _ := f.store.GetState().Conversation("c1")
	assert.Equal(t, conv.LastMessage.Text, "after")
}

func TestAckAfterEchoKeepsOneEntry(t *testing.T) {
	f := newControllerFixture(t)
	f.store.SetMessages("c1", []protocol.Message{})
	f.store.AddMessage("c1", protocol.Message{ID: "c_1700", SenderID: "alice", Text: "hi", DeliveryState: protocol.DeliveryPending})

	// the room echo can arrive before the ack
	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c1",
		Message:        protocol.Message{ID: "m_99", SenderID: "alice", Text: "hi"},
	})
	assert.Equal(t, f.view.appendedCount(), 0)

	f.conn.deliver(t, protocol.EventSendAck, map[string]any{
		"conversation_id": "c1",
		"client_msg_id":   "c_1700",
		"server_msg_id":   "m_99",
	})
	list := f.messages("c1")
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0].ID, "m_99")
	assert.Equal(t, list[0].DeliveryState, protocol.DeliverySent)

	// and after it
	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c1",
		Message:        protocol.Message{ID: "m_99", SenderID: "alice", Text: "hi"},
	})
	assert.Equal(t, len(f.messages("c1")), 1)
}

func TestSelfEchoUpdatesLastMessageWithoutRendering(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c1",
		Message:        protocol.Message{ID: "m_5", SenderID: "alice", Text: "from another device", CreatedAt: 42},
	})
	conv, _ := f.store.GetState().Conversation("c1")
	assert.Equal(t, conv.LastMessage.Text, "from another device")
	assert.Equal(t, f.store.GetState().CurrentConversation.LastMessage.CreatedAt, int64(42))
	assert.Equal(t, f.view.appendedCount(), 0)
}

func TestNewMessageFromOthers(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c1",
		Message:        protocol.Message{ID: "m_5", SenderID: "bob", Text: "hey"},
	})
	assert.Equal(t, f.view.appendedCount(), 1)
	assert.Equal(t, f.messages("c1")[0].ConversationID, "c1")

	// c2 is not open: stored, notified, not rendered
	f.conn.deliver(t, protocol.EventNewMessageNotification, protocol.NewMessage{
		ConversationID: "c2",
		Message:        protocol.Message{ID: "m_6", SenderID: "carol", Text: "psst"},
	})
	assert.Equal(t, f.view.appendedCount(), 1)
	assert.Equal(t, len(f.messages("c2")), 1)
	assert.Equal(t, f.view.notices[0].Text, "psst")
}

func TestNewMessageForUnknownConversationRefreshes(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c9",
		Message:        protocol.Message{ID: "m_1", SenderID: "dave"},
	})
	st := f.store.GetState()
	assert.Equal(t, len(st.Conversations), 2)
	_, found := st.Messages["c9"]
	assert.Equal(t, found, false)
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{protocol.EventGetConversations})
}

func TestMemberChangedPatchesThenRefreshes(t *testing.T) {
	f := newControllerFixture(t)

	// room broadcasts may omit the conversation id
	f.conn.deliver(t, protocol.EventMemberAdded, protocol.MemberChanged{MemberID: "dave", AddedBy: "bob"})
	st := f.store.GetState()
	assert.Equal(t, st.CurrentConversation.ParticipantIDs, []string{"alice", "bob", "dave"})
	conv, _ := st.Conversation("c1")
	assert.Equal(t, conv.HasParticipant("dave"), true)
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{protocol.EventGetConversations})

	f.conn.deliver(t, protocol.EventMemberRemoved, protocol.MemberChanged{ConversationID: "c1", MemberID: "bob"})
	assert.Equal(t, f.store.GetState().CurrentConversation.ParticipantIDs, []string{"alice", "dave"})
	assert.Equal(t, len(f.conn.sentTypes()), 2)
	assert.Equal(t, f.view.count("RenderHeader"), 2)

	// removing alice herself drops the conversation
	f.conn.deliver(t, protocol.EventMemberRemoved, protocol.MemberChanged{ConversationID: "c1", MemberID: "alice"})
	st = f.store.GetState()
	assert.Equal(t, st.CurrentConversation, nil)
	assert.Equal(t, len(st.Conversations), 1)
}

func TestPinnedMessageUpdated(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventPinnedMessageUpdated, protocol.PinnedMessageUpdated{
		ConversationID: "c1",
		PinnedMessage:  &protocol.Message{ID: "m_7", Text: "pinned"},
	})
	st := f.store.GetState()
	assert.Equal(t, st.CurrentConversation.PinnedMessage.ID, "m_7")
	conv, _ := st.Conversation("c1")
	assert.Equal(t, conv.PinnedMessage.ID, "m_7")
	assert.Equal(t, f.view.headers[len(f.view.headers)-1].PinnedMessage.ID, "m_7")

	f.conn.deliver(t, protocol.EventPinnedMessageUpdated, map[string]any{"conversation_id": "c1", "pinned_message": nil})
	assert.Equal(t, f.store.GetState().CurrentConversation.PinnedMessage, nil)

	// not open: list only, no header render
	renders := f.view.count("RenderHeader")
	f.conn.deliver(t, protocol.EventPinnedMessageUpdated, protocol.PinnedMessageUpdated{
		ConversationID: "c2",
		PinnedMessage:  &protocol.Message{ID: "m_8"},
	})
	conv, _ = f.store.GetState().Conversation("c2")
	assert.Equal(t, conv.PinnedMessage.ID, "m_8")
	assert.Equal(t, f.view.count("RenderHeader"), renders)
}

func TestConversationRemovedClearsOpenConversation(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventConversationDeleted, protocol.ConversationRemoved{ConversationID: "c2"})
	st := f.store.GetState()
	assert.Equal(t, len(st.Conversations), 1)
	assert.Equal(t, st.ActiveConversationID, "c1")
	assert.Equal(t, f.view.count("ClearMessages"), 0)

	f.conn.deliver(t, protocol.EventRemovedFromGroup, protocol.ConversationRemoved{ConversationID: "c1"})
	st = f.store.GetState()
	assert.Equal(t, len(st.Conversations), 0)
	assert.Equal(t, st.CurrentConversation, nil)
	assert.Equal(t, st.ActiveConversationID, "")
	assert.Equal(t, f.view.count("ClearMessages"), 1)
}

func TestGroupInfoAndConversationUpdated(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventGroupInfoUpdated, protocol.GroupInfoUpdated{ConversationID: "c1", Name: "renamed"})
	assert.Equal(t, f.store.GetState().CurrentConversation.Name, "renamed")

	f.conn.deliver(t, protocol.EventConversationUpdated, protocol.ConversationUpdated{
		ConversationID: "c2",
		Conversation:   &protocol.Conversation{ID: "c2", Kind: protocol.ConversationDirect, Status: protocol.ConversationAccepted},
	})
	conv, _ := f.store.GetState().Conversation("c2")
	assert.Equal(t, conv.Status, protocol.ConversationAccepted)

	f.conn.deliver(t, protocol.EventConversationUpdated, protocol.ConversationUpdated{ConversationID: "c2"})
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{protocol.EventGetConversations})
}

func TestOpenedConversationIsAddedAndSelected(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventDirectConversation, protocol.ConversationPayload{
		Conversation: protocol.Conversation{ID: "c3", Kind: protocol.ConversationDirect, ParticipantIDs: []string{"alice", "dave"}},
	})
	st := f.store.GetState()
	assert.Equal(t, len(st.Conversations), 3)
	assert.Equal(t, st.ActiveConversationID, "c3")
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{protocol.EventJoin, protocol.EventLoadMessages})

	// delivered twice, still one entry
	f.conn.deliver(t, protocol.EventGroupCreated, protocol.ConversationPayload{
		Conversation: protocol.Conversation{ID: "c3", Kind: protocol.ConversationDirect},
	})
	assert.Equal(t, len(f.store.GetState().Conversations), 3)
}

func TestErrorEnvelopes(t *testing.T) {
	f := newControllerFixture(t)
	invalidated := []string{}
	f.c.OnSessionInvalid = func(code string) {
		invalidated = append(invalidated, code)
	}

	f.conn.deliver(t, protocol.EventError, protocol.ErrorPayload{Code: "NOT_FOUND", Message: "Conversation not found"})
	f.conn.deliver(t, protocol.EventError, protocol.ErrorPayload{Code: protocol.CodeUnauth, Message: "Not authenticated"})

	assert.Equal(t, len(f.view.notices), 2)
	assert.Equal(t, f.view.notices[0].Level, NoticeError)
	assert.Equal(t, f.view.notices[1].Text, "Not authenticated")
	assert.Equal(t, invalidated, []string{protocol.CodeUnauth})
}

type panickyView struct {
	*recordingView
}

func (v panickyView) Notify(Notice) {
	panic("notify")
}

func TestHandlerPanicAndUnknownEventsAreContained(t *testing.T) {
	f := newControllerFixture(t)
	f.c.view = panickyView{f.view}

	f.conn.deliver(t, protocol.EventError, protocol.ErrorPayload{Code: "X"})

	env, _ := protocol.NewEnvelope("typing_indicator", map[string]any{}, "")
	f.c.handle(env.Data, env)

	// bad payloads are dropped
	bad := &protocol.Envelope{Type: protocol.EventSendAck, Data: json.RawMessage(`[1,2]`)}
	f.c.handle(bad.Data, bad)

	f.conn.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		ConversationID: "c1",
		Message:        protocol.Message{ID: "m_1", SenderID: "bob"},
	})
	assert.Equal(t, f.view.appendedCount(), 1)
}

func TestAuthOkLoadsListsAndRejoins(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventAuthOk, protocol.AuthOk{UserID: "alice"})
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{
		protocol.EventGetConversations,
		protocol.EventGetFriends,
		protocol.EventGetFriendRequests,
		protocol.EventJoin,
		protocol.EventLoadMessages,
	})
}

func TestAuthenticate(t *testing.T) {
	f := newControllerFixture(t)
	assert.Equal(t, f.c.Authenticate(), nil)
	assert.Equal(t, f.conn.last().payload, protocol.Auth{Token: "token"})

	f.c.AccessToken = func() string { return "" }
	assert.Equal(t, errors.Is(f.c.Authenticate(), ErrNoSession), true)
}

func TestSendWhileDisconnectedStaysPending(t *testing.T) {
	f := newControllerFixture(t)
	f.conn.sendErr = transport.ErrNotConnected

	sent, err := f.c.SendText("c1", "hello")
	assert.Equal(t, errors.Is(err, transport.ErrNotConnected), true)
	list := f.messages("c1")
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0].ID, sent.ID)
	assert.Equal(t, list[0].DeliveryState, protocol.DeliveryPending)
}

func TestSendTextValidation(t *testing.T) {
	f := newControllerFixture(t)

	_, err := f.c.SendText("c1", "   ")
	assert.Equal(t, errors.Is(err, ErrEmptyMessage), true)
	_, err = f.c.SendText("c9", "hi")
	assert.Equal(t, errors.Is(err, ErrUnknownConversation), true)
	assert.Equal(t, len(f.conn.sentTypes()), 0)
}

type fakeUploader struct {
	result *api.UploadResult
	err    error
	token  string
}

func (u *fakeUploader) Upload(ctx context.Context, accessToken string, conversationID string, fileName string, content []byte, text string) (*api.UploadResult, error) {
	u.token = accessToken
	return u.result, u.err
}

func TestSendFileUploadsThenSends(t *testing.T) {
	f := newControllerFixture(t)
	uploader := &fakeUploader{result: &api.UploadResult{FileURL: "/uploads/f_1_cat.png", FileName: "cat.png", FileSize: 3}}
	f.c.Uploader = uploader

	sent, err := f.c.SendFile(context.Background(), "c1", "cat.png", []byte("img"), "")
	assert.Equal(t, err, nil)
	assert.Equal(t, uploader.token, "token")
	assert.Equal(t, sent.Type, protocol.MessageImage)

	out := f.conn.last()
	assert.Equal(t, out.eventType, protocol.EventSendMessage)
	payload := out.payload.(protocol.SendMessage)
	assert.Equal(t, payload.FileURL, "/uploads/f_1_cat.png")
	assert.Equal(t, payload.FileSize, protocol.FileSize("3"))
	assert.Equal(t, payload.ClientMsgID, sent.ID)
	assert.Equal(t, f.messages("c1")[0].FileURL, "/uploads/f_1_cat.png")
}

func TestSendFileUploadFailureLeavesPending(t *testing.T) {
	f := newControllerFixture(t)
	f.c.Uploader = &fakeUploader{err: errors.New("boom")}

	_, err := f.c.SendFile(context.Background(), "c1", "report.pdf", []byte("pdf"), "see attached")
	assert.NotEqual(t, err, nil)
	list := f.messages("c1")
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0].Type, protocol.MessageFile)
	assert.Equal(t, list[0].DeliveryState, protocol.DeliveryPending)
	assert.Equal(t, f.view.notices[0].Code, "upload_failed")
	assert.Equal(t, len(f.conn.sentTypes()), 0)
}

func TestReceiptsNeverGoBackwards(t *testing.T) {
	f := newControllerFixture(t)
	f.store.SetMessages("c1", []protocol.Message{{ID: "m_1", DeliveryState: protocol.DeliverySent}})

	f.conn.deliver(t, protocol.EventReceiptUpdate, protocol.ReceiptUpdate{ConversationID: "c1", MessageID: "m_1", Status: protocol.DeliverySeen})
	assert.Equal(t, f.messages("c1")[0].DeliveryState, protocol.DeliverySeen)

	f.conn.deliver(t, protocol.EventReceiptUpdate, protocol.ReceiptUpdate{ConversationID: "c1", MessageID: "m_1", Status: protocol.DeliveryDelivered})
	assert.Equal(t, f.messages("c1")[0].DeliveryState, protocol.DeliverySeen)
	assert.Equal(t, f.view.count("ReplaceMessage"), 1)
}

func TestPinRequiresServerID(t *testing.T) {
	f := newControllerFixture(t)
	sent, _ := f.c.SendText("c1", "hi")
	f.conn.reset()

	assert.Equal(t, errors.Is(f.c.PinMessage("c1", sent.ID), ErrMessageNotConfirmed), true)
	assert.Equal(t, len(f.conn.sentTypes()), 0)

	assert.Equal(t, f.c.PinMessage("c1", "m_1"), nil)
	assert.Equal(t, f.conn.last().payload, protocol.PinMessage{ConversationID: "c1", MessageID: "m_1"})
}

func TestSelectConversation(t *testing.T) {
	f := newControllerFixture(t)
	f.store.SetMessages("c2", []protocol.Message{{ID: "m_1"}})

	assert.Equal(t, f.c.SelectConversation("c2"), nil)
	st := f.store.GetState()
	assert.Equal(t, st.ActiveConversationID, "c2")
	assert.Equal(t, len(f.view.rendered[0]), 1)
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{protocol.EventJoin, protocol.EventLoadMessages})

	assert.Equal(t, errors.Is(f.c.SelectConversation("c9"), ErrUnknownConversation), true)
}

func TestSearchUsers(t *testing.T) {
	f := newControllerFixture(t)
	env, _ := protocol.NewEnvelope(protocol.EventSearchResults, protocol.SearchResults{
		Query: "bo",
		Users: []protocol.User{{UserID: "bob", Username: "bob"}},
	}, "req_test")
	f.conn.response = env

	results, err := f.c.SearchUsers(context.Background(), " bo ")
	assert.Equal(t, err, nil)
	assert.Equal(t, results.Users[0].UserID, "bob")
	assert.Equal(t, f.conn.last().payload, protocol.SearchUsers{Query: "bo"})

	f.conn.requestErr = transport.ErrTimeout
	_, err = f.c.SearchUsers(context.Background(), "x")
	assert.Equal(t, errors.Is(err, transport.ErrTimeout), true)
}

func TestFriendEvents(t *testing.T) {
	f := newControllerFixture(t)

	f.conn.deliver(t, protocol.EventFriendRequestReceived, protocol.FriendRequestReceived{FromUserID: "dave"})
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{protocol.EventGetFriendRequests})

	f.conn.reset()
	f.conn.deliver(t, protocol.EventFriendAccepted, protocol.FriendAccepted{UserID: "dave"})
	assert.Equal(t, f.conn.sentTypes(), []protocol.EventType{
		protocol.EventGetFriends,
		protocol.EventGetFriendRequests,
		protocol.EventGetConversations,
	})
	assert.Equal(t, len(f.view.notices), 2)
}

func TestIntentsSendOneEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		intent    func(c *Controller) error
		eventType protocol.EventType
		payload   any
	}{
		{"open direct", func(c *Controller) error { return c.OpenDirect("carol") },
			protocol.EventGetDirectConversation, protocol.DirectConversationRequest{OtherUserID: "carol"}},
		{"create group", func(c *Controller) error { return c.CreateGroup(" crew ", nil) },
			protocol.EventCreateGroup, protocol.CreateGroup{Name: "crew", MemberIDs: []string{}}},
		{"add member", func(c *Controller) error { return c.AddMember("c1", "dave") },
			protocol.EventAddGroupMember, protocol.GroupMember{ConversationID: "c1", MemberID: "dave"}},
		{"remove member", func(c *Controller) error { return c.RemoveMember("c1", "bob") },
			protocol.EventRemoveGroupMember, protocol.GroupMember{ConversationID: "c1", MemberID: "bob"}},
		{"update group info", func(c *Controller) error { return c.UpdateGroupInfo("c1", "team 2", "") },
			protocol.EventUpdateGroupInfo, protocol.UpdateGroupInfo{ConversationID: "c1", Name: "team 2"}},
		{"delete", func(c *Controller) error { return c.DeleteConversation("c2") },
			protocol.EventDeleteConversation, protocol.ConversationRequest{ConversationID: "c2"}},
		{"unpin", func(c *Controller) error { return c.UnpinMessage("c1") },
			protocol.EventUnpinMessage, protocol.ConversationRequest{ConversationID: "c1"}},
		{"friend request", func(c *Controller) error { return c.SendFriendRequest("dave") },
			protocol.EventSendFriendRequest, protocol.SendFriendRequest{ToUserID: "dave"}},
		{"accept", func(c *Controller) error { return c.AcceptFriendRequest("dave") },
			protocol.EventAcceptFriendRequest, protocol.RespondFriendRequest{FromUserID: "dave"}},
		{"reject", func(c *Controller) error { return c.RejectFriendRequest("dave") },
			protocol.EventRejectFriendRequest, protocol.RespondFriendRequest{FromUserID: "dave"}},
		{"mark seen", func(c *Controller) error { return c.MarkSeen("c1", "m_1") },
			protocol.EventReceipt, protocol.Receipt{ConversationID: "c1", MessageID: "m_1", Status: protocol.DeliverySeen}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t)
			assert.Equal(t, tt.intent(f.c), nil)
			assert.Equal(t, len(f.conn.sentTypes()), 1)
			assert.Equal(t, f.conn.last().eventType, tt.eventType)
			assert.Equal(t, f.conn.last().payload, tt.payload)
			assert.Equal(t, f.conn.last().requestID, "")
		})
	}
}
