package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaychat/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timeout waiting for response")
)

// ServerError is an `error` envelope answering a request.
type ServerError struct {
	protocol.ErrorPayload
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type ConnState int

const (
	StateNotCreated ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNotCreated:
		return "NOT_CREATED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type Settings struct {
	HandshakeTimeout time.Duration
	// one reconnect attempt is scheduled this long after each abnormal closure
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	Header         http.Header
}

func DefaultSettings() *Settings {
	return &Settings{
		HandshakeTimeout: 10 * time.Second,
		ReconnectDelay:   3 * time.Second,
		WriteTimeout:     5 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

// Handler receives the envelope data and the full envelope.
type Handler func(data json.RawMessage, envelope *protocol.Envelope)

type registration struct {
	id      uint64
	handler Handler
}

// link is one websocket connection attempt.
type link struct {
	conn    *websocket.Conn
	manual  bool
	writeMu sync.Mutex

	// cancel aborts a dial in progress
	cancel context.CancelFunc
	// done is closed when the link's goroutine has returned
	done chan struct{}
}

func newLink() (*link, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{cancel: cancel, done: make(chan struct{})}, ctx
}

// Transport owns at most one live websocket connection to the server and
// dispatches inbound envelopes to handlers registered by event type.
// Envelopes are dispatched one at a time on the connection's read goroutine,
// in the order they were received.
type Transport struct {
	url      string
	settings *Settings
	dialer   *websocket.Dialer

	// OnStatus reports connection state changes. Set before Connect.
	OnStatus func(ConnState)

	mu             sync.Mutex
	link           *link
	state          ConnState
	reconnectTimer *time.Timer
	reconnectSeq   uint64

	handlersMu    sync.Mutex
	handlers      map[protocol.EventType][]registration
	nextHandlerID uint64
}

func NewTransportWithDefaults(url string) *Transport {
	return NewTransport(url, DefaultSettings())
}

func NewTransport(url string, settings *Settings) *Transport {
	return &Transport{
		url:      url,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		handlers: map[protocol.EventType][]registration{},
	}
}

func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens a connection unless one is already open or opening.
// It does not wait for the connection; readiness is reported via OnStatus.
func (t *Transport) Connect() {
	t.mu.Lock()
	l, ctx := t.connectLocked()
	t.mu.Unlock()
	t.start(l, ctx)
}

// connectLocked installs a new link unless one is open or opening.
// t.mu must be held.
func (t *Transport) connectLocked() (*link, context.Context) {
	if t.link != nil && (t.state == StateOpen || t.state == StateConnecting) {
		return nil, nil
	}
	l, ctx := newLink()
	t.link = l
	t.state = StateConnecting
	return l, ctx
}

func (t *Transport) start(l *link, ctx context.Context) {
	if l == nil {
		return
	}
	t.report(StateConnecting)
	go t.run(l, ctx)
}

func (t *Transport) run(l *link, ctx context.Context) {
	defer close(l.done)
	defer l.cancel()

	conn, _, err := t.dialer.DialContext(ctx, t.url, t.settings.Header)
	if err != nil {
		glog.Infof("[ws]dial %s error = %s\n", t.url, err)
		t.closed(l, websocket.CloseAbnormalClosure)
		return
	}

	t.mu.Lock()
	if l.manual {
		t.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	t.state = StateOpen
	t.mu.Unlock()

	glog.V(1).Infof("[ws]connected %s\n", t.url)
	t.report(StateOpen)

	code := t.receiveLoop(l)
	conn.Close()
	t.closed(l, code)
}

func (t *Transport) receiveLoop(l *link) int {
	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			return websocket.CloseAbnormalClosure
		}

		if !t.dispatch(l, frame) {
			return websocket.CloseNormalClosure
		}
	}
}

// current reports whether l is still the live, non-manual link.
func (t *Transport) current(l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link == l && !l.manual
}

// closed schedules exactly one reconnect for an abnormal closure of the
// current connection. Manual disconnects and normal closures do not reconnect.
func (t *Transport) closed(l *link, code int) {
	t.mu.Lock()
	current := t.link == l
	if current {
		t.link = nil
		t.state = StateClosed
	}
	reconnect := current && !l.manual && code != websocket.CloseNormalClosure
	if reconnect {
		t.reconnectSeq += 1
		seq := t.reconnectSeq
		t.reconnectTimer = time.AfterFunc(t.settings.ReconnectDelay, func() {
			t.reconnect(seq)
		})
	}
	t.mu.Unlock()

	glog.Infof("[ws]closed code = %d\n", code)
	if reconnect {
		glog.Infof("[ws]reconnect in %s\n", t.settings.ReconnectDelay)
	}
	if current {
		t.report(StateClosed)
	}
}

func (t *Transport) reconnect(seq uint64) {
	t.mu.Lock()
	if seq != t.reconnectSeq {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	l, ctx := t.connectLocked()
	t.mu.Unlock()

	glog.Infof("[ws]reconnecting %s\n", t.url)
	t.start(l, ctx)
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnect. It returns after the connection's read goroutine has
// exited, so no handler from the old connection runs afterwards. Handlers
// must not call Disconnect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	l := t.link
	t.link = nil
	t.reconnectSeq += 1
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	var conn *websocket.Conn
	if l != nil {
		l.manual = true
		l.cancel()
		conn = l.conn
		t.state = StateClosing
	}
	t.mu.Unlock()

	if l == nil {
		return
	}
	glog.V(1).Infof("[ws]disconnecting %s\n", t.url)

	if conn != nil {
		l.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
		err := conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		l.writeMu.Unlock()
		if err != nil {
			glog.V(1).Infof("[ws]close message error = %s\n", err)
		}
		conn.Close()
	}
	<-l.done

	t.mu.Lock()
	if t.link == nil {
		t.state = StateClosed
	}
	t.mu.Unlock()
	t.report(StateClosed)
}

// Send writes one envelope. When the connection is not open nothing is sent,
// a warning is logged and ErrNotConnected is returned. Nothing is buffered for
// a later reconnect.
func (t *Transport) Send(eventType protocol.EventType, payload any, requestID string) error {
	t.mu.Lock()
	l := t.link
	open := l != nil && l.conn != nil && t.state == StateOpen
	t.mu.Unlock()

	if !open {
		glog.Warningf("[ws]not connected, cannot send %s\n", eventType)
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(eventType, payload, requestID)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		glog.Infof("[ws]-> %s error = %s\n", eventType, err)
		return err
	}
	glog.V(2).Infof("[ws]-> %s\n", eventType)
	return nil
}

// OnEvent registers handler for eventType, or for every envelope when
// eventType is protocol.Wildcard. Handlers for a type run in registration
// order. The returned function removes this registration.
func (t *Transport) OnEvent(eventType protocol.EventType, handler Handler) func() {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	t.nextHandlerID += 1
	id := t.nextHandlerID
	existing := t.handlers[eventType]
	next := make([]registration, 0, len(existing)+1)
	next = append(next, existing...)
	t.handlers[eventType] = append(next, registration{id: id, handler: handler})

	return func() {
		t.removeHandler(eventType, id)
	}
}

func (t *Transport) removeHandler(eventType protocol.EventType, id uint64) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	existing := t.handlers[eventType]
	for i, r := range existing {
		if r.id == id {
			next := make([]registration, 0, len(existing)-1)
			next = append(next, existing[:i]...)
			next = append(next, existing[i+1:]...)
			t.handlers[eventType] = next
			return
		}
	}
}

// ClearHandlers removes every registered handler.
func (t *Transport) ClearHandlers() {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	glog.V(1).Infof("[ws]clearing handlers\n")
	t.handlers = map[protocol.EventType][]registration{}
}

// dispatch runs the handlers for one frame read on l. It returns false,
// dispatching nothing, once l has been replaced or disconnected.
func (t *Transport) dispatch(l *link, frame []byte) bool {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		glog.Infof("[ws]drop frame = %s\n", err)
		return true
	}
	glog.V(2).Infof("[ws]<- %s\n", env.Type)

	if !t.current(l) {
		glog.V(1).Infof("[ws]drop %s from a closed connection\n", env.Type)
		return false
	}

	t.handlersMu.Lock()
	typed := t.handlers[env.Type]
	var wildcard []registration
	if env.Type != protocol.Wildcard {
		wildcard = t.handlers[protocol.Wildcard]
	}
	t.handlersMu.Unlock()

	for _, r := range typed {
		t.invoke(r, env)
	}
	for _, r := range wildcard {
		t.invoke(r, env)
	}
	return true
}

func (t *Transport) invoke(r registration, env *protocol.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("[ws]handler %s panic = %v\n%s", env.Type, p, debug.Stack())
		}
	}()
	r.handler(env.Data, env)
}

// Request sends an envelope with a fresh request id and waits for the first
// responseType envelope echoing it. An `error` envelope echoing the id fails
// the request with a *ServerError.
func (t *Transport) Request(
	ctx context.Context,
	eventType protocol.EventType,
	payload any,
	responseType protocol.EventType,
) (*protocol.Envelope, error) {
	requestID := "req_" + uuid.NewString()

	response := make(chan *protocol.Envelope, 1)
	failure := make(chan *ServerError, 1)
	removeResponse := t.OnEvent(responseType, func(_ json.RawMessage, env *protocol.Envelope) {
		if env.RequestID == requestID {
			select {
			case response <- env:
			default:
			}
		}
	})
	defer removeResponse()
	removeError := t.OnEvent(protocol.EventError, func(_ json.RawMessage, env *protocol.Envelope) {
		if env.RequestID != requestID {
			return
		}
		var p protocol.ErrorPayload
		env.Decode(&p)
		select {
		case failure <- &ServerError{ErrorPayload: p}:
		default:
		}
	})
	defer removeError()

	if err := t.Send(eventType, payload, requestID); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, t.settings.RequestTimeout)
	defer cancel()

	select {
	case env := <-response:
		return env, nil
	case err := <-failure:
		return nil, err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w for %s", ErrTimeout, responseType)
	}
}

func (t *Transport) report(state ConnState) {
	if t.OnStatus != nil {
		t.OnStatus(state)
	}
}
