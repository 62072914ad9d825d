package protocol

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(EventAuth, Auth{Token: "tok"}, "")
	assert.Equal(t, err, nil)

	b, err := json.Marshal(env)
	assert.Equal(t, err, nil)

	var wire map[string]any
	assert.Equal(t, json.Unmarshal(b, &wire), nil)
	assert.Equal(t, wire["type"], "auth")
	assert.Equal(t, wire["request_id"], nil)
	assert.Equal(t, wire["data"], map[string]any{"token": "tok"})
	assert.NotEqual(t, wire["ts"], float64(0))

	env, err = NewEnvelope(EventSearchUsers, SearchUsers{Query: "al"}, "req_1")
	assert.Equal(t, err, nil)
	b, _ = json.Marshal(env)
	wire = map[string]any{}
	json.Unmarshal(b, &wire)
	assert.Equal(t, wire["request_id"], "req_1")
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"auth_ok","data":{"user_id":"alice"},"request_id":null,"ts":1}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, env.Type, EventAuthOk)
	assert.Equal(t, env.RequestID, "")

	var ok AuthOk
	assert.Equal(t, env.Decode(&ok), nil)
	assert.Equal(t, ok.UserID, "alice")

	_, err = DecodeEnvelope([]byte(`{"type":`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	assert.NotEqual(t, err, nil)

	env, err = DecodeEnvelope([]byte(`{"type":"conversations_list"}`))
	assert.Equal(t, err, nil)
	var list ConversationsList
	assert.Equal(t, env.Decode(&list), nil)
	assert.Equal(t, len(list.List()), 0)
}

func TestConversationsListCoercion(t *testing.T) {
	for _, raw := range []string{`null`, `{"a":1}`, `"x"`, `42`, `[1,2]`} {
		p := ConversationsList{Conversations: json.RawMessage(raw)}
		assert.Equal(t, p.List(), []Conversation{})
	}

	p := ConversationsList{Conversations: json.RawMessage(`[{"_id":"c1","type":"group","participants":["a","b"]}]`)}
	list := p.List()
	assert.Equal(t, len(list), 1)
	assert.Equal(t, list[0].ID, "c1")
	assert.Equal(t, list[0].Kind, ConversationGroup)
}

func TestFileSizeAcceptsNumberOrString(t *testing.T) {
	var m Message
	assert.Equal(t, json.Unmarshal([]byte(`{"_id":"m1","file_size":2048}`), &m), nil)
	assert.Equal(t, m.FileSize, FileSize("2048"))

	assert.Equal(t, json.Unmarshal([]byte(`{"_id":"m1","file_size":"2.5 MB"}`), &m), nil)
	assert.Equal(t, m.FileSize, FileSize("2.5 MB"))
}

func TestDeliveryStateAdvance(t *testing.T) {
	assert.Equal(t, DeliveryPending.Advance(DeliverySent), DeliverySent)
	assert.Equal(t, DeliverySeen.Advance(DeliveryDelivered), DeliverySeen)
	assert.Equal(t, DeliverySent.Advance(""), DeliverySent)
}

func TestConversationParticipantPatches(t *testing.T) {
	c := &Conversation{ID: "g1", ParticipantIDs: []string{"a", "b"}}

	added := c.WithParticipant("c")
	assert.Equal(t, added.ParticipantIDs, []string{"a", "b", "c"})
	assert.Equal(t, c.ParticipantIDs, []string{"a", "b"})
	assert.Equal(t, c.WithParticipant("a").ParticipantIDs, []string{"a", "b"})

	removed := c.WithoutParticipant("a")
	assert.Equal(t, removed.ParticipantIDs, []string{"b"})
	assert.Equal(t, c.ParticipantIDs, []string{"a", "b"})
}

func TestErrorPayloadInvalidatesSession(t *testing.T) {
	assert.Equal(t, ErrorPayload{Code: CodeUnauth}.InvalidatesSession(), true)
	assert.Equal(t, ErrorPayload{Code: "USER_NOT_FOUND"}.InvalidatesSession(), false)
}
