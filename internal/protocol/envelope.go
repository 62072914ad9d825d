package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the one-object-per-frame unit exchanged with the server.
// An empty RequestID is encoded as null.
type Envelope struct {
	Type      EventType
	Data      json.RawMessage
	RequestID string
	Ts        int64 // client send time, epoch ms, advisory
}

type wireEnvelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	RequestID *string         `json:"request_id"`
	Ts        int64           `json:"ts"`
}

func NewEnvelope(eventType EventType, payload any, requestID string) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Envelope{
		Type:      eventType,
		Data:      data,
		RequestID: requestID,
		Ts:        time.Now().UnixMilli(),
	}, nil
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Type: e.Type,
		Data: e.Data,
		Ts:   e.Ts,
	}
	if len(w.Data) == 0 {
		w.Data = json.RawMessage("{}")
	}
	if e.RequestID != "" {
		requestID := e.RequestID
		w.RequestID = &requestID
	}
	return json.Marshal(w)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return errors.New("envelope has no type")
	}
	e.Type = w.Type
	e.Data = w.Data
	e.RequestID = ""
	if w.RequestID != nil {
		e.RequestID = *w.RequestID
	}
	e.Ts = w.Ts
	return nil
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &e, nil
}

// Decode unmarshals the envelope data into v. Missing or null data leaves v
// at its zero value.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}
