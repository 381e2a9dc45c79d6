// Package envelope implements the AI Message Envelope v0.1: a versioned
// wrapper that carries a text or JSON payload between agents identified by
// ActivityPub-style handles (https://domain/@name).
//
// Envelopes are signatureless in v0.1 and round-trip through JSON.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Version is the only envelope format tag currently produced.
const Version = "v0.1"

const (
	PayloadJSON = "json"
	PayloadText = "text"
)

var (
	ErrInvalidAgentID     = errors.New("envelope: agent id must be an ActivityPub-style handle such as https://domain/@name")
	ErrInvalidPayloadType = errors.New("envelope: payload type must be 'json' or 'text'")
)

var agentIDPattern = regexp.MustCompile(`^https?://[^\s/@]+/@[^\s/@]+$`)

// ValidAgentID reports whether id looks like scheme://host/@name.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Thread carries ActivityPub-friendly threading metadata.
type Thread struct {
	Context   string `json:"context,omitempty"`
	InReplyTo string `json:"inReplyTo,omitempty"`
}

// Envelope is immutable once constructed; use the accessors.
type Envelope struct {
	version     string
	id          string
	createdAt   string
	sender      string
	recipients  []string
	payload     any
	payloadType string
	thread      Thread
}

// Params describes an envelope to construct. Zero values get defaults:
// PayloadType "json", Version v0.1, a fresh urn:uuid id and the current
// UTC time.
type Params struct {
	Sender      string
	Recipients  []string
	Payload     any
	PayloadType string
	Thread      Thread
	Version     string
	ID          string
	CreatedAt   string
}

// New validates p and builds an Envelope.
//
// When the payload type is "json" and the payload is a string, the string is
// decoded into structured data; if it is not valid JSON the text is kept as-is.
// Numbers decode to json.Number so integers survive without rounding.
func New(p Params) (*Envelope, error) {
	if !ValidAgentID(p.Sender) {
		return nil, fmt.Errorf("%w: sender %q", ErrInvalidAgentID, p.Sender)
	}
	recipients, err := normaliseRecipients(p.Recipients)
	if err != nil {
		return nil, err
	}

	payloadType := p.PayloadType
	if payloadType == "" {
		payloadType = PayloadJSON
	}
	if payloadType != PayloadJSON && payloadType != PayloadText {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidPayloadType, payloadType)
	}

	payload := p.Payload
	if s, ok := payload.(string); ok && payloadType == PayloadJSON {
		var decoded any
		if err := decodeJSON([]byte(s), &decoded); err == nil {
			payload = decoded
		}
	}

	e := &Envelope{
		version:     p.Version,
		id:          p.ID,
		createdAt:   p.CreatedAt,
		sender:      p.Sender,
		recipients:  recipients,
		payload:     payload,
		payloadType: payloadType,
		thread:      p.Thread,
	}
	if e.version == "" {
		e.version = Version
	}
	if e.id == "" {
		e.id = "urn:uuid:" + uuid.NewString()
	}
	if e.createdAt == "" {
		e.createdAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return e, nil
}

func normaliseRecipients(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		if !ValidAgentID(r) {
			return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAgentID, r)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

func (e *Envelope) Version() string     { return e.version }
func (e *Envelope) ID() string          { return e.id }
func (e *Envelope) CreatedAt() string   { return e.createdAt }
func (e *Envelope) Sender() string      { return e.sender }
func (e *Envelope) Payload() any        { return e.payload }
func (e *Envelope) PayloadType() string { return e.payloadType }
func (e *Envelope) Thread() Thread      { return e.thread }

// Recipients returns a copy of the deduplicated recipient list.
func (e *Envelope) Recipients() []string {
	return append([]string(nil), e.recipients...)
}

// wire is the canonical dictionary shape.
type wire struct {
	Version     string   `json:"version"`
	ID          string   `json:"id"`
	CreatedAt   string   `json:"createdAt"`
	Sender      string   `json:"sender"`
	Recipients  []string `json:"recipients"`
	Payload     any      `json:"payload"`
	PayloadType string   `json:"payloadType"`
	Thread      Thread   `json:"thread"`
}

// ToMap returns the canonical dictionary form.
func (e *Envelope) ToMap() map[string]any {
	thread := map[string]any{}
	if e.thread.Context != "" {
		thread["context"] = e.thread.Context
	}
	if e.thread.InReplyTo != "" {
		thread["inReplyTo"] = e.thread.InReplyTo
	}
	return map[string]any{
		"version":     e.version,
		"id":          e.id,
		"createdAt":   e.createdAt,
		"sender":      e.sender,
		"recipients":  e.Recipients(),
		"payload":     e.payload,
		"payloadType": e.payloadType,
		"thread":      thread,
	}
}

// FromMap rebuilds an envelope from its dictionary form, applying the same
// validation as New. "in_reply_to" is accepted as an alias of "inReplyTo".
func FromMap(m map[string]any) (*Envelope, error) {
	p := Params{
		Payload:   m["payload"],
		Version:   stringField(m, "version"),
		ID:        stringField(m, "id"),
		CreatedAt: stringField(m, "createdAt"),
	}
	if v, present := m["payloadType"]; present && v != nil {
		pt, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: got %v", ErrInvalidPayloadType, v)
		}
		p.PayloadType = pt
	}
	sender, ok := m["sender"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: sender missing", ErrInvalidAgentID)
	}
	p.Sender = sender

	switch rs := m["recipients"].(type) {
	case []string:
		p.Recipients = rs
	case []any:
		for _, r := range rs {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("%w: recipient %v", ErrInvalidAgentID, r)
			}
			p.Recipients = append(p.Recipients, s)
		}
	case nil:
	default:
		return nil, fmt.Errorf("%w: recipients must be a list, got %T", ErrInvalidAgentID, rs)
	}

	if t, ok := m["thread"].(map[string]any); ok {
		p.Thread.Context = stringField(t, "context")
		p.Thread.InReplyTo = stringField(t, "inReplyTo")
		if p.Thread.InReplyTo == "" {
			p.Thread.InReplyTo = stringField(t, "in_reply_to")
		}
	}
	return New(p)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		Version:     e.version,
		ID:          e.id,
		CreatedAt:   e.createdAt,
		Sender:      e.sender,
		Recipients:  e.Recipients(),
		Payload:     e.payload,
		PayloadType: e.payloadType,
		Thread:      e.thread,
	})
}

// Parse decodes the JSON form of an envelope.
func Parse(raw []byte) (*Envelope, error) {
	var m map[string]any
	if err := decodeJSON(raw, &m); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return FromMap(m)
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func (e *Envelope) UnmarshalJSON(raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}
