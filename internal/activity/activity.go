// Package activity models ActivityStreams activities as a known type
// discriminant plus an open set of fields, so activities of any type survive
// decode/encode without losing data.
package activity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeFollow Type = "Follow"
	TypeAccept Type = "Accept"
	TypeReject Type = "Reject"
	TypeCreate Type = "Create"
	TypeUndo   Type = "Undo"
)

// Context is the ActivityStreams JSON-LD context.
const Context = "https://www.w3.org/ns/activitystreams"

var ErrNotObject = errors.New("activity: not a JSON object")

// Activity keeps every member except "type" verbatim in Fields.
// A non-string "type" member is kept in Fields and Type stays empty.
type Activity struct {
	Type   Type
	Fields map[string]json.RawMessage
}

// Parse decodes a single JSON object into an Activity.
func Parse(raw []byte) (Activity, error) {
	var a Activity
	if err := a.UnmarshalJSON(raw); err != nil {
		return Activity{}, err
	}
	return a, nil
}

// ParseList decodes a payload that is either one activity or an array of
// them. Array elements are returned raw because they are not required to be
// objects.
func ParseList(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("activity: invalid json payload")
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

func (a *Activity) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrNotObject
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return fmt.Errorf("activity: decode: %w", err)
	}
	a.Type = ""
	if rawType, ok := fields["type"]; ok {
		var s string
		if err := json.Unmarshal(rawType, &s); err == nil {
			a.Type = Type(s)
			delete(fields, "type")
		}
	}
	a.Fields = fields
	return nil
}

func (a Activity) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a.Fields)+1)
	for k, v := range a.Fields {
		out[k] = v
	}
	if a.Type != "" {
		b, err := json.Marshal(string(a.Type))
		if err != nil {
			return nil, err
		}
		out["type"] = b
	}
	return json.Marshal(out)
}

// Raw returns the member stored under key, or nil.
func (a Activity) Raw(key string) json.RawMessage {
	if key == "type" && a.Type != "" {
		b, _ := json.Marshal(string(a.Type))
		return b
	}
	return a.Fields[key]
}

// String returns the member under key when it is a JSON string. When it is an
// object carrying an "id" string (an embedded actor or object), that id is
// returned instead.
func (a Activity) String(key string) string {
	return refID(a.Fields[key])
}

func (a Activity) ID() string        { return a.String("id") }
func (a Activity) Actor() string     { return a.String("actor") }
func (a Activity) Timestamp() string { return a.String("timestamp") }

// Object returns the raw "object" member.
func (a Activity) Object() json.RawMessage { return a.Fields["object"] }

// Set stores v under key; setting "type" updates the discriminant.
func (a *Activity) Set(key string, v any) error {
	if key == "type" {
		s, ok := v.(string)
		if !ok {
			if t, isType := v.(Type); isType {
				s = string(t)
			} else {
				return fmt.Errorf("activity: type must be a string, got %T", v)
			}
		}
		a.Type = Type(s)
		delete(a.Fields, "type")
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("activity: encode %s: %w", key, err)
	}
	if a.Fields == nil {
		a.Fields = map[string]json.RawMessage{}
	}
	a.Fields[key] = b
	return nil
}

// IsFollow reports whether a asks to follow its object.
func (a Activity) IsFollow() bool { return a.Type == TypeFollow }

func refID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
