// Package store holds the append-only activity collections (inbox, outbox,
// processed messages). Entries are JSON objects; they are only ever appended.
package store

import (
	"context"
	"encoding/json"
)

const (
	Inbox    = "inbox"
	Outbox   = "outbox"
	Messages = "messages"
)

// Collection is an append-only list of JSON entries.
type Collection interface {
	Name() string
	// Load returns every entry in append order. A missing or unreadable
	// collection yields an empty list.
	Load(ctx context.Context) ([]json.RawMessage, error)
	// Append adds entry (any JSON-encodable value) to the end.
	Append(ctx context.Context, entry any) error
}

// Set groups the three collections the bridge writes to.
type Set struct {
	Inbox    Collection
	Outbox   Collection
	Messages Collection
}

// ByName returns the collection called name, or nil.
func (s *Set) ByName(name string) Collection {
	switch name {
	case Inbox:
		return s.Inbox
	case Outbox:
		return s.Outbox
	case Messages:
		return s.Messages
	}
	return nil
}

// Latest returns the most recently appended entry of c.
func Latest(ctx context.Context, c Collection) (json.RawMessage, bool, error) {
	entries, err := c.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return entries[len(entries)-1], true, nil
}

// InboxRecord is the inbound context stored for every JSON message.
type InboxRecord struct {
	Timestamp string          `json:"timestamp"`
	From      string          `json:"from"`
	To        []string        `json:"to"`
	Subject   string          `json:"subject"`
	Activity  json.RawMessage `json:"activity"`
}

// MessageRecord is the minimal trace kept for each processed Follow.
type MessageRecord struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Actor     json.RawMessage `json:"actor"`
	Object    json.RawMessage `json:"object"`
}
