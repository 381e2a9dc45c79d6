package activity

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout matches the ISO-8601 form written by the bridge.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// New builds a fresh activity with the ActivityStreams context.
func New(t Type, id string, actor, object any, now time.Time) (Activity, error) {
	a := Activity{Type: t, Fields: map[string]json.RawMessage{}}
	for _, kv := range []struct {
		key string
		val any
	}{
		{"@context", Context},
		{"id", id},
		{"actor", actor},
		{"object", object},
		{"timestamp", now.UTC().Format(TimestampLayout)},
	} {
		if kv.key == "id" && id == "" {
			continue
		}
		if err := a.Set(kv.key, kv.val); err != nil {
			return Activity{}, err
		}
	}
	return a, nil
}

// NewAccept answers follow: the followed identity (the Follow's object) becomes
// the actor and the complete Follow becomes the object.
func NewAccept(follow Activity, id string, now time.Time) (Activity, error) {
	if !follow.IsFollow() {
		return Activity{}, fmt.Errorf("activity: cannot accept %q", follow.Type)
	}
	actor := follow.Object()
	if actor == nil {
		actor = json.RawMessage("null")
	}
	return New(TypeAccept, id, actor, follow, now)
}
