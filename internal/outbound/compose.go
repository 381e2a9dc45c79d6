// Package outbound turns activities into mail messages and hands them to the
// LMTP client.
package outbound

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
)

// ContentType is the media type of activity bodies.
const ContentType = "application/activity+json"

// Compose renders act as an RFC 5322 message from one address to another.
// The body is the indented JSON activity; non-ASCII text is kept as UTF-8.
func Compose(act activity.Activity, from, to string, now time.Time) ([]byte, error) {
	body, err := encodeBody(act)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(now)
	setAddress(&h, "From", from)
	setAddress(&h, "To", to)
	h.SetSubject(Subject(act))
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("outbound: message id: %w", err)
	}
	h.SetContentType(ContentType, map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("outbound: create message: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("outbound: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("outbound: close message: %w", err)
	}
	return buf.Bytes(), nil
}

// Subject is "ActivityPub <type>", or "ActivityPub Activity" when untyped.
func Subject(act activity.Activity) string {
	t := string(act.Type)
	if t == "" {
		t = "Activity"
	}
	return "ActivityPub " + t
}

func encodeBody(act activity.Activity) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(act); err != nil {
		return nil, fmt.Errorf("outbound: encode activity: %w", err)
	}
	return buf.Bytes(), nil
}

// setAddress writes a parsed address list, or the raw value when it does not
// parse as one.
func setAddress(h *mail.Header, key, value string) {
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		h.Set(key, value)
		return
	}
	h.SetAddressList(key, addrs)
}
