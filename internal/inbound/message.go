// Package inbound handles raw messages arriving over LMTP: it extracts the
// activity payload, records it and answers Follow requests with an Accept.
package inbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	activityType  = "application/activity+json"
	plainTextType = "text/plain"
)

var errStopWalk = errors.New("stop walk")

// Message is the part of an inbound mail the processor needs.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    []byte
}

// ParseMessage reads a raw RFC 5322 message. For multipart messages the body
// is the first application/activity+json part, or else the first text/plain
// part. A single-part message contributes its whole body.
func ParseMessage(raw []byte) (*Message, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && (e == nil || !(message.IsUnknownCharset(err) || message.IsUnknownEncoding(err))) {
		return nil, fmt.Errorf("inbound: read message: %w", err)
	}

	h := mail.Header{Header: e.Header}
	msg := &Message{
		From: headerText(h, "From"),
		To:   headerValues(h, "To"),
	}
	msg.Subject, _ = h.Subject()

	if e.MultipartReader() == nil {
		body, err := io.ReadAll(e.Body)
		if err != nil {
			return nil, fmt.Errorf("inbound: read body: %w", err)
		}
		msg.Body = body
		return msg, nil
	}

	var plain []byte
	walkErr := e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}
		mediaType, _, _ := part.Header.ContentType()
		switch {
		case mediaType == activityType:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			msg.Body = body
			return errStopWalk
		case mediaType == plainTextType && plain == nil:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			plain = body
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errStopWalk) {
		return nil, fmt.Errorf("inbound: walk parts: %w", walkErr)
	}
	if msg.Body == nil {
		msg.Body = plain
	}
	return msg, nil
}

// ReplyAddress returns the bare address of a From header value, or "" when
// the value does not parse or the address could not be used as an LMTP
// command argument.
func ReplyAddress(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil || addr.Address == "" || strings.ContainsAny(addr.Address, "\r\n<> ") {
		return ""
	}
	return addr.Address
}

func headerText(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

func headerValues(h mail.Header, key string) []string {
	var out []string
	fields := h.FieldsByKey(key)
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out = append(out, v)
	}
	return out
}
