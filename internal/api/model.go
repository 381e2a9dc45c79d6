package api

import (
	"encoding/json"
	"strings"
)

// PostActivityRequest is the body of POST /api/outbox.
type PostActivityRequest struct {
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Object   json.RawMessage `json:"object"`
	MailFrom string          `json:"mail_from"`
	RcptTo   string          `json:"rcpt_to"`
}

func (r PostActivityRequest) Validate() error {
	if strings.TrimSpace(r.Type) == "" {
		return ValidationError("type is required")
	}
	if strings.TrimSpace(r.Actor) == "" {
		return ValidationError("actor is required")
	}
	if len(r.Object) == 0 || string(r.Object) == "null" {
		return ValidationError("object is required")
	}
	return validateAddresses(r.MailFrom, r.RcptTo)
}

// ReplyRequest is the body of POST /api/reply: accept the follow of object by
// actor.
type ReplyRequest struct {
	Actor    string `json:"actor"`
	Object   string `json:"object"`
	MailFrom string `json:"mail_from"`
	RcptTo   string `json:"rcpt_to"`
}

func (r ReplyRequest) Validate() error {
	if strings.TrimSpace(r.Actor) == "" {
		return ValidationError("actor is required")
	}
	if strings.TrimSpace(r.Object) == "" {
		return ValidationError("object is required")
	}
	return validateAddresses(r.MailFrom, r.RcptTo)
}

// validateAddresses rejects values that would break the LMTP command line.
// mail_from may be empty.
func validateAddresses(from, rcpt string) error {
	if strings.TrimSpace(rcpt) == "" {
		return ValidationError("rcpt_to is required")
	}
	if strings.ContainsAny(rcpt, "\r\n<>") {
		return ValidationError("rcpt_to is not a valid address")
	}
	if strings.ContainsAny(from, "\r\n<>") {
		return ValidationError("mail_from is not a valid address")
	}
	return nil
}

// DeliveryResponse is returned when an activity was stored and delivered.
type DeliveryResponse struct {
	Activity  json.RawMessage `json:"activity"`
	Delivered bool            `json:"delivered"`
	RcptTo    string          `json:"rcpt_to"`
}
