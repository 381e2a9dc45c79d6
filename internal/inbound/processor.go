package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
	"github.com/k1networth/activitypub-lmtp/internal/shared/events"
	"github.com/k1networth/activitypub-lmtp/internal/shared/idgen"
	"github.com/k1networth/activitypub-lmtp/internal/shared/requestid"
	"github.com/k1networth/activitypub-lmtp/internal/store"
)

// Ack is returned for every message, whatever happened inside. Rejecting at
// the transport would only make the upstream server redeliver.
const Ack = "250 OK Message received"

// Sender delivers an activity; satisfied by *outbound.Sender.
type Sender interface {
	Send(ctx context.Context, act activity.Activity, from, to string) error
}

// Processor runs the inbound workflow for one message at a time. Distinct
// messages may be processed concurrently; the stores serialise appends.
type Processor struct {
	Stores *store.Set
	Sender Sender
	Events events.Publisher

	// AcceptFrom is the envelope sender of generated Accepts.
	AcceptFrom string
	// BaseURL prefixes generated activity ids.
	BaseURL string

	Metrics *Metrics
	Log     *slog.Logger
	Now     func() time.Time
	NewID   func() (string, error)
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) newID() (string, error) {
	if p.NewID != nil {
		return p.NewID()
	}
	return idgen.ActivityID(p.BaseURL)
}

func (p *Processor) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.New(slog.DiscardHandler)
}

func (p *Processor) timestamp() string {
	return p.now().UTC().Format(activity.TimestampLayout)
}

// Process handles one raw message and returns the acknowledgement line.
// Failures are logged and counted, never returned.
func (p *Processor) Process(ctx context.Context, raw []byte) string {
	log := p.logger()
	log.Info("message_received", slog.Int("bytes", len(raw)))

	msg, err := ParseMessage(raw)
	if err != nil {
		p.Metrics.message(OutcomeParseError)
		log.Warn("message_parse_failed", slog.String("err", err.Error()))
		return Ack
	}
	log = log.With(slog.String("from", msg.From), slog.String("subject", msg.Subject))
	log.Info("message_parsed", slog.Any("to", msg.To), slog.Int("body_bytes", len(msg.Body)))

	items, err := activity.ParseList(msg.Body)
	if err != nil {
		p.Metrics.message(OutcomeNotJSON)
		log.Info("message_not_json", slog.String("err", err.Error()))
		return Ack
	}
	p.Metrics.message(OutcomeActivity)

	rec := store.InboxRecord{
		Timestamp: p.timestamp(),
		From:      msg.From,
		To:        msg.To,
		Subject:   msg.Subject,
		Activity:  json.RawMessage(bytes.TrimSpace(msg.Body)),
	}
	if rec.To == nil {
		rec.To = []string{}
	}
	if err := p.Stores.Inbox.Append(ctx, rec); err != nil {
		log.Error("inbox_append_failed", slog.String("err", err.Error()))
	}
	p.publish(ctx, log, events.TypeActivityReceived, msg.From, map[string]any{
		"from":       msg.From,
		"subject":    msg.Subject,
		"activities": len(items),
	})

	for i, item := range items {
		act, err := activity.Parse(item)
		if err != nil {
			log.Info("activity_skipped", slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		p.Metrics.activity(act.Type)
		if act.IsFollow() {
			p.acceptFollow(ctx, log, msg, act)
		}
	}
	return Ack
}

func (p *Processor) acceptFollow(ctx context.Context, log *slog.Logger, msg *Message, follow activity.Activity) {
	log = log.With(slog.String("follower", follow.Actor()), slog.String("followed", follow.String("object")))
	log.Info("follow_detected")

	trace := store.MessageRecord{
		Timestamp: p.timestamp(),
		Type:      string(follow.Type),
		Actor:     follow.Raw("actor"),
		Object:    follow.Raw("object"),
	}
	if err := p.Stores.Messages.Append(ctx, trace); err != nil {
		log.Error("messages_append_failed", slog.String("err", err.Error()))
	}

	id, err := p.newID()
	if err != nil {
		log.Error("activity_id_failed", slog.String("err", err.Error()))
		return
	}
	accept, err := activity.NewAccept(follow, id, p.now())
	if err != nil {
		log.Error("accept_build_failed", slog.String("err", err.Error()))
		return
	}
	if err := p.Stores.Outbox.Append(ctx, accept); err != nil {
		log.Error("outbox_append_failed", slog.String("err", err.Error()))
	}
	p.publish(ctx, log, events.TypeFollowAccepted, id, accept)

	to := ReplyAddress(msg.From)
	if to == "" {
		log.Warn("accept_not_sent", slog.String("reason", "message has no usable From address"))
		return
	}
	if err := p.Sender.Send(ctx, accept, p.AcceptFrom, to); err != nil {
		log.Error("accept_delivery_failed", slog.String("to", to), slog.String("err", err.Error()))
		p.publish(ctx, log, events.TypeAcceptDeliveryFailed, id, map[string]string{"to": to, "error": err.Error()})
		return
	}
	log.Info("accept_delivered", slog.String("to", to), slog.String("accept_id", id))
	p.publish(ctx, log, events.TypeAcceptDelivered, id, map[string]string{"to": to})
}

func (p *Processor) publish(ctx context.Context, log *slog.Logger, eventType, aggregateID string, payload any) {
	if p.Events == nil {
		return
	}
	e, err := events.New(eventType, aggregateID, payload, p.now())
	if err != nil {
		log.Warn("event_build_failed", slog.String("event_type", eventType), slog.String("err", err.Error()))
		return
	}
	e.RequestID = requestid.Get(ctx)
	if err := p.Events.Publish(ctx, e); err != nil {
		log.Warn("event_publish_failed", slog.String("event_type", eventType), slog.String("err", err.Error()))
	}
}
