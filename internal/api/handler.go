// Package api exposes the activity stores over HTTP and lets an operator post
// or reply to activities by hand.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
	"github.com/k1networth/activitypub-lmtp/internal/shared/httpx"
	"github.com/k1networth/activitypub-lmtp/internal/shared/idgen"
	"github.com/k1networth/activitypub-lmtp/internal/store"
)

const maxBodyBytes = 1 << 20

// Sender delivers an activity; satisfied by *outbound.Sender.
type Sender interface {
	Send(ctx context.Context, act activity.Activity, from, to string) error
}

type Handler struct {
	Log    *slog.Logger
	Stores *store.Set
	Sender Sender

	// MailFrom is used when a request leaves mail_from empty.
	MailFrom string
	BaseURL  string

	Now   func() time.Time
	NewID func() (string, error)
}

// Routes returns the /api/ subtree.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/inbox", httpx.WithRoute("/api/inbox", http.HandlerFunc(h.ListInbox)))
	mux.Handle("GET /api/outbox", httpx.WithRoute("/api/outbox", http.HandlerFunc(h.ListOutbox)))
	mux.Handle("POST /api/outbox", httpx.WithRoute("/api/outbox", http.HandlerFunc(h.PostOutbox)))
	mux.Handle("POST /api/reply", httpx.WithRoute("/api/reply", http.HandlerFunc(h.PostReply)))
	return mux
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) newID() (string, error) {
	if h.NewID != nil {
		return h.NewID()
	}
	return idgen.ActivityID(h.BaseURL)
}

// ListInbox returns inbox records newest first.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.load(w, r, h.Stores.Inbox)
	if !ok {
		return
	}
	stamps := make([]string, len(entries))
	for i, e := range entries {
		var rec struct {
			Timestamp string `json:"timestamp"`
		}
		_ = json.Unmarshal(e, &rec)
		stamps[i] = rec.Timestamp
	}
	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	// Same-layout ISO timestamps order lexically; ties keep newest append first.
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := stamps[idx[a]], stamps[idx[b]]
		if sa != sb {
			return sa > sb
		}
		return idx[a] > idx[b]
	})
	out := make([]json.RawMessage, len(entries))
	for i, j := range idx {
		out[i] = entries[j]
	}
	writeJSON(w, http.StatusOK, out)
}

// ListOutbox returns outbox entries in append order.
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	entries, ok := h.load(w, r, h.Stores.Outbox)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// PostOutbox appends a new activity to the outbox and delivers it.
func (h *Handler) PostOutbox(w http.ResponseWriter, r *http.Request) {
	var req PostActivityRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	id, err := h.newID()
	if err != nil {
		h.internalError(w, r, "activity_id_failed", err)
		return
	}
	act, err := activity.New(activity.Type(strings.TrimSpace(req.Type)), id, strings.TrimSpace(req.Actor), req.Object, h.now())
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	h.appendAndDeliver(w, r, act, req.MailFrom, req.RcptTo)
}

// PostReply accepts the Follow of object by actor and delivers the Accept.
func (h *Handler) PostReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	now := h.now()
	follow, err := activity.New(activity.TypeFollow, "", strings.TrimSpace(req.Actor), strings.TrimSpace(req.Object), now)
	if err != nil {
		h.internalError(w, r, "follow_build_failed", err)
		return
	}
	id, err := h.newID()
	if err != nil {
		h.internalError(w, r, "activity_id_failed", err)
		return
	}
	accept, err := activity.NewAccept(follow, id, now)
	if err != nil {
		h.internalError(w, r, "accept_build_failed", err)
		return
	}
	h.appendAndDeliver(w, r, accept, req.MailFrom, req.RcptTo)
}

func (h *Handler) appendAndDeliver(w http.ResponseWriter, r *http.Request, act activity.Activity, from, to string) {
	from = strings.TrimSpace(from)
	if from == "" {
		from = h.MailFrom
	}
	to = strings.TrimSpace(to)

	raw, err := json.Marshal(act)
	if err != nil {
		h.internalError(w, r, "activity_encode_failed", err)
		return
	}
	if err := h.Stores.Outbox.Append(r.Context(), act); err != nil {
		h.internalError(w, r, "outbox_append_failed", err)
		return
	}

	if err := h.Sender.Send(r.Context(), act, from, to); err != nil {
		h.Log.Warn("api_delivery_failed",
			slog.String("activity_id", act.ID()),
			slog.String("to", to),
			slog.String("err", err.Error()),
		)
		WriteError(w, r, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}
	h.Log.Info("api_delivered", slog.String("activity_id", act.ID()), slog.String("type", string(act.Type)), slog.String("to", to))
	writeJSON(w, http.StatusCreated, DeliveryResponse{Activity: raw, Delivered: true, RcptTo: to})
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request, c store.Collection) ([]json.RawMessage, bool) {
	entries, err := c.Load(r.Context())
	if err != nil {
		h.internalError(w, r, "store_load_failed", err)
		return nil, false
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	return entries, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.Log.Error(event, slog.String("err", err.Error()))
	WriteError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		msg := "invalid json"
		if errors.Is(err, io.EOF) {
			msg = "empty body"
		}
		WriteError(w, r, http.StatusBadRequest, "validation_error", msg)
		return false
	}
	if dec.More() {
		WriteError(w, r, http.StatusBadRequest, "validation_error", "invalid json")
		return false
	}
	return true
}
