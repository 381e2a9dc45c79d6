package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
	"github.com/k1networth/activitypub-lmtp/internal/api"
	"github.com/k1networth/activitypub-lmtp/internal/shared/httpx"
	"github.com/k1networth/activitypub-lmtp/internal/store"
)

func testLogger() *slog.Logger {
	h := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h).With(
		slog.String("app", "test"),
		slog.String("env", "test"),
	)
}

type fakeSender struct {
	err      error
	from, to string
	sent     []activity.Activity
}

func (f *fakeSender) Send(_ context.Context, act activity.Activity, from, to string) error {
	f.from, f.to = from, to
	f.sent = append(f.sent, act)
	return f.err
}

type env struct {
	srv    *httptest.Server
	stores *store.Set
	sender *fakeSender
}

func newTestServer(t *testing.T) *env {
	t.Helper()
	log := testLogger()
	stores := store.OpenFiles(t.TempDir(), nil, nil)
	sender := &fakeSender{}
	n := 0
	h := &api.Handler{
		Log:      log,
		Stores:   stores,
		Sender:   sender,
		MailFrom: "follow@ipcnode.local",
		BaseURL:  "https://ipcnode.local",
		Now:      func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) },
		NewID: func() (string, error) {
			n++
			return fmt.Sprintf("https://ipcnode.local/activities/%d", n), nil
		},
	}
	srv := httptest.NewServer(httpx.NewRouter(log, httpx.RouterOptions{API: h.Routes()}))
	t.Cleanup(srv.Close)
	return &env{srv: srv, stores: stores, sender: sender}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string, dst any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d, body=%s", http.StatusOK, resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func TestListInboxNewestFirst(t *testing.T) {
	e := newTestServer(t)
	ctx := context.Background()
	for _, ts := range []string{"2026-01-02T00:00:00.000000Z", "2026-03-01T00:00:00.000000Z", "2026-02-01T00:00:00.000000Z"} {
		rec := store.InboxRecord{Timestamp: ts, To: []string{}, Activity: json.RawMessage(`{}`)}
		if err := e.stores.Inbox.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var got []store.InboxRecord
	get(t, e.srv.URL+"/api/inbox", &got)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].Timestamp != "2026-03-01T00:00:00.000000Z" || got[2].Timestamp != "2026-01-02T00:00:00.000000Z" {
		t.Fatalf("expected newest first, got %v, %v, %v", got[0].Timestamp, got[1].Timestamp, got[2].Timestamp)
	}
}

func TestListOutboxEmpty(t *testing.T) {
	e := newTestServer(t)
	var got []json.RawMessage
	get(t, e.srv.URL+"/api/outbox", &got)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty array, got %v", got)
	}
}

func TestPostOutbox201(t *testing.T) {
	e := newTestServer(t)

	resp := post(t, e.srv.URL+"/api/outbox", `{"type":"Create","actor":"https://ipcnode.local/users/bob","object":{"type":"Note","content":"hi"},"rcpt_to":"alice@a.example"}`)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d, body=%s", http.StatusCreated, resp.StatusCode, b)
	}
	var got api.DeliveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Delivered || got.RcptTo != "alice@a.example" {
		t.Fatalf("unexpected response %+v", got)
	}

	if e.sender.from != "follow@ipcnode.local" || e.sender.to != "alice@a.example" {
		t.Fatalf("unexpected envelope %s -> %s", e.sender.from, e.sender.to)
	}
	outbox, _ := e.stores.Outbox.Load(context.Background())
	if len(outbox) != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", len(outbox))
	}
	act, err := activity.Parse(outbox[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if act.Type != activity.TypeCreate || act.ID() != "https://ipcnode.local/activities/1" {
		t.Fatalf("unexpected stored activity %s", outbox[0])
	}
	if act.Timestamp() != "2026-05-06T07:08:09.000000Z" {
		t.Fatalf("unexpected timestamp %q", act.Timestamp())
	}
}

func TestPostOutboxValidation400(t *testing.T) {
	e := newTestServer(t)
	for name, body := range map[string]string{
		"MissingType":   `{"actor":"a","object":"b","rcpt_to":"c@d"}`,
		"MissingObject": `{"type":"Create","actor":"a","rcpt_to":"c@d"}`,
		"MissingRcpt":   `{"type":"Create","actor":"a","object":"b"}`,
		"InjectedRcpt":  `{"type":"Create","actor":"a","object":"b","rcpt_to":"c@d>\r\nRCPT TO:<x@y"}`,
		"UnknownField":  `{"type":"Create","actor":"a","object":"b","rcpt_to":"c@d","extra":1}`,
		"Empty":         ``,
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, e.srv.URL+"/api/outbox", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected %d, got %d", http.StatusBadRequest, resp.StatusCode)
			}
			var eb errorBody
			if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if eb.Error.Code != "validation_error" || eb.Error.RequestID == "" {
				t.Fatalf("unexpected error body %+v", eb)
			}
		})
	}
	if len(e.sender.sent) != 0 {
		t.Fatalf("expected nothing delivered")
	}
}

func TestPostReplyBuildsAccept(t *testing.T) {
	e := newTestServer(t)

	resp := post(t, e.srv.URL+"/api/reply", `{"actor":"https://a.example/users/alice","object":"https://ipcnode.local/users/bob","mail_from":"bob@ipcnode.local","rcpt_to":"alice@a.example"}`)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d, body=%s", http.StatusCreated, resp.StatusCode, b)
	}
	if len(e.sender.sent) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(e.sender.sent))
	}
	acc := e.sender.sent[0]
	if acc.Type != activity.TypeAccept || acc.Actor() != "https://ipcnode.local/users/bob" {
		t.Fatalf("unexpected accept %+v", acc)
	}
	follow, err := activity.Parse(acc.Object())
	if err != nil || !follow.IsFollow() || follow.Actor() != "https://a.example/users/alice" {
		t.Fatalf("expected embedded follow, got %s (%v)", acc.Object(), err)
	}
	if e.sender.from != "bob@ipcnode.local" {
		t.Fatalf("expected explicit mail_from to win, got %q", e.sender.from)
	}
}

func TestPostReplyDeliveryFailure502(t *testing.T) {
	e := newTestServer(t)
	e.sender.err = errors.New("lmtp: transport unavailable: dial unix: no such file")

	resp := post(t, e.srv.URL+"/api/reply", `{"actor":"a","object":"b","rcpt_to":"c@d"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected %d, got %d", http.StatusBadGateway, resp.StatusCode)
	}
	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	if eb.Error.Code != "delivery_failed" || eb.Error.Message != e.sender.err.Error() {
		t.Fatalf("unexpected error body %+v", eb)
	}
	outbox, _ := e.stores.Outbox.Load(context.Background())
	if len(outbox) != 1 {
		t.Fatalf("expected the accept to stay in the outbox, got %d", len(outbox))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestServer(t)
	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/api/outbox", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected %d, got %d", http.StatusMethodNotAllowed, resp.StatusCode)
	}
}
