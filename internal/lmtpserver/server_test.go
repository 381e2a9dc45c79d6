package lmtpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/k1networth/activitypub-lmtp/internal/activity"
	"github.com/k1networth/activitypub-lmtp/internal/inbound"
	"github.com/k1networth/activitypub-lmtp/internal/lmtp"
	"github.com/k1networth/activitypub-lmtp/internal/lmtpserver"
	"github.com/k1networth/activitypub-lmtp/internal/outbound"
	"github.com/k1networth/activitypub-lmtp/internal/store"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
	got  chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 16)} }

func (r *recorder) Process(_ context.Context, raw []byte) string {
	r.mu.Lock()
	r.msgs = append(r.msgs, append([]byte(nil), raw...))
	r.mu.Unlock()
	r.got <- struct{}{}
	return inbound.Ack
}

func start(t *testing.T, cfg lmtpserver.Config, h lmtpserver.Handler, addr string) net.Addr {
	t.Helper()
	ln, err := lmtpserver.Listen(addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := lmtpserver.New(cfg, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ln.Addr()
}

func tcpTarget(t *testing.T, addr net.Addr) lmtp.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	p, _ := strconv.Atoi(port)
	return lmtp.TCPTarget(host, p)
}

func client() *lmtp.Client {
	return &lmtp.Client{Hostname: "test.local", ReadTimeout: 2 * time.Second}
}

func TestServerHandsMessageToHandler(t *testing.T) {
	rec := newRecorder()
	addr := start(t, lmtpserver.Config{Domain: "ipcnode.local"}, rec, "127.0.0.1:0")

	msg := []byte("Subject: hi\r\n\r\n.leading dot\r\n{\"type\":\"Note\"}\r\n")
	err := client().Deliver(context.Background(), msg, "alice@a.example", "bob@ipcnode.local", tcpTarget(t, addr))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	select {
	case <-rec.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not called")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !bytes.Equal(rec.msgs[0], msg) {
		t.Fatalf("expected body %q, got %q", msg, rec.msgs[0])
	}
}

func TestServerOverUnixSocket(t *testing.T) {
	rec := newRecorder()
	sock := filepath.Join(t.TempDir(), "lmtp.sock")
	start(t, lmtpserver.Config{}, rec, "unix:"+sock)

	err := client().Deliver(context.Background(), []byte("Subject: x\r\n\r\nbody\r\n"), "a@b", "c@d", lmtp.UnixTarget(sock))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func TestServerRejectsOversizedMessage(t *testing.T) {
	rec := newRecorder()
	addr := start(t, lmtpserver.Config{MaxMessageBytes: 64}, rec, "127.0.0.1:0")

	big := append([]byte("Subject: big\r\n\r\n"), bytes.Repeat([]byte("x"), 1024)...)
	err := client().Deliver(context.Background(), big, "a@b", "c@d", tcpTarget(t, addr))

	var pv *lmtp.ProtocolViolationError
	if !errors.As(err, &pv) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if pv.Code != 552 {
		t.Fatalf("expected 552, got %d", pv.Code)
	}
	if len(rec.got) != 0 {
		t.Fatalf("expected handler not to run for an oversized message")
	}
}

func TestListenUnixPath(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s")
	ln, err := lmtpserver.Listen(sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if ln.Addr().Network() != "unix" {
		t.Fatalf("expected unix listener, got %s", ln.Addr().Network())
	}
}

// A Follow delivered over LMTP is answered with an Accept delivered back to
// the same server.
func TestFollowRoundTrip(t *testing.T) {
	stores := store.OpenFiles(t.TempDir(), nil, nil)
	proc := &inbound.Processor{
		Stores:     stores,
		AcceptFrom: "follow@ipcnode.local",
		BaseURL:    "https://ipcnode.local",
	}

	ln, err := lmtpserver.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcp := ln.Addr().(*net.TCPAddr)
	target := lmtp.TCPTarget(tcp.IP.String(), tcp.Port)
	proc.Sender = &outbound.Sender{
		Client:  client(),
		Host:    tcp.IP.String(),
		Port:    tcp.Port,
		Timeout: 3 * time.Second,
	}

	srv := lmtpserver.New(lmtpserver.Config{HandlerTimeout: 5 * time.Second}, proc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	follow := `{"id":"https://a.example/follows/1","type":"Follow","actor":"https://a.example/users/alice","object":"https://ipcnode.local/users/bob"}`
	raw := []byte("From: alice@a.example\r\nTo: bob@ipcnode.local\r\nContent-Type: application/activity+json\r\n\r\n" + follow + "\r\n")
	if err := client().Deliver(context.Background(), raw, "alice@a.example", "bob@ipcnode.local", target); err != nil {
		t.Fatalf("deliver follow: %v", err)
	}

	// The server acks the Follow only after the Accept went out and was
	// processed, so both inbox records are present once Deliver returns.
	inbox, err := stores.Inbox.Load(context.Background())
	if err != nil {
		t.Fatalf("load inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("expected follow and accept in the inbox, got %d", len(inbox))
	}
	var rec store.InboxRecord
	if err := json.Unmarshal(inbox[1], &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	acc, err := activity.Parse(rec.Activity)
	if err != nil || acc.Type != activity.TypeAccept {
		t.Fatalf("expected the looped back Accept, got %s (%v)", rec.Activity, err)
	}
	if inbound.ReplyAddress(rec.From) != "follow@ipcnode.local" {
		t.Fatalf("unexpected accept sender %q", rec.From)
	}

	outbox, _ := stores.Outbox.Load(context.Background())
	if len(outbox) != 1 {
		t.Fatalf("expected 1 outbox entry, got %d", len(outbox))
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "stale.sock")
	first, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	first.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = first.Close()

	ln, err := lmtpserver.Listen(sock)
	if err != nil {
		t.Fatalf("expected stale socket to be replaced, got %v", err)
	}
	_ = ln.Close()
}
