package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubSender struct {
	name string
	err  error
	sent []string
}

func (s *stubSender) Send(_ context.Context, title, _ string) error {
	s.sent = append(s.sent, title)
	return s.err
}

func (s *stubSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{s}, []string{EventPositionFailed, " "}, discard())

	if err := n.Notify(context.Background(), EventPositionSettled, "settled", ""); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := n.Notify(context.Background(), EventPositionFailed, "failed", ""); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(s.sent) != 1 || s.sent[0] != "failed" {
		t.Fatalf("sent=%v", s.sent)
	}
	if err := n.NotifyAll(context.Background(), "all", ""); err != nil || len(s.sent) != 2 {
		t.Fatalf("notify all: err=%v sent=%v", err, s.sent)
	}
}

func TestNotifyContinuesAfterSenderFailure(t *testing.T) {
	boom := errors.New("boom")
	bad := &stubSender{name: "bad", err: boom}
	good := &stubSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), EventListingDetected, "x", "")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v want wrapped boom", err)
	}
	if len(good.sent) != 1 {
		t.Fatalf("good sender skipped")
	}
}

func TestEnabledWithoutSenders(t *testing.T) {
	if NewNotifier(nil, nil, discard()).Enabled(EventPositionFailed) {
		t.Fatalf("notifier without senders reports enabled")
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path=%s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), "Position failed", "XYZ"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["chat_id"] != "42" || !strings.HasPrefix(got["text"], "*Position failed*") {
		t.Fatalf("payload=%v", got)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "unexpected status 404") {
		t.Fatalf("got %v", err)
	}
}
