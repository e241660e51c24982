package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		n        Notification
		contains []string
		excludes []string
	}{
		{
			name: "health check failed escapes details",
			n: Notification{
				Type: HealthCheckFailed, ProjectName: "Shop <prod>", CheckType: "web",
				Details: "HTTP 503 - Expected 200 & <retry>", Timestamp: ts,
			},
			contains: []string{"Health Check Failed", "Shop &lt;prod&gt;", "<b>Type:</b> web", "&amp; &lt;retry&gt;", "01/03/2026 12:30:00 UTC"},
			excludes: []string{"<prod>", "<retry>"},
		},
		{
			name:     "health check restored",
			n:        Notification{Type: HealthCheckRestored, ProjectName: "Shop", CheckType: "rest", Timestamp: ts},
			contains: []string{"Health Check Restored", "Service is now operational."},
		},
		{
			name: "e2e failed with counts and link",
			n: Notification{
				Type: E2EFailed, ProjectName: "Shop", Failed: 2, Total: 8, Timestamp: ts,
				DashboardURL: "https://monitor.example.com/projects",
				Causes:       []string{"browser_launch"},
			},
			contains: []string{
				"E2E Tests Failed", "<b>Failed Tests:</b> 2 out of 8",
				`<a href="https://monitor.example.com/projects">`, "browser_launch",
			},
		},
		{
			name:     "e2e failed without counts",
			n:        Notification{Type: E2EFailed, ProjectName: "Shop", Details: "Test execution timed out after 600000ms", Timestamp: ts},
			contains: []string{"<b>Error:</b> Test execution timed out after 600000ms"},
			excludes: []string{"Failed Tests"},
		},
		{
			name:     "e2e passed",
			n:        Notification{Type: E2EPassed, ProjectName: "Shop", Timestamp: ts},
			contains: []string{"E2E Tests Passed", "All tests completed successfully."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Format(tt.n)
			if err != nil {
				t.Fatalf("Format: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Format() missing %q in:\n%s", want, got)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("Format() contains %q in:\n%s", bad, got)
				}
			}
		})
	}

	if _, err := Format(Notification{Type: "deploy_started"}); err == nil {
		t.Error("Format() with unknown type returned nil error")
	}
}

func TestNewNotifier_Unconfigured(t *testing.T) {
	n := NewNotifier(TelegramOptions{BotToken: "t"}, nil)
	if _, ok := n.(Noop); !ok {
		t.Errorf("NewNotifier() = %T, want Noop", n)
	}
	if err := n.Notify(context.Background(), Notification{Type: E2EPassed}); err != nil {
		t.Errorf("Noop.Notify() = %v", err)
	}
}

func newTestTelegram(url string) *Telegram {
	tg := NewTelegram(TelegramOptions{BotToken: "123:abc", ChatID: "-100", APIURL: url}, nil)
	tg.initialDelay = time.Millisecond
	return tg
}

func TestSendMessage(t *testing.T) {
	type seen struct {
		path string
		req  sendMessageRequest
	}
	ch := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s seen
		s.path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&s.req)
		ch <- s
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer srv.Close()

	id, err := newTestTelegram(srv.URL).SendMessage(context.Background(), "<b>hi</b>")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != 42 {
		t.Errorf("message id = %d, want 42", id)
	}
	s := <-ch
	if s.path != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", s.path)
	}
	if got := s.req; got.ChatID != "-100" || got.Text != "<b>hi</b>" || got.ParseMode != "HTML" {
		t.Errorf("request = %+v", s.req)
	}
}

func TestSendMessage_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`))
	}))
	defer srv.Close()

	id, err := newTestTelegram(srv.URL).SendMessage(context.Background(), "x")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != 7 || calls.Load() != 3 {
		t.Errorf("id = %d, calls = %d; want 7, 3", id, calls.Load())
	}
}

func TestSendMessage_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	_, err := newTestTelegram(srv.URL).SendMessage(context.Background(), "x")
	if err == nil {
		t.Fatal("SendMessage() error = nil")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error = %v, want API description", err)
	}
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls.Load())
	}
}

func TestSendMessage_UnexpectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	_, err := newTestTelegram(srv.URL).SendMessage(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "unexpected response format") {
		t.Errorf("error = %v", err)
	}
}

func TestSendMessage_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tg := newTestTelegram(srv.URL)
	tg.initialDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := tg.SendMessage(ctx, "x"); err == nil {
		t.Error("SendMessage() error = nil")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("SendMessage did not stop retrying on context cancellation")
	}
}
