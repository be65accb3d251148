package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
)

func TestTelegramSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/sendMessage" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ChatID != 100 || req.Text != "Resolved, please retry upload" {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("123:abc", srv.URL, srv.Client(), zerolog.Nop())
	if err := tg.Send(context.Background(), 100, "Resolved, please retry upload"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestTelegramErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, errs.ErrUnreachable},
		{http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, errs.ErrUnreachable},
		{http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`, errs.ErrThrottled},
		{http.StatusBadGateway, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, errs.ErrUnavailable},
		{http.StatusBadRequest, `{"ok":false,"error_code":400,"description":"Bad Request: message text is empty"}`, errs.ErrMalformed},
		{http.StatusBadGateway, `<html>bad gateway</html>`, errs.ErrUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		tg := NewTelegram("t", srv.URL, srv.Client(), zerolog.Nop())
		err := tg.Send(context.Background(), 1, "hi")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d body %s: got %v, want %v", tc.status, tc.body, err, tc.want)
		}
	}
}

func TestTelegramRequiresToken(t *testing.T) {
	tg := NewTelegram("", "", nil, zerolog.Nop())
	if err := tg.Send(context.Background(), 1, "hi"); !errors.Is(err, errs.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("б", 6)
	parts := splitMessage(text, 8)
	if strings.Join(parts, "") != text {
		t.Fatalf("split lost text: %q", parts)
	}
	if parts[0] != strings.Repeat("a", 6)+"\n" {
		t.Fatalf("expected a cut at the line break, got %q", parts)
	}
	for _, p := range parts {
		if n := len([]rune(p)); n > 8 {
			t.Fatalf("part of %d runes exceeds limit", n)
		}
	}
}
