package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranaai/voiceturn/internal/reliability"
)

func TestGetReplySendsHistory(t *testing.T) {
	var got []chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/" {
			t.Errorf("request = %s %s, want POST /chat/", r.Method, r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		got = append(got, req)
		_ = json.NewEncoder(w).Encode(chatResponse{Response: "You have 12kg of rice"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, WithHTTPClient(srv.Client()))
	for i := 0; i < 2; i++ {
		reply, err := c.GetReply(context.Background(), "what is my rice stock")
		if err != nil {
			t.Fatalf("GetReply() error = %v", err)
		}
		if reply != "You have 12kg of rice" {
			t.Fatalf("GetReply() = %q", reply)
		}
	}
	if len(got[0].History) != 0 {
		t.Fatalf("first history = %v, want empty", got[0].History)
	}
	if len(got[1].History) != 2 || got[1].History[0].Role != "user" || got[1].History[1].Role != "assistant" {
		t.Fatalf("second history = %v, want one exchange", got[1].History)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Response: "ok"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, WithHTTPClient(srv.Client()), WithHistoryLimit(4))
	for i := 0; i < 5; i++ {
		if _, err := c.GetReply(context.Background(), "hi"); err != nil {
			t.Fatalf("GetReply() error = %v", err)
		}
	}
	if n := len(c.History()); n != 4 {
		t.Fatalf("len(History()) = %d, want 4", n)
	}
	c.Reset()
	if n := len(c.History()); n != 0 {
		t.Fatalf("len(History()) after Reset = %d, want 0", n)
	}
}

func TestGetReplyRetriesThenFallsBack(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gemini down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, WithHTTPClient(srv.Client()), WithFallback("Sorry, I couldn't understand that."))
	reply, err := c.GetReply(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GetReply() error = %v, want fallback", err)
	}
	if reply != "Sorry, I couldn't understand that." {
		t.Fatalf("GetReply() = %q, want fallback", reply)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if len(c.History()) != 0 {
		t.Fatalf("fallback recorded in history")
	}
}

func TestGetReplyWithoutFallbackFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing key", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, WithHTTPClient(srv.Client()), WithAttempts(1))
	_, err := c.GetReply(context.Background(), "hello")
	var se *reliability.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("GetReply() error = %v, want 500 StatusError", err)
	}
}

func TestGetReplyCancelledSkipsFallback(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, 5*time.Second, WithHTTPClient(srv.Client()), WithFallback("sorry"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.GetReply(ctx, "hello"); err == nil {
		t.Fatalf("GetReply() error = nil, want cancellation")
	}
}

func TestEmptyResponseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{Response: "  "})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, WithHTTPClient(srv.Client()), WithAttempts(1))
	if _, err := c.GetReply(context.Background(), "hello"); err == nil {
		t.Fatalf("GetReply() error = nil, want error")
	}
}
