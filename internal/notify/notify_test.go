package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifierFieldNames(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewSlackNotifier(srv.URL).Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("slack: %v", err)
	}
	if got["text"] != "hello" {
		t.Fatalf("slack payload: %+v", got)
	}
	if err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "hi"); err != nil {
		t.Fatalf("discord: %v", err)
	}
	if got["content"] != "hi" {
		t.Fatalf("discord payload: %+v", got)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	defer srv.Close()
	if err := NewSlackNotifier(srv.URL).Notify(context.Background(), "x"); err == nil {
		t.Fatal("bad status accepted")
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, string) error {
	f.calls++
	return context.Canceled
}

func TestFanoutKeepsGoing(t *testing.T) {
	a, b := &failingNotifier{}, &failingNotifier{}
	if err := NewFanout(nil, a, b).Notify(context.Background(), "x"); err != nil {
		t.Fatalf("fanout: %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls: %d %d", a.calls, b.calls)
	}
}
