package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSend_SignsPayload(t *testing.T) {
	var gotSig, gotEvent string
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		gotEvent = r.Header.Get("X-RegForge-Event")
		_ = json.Unmarshal(body, &got)
		if gotSig != "sha256="+Sign("s3cret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewSender("s3cret", 0, time.Millisecond)
	err := s.Send(context.Background(), srv.URL, Payload{RunID: "r1", Status: "succeeded", Email: "a@x.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotEvent != "run.succeeded" {
		t.Errorf("event = %q", gotEvent)
	}
	if got.RunID != "r1" || got.Email != "a@x.com" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSend_Retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender("k", 3, time.Millisecond)
	if err := s.Send(context.Background(), srv.URL, Payload{RunID: "r1", Status: "failed"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSend_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSender("k", 1, time.Millisecond)
	if err := s.Send(context.Background(), srv.URL, Payload{RunID: "r1", Status: "failed"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestSend_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := NewSender("k", 3, time.Millisecond)
	if err := s.Send(context.Background(), srv.URL, Payload{RunID: "r1", Status: "failed"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSend_SameDeliveryIDAcrossRetries(t *testing.T) {
	var ids []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ids = append(ids, r.Header.Get("X-RegForge-Delivery"))
		n := len(ids)
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender("k", 2, time.Millisecond)
	if err := s.Send(context.Background(), srv.URL, Payload{RunID: "r1", Status: "succeeded"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Errorf("delivery ids = %v", ids)
	}
}
