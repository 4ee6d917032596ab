package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSummarize_SendsPromptAndParsesResponse(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "condensed summary"}}},
		})
	}))
	defer srv.Close()

	s := New("sk-test", srv.URL)
	got, err := s.Summarize(context.Background(), "user:hello\nagent:hi there", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "condensed summary" {
		t.Errorf("got %q, want %q", got, "condensed summary")
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want bearer header", gotAuth)
	}
	if len(gotReq.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotReq.Messages))
	}
	if !strings.Contains(gotReq.Messages[1].Content, "user:hello") {
		t.Errorf("expected transcript in user message, got %q", gotReq.Messages[1].Content)
	}
}

func TestSummarize_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	s := New("sk-test", srv.URL)
	_, err := s.Summarize(context.Background(), "text", 100)
	if err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestSummarize_EmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	s := New("sk-test", srv.URL)
	_, err := s.Summarize(context.Background(), "text", 100)
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}
