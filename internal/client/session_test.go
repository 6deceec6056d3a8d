package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	chatmodel "github.com/qiuhaotian/taskdeck/internal/model/chat"
)

const testTaskKey = "acc:board:item"

func sseHandler(t *testing.T, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("httptest response writer must support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func TestSendAppliesStreamedAnswer(t *testing.T) {
	var gotRequest ChatStreamRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decode request: %v", err)
		}
		sseHandler(t, []string{
			`{"type":"start","ts":"2026-01-01T00:00:00Z"}`,
			`{"type":"message","content":"The "}`,
			`{"type":"message","content":"total is 42."}`,
			`{"type":"citations","citations":[{"filename":"a.csv","page":1}]}`,
			`{"type":"done"}`,
		})(w, r)
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken("secret"), testTaskKey)
	if err := session.Send(context.Background(), "What is the total?"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	transcript := session.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected 2 transcript entries, got %+v", transcript)
	}
	if transcript[0].Role != chatmodel.RoleUser || transcript[0].Content != "What is the total?" {
		t.Fatalf("unexpected user entry: %+v", transcript[0])
	}
	if transcript[1].Role != chatmodel.RoleAssistant || transcript[1].Content != "The total is 42." {
		t.Fatalf("assistant deltas not merged: %+v", transcript[1])
	}

	citations := session.Citations()
	if len(citations) != 1 || citations[0].Filename != "a.csv" || citations[0].Page != 1 {
		t.Fatalf("unexpected citations: %+v", citations)
	}

	if gotRequest.Message != "What is the total?" {
		t.Fatalf("unexpected message sent: %q", gotRequest.Message)
	}
	if len(gotRequest.History) != 0 {
		t.Fatalf("current turn must be excluded from history, got %+v", gotRequest.History)
	}
	if session.Streaming() {
		t.Fatal("busy flag must clear after completion")
	}
}

func TestCitationsReplaceWholesaleAndClear(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			sseHandler(t, []string{
				`{"type":"message","content":"first answer"}`,
				`{"type":"citations","citations":[{"filename":"a.csv"},{"filename":"b.pdf"}]}`,
				`{"type":"citations","citations":[{"filename":"c.txt"}]}`,
				`{"type":"done"}`,
			})(w, r)
			return
		}
		sseHandler(t, []string{
			`{"type":"message","content":"second answer"}`,
			`{"type":"citations","citations":[]}`,
			`{"type":"done"}`,
		})(w, r)
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken("secret"), testTaskKey)

	if err := session.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	citations := session.Citations()
	if len(citations) != 1 || citations[0].Filename != "c.txt" {
		t.Fatalf("later citations event must replace the earlier list wholesale, got %+v", citations)
	}

	if err := session.Send(context.Background(), "second"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if got := session.Citations(); len(got) != 0 {
		t.Fatalf("empty citations event must clear the list, got %+v", got)
	}
}

func TestSendSecondTurnCarriesHistory(t *testing.T) {
	var histories [][]chatmodel.Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatStreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		histories = append(histories, req.History)
		sseHandler(t, []string{`{"type":"message","content":"answer"}`, `{"type":"done"}`})(w, r)
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken("secret"), testTaskKey)
	if err := session.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send err: %v", err)
	}
	if err := session.Send(context.Background(), "second"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	if len(histories) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(histories))
	}
	if len(histories[1]) != 2 {
		t.Fatalf("second request should carry the first exchange, got %+v", histories[1])
	}
	if histories[1][0].Content != "first" || histories[1][1].Content != "answer" {
		t.Fatalf("unexpected history: %+v", histories[1])
	}
}

func TestSendWithoutCredentialAppendsTerminalMessage(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken(""), testTaskKey)
	if err := session.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	if requests.Load() != 0 {
		t.Fatal("no stream may be opened without a credential")
	}

	transcript := session.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected user + failure entries, got %+v", transcript)
	}
	if transcript[1].Role != chatmodel.RoleAssistant || !strings.Contains(transcript[1].Content, "Authentication failed") {
		t.Fatalf("expected auth failure message, got %+v", transcript[1])
	}
	if session.Streaming() {
		t.Fatal("busy flag must clear after auth failure")
	}
}

func TestSendNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken("secret"), testTaskKey)
	if err := session.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send err: %v", err)
	}

	transcript := session.Transcript()
	if len(transcript) != 2 || !strings.Contains(transcript[1].Content, "status 503") {
		t.Fatalf("expected status failure message, got %+v", transcript)
	}
}

func TestSendRejectsBlankPromptAndConcurrentStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"start\"}\n\n")
		flusher.Flush()
		<-release
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken("secret"), testTaskKey)

	if err := session.Send(context.Background(), "   "); !errors.Is(err, ErrBlankPrompt) {
		t.Fatalf("expected ErrBlankPrompt, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Send(context.Background(), "first")
	}()

	waitFor(t, session.Streaming)

	if err := session.Send(context.Background(), "second"); !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}

	close(release)
	<-done

	transcript := session.Transcript()
	for i, msg := range transcript {
		if msg.Content == "second" {
			t.Fatalf("rejected prompt must not reach the transcript (entry %d)", i)
		}
	}
}

func TestCancelStopsStreamSilently(t *testing.T) {
	requestGone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"message\",\"content\":\"partial \"}\n\n")
		flusher.Flush()
		<-r.Context().Done()
		close(requestGone)
	}))
	defer server.Close()

	session := NewSession(NewClient(server.URL), StaticToken("secret"), testTaskKey)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Send(context.Background(), "question")
	}()

	waitFor(t, func() bool {
		transcript := session.Transcript()
		return len(transcript) == 2 && transcript[1].Content == "partial "
	})

	session.Cancel()
	<-done

	select {
	case <-requestGone:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the aborted request")
	}

	transcript := session.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("cancellation must not append messages, got %+v", transcript)
	}
	if strings.Contains(transcript[1].Content, "failed") {
		t.Fatalf("cancellation must stay silent, got %q", transcript[1].Content)
	}
	if session.Streaming() {
		t.Fatal("busy flag must clear after cancellation")
	}

	// Cancel with no active stream is a no-op.
	session.Cancel()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
