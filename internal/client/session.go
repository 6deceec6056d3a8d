package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	chatmodel "github.com/qiuhaotian/taskdeck/internal/model/chat"
	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
	"github.com/qiuhaotian/taskdeck/pkg/stream"
)

var (
	ErrBlankPrompt  = errors.New("prompt is blank")
	ErrStreamActive = errors.New("a response stream is already active")
	ErrNoTask       = errors.New("no task selected")
)

// Session owns one conversation about one task: the transcript, the current
// citation list, and at most one open response stream.
//
// Send blocks until its stream finishes; Cancel may be called from another
// goroutine to stop it early. Operational failures (missing credential, bad
// response status, mid-stream errors) are surfaced as assistant messages in
// the transcript so the conversational context is preserved; Send returns an
// error only for precondition violations.
type Session struct {
	client *Client
	tokens TokenProvider

	mu              sync.Mutex
	externalTaskKey string
	transcript      chatmodel.Transcript
	citations       []taskmodel.Citation
	streaming       bool
	cancelStream    context.CancelFunc
}

// NewSession creates a session bound to a task.
func NewSession(client *Client, tokens TokenProvider, externalTaskKey string) *Session {
	return &Session{
		client:          client,
		tokens:          tokens,
		externalTaskKey: externalTaskKey,
	}
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() chatmodel.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Clone()
}

// Citations returns a copy of the citation list from the latest answer.
func (s *Session) Citations() []taskmodel.Citation {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]taskmodel.Citation, len(s.citations))
	copy(copied, s.citations)
	return copied
}

// Streaming reports whether a response stream is currently open.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Send submits a prompt and applies the response stream to the transcript.
// A second Send while a stream is open is rejected, not queued.
func (s *Session) Send(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrBlankPrompt
	}

	s.mu.Lock()
	if s.externalTaskKey == "" {
		s.mu.Unlock()
		return ErrNoTask
	}
	if s.streaming {
		s.mu.Unlock()
		return ErrStreamActive
	}

	// The user turn lands in the transcript before any network activity;
	// the history payload excludes it because it is the current turn.
	history := s.transcript.Clone()
	s.transcript = s.transcript.AppendUser(prompt)
	s.citations = nil

	streamCtx, cancel := context.WithCancel(ctx)
	s.streaming = true
	s.cancelStream = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.streaming = false
		s.cancelStream = nil
		s.mu.Unlock()
	}()

	token, ok := s.tokens.AccessToken()
	if !ok {
		s.appendAssistant("Authentication failed: no access token is available.")
		return nil
	}

	status, body, err := s.client.OpenChatStream(streamCtx, token, ChatStreamRequest{
		ExternalTaskKey: s.externalTaskKey,
		Message:         prompt,
		History:         history,
	})
	if err != nil {
		if !canceled(streamCtx, err) {
			s.appendAssistant(fmt.Sprintf("Request failed: %v", err))
		}
		return nil
	}
	defer body.Close()

	if status < 200 || status >= 300 {
		s.appendAssistant(fmt.Sprintf("Request failed with status %d.", status))
		return nil
	}

	s.consumeStream(streamCtx, body)
	return nil
}

// Cancel stops the in-flight response stream, if any. It never surfaces an
// error message; the stream simply ends where it was.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelStream
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// consumeStream applies decoded events to session state until the stream
// ends. Cancellation ends it silently; any other read error is surfaced as
// an assistant message.
func (s *Session) consumeStream(ctx context.Context, body io.Reader) {
	decoder := stream.NewDecoder(body)
	for {
		event, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if !canceled(ctx, err) {
				s.appendAssistant(fmt.Sprintf("Stream failed: %v", err))
			}
			return
		}

		switch event.Type {
		case stream.EventMessage:
			if event.Content != "" {
				s.mu.Lock()
				s.transcript = s.transcript.AppendOrMergeAssistant(event.Content)
				s.mu.Unlock()
			}
		case stream.EventCitations:
			// Wholesale replacement: an empty list clears.
			s.mu.Lock()
			s.citations = event.Citations
			s.mu.Unlock()
		default:
			// start, done, and unknown future types carry no state.
		}
	}
}

// appendAssistant adds a terminal assistant message. Unlike streamed deltas
// it never merges into a partial answer.
func (s *Session) appendAssistant(content string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, chatmodel.Message{Role: chatmodel.RoleAssistant, Content: content})
	s.mu.Unlock()
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}
