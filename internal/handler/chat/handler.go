package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	chatmodel "github.com/qiuhaotian/taskdeck/internal/model/chat"
	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
	"github.com/qiuhaotian/taskdeck/internal/service/ai"
	"github.com/qiuhaotian/taskdeck/internal/service/retrieval"
	taskstore "github.com/qiuhaotian/taskdeck/internal/service/task"
	"github.com/qiuhaotian/taskdeck/pkg/stream"
	"github.com/qiuhaotian/taskdeck/pkg/utils"
)

// Answerer produces answers from the assembled input. Satisfied by
// *ai.Service; narrowed to an interface so handler tests can stub the model.
type Answerer interface {
	StreamingEnabled() bool
	GenerateAnswer(ctx context.Context, input ai.AnswerInput) (*schema.Message, error)
	StreamAnswer(ctx context.Context, input ai.AnswerInput) (*schema.StreamReader[*schema.Message], error)
}

// Handler streams task-scoped chat answers over Server-Sent Events.
type Handler struct {
	answerer  Answerer
	retriever *retrieval.Service
	tasks     *taskstore.Store
}

// New creates the chat handler.
func New(answerer Answerer, retriever *retrieval.Service, tasks *taskstore.Store) *Handler {
	return &Handler{answerer: answerer, retriever: retriever, tasks: tasks}
}

// RegisterRoutes mounts the chat endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

// ChatRequest is the chat endpoint's request body. History carries the
// turns before the current question; the question itself is Message.
type ChatRequest struct {
	ExternalTaskKey string              `json:"externalTaskKey"`
	Message         string              `json:"message"`
	History         []chatmodel.Message `json:"history,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}
	if _, _, _, err := taskmodel.ParseExternalTaskKey(payload.ExternalTaskKey); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid externalTaskKey")
		return
	}
	if _, err := h.tasks.GetTask(r.Context(), payload.ExternalTaskKey); err != nil {
		utils.RespondError(w, http.StatusNotFound, "task not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	utils.SendSSEChunk(w, flusher, stream.Event{
		Type: stream.EventStart,
		TS:   time.Now().UTC().Format(time.RFC3339),
	})
	// Every path below ends with a done frame, errors included.
	defer utils.SendSSEChunk(w, flusher, stream.Event{Type: stream.EventDone})

	citations := h.retriever.SearchTaskDocs(r.Context(), payload.ExternalTaskKey, payload.Message, 0)

	input := ai.AnswerInput{
		Citations: citations,
		History:   payload.History,
		Question:  payload.Message,
	}
	if snapshot, err := h.tasks.LatestSnapshot(r.Context(), payload.ExternalTaskKey); err == nil {
		input.TaskContext = snapshot.TaskContext
	}

	if err := h.streamAnswer(r.Context(), w, flusher, input); err != nil {
		log.Printf("[chat] answer failed for task=%s: %v", payload.ExternalTaskKey, err)
		utils.SendSSEChunk(w, flusher, stream.Event{
			Type:    stream.EventMessage,
			Content: fmt.Sprintf("Error: %v", err),
		})
		return
	}

	if len(citations) > 0 {
		utils.SendSSEChunk(w, flusher, stream.Event{
			Type:      stream.EventCitations,
			Citations: citations,
		})
	}
}

func (h *Handler) streamAnswer(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, input ai.AnswerInput) error {
	if !h.answerer.StreamingEnabled() {
		response, err := h.answerer.GenerateAnswer(ctx, input)
		if err != nil {
			return err
		}
		utils.SendSSEChunk(w, flusher, stream.Event{
			Type:    stream.EventMessage,
			Content: response.Content,
		})
		return nil
	}

	answerStream, err := h.answerer.StreamAnswer(ctx, input)
	if err != nil {
		return err
	}
	defer answerStream.Close()

	for {
		chunk, recvErr := answerStream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			return recvErr
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		utils.SendSSEChunk(w, flusher, stream.Event{
			Type:    stream.EventMessage,
			Content: chunk.Content,
		})
	}
}
