package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/qiuhaotian/taskdeck/internal/config"
	chatmodel "github.com/qiuhaotian/taskdeck/internal/model/chat"
	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
)

// Service answers task-scoped questions with the configured chat model,
// grounding the answer on retrieved passages.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the prompt-template + chat-model chain.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chatModel: chatModel, cfg: cfg, chain: runnable}, nil
}

// StreamingEnabled reports whether answers should stream incrementally.
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// AnswerInput collects everything one answer is built from.
type AnswerInput struct {
	TaskContext map[string]any
	Citations   []taskmodel.Citation
	History     []chatmodel.Message
	Question    string
}

// GenerateAnswer produces a complete answer in one call.
func (s *Service) GenerateAnswer(ctx context.Context, input AnswerInput) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to run answer chain: %w", err)
	}

	log.Printf("[ai] generated answer, length=%d", len(response.Content))
	return response, nil
}

// StreamAnswer produces the answer as a chunk stream.
func (s *Service) StreamAnswer(ctx context.Context, input AnswerInput) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}

	stream, err := s.chain.Stream(ctx, s.buildChainInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to stream answer chain: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(input AnswerInput) map[string]any {
	return map[string]any{
		"system":  buildSystemPrompt(input.TaskContext, input.Citations),
		"history": buildHistoryMessages(input.History),
		"query":   input.Question,
	}
}

func buildSystemPrompt(taskContext map[string]any, citations []taskmodel.Citation) string {
	var builder strings.Builder
	builder.WriteString("You are an assistant answering questions about one synced work item. ")
	builder.WriteString("Base your answer strictly on the task context and retrieved passages below; say so when they do not contain the answer.")

	if len(taskContext) > 0 {
		if encoded, err := json.Marshal(taskContext); err == nil {
			builder.WriteString("\n\nTask context:\n")
			builder.Write(encoded)
		}
	}

	if len(citations) > 0 {
		builder.WriteString("\n\nRetrieved passages:")
		for i, citation := range citations {
			builder.WriteString(fmt.Sprintf("\n[%d] %s", i+1, citation.Filename))
			if citation.Page > 0 {
				builder.WriteString(fmt.Sprintf(" (page %d)", citation.Page))
			}
			if citation.Section != "" {
				builder.WriteString(" " + citation.Section)
			}
			builder.WriteString(": ")
			builder.WriteString(citation.Snippet)
		}
	}

	return builder.String()
}

func buildHistoryMessages(messages []chatmodel.Message) []*schema.Message {
	const historyLimit = 10

	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case chatmodel.RoleUser:
			history = append(history, schema.UserMessage(content))
		case chatmodel.RoleAssistant:
			history = append(history, schema.AssistantMessage(content, nil))
		}
	}

	return history
}
