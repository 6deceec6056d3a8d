package chat

// Roles used in a conversation transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript is an ordered conversation log. It is owned by exactly one
// session and never mutated concurrently.
type Transcript []Message

// AppendUser adds a new user turn. A user message always starts a new entry.
func (t Transcript) AppendUser(content string) Transcript {
	return append(t, Message{Role: RoleUser, Content: content})
}

// AppendOrMergeAssistant extends the trailing assistant message with delta,
// or creates one if the transcript is empty or ends with a user turn.
// Streaming deltas belonging to one assistant turn therefore collapse into a
// single entry instead of piling up as separate messages.
func (t Transcript) AppendOrMergeAssistant(delta string) Transcript {
	if n := len(t); n > 0 && t[n-1].Role == RoleAssistant {
		t[n-1].Content += delta
		return t
	}
	return append(t, Message{Role: RoleAssistant, Content: delta})
}

// Clone returns a copy safe to hand to callers while the session keeps
// mutating the original.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	copied := make(Transcript, len(t))
	copy(copied, t)
	return copied
}
