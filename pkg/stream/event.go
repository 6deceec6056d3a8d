// Package stream defines the chat wire events and a decoder for consuming
// them from a live byte stream.
package stream

import taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"

// Event types carried on the chat stream. Unknown types are passed through
// for the consumer's default branch to ignore.
const (
	EventStart     = "start"
	EventMessage   = "message"
	EventCitations = "citations"
	EventDone      = "done"
)

// Event is one decoded stream frame.
type Event struct {
	Type      string               `json:"type"`
	TS        string               `json:"ts,omitempty"`
	Content   string               `json:"content,omitempty"`
	Citations []taskmodel.Citation `json:"citations,omitempty"`
}
