package worker

import (
	"time"

	"github.com/book-expert/narration-service/internal/scheduler"
	"github.com/google/uuid"
)

// Pass outcome statuses.
const (
	StatusCompleted = "completed"
	StatusBusy      = "busy"
	StatusFailed    = "failed"
)

// EventHeader identifies a pass request and the events it produced.
type EventHeader struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	EventID    string    `json:"event_id"`
}

// NewEventHeader stamps a fresh event. An empty workflowID starts a new workflow.
func NewEventHeader(workflowID string) EventHeader {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	return EventHeader{Timestamp: time.Now().UTC(), WorkflowID: workflowID, EventID: uuid.NewString()}
}

// PassRequestedEvent asks the service to run one pass. An empty body is accepted.
type PassRequestedEvent struct {
	Header EventHeader `json:"header"`
}

// PassCompletedEvent is the reply to a PassRequestedEvent.
type PassCompletedEvent struct {
	Header     EventHeader           `json:"header"`
	Status     string                `json:"status"`
	Discovered int                   `json:"discovered"`
	Report     *scheduler.PassReport `json:"report,omitempty"`
	Error      string                `json:"error,omitempty"`
}
