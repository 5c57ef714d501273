package events

import (
	"sync"
	"time"
)

// Event types emitted by the upload subsystem and consumed by the
// external notification fan-out.
const (
	TypeUploadStarted   = "upload_started"
	TypeUploadProgress  = "upload_progress"
	TypeUploadCompleted = "upload_completed"
)

// Event is the payload shared by all three upload event types.
type Event struct {
	Type        string    `json:"type"`
	FileID      string    `json:"fileId,omitempty"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	UploadedBy  string    `json:"uploadedBy"`
	WorkspaceID string    `json:"workspaceId"`
	Progress    int       `json:"progress,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher hands events to the collaborator notification layer.
// Publishing is best-effort: the registry never fails an upload because
// an event could not be delivered.
type Publisher interface {
	Publish(event Event) error
	Close() error
}

// NullPublisher drops every event. Default when no broker is configured.
type NullPublisher struct{}

func (NullPublisher) Publish(Event) error { return nil }
func (NullPublisher) Close() error        { return nil }

// Recorder collects events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
