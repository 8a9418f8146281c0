package engine

import (
	"time"
)

// EventType names the notification, values are the channel names used by
// the desktop front end.
type EventType string

const (
	EventToolData            EventType = "tool-data"
	EventToolDataError       EventType = "tool-data-error"
	EventToolDataDone        EventType = "tool-data-done"
	EventJobKilled           EventType = "tool-killed"
	EventDataCollectionError EventType = "data-collection-error"
	EventReportClose         EventType = "vulnerability-report-close"

	EventSelectedFile    EventType = "selected-file"
	EventConsoleMessages EventType = "console-messages"
	EventUploadProgress  EventType = "upload-progress"
	EventUploadDone      EventType = "upload-done"
	EventUploadError     EventType = "upload-error"
)

// Event is a one way notification keyed by a job id
type Event struct {
	Type  EventType `json:"event"`
	JobID string    `json:"toolId,omitempty"`
	Data  string    `json:"data,omitempty"`
	Code  *int      `json:"code,omitempty"`
	Dir   string    `json:"dir,omitempty"`
	Time  time.Time `json:"time"`
}

// ExitCode returns the code of tool-data-done and vulnerability-report-close events
func (e Event) ExitCode() (int, bool) {
	if e.Code == nil {
		return 0, false
	}
	return *e.Code, true
}

func ToolData(jobID, chunk string) Event {
	return Event{Type: EventToolData, JobID: jobID, Data: chunk}
}

func ToolDataError(jobID, chunk string) Event {
	return Event{Type: EventToolDataError, JobID: jobID, Data: chunk}
}

func ToolDataDone(jobID string, code int, dir string) Event {
	return Event{Type: EventToolDataDone, JobID: jobID, Code: &code, Dir: dir}
}

func JobKilled(jobID string) Event {
	return Event{Type: EventJobKilled, JobID: jobID}
}

func DataCollectionError(jobID, msg string) Event {
	return Event{Type: EventDataCollectionError, JobID: jobID, Data: msg}
}

func ReportClose(jobID string, code int) Event {
	return Event{Type: EventReportClose, JobID: jobID, Code: &code}
}

// SelectedFile answers browse-file and browse-folder requests
func SelectedFile(jobID, path string) Event {
	return Event{Type: EventSelectedFile, JobID: jobID, Data: path}
}

// ConsoleMessages carries the recent log lines joined by a new line
func ConsoleMessages(lines string) Event {
	return Event{Type: EventConsoleMessages, Data: lines}
}

func UploadProgress(jobID, msg string) Event {
	return Event{Type: EventUploadProgress, JobID: jobID, Data: msg}
}

func UploadDone(jobID, msg string) Event {
	return Event{Type: EventUploadDone, JobID: jobID, Data: msg}
}

func UploadError(jobID, msg string) Event {
	return Event{Type: EventUploadError, JobID: jobID, Data: msg}
}

// Sink receives the events. Emit is called from several goroutines and must
// be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) {
	f(e)
}

// Discard drops all events
var Discard = SinkFunc(func(Event) {})

type stampSink struct {
	sink Sink
	now  func() time.Time
}

func (s stampSink) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}
	s.sink.Emit(e)
}
