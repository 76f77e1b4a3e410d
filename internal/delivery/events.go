package delivery

import "strings"

const (
	EventTypeTask     = "task"
	EventTypeComplete = "complete"

	StatusOK = "OK"
)

// Event is a payload accepted by the ledger service.
type Event interface {
	EventType() string
}

// TaskEvent asks the ledger service to create a task.
type TaskEvent struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	Username        string `json:"username"`
	Executor        string `json:"executor"`
	RepeatReminder  bool   `json:"repeatReminder"`
	ReminderOffset  int    `json:"reminderOffset"`
	OriginalContent string `json:"originalContent"`
}

func (e TaskEvent) EventType() string { return EventTypeTask }

// CompleteEvent marks the task scheduled at Date/Time as done.
type CompleteEvent struct {
	Type     string `json:"type"`
	Date     string `json:"date"`
	Time     string `json:"time"`
	Content  string `json:"content"`
	Username string `json:"username"`
}

func (e CompleteEvent) EventType() string { return EventTypeComplete }

type TaskDetails struct {
	Content string
	Date    string
	Time    string
}

// Result is the decoded ledger service response.
type Result struct {
	Status  string
	Message string
	Task    *TaskDetails
}

func (r *Result) OK() bool {
	return r != nil && strings.EqualFold(strings.TrimSpace(r.Status), StatusOK)
}
