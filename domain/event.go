package domain

// Event names used on the realtime channel.
const (
	TaskCreated = "taskCreated"
	TaskUpdated = "taskUpdated"
	TaskDeleted = "taskDeleted"
)

// ChangeEvent describes one committed mutation of the task collection.
// Created and Updated carry the full task; Deleted carries only the id.
type ChangeEvent struct {
	Type   string `json:"event"`
	Task   *Task  `json:"task,omitempty"`
	TaskID string `json:"id,omitempty"`
}

func Created(t Task) ChangeEvent { return ChangeEvent{Type: TaskCreated, Task: &t, TaskID: t.ID} }

func Updated(t Task) ChangeEvent { return ChangeEvent{Type: TaskUpdated, Task: &t, TaskID: t.ID} }

func Deleted(id string) ChangeEvent { return ChangeEvent{Type: TaskDeleted, TaskID: id} }

// ID returns the task identifier the event refers to.
func (e ChangeEvent) ID() string {
	if e.Task != nil {
		return e.Task.ID
	}
	return e.TaskID
}

// Payload returns what travels as event data: the task, or the bare id for deletes.
func (e ChangeEvent) Payload() any {
	if e.Type == TaskDeleted {
		return e.TaskID
	}
	return e.Task
}

// Valid reports whether the event is well formed.
func (e ChangeEvent) Valid() bool {
	switch e.Type {
	case TaskCreated, TaskUpdated:
		return e.Task != nil && e.Task.ID != ""
	case TaskDeleted:
		return e.TaskID != ""
	}
	return false
}
