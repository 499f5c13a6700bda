package client

import "taskboard/domain"

// View is the local copy of the board: a map keyed by task id that remembers
// the order tasks were first seen in. It is not safe for concurrent use.
type View struct {
	tasks map[string]domain.Task
	order []string
}

// NewView seeds a view from a snapshot, keeping the server's order.
func NewView(snapshot []domain.Task) *View {
	v := &View{tasks: make(map[string]domain.Task, len(snapshot)), order: make([]string, 0, len(snapshot))}
	for _, t := range snapshot {
		v.upsert(t)
	}
	return v
}

func (v *View) upsert(t domain.Task) {
	if _, ok := v.tasks[t.ID]; !ok {
		v.order = append(v.order, t.ID)
	}
	v.tasks[t.ID] = t
}

func (v *View) remove(id string) bool {
	if _, ok := v.tasks[id]; !ok {
		return false
	}
	delete(v.tasks, id)
	for i, cur := range v.order {
		if cur == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return true
}

// Apply merges one change event. Created and Updated replace the whole
// record; Deleted of an absent id is a no-op. Reports whether the view changed.
func (v *View) Apply(ev domain.ChangeEvent) bool {
	switch ev.Type {
	case domain.TaskCreated, domain.TaskUpdated:
		if ev.Task == nil || ev.Task.ID == "" {
			return false
		}
		v.upsert(*ev.Task)
		return true
	case domain.TaskDeleted:
		return v.remove(ev.ID())
	}
	return false
}

// Get returns the task with id.
func (v *View) Get(id string) (domain.Task, bool) {
	t, ok := v.tasks[id]
	return t, ok
}

func (v *View) Len() int { return len(v.tasks) }

// Tasks returns a copy of the view in first-seen order.
func (v *View) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.tasks[id])
	}
	return out
}

// Stats computes counts by priority over the view. The engine prefers the
// server's figures; this is the local fallback.
func (v *View) Stats() domain.Stats {
	return domain.ComputeStats(v.Tasks())
}
