package domain

import (
	"strings"
	"time"
)

// Priority is the urgency bucket of a task.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

// Priorities lists the accepted values in ascending order.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a single board item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    Priority  `json:"priority"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TaskInput carries the fields of a task to create. An empty Priority means Medium.
type TaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority,omitempty"`
}

// TaskPatch carries a partial update; nil fields keep their stored value.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
}

// Normalize trims text fields, applies the default priority and validates the result.
func (in TaskInput) Normalize() (TaskInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if in.Title == "" {
		return in, InvalidInput("title is required")
	}
	if in.Description == "" {
		return in, InvalidInput("description is required")
	}
	if !in.Priority.Valid() {
		return in, InvalidInput("priority must be one of Low, Medium, High")
	}
	return in, nil
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil
}

// Validate rejects patches that would leave the task invalid.
func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return InvalidInput("title must not be empty")
	}
	if p.Description != nil && strings.TrimSpace(*p.Description) == "" {
		return InvalidInput("description must not be empty")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return InvalidInput("priority must be one of Low, Medium, High")
	}
	return nil
}

// Apply merges the patch over t and returns the result.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = strings.TrimSpace(*p.Description)
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	return t
}
