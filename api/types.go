package api

import (
	"context"

	"taskboard/broadcast"
	"taskboard/domain"
)

// TaskService is the mutation gateway the task routes delegate to. Every call
// carries the caller's raw session token.
type TaskService interface {
	CreateTask(ctx context.Context, token string, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, token, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, token, id string) error
	GetTask(ctx context.Context, token, id string) (domain.Task, error)
	ListTasks(ctx context.Context, token string) ([]domain.Task, error)
	Stats(ctx context.Context, token string) (domain.Stats, error)
}

// UserService registers users and manages session tokens.
type UserService interface {
	Register(ctx context.Context, email, name, password string) error
	Login(ctx context.Context, email, password string) (string, error)
	Verify(ctx context.Context, token string) (domain.Principal, error)
	Logout(ctx context.Context, token string) error
}

// Subscriber hands out per-session change event channels.
type Subscriber interface {
	Subscribe(sessionID string) (*broadcast.Subscription, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
