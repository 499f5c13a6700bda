package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"taskboard/domain"
)

var (
	_ domain.TaskStore       = (*Memory)(nil)
	_ domain.CredentialStore = (*Memory)(nil)
)

// Memory keeps tasks and users in process memory. Tasks are listed in
// insertion order.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	order []string
	users map[string]domain.User
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]domain.Task{}, users: map[string]domain.User{}}
}

func (m *Memory) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	return t, nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok || cur.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false, nil
	}
	delete(m.tasks, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *Memory) ListTasks(ctx context.Context) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out, nil
}

func (m *Memory) InsertUser(ctx context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Email]; ok {
		return domain.ErrDuplicate
	}
	m.users[u.Email] = u
	return nil
}

func (m *Memory) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
