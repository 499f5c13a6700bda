package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]Task
	seq       int
	seqs      map[string]int
	conflicts int
	failErr   error
	users     map[string]User
	inserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]Task{}, seqs: map[string]int{}, users: map[string]User{}}
}

func (f *fakeStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return Task{}, f.failErr
	}
	f.seq++
	if t.ID == "" {
		t.ID = fmt.Sprintf("t%03d", f.seq)
	}
	t.Version = 1
	f.tasks[t.ID] = t
	f.seqs[t.ID] = f.seq
	return t, nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t Task, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if f.conflicts > 0 {
		f.conflicts--
		return ErrConcurrencyConflict
	}
	cur, ok := f.tasks[t.ID]
	if !ok || cur.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return false, f.failErr
	}
	if _, ok := f.tasks[id]; !ok {
		return false, nil
	}
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make([]Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return f.seqs[out[i].ID] < f.seqs[out[j].ID] })
	return out, nil
}

func (f *fakeStore) InsertUser(ctx context.Context, u User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	if _, ok := f.users[u.Email]; ok {
		return ErrDuplicate
	}
	f.users[u.Email] = u
	f.inserts++
	return nil
}

func (f *fakeStore) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	u, ok := f.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

type fakeAuth struct{}

func (fakeAuth) Verify(ctx context.Context, token string) (Principal, error) {
	if token != "good" {
		return Principal{}, Unauthorized("unauthorized", nil)
	}
	return Principal{UserID: "u1"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
	onPub  func(ChangeEvent)
}

func (r *recorder) Publish(ev ChangeEvent) {
	if r.onPub != nil {
		r.onPub(ev)
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ChangeEvent(nil), r.events...)
}

var errStoreDown = errors.New("connection refused")
