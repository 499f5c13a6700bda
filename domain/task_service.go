package domain

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskStore defines the persistence operations the task service relies on.
// CreateTask keeps a caller supplied identifier, assigns one when empty and
// sets Version to 1. GetTask returns
// nil, nil for an absent id. UpdateTask succeeds only when the stored version
// equals expectedVersion and returns ErrConcurrencyConflict otherwise.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t Task, expectedVersion int64) error
	DeleteTask(ctx context.Context, id string) (bool, error)
	ListTasks(ctx context.Context) ([]Task, error)
}

// Authenticator validates session tokens.
type Authenticator interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// Publisher receives committed change events.
type Publisher interface {
	Publish(ev ChangeEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ChangeEvent)

func (f PublisherFunc) Publish(ev ChangeEvent) { f(ev) }

const (
	lockStripes      = 64
	maxUpdateRetries = 16
)

// TaskService is the only path that mutates the task store. Every call is
// authorized against the session token first; events are published only
// after the store acknowledged the write.
type TaskService struct {
	st    TaskStore
	auth  Authenticator
	pub   Publisher
	log   *log.Logger
	now   func() time.Time
	locks [lockStripes]sync.Mutex
}

// TaskServiceOption customizes a TaskService.
type TaskServiceOption func(*TaskService)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) TaskServiceOption {
	return func(s *TaskService) { s.now = now }
}

// WithLogger sets the logger used for internal failures.
func WithLogger(l *log.Logger) TaskServiceOption {
	return func(s *TaskService) { s.log = l }
}

func NewTaskService(st TaskStore, auth Authenticator, pub Publisher, opts ...TaskServiceOption) *TaskService {
	s := &TaskService{
		st:   st,
		auth: auth,
		pub:  pub,
		log:  log.StandardLogger(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.pub == nil {
		s.pub = PublisherFunc(func(ChangeEvent) {})
	}
	return s
}

// lock serializes write plus publish per task id so events for one task
// leave this process in store order.
func (s *TaskService) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *TaskService) authorize(ctx context.Context, token string) (Principal, error) {
	p, err := s.auth.Verify(ctx, token)
	if err != nil {
		if KindOf(err) == KindUnauthorized {
			return Principal{}, err
		}
		return Principal{}, s.internal(err, log.Fields{"op": "verify"})
	}
	return p, nil
}

func (s *TaskService) internal(err error, fields log.Fields) error {
	s.log.WithFields(fields).WithError(err).Error("task store failure")
	return Internal(err)
}

// stamp returns the current time at the precision every store keeps.
func (s *TaskService) stamp() time.Time {
	return s.now().Truncate(time.Microsecond)
}

// CreateTask validates the input, persists a new task and emits Created. The
// id is chosen here so the stripe lock is held across the write.
func (s *TaskService) CreateTask(ctx context.Context, token string, in TaskInput) (Task, error) {
	p, err := s.authorize(ctx, token)
	if err != nil {
		return Task{}, err
	}
	in, err = in.Normalize()
	if err != nil {
		return Task{}, err
	}
	id := uuid.NewString()
	unlock := s.lock(id)
	defer unlock()
	now := s.stamp()
	t, err := s.st.CreateTask(ctx, Task{
		ID:          id,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Task{}, s.internal(err, log.Fields{"op": "create", "user": p.UserID})
	}
	s.pub.Publish(Created(t))
	s.log.WithFields(log.Fields{"task": t.ID, "user": p.UserID}).Debug("task created")
	return t, nil
}

// UpdateTask merges patch over the stored task and emits Updated with the
// full resulting record.
func (s *TaskService) UpdateTask(ctx context.Context, token, id string, patch TaskPatch) (Task, error) {
	p, err := s.authorize(ctx, token)
	if err != nil {
		return Task{}, err
	}
	if err := patch.Validate(); err != nil {
		return Task{}, err
	}
	unlock := s.lock(id)
	defer unlock()

	fields := log.Fields{"op": "update", "task": id, "user": p.UserID}
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		cur, err := s.st.GetTask(ctx, id)
		if err != nil {
			return Task{}, s.internal(err, fields)
		}
		if cur == nil {
			return Task{}, NotFound("task %s not found", id)
		}
		next := patch.Apply(*cur)
		next.UpdatedAt = s.stamp()
		next.Version = cur.Version + 1
		if err := s.st.UpdateTask(ctx, next, cur.Version); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				s.log.WithFields(fields).WithField("attempt", attempt).Debug("update conflict, retrying")
				continue
			}
			return Task{}, s.internal(err, fields)
		}
		s.pub.Publish(Updated(next))
		return next, nil
	}
	return Task{}, s.internal(ErrConcurrencyConflict, fields)
}

// DeleteTask removes the task and emits Deleted.
func (s *TaskService) DeleteTask(ctx context.Context, token, id string) error {
	p, err := s.authorize(ctx, token)
	if err != nil {
		return err
	}
	unlock := s.lock(id)
	defer unlock()
	ok, err := s.st.DeleteTask(ctx, id)
	if err != nil {
		return s.internal(err, log.Fields{"op": "delete", "task": id, "user": p.UserID})
	}
	if !ok {
		return NotFound("task %s not found", id)
	}
	s.pub.Publish(Deleted(id))
	return nil
}

// GetTask returns one task.
func (s *TaskService) GetTask(ctx context.Context, token, id string) (Task, error) {
	if _, err := s.authorize(ctx, token); err != nil {
		return Task{}, err
	}
	t, err := s.st.GetTask(ctx, id)
	if err != nil {
		return Task{}, s.internal(err, log.Fields{"op": "get", "task": id})
	}
	if t == nil {
		return Task{}, NotFound("task %s not found", id)
	}
	return *t, nil
}

// ListTasks returns the full collection in store order.
func (s *TaskService) ListTasks(ctx context.Context, token string) ([]Task, error) {
	if _, err := s.authorize(ctx, token); err != nil {
		return nil, err
	}
	tasks, err := s.st.ListTasks(ctx)
	if err != nil {
		return nil, s.internal(err, log.Fields{"op": "list"})
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// Stats scans the whole collection and counts tasks per priority.
func (s *TaskService) Stats(ctx context.Context, token string) (Stats, error) {
	if _, err := s.authorize(ctx, token); err != nil {
		return Stats{}, err
	}
	tasks, err := s.st.ListTasks(ctx)
	if err != nil {
		return Stats{}, s.internal(err, log.Fields{"op": "stats"})
	}
	return ComputeStats(tasks), nil
}
