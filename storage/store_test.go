package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"taskboard/domain"
)

func openBackends(t *testing.T) map[string]Backend {
	t.Helper()
	db, err := OpenSQL(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "taskboard.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Backend{"memory": NewMemory(), "sqlite": db}
}

func TestTaskStoreContract(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

			if kept, err := st.CreateTask(ctx, domain.Task{ID: "given", Title: "g", Description: "dg", Priority: domain.PriorityLow, CreatedAt: base, UpdatedAt: base}); err != nil || kept.ID != "given" {
				t.Fatalf("store must keep a supplied id: %#v %v", kept, err)
			}
			if ok, err := st.DeleteTask(ctx, "given"); err != nil || !ok {
				t.Fatalf("delete given: %v %v", ok, err)
			}

			a, err := st.CreateTask(ctx, domain.Task{Title: "a", Description: "da", Priority: domain.PriorityHigh, CreatedAt: base, UpdatedAt: base})
			if err != nil {
				t.Fatalf("create a: %v", err)
			}
			b, err := st.CreateTask(ctx, domain.Task{Title: "b", Description: "db", Priority: domain.PriorityLow, CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second)})
			if err != nil {
				t.Fatalf("create b: %v", err)
			}
			if a.ID == "" || a.ID == b.ID || a.Version != 1 {
				t.Fatalf("store must assign unique ids and version 1: %#v %#v", a, b)
			}

			got, err := st.GetTask(ctx, a.ID)
			if err != nil || got == nil || *got != a {
				t.Fatalf("get a: %#v %v", got, err)
			}
			if missing, err := st.GetTask(ctx, "zzz"); err != nil || missing != nil {
				t.Fatalf("expected nil for missing task: %#v %v", missing, err)
			}

			list, err := st.ListTasks(ctx)
			if err != nil || len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
				t.Fatalf("unexpected list: %#v %v", list, err)
			}

			next := a
			next.Title = "a2"
			next.Version = 2
			next.UpdatedAt = base.Add(time.Minute + 123456*time.Microsecond)
			if err := st.UpdateTask(ctx, next, 1); err != nil {
				t.Fatalf("update: %v", err)
			}
			stale := a
			stale.Title = "stale"
			stale.Version = 2
			if err := st.UpdateTask(ctx, stale, 1); !errors.Is(err, domain.ErrConcurrencyConflict) {
				t.Fatalf("expected conflict, got %v", err)
			}
			got, _ = st.GetTask(ctx, a.ID)
			if got == nil || *got != next {
				t.Fatalf("stored record differs from the written one: %#v want %#v", got, next)
			}

			ok, err := st.DeleteTask(ctx, a.ID)
			if err != nil || !ok {
				t.Fatalf("delete: %v %v", ok, err)
			}
			ok, err = st.DeleteTask(ctx, a.ID)
			if err != nil || ok {
				t.Fatalf("second delete should report absent: %v %v", ok, err)
			}
			list, _ = st.ListTasks(ctx)
			if len(list) != 1 || list[0].ID != b.ID {
				t.Fatalf("unexpected list after delete: %#v", list)
			}
			if err := st.Ping(ctx); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestCredentialStoreContract(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			u := domain.User{ID: "u1", Email: "a@x.com", Name: "A", PasswordHash: "hash", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			if err := st.InsertUser(ctx, u); err != nil {
				t.Fatalf("insert: %v", err)
			}
			dup := u
			dup.ID = "u2"
			if err := st.InsertUser(ctx, dup); !errors.Is(err, domain.ErrDuplicate) {
				t.Fatalf("expected duplicate, got %v", err)
			}
			got, err := st.FindUserByEmail(ctx, "a@x.com")
			if err != nil || got == nil || *got != u {
				t.Fatalf("find: %#v %v", got, err)
			}
			if missing, err := st.FindUserByEmail(ctx, "b@x.com"); err != nil || missing != nil {
				t.Fatalf("expected nil: %#v %v", missing, err)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "mongo"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(context.Background(), Options{Driver: DriverTables}); err == nil {
		t.Fatalf("expected error without connection string")
	}
	if _, err := Open(context.Background(), Options{Driver: DriverPostgres}); err == nil {
		t.Fatalf("expected error without database url")
	}
	st, err := Open(context.Background(), Options{})
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQL{driver: DriverPostgres}
	if got := pg.rebind(`UPDATE t SET a = ? WHERE id = ? AND v = ?`); got != `UPDATE t SET a = $1 WHERE id = $2 AND v = $3` {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite := &SQL{driver: DriverSQLite}
	if got := lite.rebind(`SELECT ?`); got != `SELECT ?` {
		t.Fatalf("sqlite query must be unchanged: %s", got)
	}
}

type allowAll struct{}

func (allowAll) Verify(ctx context.Context, token string) (domain.Principal, error) {
	return domain.Principal{UserID: "u1"}, nil
}

func TestServiceEventsMatchStoredRecords(t *testing.T) {
	for name, st := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := time.Date(2024, 5, 1, 10, 0, 1, 123456789, time.UTC)
			var events []domain.ChangeEvent
			pub := domain.PublisherFunc(func(ev domain.ChangeEvent) { events = append(events, ev) })
			svc := domain.NewTaskService(st, allowAll{}, pub, domain.WithClock(func() time.Time {
				clock = clock.Add(time.Second + 987*time.Nanosecond)
				return clock
			}))

			created, err := svc.CreateTask(ctx, "tok", domain.TaskInput{Title: "t", Description: "d", Priority: domain.PriorityHigh})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			updated, err := svc.UpdateTask(ctx, "tok", created.ID, domain.TaskPatch{Title: ptrTo("t2")})
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			stored, err := st.GetTask(ctx, created.ID)
			if err != nil || stored == nil {
				t.Fatalf("get: %#v %v", stored, err)
			}
			if len(events) != 2 {
				t.Fatalf("expected 2 events, got %d", len(events))
			}
			if *events[0].Task != created {
				t.Fatalf("created event %#v differs from returned %#v", *events[0].Task, created)
			}
			if *events[1].Task != *stored || updated != *stored {
				t.Fatalf("updated event %#v, response %#v, stored %#v", *events[1].Task, updated, *stored)
			}
		})
	}
}

func ptrTo[T any](v T) *T { return &v }
