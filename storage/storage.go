// Package storage implements the task and credential stores: in memory,
// Azure Table Storage and SQL (Postgres or SQLite), plus a Redis read cache
// and an Azure queue sink for exported change events.
package storage

import (
	"context"
	"errors"
	"fmt"

	"taskboard/domain"
)

const (
	DriverMemory = "memory"
	DriverTables = "tables"
)

// Backend is a store holding both tasks and users.
type Backend interface {
	domain.TaskStore
	domain.CredentialStore
	Ping(ctx context.Context) error
	Close() error
}

// Options select and configure a backend.
type Options struct {
	Driver           string
	ConnectionString string
	TasksTable       string
	UsersTable       string
	DatabaseURL      string
}

// Open returns the backend named by o.Driver.
func Open(ctx context.Context, o Options) (Backend, error) {
	switch o.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverTables:
		if o.ConnectionString == "" {
			return nil, errors.New("tables driver requires a storage connection string")
		}
		return NewTables(o.ConnectionString, o.TasksTable, o.UsersTable)
	case DriverPostgres, DriverSQLite:
		if o.DatabaseURL == "" {
			return nil, fmt.Errorf("%s driver requires a database url", o.Driver)
		}
		return OpenSQL(ctx, o.Driver, o.DatabaseURL)
	}
	return nil, fmt.Errorf("unknown store driver %q", o.Driver)
}
