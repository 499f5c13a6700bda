package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"taskboard/domain"
)

const (
	edmInt64    = "Edm.Int64"
	edmDateTime = "Edm.DateTime"

	// The board is shared, so every task lives in one partition.
	taskPartition = "board"
	userPartition = "users"
)

var (
	_ domain.TaskStore       = (*Tables)(nil)
	_ domain.CredentialStore = (*Tables)(nil)
)

// Tables persists tasks and users in Azure Table Storage. Version checks
// are enforced with entity ETags.
type Tables struct {
	tasks *aztables.Client
	users *aztables.Client
}

func tableRetryOptions() azcore.ClientOptions {
	return azcore.ClientOptions{
		Retry: policy.RetryOptions{
			MaxRetries:    3,
			TryTimeout:    time.Minute * 3,
			RetryDelay:    time.Second * 1,
			MaxRetryDelay: time.Second * 15,
			StatusCodes:   []int{408, 429, 500, 502, 503, 504},
		},
	}
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr, tasksTable, usersTable string) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &aztables.ClientOptions{ClientOptions: tableRetryOptions()})
	if err != nil {
		return nil, err
	}
	return &Tables{tasks: svc.NewClient(tasksTable), users: svc.NewClient(usersTable)}, nil
}

type taskEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Title         string    `json:"Title"`
	Description   string    `json:"Description"`
	Priority      string    `json:"Priority"`
	Version       int64     `json:"Version,string"`
	VersionType   string    `json:"Version@odata.type"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

type userEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	ID            string    `json:"ID"`
	Email         string    `json:"Email"`
	Name          string    `json:"Name"`
	PasswordHash  string    `json:"PasswordHash"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type"`
}

func encodeTask(t domain.Task) ([]byte, error) {
	return json.Marshal(taskEntity{
		PartitionKey:  taskPartition,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Priority:      string(t.Priority),
		Version:       t.Version,
		VersionType:   edmInt64,
		CreatedAt:     t.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
		UpdatedAt:     t.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	})
}

func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Priority:    domain.Priority(ent.Priority),
		Version:     ent.Version,
		CreatedAt:   ent.CreatedAt.UTC(),
		UpdatedAt:   ent.UpdatedAt.UTC(),
	}, nil
}

// userRowKey keeps emails within the characters allowed in row keys.
func userRowKey(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(email))
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

func (s *Tables) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Version = 1
	payload, err := encodeTask(t)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.tasks.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Tables) getTask(ctx context.Context, id string) (*domain.Task, azcore.ETag, error) {
	resp, err := s.tasks.GetEntity(ctx, taskPartition, id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, "", nil
		}
		return nil, "", err
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return nil, "", err
	}
	return &t, resp.ETag, nil
}

func (s *Tables) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, _, err := s.getTask(ctx, id)
	return t, err
}

func (s *Tables) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int64) error {
	cur, etag, err := s.getTask(ctx, t.ID)
	if err != nil {
		return err
	}
	if cur == nil || cur.Version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		if hasStatus(err, http.StatusPreconditionFailed) || hasStatus(err, http.StatusNotFound) {
			return domain.ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

func (s *Tables) DeleteTask(ctx context.Context, id string) (bool, error) {
	cur, etag, err := s.getTask(ctx, id)
	if err != nil || cur == nil {
		return false, err
	}
	if _, err := s.tasks.DeleteEntity(ctx, taskPartition, id, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return false, nil
		}
		if hasStatus(err, http.StatusPreconditionFailed) {
			// changed concurrently; the delete still wins
			if _, err := s.tasks.DeleteEntity(ctx, taskPartition, id, nil); err != nil {
				if hasStatus(err, http.StatusNotFound) {
					return false, nil
				}
				return false, err
			}
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *Tables) ListTasks(ctx context.Context) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + taskPartition + "'"
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (s *Tables) InsertUser(ctx context.Context, u domain.User) error {
	payload, err := json.Marshal(userEntity{
		PartitionKey:  userPartition,
		RowKey:        userRowKey(u.Email),
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		PasswordHash:  u.PasswordHash,
		CreatedAt:     u.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
	})
	if err != nil {
		return err
	}
	if _, err := s.users.AddEntity(ctx, payload, nil); err != nil {
		if hasStatus(err, http.StatusConflict) {
			return domain.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Tables) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	resp, err := s.users.GetEntity(ctx, userPartition, userRowKey(email), nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.User{ID: ent.ID, Email: ent.Email, Name: ent.Name, PasswordHash: ent.PasswordHash, CreatedAt: ent.CreatedAt.UTC()}, nil
}

// Ping reads a single entity to check the table is reachable.
func (s *Tables) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

func (s *Tables) Close() error { return nil }
