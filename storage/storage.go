// Package storage is the client side of the hosted backend: reads come
// from table storage, writes are enqueued as commands for the backend to
// apply. It owns no business logic.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"taskdeck/domain"
)

// Tables names the backend read-model tables.
type Tables struct {
	Tasks    string
	Projects string
	Members  string
	Users    string
}

// Storage provides access to the hosted backend's read model and command
// queue.
type Storage struct {
	taskTable    *aztables.Client
	projectTable *aztables.Client
	memberTable  *aztables.Client
	userTable    *aztables.Client
	commandQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables, commandQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:    svc.NewClient(tables.Tasks),
		projectTable: svc.NewClient(tables.Projects),
		memberTable:  svc.NewClient(tables.Members),
		userTable:    svc.NewClient(tables.Users),
		commandQueue: cq,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Status      string `json:"Status"`
	Priority    string `json:"Priority"`
	DueDate     string `json:"DueDate"`
	ProjectID   string `json:"ProjectId"`
	AssigneeID  string `json:"AssigneeId"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

// taskFromEntity maps a raw table row to the canonical record. Malformed
// timestamps are treated as absent so one bad row cannot poison a fetch.
func taskFromEntity(data []byte) (domain.TaskRecord, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.TaskRecord{}, err
	}
	rec := domain.TaskRecord{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Status:      domain.Status(ent.Status),
		Priority:    domain.Priority(ent.Priority),
		ProjectID:   ent.ProjectID,
		AssigneeID:  ent.AssigneeID,
	}
	if ent.DueDate != "" {
		if due, err := time.Parse(time.RFC3339, ent.DueDate); err == nil {
			rec.DueDate = &due
		}
	}
	if ent.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, ent.CreatedAt); err == nil {
			rec.CreatedAt = ts
		}
	}
	if ent.UpdatedAt != "" {
		if ts, err := time.Parse(time.RFC3339, ent.UpdatedAt); err == nil {
			rec.UpdatedAt = ts
		}
	}
	return rec, nil
}

// FetchTasks retrieves every task visible to the given user. The backend
// materializes visibility per user, so one partition scan is the whole
// answer.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.TaskRecord, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.TaskRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			rec, err := taskFromEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, rec)
		}
	}
	return tasks, nil
}

type projectEntity struct {
	aztables.Entity
	Name      string `json:"Name"`
	OwnerID   string `json:"OwnerId"`
	CreatedAt string `json:"CreatedAt"`
}

// FetchProjects retrieves the projects the given user is a member of.
func (s *Storage) FetchProjects(ctx context.Context, userID string) ([]domain.ProjectRecord, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.projectTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	projects := []domain.ProjectRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent projectEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			rec := domain.ProjectRecord{ID: ent.RowKey, Name: ent.Name, OwnerID: ent.OwnerID}
			if ent.CreatedAt != "" {
				if ts, err := time.Parse(time.RFC3339, ent.CreatedAt); err == nil {
					rec.CreatedAt = ts
				}
			}
			projects = append(projects, rec)
		}
	}
	return projects, nil
}

// memberEntity covers both shapes membership rows arrive in: joined rows
// carry the user object as a JSON blob in User, flat fallback rows carry
// the user fields as separate properties.
type memberEntity struct {
	aztables.Entity
	User   string `json:"User"`
	UserID string `json:"UserId"`
	Role   string `json:"Role"`
	Name   string `json:"FullName"`
	Email  string `json:"Email"`
}

func memberFromEntity(data []byte) (domain.MemberRecord, bool) {
	var ent memberEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.MemberRecord{}, false
	}

	var row domain.MemberRow
	if ent.User != "" {
		joined := &domain.JoinedMember{ProjectID: ent.PartitionKey, Role: ent.Role}
		if err := json.Unmarshal([]byte(ent.User), &joined.User); err == nil {
			row.Joined = joined
		}
	}
	if row.Joined == nil {
		row.Flat = &domain.FlatMember{
			ProjectID: ent.PartitionKey,
			Role:      ent.Role,
			UserID:    ent.UserID,
			Name:      ent.Name,
			Email:     ent.Email,
		}
	}
	return row.Normalize()
}

// FetchMembers retrieves the membership roster for a project. Rows that
// cannot be normalized are skipped.
func (s *Storage) FetchMembers(ctx context.Context, projectID string) ([]domain.MemberRecord, error) {
	filter := "PartitionKey eq '" + projectID + "'"
	pager := s.memberTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := []domain.MemberRecord{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			if m, ok := memberFromEntity(e); ok {
				members = append(members, m)
			}
		}
	}
	return members, nil
}

func decodeProfileEntity(data []byte) (domain.Profile, error) {
	var raw struct {
		aztables.Entity
		Name  string `json:"FullName"`
		Email string `json:"Email"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Profile{}, err
	}
	return domain.Profile{ID: raw.RowKey, Name: raw.Name, Email: raw.Email}, nil
}

// FetchProfile retrieves the user's own record.
func (s *Storage) FetchProfile(ctx context.Context, userID string) (domain.Profile, error) {
	ent, err := s.userTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	return decodeProfileEntity(ent.Value)
}

// EnqueueCommands sends the given commands to the backend's command queue.
func (s *Storage) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	for _, cmd := range cmds {
		env := domain.CommandEnvelope{UserID: userID, Command: cmd}
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := s.commandQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}
