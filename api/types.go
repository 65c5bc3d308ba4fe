package api

import (
	"context"
	"time"

	"clickup-tracker/domain"
)

// Hierarchy is the aggregation service the hierarchy routes read from.
type Hierarchy interface {
	GetHierarchy(ctx context.Context) ([]*domain.Node, error)
	GetCachedHierarchy(ctx context.Context) ([]*domain.Node, error)
	GetCachedHierarchyMetadata(ctx context.Context) ([]*domain.Node, error)
	RefreshHierarchy(ctx context.Context) ([]*domain.Node, error)
	ClearCachedHierarchy(ctx context.Context) error
	GetColorsBySpace(ctx context.Context) (map[string]string, error)
	GetCachedUsers(ctx context.Context) ([]domain.User, error)
}

// TimeEntries is the remote time tracking API.
type TimeEntries interface {
	TimeEntries(ctx context.Context, start, end time.Time, assignee string) ([]domain.TimeEntry, error)
	CreateTimeEntry(ctx context.Context, in domain.TimeEntryInput) (domain.TimeEntry, error)
	UpdateTimeEntry(ctx context.Context, entryID string, in domain.TimeEntryInput) (domain.TimeEntry, error)
	DeleteTimeEntry(ctx context.Context, entryID string) (domain.TimeEntry, error)
}

// Tasks resolves where a single task lives in the hierarchy.
type Tasks interface {
	SpaceIDFromTask(ctx context.Context, taskID string) (string, error)
}

// Deduper prevents a time entry from being created twice when a client
// retries a request.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, scope, key string) (bool, error)
	// Remove deletes a previously added key, used when the create failed.
	Remove(ctx context.Context, scope, key string) error
}

type timeEntryRequest struct {
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
}

func (r timeEntryRequest) input() (domain.TimeEntryInput, bool) {
	if r.Start <= 0 || r.End < r.Start {
		return domain.TimeEntryInput{}, false
	}
	return domain.TimeEntryInput{
		TaskID:      r.TaskID,
		Description: r.Description,
		Start:       time.UnixMilli(r.Start),
		End:         time.UnixMilli(r.End),
	}, true
}

type timeEntryResponse struct {
	Entry          domain.TimeEntry `json:"entry"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
}

type taskSpaceResponse struct {
	TaskID  string `json:"taskId"`
	SpaceID string `json:"spaceId"`
}
