package clickup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"clickup-tracker/domain"
)

type timeEntryBody struct {
	Description string `json:"description"`
	TaskID      string `json:"tid,omitempty"`
	Start       int64  `json:"start"`
	Duration    int64  `json:"duration"`
}

type dataEnvelope struct {
	Data sonic.NoCopyRawMessage `json:"data"`
	Err  string                 `json:"err"`
}

func (c *Client) teamPath(suffix string) (string, error) {
	team := c.TeamID()
	if team == "" {
		return "", &domain.TransportError{Op: "team" + suffix, Status: http.StatusBadRequest, Err: ErrNoTeam}
	}
	return "/team/" + url.PathEscape(team) + suffix, nil
}

// TimeEntries lists the time entries between start and end. An empty
// assignee returns the entries of the token owner.
func (c *Client) TimeEntries(ctx context.Context, start, end time.Time, assignee string) ([]domain.TimeEntry, error) {
	if start.IsZero() || end.IsZero() {
		return nil, domain.ErrInvalidRange
	}
	path, err := c.teamPath("/time_entries")
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"start_date":             {strconv.FormatInt(start.UnixMilli(), 10)},
		"end_date":               {strconv.FormatInt(end.UnixMilli(), 10)},
		"include_location_names": {"true"},
	}
	if assignee != "" {
		q.Set("assignee", assignee)
	}

	var env dataEnvelope
	if err := c.do(ctx, http.MethodGet, path, q, nil, &env); err != nil {
		return nil, err
	}
	// The service reports some failures in the body of a 200 answer.
	if env.Err != "" {
		return nil, &domain.TransportError{Op: "GET " + path, Status: http.StatusOK, Err: errors.New(env.Err)}
	}
	entries := []domain.TimeEntry{}
	if len(env.Data) == 0 {
		return entries, nil
	}
	if err := sonic.Unmarshal(env.Data, &entries); err != nil {
		return nil, fmt.Errorf("decode time entries: %w", err)
	}
	return entries, nil
}

// CreateTimeEntry records a new interval against a task.
func (c *Client) CreateTimeEntry(ctx context.Context, in domain.TimeEntryInput) (domain.TimeEntry, error) {
	path, err := c.teamPath("/time_entries")
	if err != nil {
		return domain.TimeEntry{}, err
	}
	body := timeEntryBody{
		Description: in.Description,
		TaskID:      in.TaskID,
		Start:       in.Start.UnixMilli(),
		Duration:    in.DurationMillis(),
	}
	var env dataEnvelope
	if err := c.do(ctx, http.MethodPost, path, nil, body, &env); err != nil {
		return domain.TimeEntry{}, err
	}
	return firstEntry(env.Data)
}

// UpdateTimeEntry rewrites the description and interval of an entry.
func (c *Client) UpdateTimeEntry(ctx context.Context, entryID string, in domain.TimeEntryInput) (domain.TimeEntry, error) {
	path, err := c.teamPath("/time_entries/" + url.PathEscape(entryID))
	if err != nil {
		return domain.TimeEntry{}, err
	}
	body := timeEntryBody{
		Description: in.Description,
		Start:       in.Start.UnixMilli(),
		Duration:    in.DurationMillis(),
	}
	var env dataEnvelope
	if err := c.do(ctx, http.MethodPut, path, nil, body, &env); err != nil {
		return domain.TimeEntry{}, err
	}
	return firstEntry(env.Data)
}

// DeleteTimeEntry removes an entry and returns what was deleted.
func (c *Client) DeleteTimeEntry(ctx context.Context, entryID string) (domain.TimeEntry, error) {
	path, err := c.teamPath("/time_entries/" + url.PathEscape(entryID))
	if err != nil {
		return domain.TimeEntry{}, err
	}
	var env dataEnvelope
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, &env); err != nil {
		return domain.TimeEntry{}, err
	}
	return firstEntry(env.Data)
}

// firstEntry decodes the data member, which is an object for creations and
// a one element array for updates and deletions.
func firstEntry(data []byte) (domain.TimeEntry, error) {
	var entry domain.TimeEntry
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return entry, errors.New("empty time entry response")
	}
	if data[0] == '[' {
		var entries []domain.TimeEntry
		if err := sonic.Unmarshal(data, &entries); err != nil {
			return entry, fmt.Errorf("decode time entries: %w", err)
		}
		if len(entries) == 0 {
			return entry, errors.New("time entry response has no entries")
		}
		return entries[0], nil
	}
	if err := sonic.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("decode time entry: %w", err)
	}
	return entry, nil
}
