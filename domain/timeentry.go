package domain

import (
	"bytes"
	"strconv"
	"time"
)

// Millis is a signed millisecond quantity transported as a number or a
// numeric string. Running timers report a negative duration.
type Millis int64

func (m Millis) Duration() time.Duration { return time.Duration(m) * time.Millisecond }

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	if s == "" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(v)
	return nil
}

// User is a member of a team, as listed by the remote service.
type User struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	Email          string  `json:"email,omitempty"`
	Color          *string `json:"color,omitempty"`
	Initials       string  `json:"initials,omitempty"`
	ProfilePicture *string `json:"profilePicture,omitempty"`
	Role           int     `json:"role,omitempty"`
}

// RoleGuest is the remote role id of guest members.
const RoleGuest = 4

// TaskLocation names where the tracked task lives in the hierarchy.
type TaskLocation struct {
	ListID     string `json:"list_id,omitempty"`
	FolderID   string `json:"folder_id,omitempty"`
	SpaceID    string `json:"space_id,omitempty"`
	ListName   string `json:"list_name,omitempty"`
	FolderName string `json:"folder_name,omitempty"`
	SpaceName  string `json:"space_name,omitempty"`
}

// TimeEntryTask is the task summary embedded in a time entry.
type TimeEntryTask struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	CustomID *string `json:"custom_id,omitempty"`
}

// TimeEntry is a tracked interval against a task.
type TimeEntry struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	Start        UnixMillis     `json:"start"`
	End          UnixMillis     `json:"end"`
	Duration     Millis         `json:"duration"`
	Billable     bool           `json:"billable,omitempty"`
	Task         *TimeEntryTask `json:"task,omitempty"`
	User         *User          `json:"user,omitempty"`
	TaskLocation *TaskLocation  `json:"task_location,omitempty"`
}

// TimeEntryInput is the writable part of a time entry.
type TimeEntryInput struct {
	TaskID      string
	Description string
	Start       time.Time
	End         time.Time
}

// DurationMillis is end minus start in milliseconds.
func (in TimeEntryInput) DurationMillis() int64 {
	return in.End.UnixMilli() - in.Start.UnixMilli()
}
