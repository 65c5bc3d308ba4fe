package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// RawRef is a bare reference to another remote record.
type RawRef struct {
	ID string `json:"id"`
}

// RawItem is the typed shape shared by space, folder, list and task records
// as delivered by the remote collection endpoints. Fields that only exist on
// some collections are left empty on the others.
type RawItem struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CustomID   *string    `json:"custom_id,omitempty"`
	Color      *string    `json:"color,omitempty"`
	Space      *RawRef    `json:"space,omitempty"`
	Parent     *string    `json:"parent,omitempty"`
	DateClosed UnixMillis `json:"date_closed"`
}

// ParentID returns the parent task id, or "" for root tasks.
func (r RawItem) ParentID() string {
	if r.Parent == nil {
		return ""
	}
	return *r.Parent
}

// SpaceID returns the owning space id if the record carries one.
func (r RawItem) SpaceID() string {
	if r.Space == nil {
		return ""
	}
	return r.Space.ID
}

// Validate checks the invariants every record must satisfy regardless of
// collection.
func (r RawItem) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	return nil
}

// ParseRawItem turns a loosely typed record (decoded JSON object, raw JSON
// bytes or an already typed record) into a validated RawItem.
func ParseRawItem(v any) (RawItem, error) {
	var item RawItem
	switch t := v.(type) {
	case RawItem:
		item = t
	case *RawItem:
		if t == nil {
			return RawItem{}, fmt.Errorf("%w: nil record", ErrInvalidItem)
		}
		item = *t
	case map[string]any:
		data, err := sonic.Marshal(t)
		if err != nil {
			return RawItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
		if err := sonic.Unmarshal(data, &item); err != nil {
			return RawItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
	case json.RawMessage:
		return ParseRawItem([]byte(t))
	case []byte:
		trimmed := bytes.TrimSpace(t)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return RawItem{}, fmt.Errorf("%w: not a JSON object", ErrInvalidItem)
		}
		if err := sonic.Unmarshal(trimmed, &item); err != nil {
			return RawItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
	default:
		return RawItem{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidItem, v)
	}
	if err := item.Validate(); err != nil {
		return RawItem{}, err
	}
	return item, nil
}

// UnixMillis is a timestamp transported as milliseconds since the epoch,
// either as a JSON number or a numeric string.
type UnixMillis struct {
	Time *time.Time
}

func (m UnixMillis) MarshalJSON() ([]byte, error) {
	if m.Time == nil {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(strconv.FormatInt(m.Time.UnixMilli(), 10))), nil
}

func (m *UnixMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		m.Time = nil
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unq
	}
	if s == "" {
		m.Time = nil
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unix millis %q: %w", s, err)
	}
	t := time.UnixMilli(ms).UTC()
	m.Time = &t
	return nil
}
