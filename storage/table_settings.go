package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/spf13/viper"
)

// settingsPrefix is the path the table properties are exposed under, so
// both settings stores answer the same keys.
const settingsPrefix = "settings"

type settingsTable interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

// TableSettings reads the settings of one profile from a table entity whose
// partition and row key are both the profile name. String properties that
// hold a JSON object or array are decoded, so a filter stored as text reads
// back as a structure.
type TableSettings struct {
	table   settingsTable
	profile string

	mu sync.RWMutex
	v  *viper.Viper
}

// NewTableSettings connects to the settings table. Load must be called
// before the first lookup.
func NewTableSettings(connStr, table, profile string) (*TableSettings, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTableSettings(svc.NewClient(table), profile), nil
}

func newTableSettings(table settingsTable, profile string) *TableSettings {
	return &TableSettings{table: table, profile: profile, v: viper.New()}
}

// Load fetches the profile entity. A missing entity leaves the settings
// empty.
func (s *TableSettings) Load(ctx context.Context) error {
	resp, err := s.table.GetEntity(ctx, s.profile, s.profile, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			s.swap(viper.New())
			return nil
		}
		return fmt.Errorf("load settings profile %q: %w", s.profile, err)
	}
	props, err := decodeSettingsEntity(resp.Value)
	if err != nil {
		return fmt.Errorf("decode settings profile %q: %w", s.profile, err)
	}
	v := viper.New()
	if err := v.MergeConfigMap(map[string]any{settingsPrefix: props}); err != nil {
		return err
	}
	s.swap(v)
	return nil
}

func decodeSettingsEntity(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	props := make(map[string]any, len(raw))
	for k, val := range raw {
		switch {
		case k == "PartitionKey" || k == "RowKey" || k == "Timestamp":
			continue
		case strings.HasPrefix(k, "odata.") || strings.Contains(k, "@odata."):
			continue
		}
		if str, ok := val.(string); ok {
			trimmed := strings.TrimSpace(str)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				var nested any
				if err := sonic.UnmarshalString(trimmed, &nested); err == nil {
					val = nested
				}
			}
		}
		props[k] = val
	}
	return props, nil
}

// Save replaces the profile entity with props, creating the table when it
// does not exist yet. Nested values are stored as JSON text.
func (s *TableSettings) Save(ctx context.Context, props map[string]any) error {
	if _, err := s.table.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return fmt.Errorf("create settings table: %w", err)
		}
	}
	entity, err := encodeSettingsEntity(s.profile, props)
	if err != nil {
		return fmt.Errorf("encode settings profile %q: %w", s.profile, err)
	}
	if _, err := s.table.UpsertEntity(ctx, entity, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return fmt.Errorf("save settings profile %q: %w", s.profile, err)
	}
	return s.Load(ctx)
}

func encodeSettingsEntity(profile string, props map[string]any) ([]byte, error) {
	entity := make(map[string]any, len(props)+2)
	for k, val := range props {
		switch val.(type) {
		case map[string]any, []any:
			text, err := sonic.MarshalString(val)
			if err != nil {
				return nil, err
			}
			entity[k] = text
		default:
			entity[k] = val
		}
	}
	entity["PartitionKey"] = profile
	entity["RowKey"] = profile
	return sonic.Marshal(entity)
}

func (s *TableSettings) swap(v *viper.Viper) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

func (s *TableSettings) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(key)
}

func (s *TableSettings) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.TrimSpace(s.v.GetString(key))
}
