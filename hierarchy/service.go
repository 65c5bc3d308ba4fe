package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"clickup-tracker/domain"
)

const (
	HierarchyCacheKey = "hierarchy"
	MetadataCacheKey  = "hierarchy_metadata"
	UsersCacheKey     = "users"

	// FilterKey is the settings path of the filter configuration.
	FilterKey = "settings.hierarchy_filter"

	HierarchyTTL = 7 * 24 * time.Hour
	UsersTTL     = 6 * time.Hour
)

// ErrInvalidFilter is returned when the filter setting cannot be decoded.
var ErrInvalidFilter = errors.New("invalid hierarchy filter")

// Cache stores whole values by key with a time to live.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	Clear(ctx context.Context, key string) error
}

// Settings is the read-only settings lookup by dotted path.
type Settings interface {
	Get(key string) any
}

// Directory lists the members of the teams the user can see.
type Directory interface {
	Users(ctx context.Context) ([]domain.User, error)
}

// Service is the entry point used by the UI layer: it picks the traversal
// from the filter settings and reads through the cache.
type Service struct {
	agg       *Aggregator
	cache     Cache
	settings  Settings
	directory Directory
	log       *log.Logger
}

func NewService(agg *Aggregator, cache Cache, settings Settings, directory Directory, logger *log.Logger) *Service {
	if agg == nil || cache == nil || settings == nil {
		panic("hierarchy.NewService: aggregator, cache and settings are required")
	}
	if logger == nil {
		panic("hierarchy.NewService: logger is nil")
	}
	return &Service{agg: agg, cache: cache, settings: settings, directory: directory, log: logger}
}

// GetFullHierarchy runs an unfiltered aggregation.
func (s *Service) GetFullHierarchy(ctx context.Context) ([]*domain.Node, error) {
	return s.agg.FullHierarchy(ctx)
}

// GetFilteredHierarchy runs an aggregation restricted to sel.
func (s *Service) GetFilteredHierarchy(ctx context.Context, sel *domain.Selection) ([]*domain.Node, error) {
	return s.agg.FilteredHierarchy(ctx, sel)
}

// GetHierarchyMetadata returns spaces, folders and lists without tasks.
func (s *Service) GetHierarchyMetadata(ctx context.Context) ([]*domain.Node, error) {
	return s.agg.Metadata(ctx)
}

// GetHierarchy runs the filtered traversal when a filter is enabled and the
// full one otherwise. An enabled filter with an empty selection yields an
// empty forest rather than everything.
func (s *Service) GetHierarchy(ctx context.Context) ([]*domain.Node, error) {
	cfg, err := domain.ParseFilterConfig(s.settings.Get(FilterKey))
	if err != nil {
		s.log.WithError(err).Error("hierarchy filter setting is malformed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if cfg == nil || !cfg.Enabled {
		return s.agg.FullHierarchy(ctx)
	}
	return s.agg.FilteredHierarchy(ctx, cfg.Selection)
}

// GetCachedHierarchy returns the cached hierarchy or computes and caches it.
func (s *Service) GetCachedHierarchy(ctx context.Context) ([]*domain.Node, error) {
	return s.readThrough(ctx, HierarchyCacheKey, s.GetHierarchy)
}

// GetCachedHierarchyMetadata is the cached form of GetHierarchyMetadata.
func (s *Service) GetCachedHierarchyMetadata(ctx context.Context) ([]*domain.Node, error) {
	return s.readThrough(ctx, MetadataCacheKey, s.GetHierarchyMetadata)
}

// ClearCachedHierarchy drops both cached trees.
func (s *Service) ClearCachedHierarchy(ctx context.Context) error {
	var errs []error
	for _, key := range []string{HierarchyCacheKey, MetadataCacheKey} {
		if err := s.cache.Clear(ctx, key); err != nil {
			s.log.WithError(err).WithField("key", key).Error("failed to clear cache entry")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshHierarchy clears the cache and stores a freshly computed tree.
func (s *Service) RefreshHierarchy(ctx context.Context) ([]*domain.Node, error) {
	if err := s.ClearCachedHierarchy(ctx); err != nil {
		return nil, err
	}
	return s.GetCachedHierarchy(ctx)
}

// GetColorsBySpace maps space ids to their colors.
func (s *Service) GetColorsBySpace(ctx context.Context) (map[string]string, error) {
	return s.agg.Colors(ctx)
}

// GetCachedUsers returns the team members, cached for UsersTTL.
func (s *Service) GetCachedUsers(ctx context.Context) ([]domain.User, error) {
	if s.directory == nil {
		return nil, errors.New("no user directory configured")
	}
	var users []domain.User
	if ok, err := s.cache.Get(ctx, UsersCacheKey, &users); err != nil {
		s.log.WithError(err).WithField("key", UsersCacheKey).Warn("cache read failed")
	} else if ok {
		return users, nil
	}
	users, err := s.directory.Users(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(ctx, UsersCacheKey, users, UsersTTL); err != nil {
		s.log.WithError(err).WithField("key", UsersCacheKey).Warn("cache write failed")
	}
	return users, nil
}

func (s *Service) readThrough(ctx context.Context, key string, compute func(context.Context) ([]*domain.Node, error)) ([]*domain.Node, error) {
	var cached []*domain.Node
	ok, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache read failed")
	} else if ok {
		s.log.WithField("key", key).Debug("hierarchy served from cache")
		return cached, nil
	}

	forest, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if forest == nil {
		forest = []*domain.Node{}
	}
	if err := s.cache.Put(ctx, key, forest, HierarchyTTL); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
	return forest, nil
}
