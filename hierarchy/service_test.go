package hierarchy

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"clickup-tracker/domain"
	"clickup-tracker/storage"
)

type mapSettings map[string]any

func (m mapSettings) Get(key string) any { return m[key] }

type stubDirectory struct {
	calls int
	users []domain.User
	err   error
}

func (d *stubDirectory) Users(context.Context) ([]domain.User, error) {
	d.calls++
	return d.users, d.err
}

func newTestService(t *testing.T, client Collections, cache Cache, settings Settings, dir Directory) *Service {
	t.Helper()
	logger, _ := test.NewNullLogger()
	agg := NewAggregator(client, logger, testOptions())
	return NewService(agg, cache, settings, dir, logger)
}

func TestGetHierarchyUsesFilterSetting(t *testing.T) {
	cases := []struct {
		name       string
		filter     any
		wantSpaces []string
	}{
		{name: "no filter", filter: nil, wantSpaces: []string{"s1", "s2"}},
		{name: "disabled", filter: map[string]any{"enabled": false, "selection": map[string]any{"spaces": map[string]any{"s2": map[string]any{}}}}, wantSpaces: []string{"s1", "s2"}},
		{name: "enabled", filter: map[string]any{"enabled": true, "selection": map[string]any{"spaces": map[string]any{"s2": map[string]any{}}}}, wantSpaces: []string{"s2"}},
		{name: "enabled without selection", filter: `{"enabled":true}`, wantSpaces: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestService(t, sampleTree(), storage.NewMemoryCache(), mapSettings{FilterKey: tc.filter}, nil)
			forest, err := svc.GetHierarchy(context.Background())
			if err != nil {
				t.Fatalf("get hierarchy: %v", err)
			}
			if len(forest) != len(tc.wantSpaces) {
				t.Fatalf("expected spaces %v, got %d", tc.wantSpaces, len(forest))
			}
			for i, id := range tc.wantSpaces {
				if forest[i].ID != id {
					t.Fatalf("expected spaces %v, got %s at %d", tc.wantSpaces, forest[i].ID, i)
				}
			}
		})
	}
}

func TestGetHierarchyRejectsMalformedFilter(t *testing.T) {
	client := sampleTree()
	svc := newTestService(t, client, storage.NewMemoryCache(), mapSettings{FilterKey: "{not json"}, nil)
	if _, err := svc.GetHierarchy(context.Background()); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
	if client.total() != 0 {
		t.Fatalf("no request may be made with a malformed filter")
	}
}

func TestCachedHierarchyReadsThroughRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	client := sampleTree()
	svc := newTestService(t, client, storage.NewRedisCache(rc, "test"), mapSettings{}, nil)
	ctx := context.Background()

	first, err := svc.GetCachedHierarchy(ctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	requests := client.total()
	if ttl := mr.TTL("test:" + HierarchyCacheKey); ttl <= 0 || ttl > HierarchyTTL {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	second, err := svc.GetCachedHierarchy(ctx)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if client.total() != requests {
		t.Fatalf("cached call reached the remote service")
	}
	if domain.CountKinds(first)[domain.KindSubtask] != domain.CountKinds(second)[domain.KindSubtask] {
		t.Fatalf("cached tree differs from computed tree")
	}
	task := second[0].Children[0].Children[0].Children[1]
	if task.Kind() != domain.KindTask || task.Color == nil || *task.Color != "#ff0000" {
		t.Fatalf("cached node lost its kind or color: %+v", task)
	}

	if err := svc.ClearCachedHierarchy(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if mr.Exists("test:" + HierarchyCacheKey) {
		t.Fatalf("expected cache entry to be cleared")
	}
	if _, err := svc.GetCachedHierarchy(ctx); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if client.total() <= requests {
		t.Fatalf("expected recomputation after clear")
	}
}

func TestCachedHierarchyDoesNotCacheFailures(t *testing.T) {
	client := newFakeCollections()
	client.errs[fetchCall{coll: domain.CollectionSpaces}] = &domain.TransportError{Op: "spaces", Status: 401}
	cache := storage.NewMemoryCache()
	svc := newTestService(t, client, cache, mapSettings{}, nil)
	ctx := context.Background()

	if _, err := svc.GetCachedHierarchy(ctx); !errors.Is(err, ErrSpacesUnavailable) {
		t.Fatalf("expected ErrSpacesUnavailable, got %v", err)
	}
	var cached []*domain.Node
	if ok, _ := cache.Get(ctx, HierarchyCacheKey, &cached); ok {
		t.Fatalf("a failed run must not be cached")
	}
}

func TestCachedEmptyResultIsServed(t *testing.T) {
	client := sampleTree()
	svc := newTestService(t, client, storage.NewMemoryCache(), mapSettings{FilterKey: map[string]any{"enabled": true}}, nil)
	ctx := context.Background()

	forest, err := svc.GetCachedHierarchy(ctx)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if forest == nil || len(forest) != 0 {
		t.Fatalf("expected empty non-nil forest, got %#v", forest)
	}
	if _, err := svc.GetCachedHierarchy(ctx); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if client.total() != 1 {
		t.Fatalf("empty result was not served from cache, %d requests", client.total())
	}
}

func TestCachedMetadataIsSeparate(t *testing.T) {
	client := sampleTree()
	svc := newTestService(t, client, storage.NewMemoryCache(), mapSettings{}, nil)
	ctx := context.Background()

	meta, err := svc.GetCachedHierarchyMetadata(ctx)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if domain.CountKinds(meta)[domain.KindTask] != 0 {
		t.Fatalf("metadata must not contain tasks")
	}
	full, err := svc.GetCachedHierarchy(ctx)
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if domain.CountKinds(full)[domain.KindTask] == 0 {
		t.Fatalf("full hierarchy was served from the metadata entry")
	}
}

func TestRefreshHierarchyRecomputes(t *testing.T) {
	client := sampleTree()
	svc := newTestService(t, client, storage.NewMemoryCache(), mapSettings{}, nil)
	ctx := context.Background()

	if _, err := svc.GetCachedHierarchy(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}
	client.set(domain.CollectionSpaces, "", item("s3", "Ops"))
	forest, err := svc.RefreshHierarchy(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(forest) != 1 || forest[0].ID != "s3" {
		t.Fatalf("expected refreshed spaces, got %+v", forest)
	}
}

func TestCachedUsers(t *testing.T) {
	dir := &stubDirectory{users: []domain.User{{ID: 1, Username: "ada"}}}
	cache := storage.NewMemoryCache()
	svc := newTestService(t, newFakeCollections(), cache, mapSettings{}, dir)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		users, err := svc.GetCachedUsers(ctx)
		if err != nil {
			t.Fatalf("users: %v", err)
		}
		if len(users) != 1 || users[0].Username != "ada" {
			t.Fatalf("unexpected users: %+v", users)
		}
	}
	if dir.calls != 1 {
		t.Fatalf("expected one directory call, got %d", dir.calls)
	}
}

func TestCachedUsersWithoutDirectory(t *testing.T) {
	svc := newTestService(t, newFakeCollections(), storage.NewMemoryCache(), mapSettings{}, nil)
	if _, err := svc.GetCachedUsers(context.Background()); err == nil {
		t.Fatalf("expected an error without a directory")
	}
}

func TestExplicitTraversalsIgnoreFilterSetting(t *testing.T) {
	filter := map[string]any{"enabled": true, "selection": map[string]any{"spaces": map[string]any{"s2": map[string]any{}}}}
	cache := storage.NewMemoryCache()
	svc := newTestService(t, sampleTree(), cache, mapSettings{FilterKey: filter}, nil)
	ctx := context.Background()

	full, err := svc.GetFullHierarchy(ctx)
	if err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}
	if len(full) != 2 || full[0].ID != "s1" || full[1].ID != "s2" {
		t.Fatalf("full traversal must not apply the filter: %+v", full)
	}

	sel := &domain.Selection{Spaces: map[string]domain.SpaceSelection{"s1": {SelectAllLists: true}}}
	filtered, err := svc.GetFilteredHierarchy(ctx, sel)
	if err != nil {
		t.Fatalf("filtered hierarchy: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "s1" {
		t.Fatalf("expected only s1, got %+v", filtered)
	}
	if got := childIDs(filtered[0]); len(got) != 1 || got[0] != "l2" {
		t.Fatalf("expected only the folderless list, got %v", got)
	}

	var cached []*domain.Node
	if ok, _ := cache.Get(ctx, HierarchyCacheKey, &cached); ok {
		t.Fatalf("explicit traversals must not write the cache")
	}
}
