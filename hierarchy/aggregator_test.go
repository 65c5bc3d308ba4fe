package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"clickup-tracker/domain"
)

type fetchCall struct {
	coll   domain.Collection
	parent string
	page   int
}

// fakeCollections serves collections from a fixed tree. Entries in errs
// fail every attempt and entries in block never answer.
type fakeCollections struct {
	mu    sync.Mutex
	calls []fetchCall

	pages map[fetchCall]domain.Page
	errs  map[fetchCall]error
	block map[fetchCall]bool
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{
		pages: make(map[fetchCall]domain.Page),
		errs:  make(map[fetchCall]error),
		block: make(map[fetchCall]bool),
	}
}

func (f *fakeCollections) set(coll domain.Collection, parent string, items ...domain.RawItem) {
	f.pages[fetchCall{coll: coll, parent: parent}] = domain.Page{Items: items, LastPage: true}
}

func (f *fakeCollections) FetchCollection(ctx context.Context, coll domain.Collection, parent string, page int) (domain.Page, error) {
	key := fetchCall{coll: coll, parent: parent, page: page}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	lookup := key
	if !coll.Paged() {
		lookup.page = 0
	}
	if f.block[lookup] {
		<-ctx.Done()
		return domain.Page{}, ctx.Err()
	}
	if err := f.errs[lookup]; err != nil {
		return domain.Page{}, err
	}
	if p, ok := f.pages[lookup]; ok {
		return p, nil
	}
	return domain.Page{LastPage: true}, nil
}

func (f *fakeCollections) count(coll domain.Collection) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.coll == coll {
			n++
		}
	}
	return n
}

func (f *fakeCollections) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func strPtr(s string) *string { return &s }

func item(id, name string) domain.RawItem {
	return domain.RawItem{ID: id, Name: name}
}

func inSpace(it domain.RawItem, spaceID string) domain.RawItem {
	it.Space = &domain.RawRef{ID: spaceID}
	return it
}

func subtask(id, name, parent, spaceID string) domain.RawItem {
	it := inSpace(item(id, name), spaceID)
	it.Parent = strPtr(parent)
	return it
}

func testOptions() Options {
	return Options{
		Retry:       RetryOptions{Timeout: 100 * time.Millisecond, Attempts: 2, BaseDelay: time.Millisecond},
		Concurrency: 4,
	}
}

func newTestAggregator(t *testing.T, client Collections) (*Aggregator, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return NewAggregator(client, logger, testOptions()), hook
}

// sampleTree is one space with a folder holding a list of tasks and one
// folderless list.
func sampleTree() *fakeCollections {
	f := newFakeCollections()
	space := item("s1", "Engineering")
	space.Color = strPtr("#ff0000")
	f.set(domain.CollectionSpaces, "", space, item("s2", "Marketing"))
	f.set(domain.CollectionFolders, "s1", inSpace(item("f1", "Backend"), "s1"))
	f.set(domain.CollectionFolderLists, "f1", inSpace(item("l1", "Sprint"), "s1"))
	f.set(domain.CollectionSpaceLists, "s1", inSpace(item("l2", "Inbox"), "s1"))
	f.set(domain.CollectionTasks, "l1",
		inSpace(item("t2", "beta"), "s1"),
		subtask("t3", "child", "t2", "s1"),
		inSpace(item("t1", "Alpha"), "s1"),
	)
	return f
}

func childIDs(n *domain.Node) []string {
	ids := make([]string, len(n.Children))
	for i, c := range n.Children {
		ids[i] = c.ID
	}
	return ids
}

func TestFullHierarchyBuildsSortedTree(t *testing.T) {
	client := sampleTree()
	agg, _ := newTestAggregator(t, client)

	forest, err := agg.FullHierarchy(context.Background())
	if err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}
	if len(forest) != 2 || forest[0].ID != "s1" || forest[1].ID != "s2" {
		t.Fatalf("unexpected spaces: %+v", forest)
	}

	s1 := forest[0]
	if got := childIDs(s1); len(got) != 2 || got[0] != "f1" || got[1] != "l2" {
		t.Fatalf("unexpected space children: %v", got)
	}
	folder := s1.Children[0]
	if folder.Kind() != domain.KindFolder || len(folder.Children) != 1 {
		t.Fatalf("unexpected folder: %+v", folder)
	}
	list := folder.Children[0]
	if list.Kind() != domain.KindList {
		t.Fatalf("expected list, got %s", list.Kind())
	}
	if got := childIDs(list); len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("expected tasks sorted by label, got %v", got)
	}
	beta := list.Children[1]
	if len(beta.Children) != 1 || beta.Children[0].Kind() != domain.KindSubtask {
		t.Fatalf("expected subtask under beta: %+v", beta.Children)
	}
	if beta.Color == nil || *beta.Color != "#ff0000" {
		t.Fatalf("expected task to inherit the space color, got %v", beta.Color)
	}
	if s2 := forest[1]; len(s2.Children) != 0 || s2.Color != nil {
		t.Fatalf("expected empty colorless space, got %+v", s2)
	}
}

func TestBranchTimeoutDegradesToEmpty(t *testing.T) {
	client := sampleTree()
	client.set(domain.CollectionFolders, "s1",
		inSpace(item("f1", "Backend"), "s1"),
		inSpace(item("f2", "Frontend"), "s1"),
	)
	client.block[fetchCall{coll: domain.CollectionFolderLists, parent: "f1"}] = true
	client.set(domain.CollectionFolderLists, "f2", inSpace(item("l3", "Web"), "s1"))

	agg, hook := newTestAggregator(t, client)
	start := time.Now()
	forest, err := agg.FullHierarchy(context.Background())
	if err != nil {
		t.Fatalf("a failed branch must not abort the run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run took %v, attempts were not bounded by their timeout", elapsed)
	}

	folders := forest[0].Children
	if len(folders) != 3 || folders[0].ID != "f1" || folders[1].ID != "f2" {
		t.Fatalf("unexpected space children: %v", childIDs(forest[0]))
	}
	if len(folders[0].Children) != 0 {
		t.Fatalf("expected timed out folder to be empty, got %v", childIDs(folders[0]))
	}
	if got := childIDs(folders[1]); len(got) != 1 || got[0] != "l3" {
		t.Fatalf("expected sibling folder to be populated, got %v", got)
	}

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && e.Data["parent"] == "f1" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning for the failed branch")
	}
}

func TestTemporaryErrorsAreRetried(t *testing.T) {
	client := sampleTree()
	client.errs[fetchCall{coll: domain.CollectionSpaceLists, parent: "s1"}] = &domain.TransportError{Op: "space_lists", Status: 503}

	agg, _ := newTestAggregator(t, client)
	forest, err := agg.FullHierarchy(context.Background())
	if err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}

	var listCalls int
	for _, c := range client.calls {
		if c.coll == domain.CollectionSpaceLists && c.parent == "s1" {
			listCalls++
		}
	}
	if listCalls != 2 {
		t.Fatalf("expected one retry of the failing fetch, got %d calls", listCalls)
	}
	if got := childIDs(forest[0]); len(got) != 1 || got[0] != "f1" {
		t.Fatalf("expected only the folder to survive, got %v", got)
	}
}

func TestSpacesFailureAbortsRun(t *testing.T) {
	client := newFakeCollections()
	client.errs[fetchCall{coll: domain.CollectionSpaces}] = errors.New("connection refused")

	agg, _ := newTestAggregator(t, client)
	forest, err := agg.FullHierarchy(context.Background())
	if !errors.Is(err, ErrSpacesUnavailable) {
		t.Fatalf("expected ErrSpacesUnavailable, got %v", err)
	}
	if forest != nil {
		t.Fatalf("expected no forest, got %+v", forest)
	}
	if client.count(domain.CollectionFolders) != 0 {
		t.Fatalf("no branch may be entered after spaces failed")
	}
}

func TestFilteredHierarchyEmptySelection(t *testing.T) {
	for name, sel := range map[string]*domain.Selection{
		"nil":   nil,
		"empty": {Spaces: map[string]domain.SpaceSelection{}},
	} {
		t.Run(name, func(t *testing.T) {
			client := sampleTree()
			agg, _ := newTestAggregator(t, client)

			forest, err := agg.FilteredHierarchy(context.Background(), sel)
			if err != nil {
				t.Fatalf("filtered hierarchy: %v", err)
			}
			if len(forest) != 0 {
				t.Fatalf("expected empty forest, got %d spaces", len(forest))
			}
			if client.total() != 1 || client.count(domain.CollectionSpaces) != 1 {
				t.Fatalf("expected only the spaces request, got %+v", client.calls)
			}
		})
	}
}

func TestFilteredHierarchyFollowsSelection(t *testing.T) {
	client := sampleTree()
	client.set(domain.CollectionFolders, "s1",
		inSpace(item("f1", "Backend"), "s1"),
		inSpace(item("f2", "Frontend"), "s1"),
	)
	client.set(domain.CollectionFolderLists, "f1",
		inSpace(item("l1", "Sprint"), "s1"),
		inSpace(item("l9", "Archive"), "s1"),
	)

	sel := &domain.Selection{Spaces: map[string]domain.SpaceSelection{
		"s1": {
			Folders: map[string]domain.FolderSelection{
				"f1": {Lists: domain.IDSet{"l1": {}}},
			},
		},
	}}

	agg, _ := newTestAggregator(t, client)
	forest, err := agg.FilteredHierarchy(context.Background(), sel)
	if err != nil {
		t.Fatalf("filtered hierarchy: %v", err)
	}
	if len(forest) != 1 || forest[0].ID != "s1" {
		t.Fatalf("expected only s1, got %+v", forest)
	}
	if got := childIDs(forest[0]); len(got) != 1 || got[0] != "f1" {
		t.Fatalf("expected only f1, got %v", got)
	}
	folder := forest[0].Children[0]
	if got := childIDs(folder); len(got) != 1 || got[0] != "l1" {
		t.Fatalf("expected only l1, got %v", got)
	}
	if len(folder.Children[0].Children) != 2 {
		t.Fatalf("expected tasks of l1 to be loaded")
	}
	if client.count(domain.CollectionSpaceLists) != 0 {
		t.Fatalf("space lists must not be fetched when none are selected")
	}
	for _, c := range client.calls {
		if c.coll == domain.CollectionFolderLists && c.parent == "f2" {
			t.Fatalf("unselected folder f2 was traversed")
		}
	}
}

func TestMetadataSkipsTasks(t *testing.T) {
	client := sampleTree()
	agg, _ := newTestAggregator(t, client)

	forest, err := agg.Metadata(context.Background())
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if client.count(domain.CollectionTasks) != 0 {
		t.Fatalf("metadata must not fetch tasks")
	}
	counts := domain.CountKinds(forest)
	if counts[domain.KindList] != 2 || counts[domain.KindTask] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestTaskPagesAreConcatenated(t *testing.T) {
	client := newFakeCollections()
	client.set(domain.CollectionSpaces, "", item("s1", "Space"))
	client.set(domain.CollectionSpaceLists, "s1", inSpace(item("l1", "List"), "s1"))

	first := make([]domain.RawItem, 0, domain.TaskPageSize)
	for i := 0; i < domain.TaskPageSize; i++ {
		first = append(first, item(fmt.Sprintf("t%03d", i), fmt.Sprintf("task %03d", i)))
	}
	client.pages[fetchCall{coll: domain.CollectionTasks, parent: "l1", page: 0}] = domain.Page{Items: first}
	client.pages[fetchCall{coll: domain.CollectionTasks, parent: "l1", page: 1}] = domain.Page{
		Items:    []domain.RawItem{subtask("t999", "late child", "t000", "s1")},
		LastPage: true,
	}

	agg, _ := newTestAggregator(t, client)
	forest, err := agg.FullHierarchy(context.Background())
	if err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}
	list := forest[0].Children[0]
	if len(list.Children) != domain.TaskPageSize {
		t.Fatalf("expected %d root tasks, got %d", domain.TaskPageSize, len(list.Children))
	}
	if got := childIDs(list.Children[0]); len(got) != 1 || got[0] != "t999" {
		t.Fatalf("subtask on a later page should attach to its parent, got %v", got)
	}
	if client.count(domain.CollectionTasks) != 2 {
		t.Fatalf("expected two task pages to be requested")
	}
}

func TestFailedTaskPageKeepsEarlierPages(t *testing.T) {
	client := newFakeCollections()
	client.set(domain.CollectionSpaces, "", item("s1", "Space"))
	client.set(domain.CollectionSpaceLists, "s1", item("l1", "List"))
	client.pages[fetchCall{coll: domain.CollectionTasks, parent: "l1", page: 0}] = domain.Page{
		Items: []domain.RawItem{item("t1", "one")},
	}
	client.errs[fetchCall{coll: domain.CollectionTasks, parent: "l1", page: 1}] = &domain.TransportError{Op: "tasks", Status: 500}

	agg, _ := newTestAggregator(t, client)
	forest, err := agg.FullHierarchy(context.Background())
	if err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}
	if got := childIDs(forest[0].Children[0]); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected first page to be kept, got %v", got)
	}
}

func TestColorsBySpace(t *testing.T) {
	client := sampleTree()
	agg, _ := newTestAggregator(t, client)

	colors, err := agg.Colors(context.Background())
	if err != nil {
		t.Fatalf("colors: %v", err)
	}
	if len(colors) != 2 || colors["s1"] != "#ff0000" || colors["s2"] != "" {
		t.Fatalf("unexpected colors: %v", colors)
	}
	if client.total() != 1 {
		t.Fatalf("colors should only list spaces, got %d requests", client.total())
	}
}

func TestRunLogsMetricsAndSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	client := sampleTree()
	agg, hook := newTestAggregator(t, client)
	if _, err := agg.FullHierarchy(context.Background()); err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "hierarchy.run.metrics" {
		t.Fatalf("expected run metrics to be logged last, got %+v", entry)
	}
	if entry.Data["mode"] != string(ModeFull) {
		t.Fatalf("unexpected mode: %v", entry.Data["mode"])
	}
	if got := entry.Data["requests"]; got != int64(client.total()) {
		t.Fatalf("unexpected request count %v, client saw %d", got, client.total())
	}
	if entry.Data["tasks"] != 3 || entry.Data["spaces"] != 2 {
		t.Fatalf("unexpected node counts: %+v", entry.Data)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "hierarchy.Aggregator.full" {
		t.Fatalf("unexpected span name %q", span.Name)
	}
	if span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span status %+v", span.Status)
	}
	attrs := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if attrs["hierarchy.spaces"].AsInt64() != 2 {
		t.Fatalf("unexpected spaces attribute: %v", attrs["hierarchy.spaces"])
	}
	if attrs["hierarchy.run_id"].AsString() != entry.Data["run"] {
		t.Fatalf("span and log must share the run id")
	}
}

func TestAbortedRunMarksSpanAsError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	client := newFakeCollections()
	client.errs[fetchCall{coll: domain.CollectionSpaces}] = &domain.TransportError{Op: "spaces", Status: 401}
	agg, hook := newTestAggregator(t, client)
	if _, err := agg.Metadata(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if client.total() != 1 {
		t.Fatalf("a non temporary error must not be retried, got %d requests", client.total())
	}
	if entry := hook.LastEntry(); entry.Level != log.ErrorLevel {
		t.Fatalf("expected error level summary, got %s", entry.Level)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("expected one errored span, got %+v", spans)
	}
}
