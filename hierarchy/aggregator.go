package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"clickup-tracker/domain"
)

// ErrSpacesUnavailable aborts a run: without spaces there is nothing to
// aggregate.
var ErrSpacesUnavailable = errors.New("spaces could not be fetched")

// Collections is the remote collection client the aggregator walks.
type Collections interface {
	FetchCollection(ctx context.Context, coll domain.Collection, parentID string, page int) (domain.Page, error)
}

type Options struct {
	Retry RetryOptions
	// Concurrency caps the requests in flight, 0 leaves fan-out unbounded.
	Concurrency int
	// RequestsPerMinute caps the request rate, 0 disables it.
	RequestsPerMinute int
}

// Aggregator rebuilds the space, folder, list and task hierarchy from the
// remote collection endpoints. Siblings at every level are fetched
// concurrently, each fetch guarded by the retry envelope; a branch that
// fails degrades to empty without affecting its siblings.
type Aggregator struct {
	client  Collections
	log     *log.Logger
	retry   RetryOptions
	limiter *Limiter
}

func NewAggregator(client Collections, logger *log.Logger, opts Options) *Aggregator {
	if client == nil {
		panic("hierarchy.NewAggregator: client is nil")
	}
	if logger == nil {
		panic("hierarchy.NewAggregator: logger is nil")
	}
	return &Aggregator{
		client:  client,
		log:     logger,
		retry:   opts.Retry.withDefaults(),
		limiter: NewLimiter(opts.Concurrency, opts.RequestsPerMinute),
	}
}

// scope decides how deep a run descends and which branches it enters.
type scope struct {
	tasks     bool
	filtered  bool
	selection *domain.Selection
}

// FullHierarchy fetches every space with its folders, lists and tasks.
func (a *Aggregator) FullHierarchy(ctx context.Context) ([]*domain.Node, error) {
	return a.aggregate(ctx, ModeFull, scope{tasks: true})
}

// FilteredHierarchy walks the same tree but only descends into the spaces,
// folders and lists admitted by sel. A nil or empty selection yields an
// empty forest once the spaces have been listed.
func (a *Aggregator) FilteredHierarchy(ctx context.Context, sel *domain.Selection) ([]*domain.Node, error) {
	return a.aggregate(ctx, ModeFiltered, scope{tasks: true, filtered: true, selection: sel})
}

// Metadata fetches spaces, folders and lists but never tasks.
func (a *Aggregator) Metadata(ctx context.Context) ([]*domain.Node, error) {
	return a.aggregate(ctx, ModeMetadata, scope{})
}

// Colors maps every space id to its color, "" when the space has none.
func (a *Aggregator) Colors(ctx context.Context) (map[string]string, error) {
	ctx, r := newRun(ctx, a.log, ModeColors)
	spaces, err := a.spaces(ctx, r)
	r.finish(spaces, err)
	if err != nil {
		return nil, err
	}
	colors := make(map[string]string, len(spaces))
	for _, s := range spaces {
		c := ""
		if s.Color != nil {
			c = *s.Color
		}
		colors[s.ID] = c
	}
	return colors, nil
}

func (a *Aggregator) aggregate(ctx context.Context, mode Mode, sc scope) (forest []*domain.Node, err error) {
	ctx, r := newRun(ctx, a.log, mode)
	defer func() { r.finish(forest, err) }()

	spaces, err := a.spaces(ctx, r)
	if err != nil {
		return nil, err
	}

	if sc.filtered {
		selected := make([]*domain.Node, 0, len(spaces))
		for _, s := range spaces {
			if _, ok := sc.selection.Space(s.ID); ok {
				selected = append(selected, s)
			}
		}
		spaces = selected
	}

	forEach(spaces, func(space *domain.Node) {
		a.buildSpace(ctx, r, sc, space)
	})
	return spaces, nil
}

func (a *Aggregator) spaces(ctx context.Context, r *run) ([]*domain.Node, error) {
	page, err := a.fetch(ctx, r, domain.CollectionSpaces, "", 0)
	if err != nil {
		r.log.WithError(err).Error("failed to fetch spaces")
		return nil, fmt.Errorf("%w: %v", ErrSpacesUnavailable, err)
	}
	spaces, err := r.factory.CreateAll(page.Items, domain.KindSpace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpacesUnavailable, err)
	}
	return spaces, nil
}

func (a *Aggregator) buildSpace(ctx context.Context, r *run, sc scope, space *domain.Node) {
	var spaceSel domain.SpaceSelection
	if sc.filtered {
		spaceSel, _ = sc.selection.Space(space.ID)
	}

	var (
		wg      sync.WaitGroup
		folders []*domain.Node
		lists   []*domain.Node
	)

	if !sc.filtered || spaceSel.ShouldProcessFolders() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			folders = a.nodes(ctx, r, domain.CollectionFolders, space.ID, domain.KindFolder)
			if sc.filtered {
				folders = spaceSel.FilterFolders(folders)
			}
			forEach(folders, func(folder *domain.Node) {
				var folderSel domain.FolderSelection
				if sc.filtered {
					folderSel = spaceSel.Folder(folder.ID)
					if !folderSel.ShouldProcess() {
						return
					}
				}
				folderLists := a.nodes(ctx, r, domain.CollectionFolderLists, folder.ID, domain.KindList)
				if sc.filtered {
					folderLists = folderSel.FilterLists(folderLists)
				}
				a.fillLists(ctx, r, sc, folderLists)
				_ = folder.AddChildren(folderLists)
			})
		}()
	}

	if !sc.filtered || spaceSel.ShouldProcessLists() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lists = a.nodes(ctx, r, domain.CollectionSpaceLists, space.ID, domain.KindList)
			if sc.filtered {
				lists = spaceSel.FilterLists(lists)
			}
			a.fillLists(ctx, r, sc, lists)
		}()
	}

	wg.Wait()
	_ = space.AddChildren(folders)
	_ = space.AddChildren(lists)
}

// fillLists attaches the reconciled tasks to every list when the scope
// includes tasks.
func (a *Aggregator) fillLists(ctx context.Context, r *run, sc scope, lists []*domain.Node) {
	if !sc.tasks {
		return
	}
	forEach(lists, func(list *domain.Node) {
		_ = list.AddChildren(a.tasks(ctx, r, list.ID))
	})
}

// nodes fetches one unpaged collection. Failures are logged and degrade to
// an empty branch.
func (a *Aggregator) nodes(ctx context.Context, r *run, coll domain.Collection, parentID string, kind domain.Kind) []*domain.Node {
	page, err := a.fetch(ctx, r, coll, parentID, 0)
	if err != nil {
		r.failedBranches.Add(1)
		r.log.WithError(err).WithFields(log.Fields{"collection": coll.String(), "parent": parentID}).Warn("branch fetch failed, treating as empty")
		return nil
	}
	nodes, err := r.factory.CreateAll(page.Items, kind)
	if err != nil {
		r.failedBranches.Add(1)
		r.log.WithError(err).WithFields(log.Fields{"collection": coll.String(), "parent": parentID}).Warn("invalid records in branch, treating as empty")
		return nil
	}
	return nodes
}

// tasks collects every page of a list and reconciles them in one pass.
// A page that fails after all retries ends the pagination; the pages
// received so far are kept.
func (a *Aggregator) tasks(ctx context.Context, r *run, listID string) []*domain.Node {
	var records []domain.RawItem
	for page := 0; ; page++ {
		p, err := a.fetch(ctx, r, domain.CollectionTasks, listID, page)
		if err != nil {
			r.failedBranches.Add(1)
			r.log.WithError(err).WithFields(log.Fields{"collection": domain.CollectionTasks.String(), "parent": listID, "page": page}).Warn("task page fetch failed")
			break
		}
		records = append(records, p.Items...)
		if p.LastPage {
			break
		}
	}
	if len(records) == 0 {
		return nil
	}

	forest, err := domain.Reconcile(r.factory, records)
	if err != nil {
		r.failedBranches.Add(1)
		r.log.WithError(err).WithField("list", listID).Warn("failed to reconcile tasks")
		return nil
	}
	for _, o := range forest.Orphans {
		r.log.WithFields(log.Fields{"task": o.TaskID, "parent": o.ParentID, "list": listID}).Debug(o.Error())
	}
	r.orphans.Add(int64(len(forest.Orphans)))
	r.detached.Add(int64(forest.Detached))
	return forest.Roots
}

func (a *Aggregator) fetch(ctx context.Context, r *run, coll domain.Collection, parentID string, page int) (domain.Page, error) {
	res, attempts, err := Retry(ctx, a.retry, func(ctx context.Context) (domain.Page, error) {
		release, err := a.limiter.Acquire(ctx)
		if err != nil {
			return domain.Page{}, err
		}
		defer release()
		r.requests.Add(1)
		return a.client.FetchCollection(ctx, coll, parentID, page)
	})
	if attempts > 1 {
		r.retries.Add(int64(attempts - 1))
	}
	return res, err
}

// forEach runs fn for every node concurrently and waits for all of them.
func forEach(nodes []*domain.Node, fn func(*domain.Node)) {
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *domain.Node) {
			defer wg.Done()
			fn(n)
		}(n)
	}
	wg.Wait()
}
