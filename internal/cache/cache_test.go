package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sandmaps/atlas/internal/feed"
	"github.com/sandmaps/atlas/internal/poi"
)

// fakeFetcher is a controllable Fetcher: rows served by id, with optional
// injected failures and a hook that runs before each GetByID returns.
type fakeFetcher struct {
	mu        sync.Mutex
	rows      map[string]*poi.Poi
	listErr   error
	getErr    error
	beforeGet func(id string)
	getCalls  int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{rows: make(map[string]*poi.Poi)}
}

func (f *fakeFetcher) put(p *poi.Poi) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[p.ID] = p
}

func (f *fakeFetcher) ListByScope(ctx context.Context, scope poi.Scope) ([]*poi.Poi, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*poi.Poi
	for _, p := range f.rows {
		if scope.Contains(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeFetcher) GetByID(ctx context.Context, id string) (*poi.Poi, error) {
	f.mu.Lock()
	hook := f.beforeGet
	f.getCalls++
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.rows[id]
	if !ok {
		return nil, poi.ErrPoiNotFound
	}
	return p, nil
}

func basinPoi(id, title string) *poi.Poi {
	return &poi.Poi{
		ID:           id,
		Title:        title,
		MapType:      poi.MapHaggaBasin,
		PoiTypeID:    "type-1",
		PrivacyLevel: poi.PrivacyGlobal,
		CreatedBy:    "u1",
	}
}

func basinScope() poi.Scope {
	return poi.Scope{MapType: poi.MapHaggaBasin}
}

func cacheTitles(c *PoiCache) map[string]string {
	out := make(map[string]string)
	for _, p := range c.Items() {
		out[p.ID] = p.Title
	}
	return out
}

// TestPoiCache_Load seeds the fetcher and checks the bulk load populates
// the collection and clears the loading flag.
func TestPoiCache_Load(t *testing.T) {
	repo := newFakeFetcher()
	for i := 0; i < 3; i++ {
		repo.put(basinPoi(fmt.Sprintf("p%d", i), "poi"))
	}

	c := NewPoiCache(basinScope(), repo, nil, nil)
	if !c.Loading() {
		t.Error("Loading() = false before Load, want true")
	}
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Loading() {
		t.Error("Loading() = true after Load, want false")
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if c.Err() != nil {
		t.Errorf("Err() = %v, want nil", c.Err())
	}
}

// TestPoiCache_LoadFailure checks a failed bulk fetch leaves an error
// state and an empty collection.
func TestPoiCache_LoadFailure(t *testing.T) {
	repo := newFakeFetcher()
	repo.listErr = errors.New("gateway unavailable")

	c := NewPoiCache(basinScope(), repo, nil, nil)
	if err := c.Load(context.Background()); err == nil {
		t.Fatal("Load() should fail")
	}
	if c.Err() == nil {
		t.Error("Err() = nil, want load error")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

// TestPoiCache_AddIsIdempotent checks that adding an id twice keeps one
// entry with the first payload.
func TestPoiCache_AddIsIdempotent(t *testing.T) {
	c := NewPoiCache(basinScope(), newFakeFetcher(), nil, nil)

	c.Add(basinPoi("p1", "first"))
	c.Add(basinPoi("p1", "second"))

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if got := cacheTitles(c)["p1"]; got != "first" {
		t.Errorf("title = %q, want the original %q", got, "first")
	}
}

// TestPoiCache_UpdateUpserts checks Update replaces in place and prepends
// when the id is unknown.
func TestPoiCache_UpdateUpserts(t *testing.T) {
	c := NewPoiCache(basinScope(), newFakeFetcher(), nil, nil)

	c.Add(basinPoi("p1", "old"))
	c.Update(basinPoi("p1", "new"))
	if got := cacheTitles(c)["p1"]; got != "new" {
		t.Errorf("title after update = %q, want %q", got, "new")
	}

	c.Update(basinPoi("p2", "fresh"))
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if c.Items()[0].ID != "p2" {
		t.Errorf("newest item = %s, want p2 prepended", c.Items()[0].ID)
	}
}

// TestPoiCache_RemoveAbsentIsNoop checks removing an id the cache never
// held does not disturb the collection.
func TestPoiCache_RemoveAbsentIsNoop(t *testing.T) {
	c := NewPoiCache(basinScope(), newFakeFetcher(), nil, nil)
	c.Add(basinPoi("p1", "keep"))

	c.Remove("ghost")

	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

// TestPoiCache_StaleRefetchDiscarded starts a refetch, lets a newer local
// write land while the fetch is in flight, and checks the late refetch
// result does not overwrite the newer write.
func TestPoiCache_StaleRefetchDiscarded(t *testing.T) {
	repo := newFakeFetcher()
	repo.put(basinPoi("p1", "from refetch"))

	c := NewPoiCache(basinScope(), repo, nil, nil)
	repo.beforeGet = func(id string) {
		c.Update(basinPoi("p1", "newer local write"))
	}

	ev := &feed.Event{Type: feed.EventUpdate, Table: feed.TablePois, RowID: "p1"}
	c.HandlePoiEvent(context.Background(), ev)

	if got := cacheTitles(c)["p1"]; got != "newer local write" {
		t.Errorf("title = %q, stale refetch overwrote a newer write", got)
	}
}

// TestPoiCache_TombstoneBlocksResurrection removes an id while a refetch
// for it is in flight and checks the entry stays gone.
func TestPoiCache_TombstoneBlocksResurrection(t *testing.T) {
	repo := newFakeFetcher()
	repo.put(basinPoi("p1", "zombie"))

	c := NewPoiCache(basinScope(), repo, nil, nil)
	repo.beforeGet = func(id string) {
		c.Remove("p1")
	}

	ev := &feed.Event{Type: feed.EventInsert, Table: feed.TablePois, RowID: "p1"}
	c.HandlePoiEvent(context.Background(), ev)

	if c.Len() != 0 {
		t.Errorf("Len() = %d, removed entry was resurrected by a slow refetch", c.Len())
	}
}

// TestPoiCache_HandlePoiEvent_RefetchesRow checks insert events upsert the
// authoritative row from the fetcher, not the event payload.
func TestPoiCache_HandlePoiEvent_RefetchesRow(t *testing.T) {
	repo := newFakeFetcher()
	repo.put(basinPoi("p1", "authoritative"))

	c := NewPoiCache(basinScope(), repo, nil, nil)
	ev := &feed.Event{
		Type:  feed.EventInsert,
		Table: feed.TablePois,
		RowID: "p1",
		Row:   []byte(`{"id":"p1","title":"event payload","map_type":"hagga_basin"}`),
	}
	c.HandlePoiEvent(context.Background(), ev)

	if got := cacheTitles(c)["p1"]; got != "authoritative" {
		t.Errorf("title = %q, want the refetched row, not the event payload", got)
	}
}

// TestPoiCache_HandlePoiEvent_ScopeProbeSkipsForeignRows checks an event
// whose payload names another partition never triggers a refetch.
func TestPoiCache_HandlePoiEvent_ScopeProbeSkipsForeignRows(t *testing.T) {
	repo := newFakeFetcher()
	c := NewPoiCache(basinScope(), repo, nil, nil)

	ev := &feed.Event{
		Type:  feed.EventInsert,
		Table: feed.TablePois,
		RowID: "p1",
		Row:   []byte(`{"id":"p1","map_type":"deep_desert","grid_square_id":"A1"}`),
	}
	c.HandlePoiEvent(context.Background(), ev)

	if repo.getCalls != 0 {
		t.Errorf("GetByID calls = %d, want 0 for an out-of-scope event", repo.getCalls)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

// TestPoiCache_HandlePoiEvent_FetchedRowOutOfScope checks the re-check on
// the fetched row itself when the event payload carried no scope.
func TestPoiCache_HandlePoiEvent_FetchedRowOutOfScope(t *testing.T) {
	repo := newFakeFetcher()
	grid := "A1"
	repo.put(&poi.Poi{ID: "p1", Title: "desert", MapType: poi.MapDeepDesert, GridSquareID: &grid})

	c := NewPoiCache(basinScope(), repo, nil, nil)
	ev := &feed.Event{Type: feed.EventUpdate, Table: feed.TablePois, RowID: "p1"}
	c.HandlePoiEvent(context.Background(), ev)

	if c.Len() != 0 {
		t.Errorf("Len() = %d, out-of-scope fetched row entered the cache", c.Len())
	}
}

// TestPoiCache_HandlePoiEvent_Delete checks delete events remove by id.
func TestPoiCache_HandlePoiEvent_Delete(t *testing.T) {
	c := NewPoiCache(basinScope(), newFakeFetcher(), nil, nil)
	c.Add(basinPoi("p1", "doomed"))

	ev := &feed.Event{Type: feed.EventDelete, Table: feed.TablePois, RowID: "p1"}
	c.HandlePoiEvent(context.Background(), ev)

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after delete event", c.Len())
	}
}

// TestPoiCache_HandlePoiEvent_VanishedRow checks a refetch hitting a row
// already deleted upstream is dropped silently.
func TestPoiCache_HandlePoiEvent_VanishedRow(t *testing.T) {
	repo := newFakeFetcher()
	c := NewPoiCache(basinScope(), repo, nil, nil)

	ev := &feed.Event{Type: feed.EventUpdate, Table: feed.TablePois, RowID: "gone"}
	c.HandlePoiEvent(context.Background(), ev)

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

// TestPoiCache_HandlePoiEvent_RefetchFailure checks a failed refetch drops
// the update without corrupting existing state.
func TestPoiCache_HandlePoiEvent_RefetchFailure(t *testing.T) {
	repo := newFakeFetcher()
	c := NewPoiCache(basinScope(), repo, nil, nil)
	c.Add(basinPoi("p1", "existing"))

	repo.getErr = errors.New("gateway timeout")
	ev := &feed.Event{Type: feed.EventUpdate, Table: feed.TablePois, RowID: "p1"}
	c.HandlePoiEvent(context.Background(), ev)

	if got := cacheTitles(c)["p1"]; got != "existing" {
		t.Errorf("title = %q, failed refetch should leave the entry alone", got)
	}
}

// TestPoiCache_HandleShareEvent checks a share event triggers a targeted
// refetch of the owning POI.
func TestPoiCache_HandleShareEvent(t *testing.T) {
	repo := newFakeFetcher()
	repo.put(basinPoi("p1", "now shared"))

	c := NewPoiCache(basinScope(), repo, nil, nil)
	ev := &feed.Event{Type: feed.EventInsert, Table: feed.TablePoiShares, RowID: "p1"}
	c.HandleShareEvent(context.Background(), ev)

	if got := cacheTitles(c)["p1"]; got != "now shared" {
		t.Errorf("share event did not refetch the owning POI, titles = %v", cacheTitles(c))
	}

	empty := &feed.Event{Type: feed.EventInsert, Table: feed.TablePoiShares}
	before := repo.getCalls
	c.HandleShareEvent(context.Background(), empty)
	if repo.getCalls != before {
		t.Error("share event with no row id should not refetch")
	}
}
