package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/toolplane/internal/gateway"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/lro"
	"github.com/triage-ai/palisade/services/toolplane/internal/planner"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

// fakeIssues serves a fixed list of issues through page-numbered and
// cursor-based list methods.
type fakeIssues struct {
	mu     sync.Mutex
	titles []string
	calls  int
	failAt int
}

type listIssuesIn struct {
	Page    int `json:"page" default:"1"`
	PerPage int `json:"per_page" default:"2"`
}

func (f *fakeIssues) ListIssues(_ context.Context, in listIssuesIn) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && in.Page == f.failAt {
		return nil, errors.New("upstream unavailable")
	}
	lo := (in.Page - 1) * in.PerPage
	if lo > len(f.titles) {
		lo = len(f.titles)
	}
	hi := lo + in.PerPage
	if hi > len(f.titles) {
		hi = len(f.titles)
	}
	return map[string]any{"items": f.titles[lo:hi], "total_count": len(f.titles)}, nil
}

type listEventsIn struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit" default:"2"`
}

type eventPage struct {
	Data       []string `json:"data"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

func (f *fakeIssues) ListEvents(_ context.Context, in listEventsIn) (eventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	start := 0
	if in.Cursor != "" {
		start, _ = strconv.Atoi(in.Cursor)
	}
	end := start + in.Limit
	if end >= len(f.titles) {
		return eventPage{Data: f.titles[start:]}, nil
	}
	return eventPage{Data: f.titles[start:end], NextCursor: strconv.Itoa(end)}, nil
}

func (f *fakeIssues) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type issuesAdapter struct {
	issues *fakeIssues
}

func (a issuesAdapter) Source() string { return "tracker" }

func (a issuesAdapter) Methods() []introspect.Method {
	return []introspect.Method{
		{Name: "Issues.list_issues", Func: a.issues.ListIssues, Doc: "List issues."},
		{Name: "Issues.list_events", Func: a.issues.ListEvents, Doc: "List issue events."},
	}
}

func newPagingDispatcher(t *testing.T, titles ...string) (*Dispatcher, *fakeIssues) {
	t.Helper()
	logger := zap.NewNop()
	gw := gateway.New(gateway.Config{RequestsPerMinute: 10000, RequestsPerHour: 100000, Burst: 1000}, logger, nil)
	ops := lro.New(lro.Config{}, logger)
	t.Cleanup(ops.Close)
	d, err := New(Config{}, gw, planner.New(planner.Config{}, logger), ops, logger)
	if err != nil {
		t.Fatal(err)
	}
	issues := &fakeIssues{titles: titles}
	if _, err := d.Register(context.Background(), issuesAdapter{issues: issues}); err != nil {
		t.Fatal(err)
	}
	return d, issues
}

func TestPaging_SchemaOffersMaxPages(t *testing.T) {
	d, _ := newPagingDispatcher(t)
	for _, name := range []string{"tracker.Issues.list_issues", "tracker.Issues.list_events"} {
		ts, ok := findTool(d.Tools(), name)
		if !ok {
			t.Fatalf("%s not exposed", name)
		}
		if _, ok := ts.InputSchema.Properties["max_pages"]; !ok {
			t.Fatalf("%s: schema lacks max_pages", name)
		}
	}
	// Tools without a page or cursor parameter are not paginated.
	d2, _ := newTestDispatcher(t, Config{})
	ts, _ := findTool(d2.Tools(), "gh.Repos.frobnicate")
	if _, ok := ts.InputSchema.Properties["max_pages"]; ok {
		t.Fatal("frobnicate should not offer max_pages")
	}
}

func TestPaging_SinglePageWithoutMaxPages(t *testing.T) {
	d, issues := newPagingDispatcher(t, "a", "b", "c", "d", "e")
	out, err := d.Invoke(context.Background(), "tracker.Issues.list_issues", nil)
	if err != nil {
		t.Fatal(err)
	}
	items := out.(map[string]any)["items"].([]any)
	if len(items) != 2 || issues.Calls() != 1 {
		t.Fatalf("expected a plain single call, got %#v after %d calls", out, issues.Calls())
	}
}

func TestPaging_PageNumbers(t *testing.T) {
	d, issues := newPagingDispatcher(t, "a", "b", "c", "d", "e")
	out, err := d.Invoke(context.Background(), "tracker.Issues.list_issues", map[string]any{"max_pages": 10})
	if err != nil {
		t.Fatal(err)
	}
	set := out.(map[string]any)
	items := set["items"].([]any)
	if len(items) != 5 || items[0] != "a" || items[4] != "e" {
		t.Fatalf("unexpected items %#v", items)
	}
	if set["pages"] != int64(3) || set["has_more"] != false || set["total"] != int64(5) {
		t.Fatalf("unexpected page set %#v", set)
	}
	if set["per_page"] != int64(2) {
		t.Fatalf("expected per_page 2, got %#v", set["per_page"])
	}
	if issues.Calls() != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", issues.Calls())
	}
}

func TestPaging_StopsAtMaxPages(t *testing.T) {
	d, _ := newPagingDispatcher(t, "a", "b", "c", "d", "e")
	out, err := d.Invoke(context.Background(), "tracker.Issues.list_issues", map[string]any{"max_pages": 2, "page": 1})
	if err != nil {
		t.Fatal(err)
	}
	set := out.(map[string]any)
	if len(set["items"].([]any)) != 4 || set["has_more"] != true || set["next_page"] != int64(3) {
		t.Fatalf("unexpected page set %#v", set)
	}
}

func TestPaging_Cursor(t *testing.T) {
	d, issues := newPagingDispatcher(t, "a", "b", "c", "d", "e")
	out, err := d.Invoke(context.Background(), "tracker.Issues.list_events", map[string]any{"max_pages": 5})
	if err != nil {
		t.Fatal(err)
	}
	set := out.(map[string]any)
	if len(set["items"].([]any)) != 5 || set["has_more"] != false {
		t.Fatalf("unexpected page set %#v", set)
	}
	if _, ok := set["next_cursor"]; ok {
		t.Fatalf("exhausted listing should carry no cursor: %#v", set)
	}
	if issues.Calls() != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", issues.Calls())
	}

	out, err = d.Invoke(context.Background(), "tracker.Issues.list_events", map[string]any{"max_pages": 1})
	if err != nil {
		t.Fatal(err)
	}
	if set := out.(map[string]any); set["next_cursor"] != "2" || set["has_more"] != true {
		t.Fatalf("expected resumable cursor, got %#v", set)
	}
}

func TestPaging_PageErrorIsStructured(t *testing.T) {
	d, issues := newPagingDispatcher(t, "a", "b", "c", "d", "e")
	issues.failAt = 2
	_, err := d.Invoke(context.Background(), "tracker.Issues.list_issues", map[string]any{"max_pages": 3})
	var te *toolerr.Error
	if !errors.As(err, &te) || te.Type != toolerr.ExecutionFailed {
		t.Fatalf("expected ExecutionFailed, got %v", err)
	}
	if te.Message != "upstream unavailable" || te.Context["page"] != 2 {
		t.Fatalf("unexpected error %+v", te)
	}
}

func TestPaging_MaxPagesBounds(t *testing.T) {
	d, _ := newPagingDispatcher(t, "a")
	for _, n := range []any{0, MaxPages + 1, "two"} {
		_, err := d.Invoke(context.Background(), "tracker.Issues.list_issues", map[string]any{"max_pages": n})
		if !toolerr.Is(err, toolerr.ValidationError) {
			t.Fatalf("max_pages=%v: expected ValidationError, got %v", n, err)
		}
	}
}

func TestPaging_CollectionIsOneAuditedCall(t *testing.T) {
	d, _ := newPagingDispatcher(t, "a", "b", "c", "d", "e")
	before := len(d.gw.AuditLog())
	if _, err := d.Invoke(context.Background(), "tracker.Issues.list_issues", map[string]any{"max_pages": 3}); err != nil {
		t.Fatal(err)
	}
	if got := len(d.gw.AuditLog()) - before; got != 1 {
		t.Fatalf("expected one audit entry for the collection, got %d", got)
	}
}

func TestHasMore(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		items   int
		perPage int
		want    bool
	}{
		{"short page", map[string]any{"has_more": true}, 1, 2, false},
		{"explicit flag", map[string]any{"hasMore": false}, 2, 2, false},
		{"next link", map[string]any{"next": "https://x/page/3"}, 2, 2, true},
		{"full page", []any{1, 2}, 2, 2, true},
		{"no size, empty", []any{}, 0, 0, false},
		{"no size, items", []any{1}, 1, 0, true},
	}
	for _, tc := range cases {
		items := make([]any, tc.items)
		if got := hasMore(tc.payload, items, tc.perPage, false, ""); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
