package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/triage-ai/palisade/services/toolplane/internal/gateway"
	"github.com/triage-ai/palisade/services/toolplane/internal/introspect"
	"github.com/triage-ai/palisade/services/toolplane/internal/toolerr"
)

const (
	maxPagesArg = "max_pages"

	// DefaultPageSize is sent in the size parameter when the caller leaves it unset.
	DefaultPageSize = 100
	// MaxPages bounds max_pages.
	MaxPages = 50
)

// Parameter names recognized as pagination controls, in priority order.
var (
	pageParams   = []string{"page", "page_number"}
	sizeParams   = []string{"per_page", "page_size", "limit", "max_results"}
	cursorParams = []string{"cursor", "page_token", "continue", "next_token"}

	itemKeys    = []string{"items", "data", "results", "content", "records"}
	totalKeys   = []string{"total", "total_count", "totalCount", "count"}
	hasMoreKeys = []string{"has_more", "has_next", "hasMore", "hasNext"}
	nextKeys    = []string{"next_page", "nextPage", "next"}
	cursorKeys  = []string{"next_cursor", "nextCursor", "next_page_token", "nextPageToken", "continue"}
)

// pageSpec names the pagination parameters of a read tool.
type pageSpec struct {
	page   string
	size   string
	cursor string
}

// PageSet is the merged result of a read collected over several pages.
type PageSet struct {
	Items      []any  `json:"items"`
	Pages      int    `json:"pages"`
	PerPage    int    `json:"per_page,omitempty"`
	Total      *int64 `json:"total,omitempty"`
	HasMore    bool   `json:"has_more"`
	NextPage   int    `json:"next_page,omitempty"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// pagingFor returns the pagination spec of c, or nil when c takes neither a
// page number nor a cursor.
func pagingFor(c *introspect.MethodContract) *pageSpec {
	if _, taken := c.Parameters[maxPagesArg]; taken {
		return nil
	}
	spec := &pageSpec{
		page:   firstParam(c, pageParams, introspect.KindInteger),
		size:   firstParam(c, sizeParams, introspect.KindInteger),
		cursor: firstParam(c, cursorParams, introspect.KindString),
	}
	if spec.page == "" && spec.cursor == "" {
		return nil
	}
	return spec
}

func firstParam(c *introspect.MethodContract, names []string, kind introspect.Kind) string {
	for _, n := range names {
		p, ok := c.Parameters[n]
		if !ok || p.Variadic {
			continue
		}
		if p.Type == nil || p.Type.Kind == kind {
			return n
		}
	}
	return ""
}

// withMaxPages returns a copy of base that also accepts max_pages.
func withMaxPages(base *jsonschema.Schema) *jsonschema.Schema {
	s := *base
	s.Properties = make(map[string]*jsonschema.Schema, len(base.Properties)+1)
	for k, v := range base.Properties {
		s.Properties[k] = v
	}
	lo, hi := 1.0, float64(MaxPages)
	s.Properties[maxPagesArg] = &jsonschema.Schema{
		Type:        "integer",
		Minimum:     &lo,
		Maximum:     &hi,
		Description: "Follow pagination and merge up to this many pages into one result",
	}
	s.PropertyOrder = append(append([]string(nil), base.PropertyOrder...), maxPagesArg)
	return &s
}

// paginated calls e page by page until the source reports no more data or
// maxPages pages were read. The whole collection runs as one gated call.
func (d *Dispatcher) paginated(e *entry, maxPages int) gateway.Callable {
	call := d.bound(e)
	spec := e.paging
	depth := d.gw.Config().MaxResultDepth

	return func(ctx context.Context, args map[string]any) (any, error) {
		args = cloneMap(args)

		out := &PageSet{Items: []any{}}
		if spec.size != "" {
			out.PerPage = intValue(args[spec.size])
			if out.PerPage <= 0 {
				out.PerPage = DefaultPageSize
				args[spec.size] = out.PerPage
			}
		}
		page := 1
		if spec.page != "" {
			if p := intValue(args[spec.page]); p > 0 {
				page = p
			}
		}

		for out.Pages < maxPages {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if spec.page != "" {
				args[spec.page] = page
			}

			raw, err := call(ctx, args)
			if err != nil {
				return nil, toolerr.From(err).With("page", out.Pages+1)
			}
			plain := gateway.Serialize(raw, depth)
			items := extractItems(plain)
			out.Items = append(out.Items, items...)
			out.Pages++
			if total, ok := extractTotal(plain); ok {
				out.Total = &total
			}

			var cursor string
			if spec.cursor != "" {
				cursor = extractCursor(plain)
			}
			out.HasMore = hasMore(plain, items, out.PerPage, spec.cursor != "", cursor)
			out.NextPage, out.NextCursor = 0, ""
			if !out.HasMore {
				break
			}
			page++
			if spec.page != "" {
				out.NextPage = page
			}
			if spec.cursor != "" {
				args[spec.cursor] = cursor
				out.NextCursor = cursor
			}
		}
		return out, nil
	}
}

func extractItems(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case map[string]any:
		for _, k := range itemKeys {
			if items, ok := x[k].([]any); ok {
				return items
			}
		}
	}
	return []any{v}
}

func extractTotal(v any) (int64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, k := range totalKeys {
		switch n := m[k].(type) {
		case int64:
			return n, true
		case uint64:
			return int64(n), true
		case float64:
			if n == float64(int64(n)) {
				return int64(n), true
			}
		}
	}
	return 0, false
}

func extractCursor(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range cursorKeys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	// Kubernetes-style list metadata.
	if meta, ok := m["metadata"].(map[string]any); ok {
		if s, ok := meta["continue"].(string); ok {
			return s
		}
	}
	return ""
}

func hasMore(v any, items []any, perPage int, cursorMode bool, cursor string) bool {
	if cursorMode {
		return cursor != "" && len(items) > 0
	}
	if perPage > 0 && len(items) < perPage {
		return false
	}
	if m, ok := v.(map[string]any); ok {
		for _, k := range hasMoreKeys {
			if b, ok := m[k].(bool); ok {
				return b
			}
		}
		for _, k := range nextKeys {
			if n, ok := m[k]; ok && n != nil && n != "" && n != false {
				return true
			}
		}
	}
	if perPage == 0 {
		// No size control: keep going until a page comes back empty.
		return len(items) > 0
	}
	return len(items) == perPage
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func pagesArg(args map[string]any) (int, map[string]any, error) {
	v, ok := args[maxPagesArg]
	if !ok {
		return 0, args, nil
	}
	n := intValue(v)
	if n < 1 || n > MaxPages {
		return 0, nil, toolerr.New(toolerr.ValidationError,
			fmt.Sprintf("%s must be between 1 and %d", maxPagesArg, MaxPages),
			map[string]any{"argument": maxPagesArg})
	}
	rest := cloneMap(args)
	delete(rest, maxPagesArg)
	return n, rest, nil
}
