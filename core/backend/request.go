package backend

import (
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/microcosm-cc/bluemonday"

	"github.com/relabs-tech/tinyapi/core"
)

// Reserved engine directives. Anything prefixed with an underscore is
// never treated as a resource field.
const (
	keyToken       = "_token"
	keySortBy      = "_sort_by"
	keyReverseSort = "_reverse_sort"
	keyLimit       = "_limit"
	keyPage        = "_page"
	keyFilter      = "_filter"
)

var stripPolicy = bluemonday.StrictPolicy()

// htmlEscaper mirrors the escaping clients of the legacy system rely
// on: double quotes become &quot; markers which the filter grammar
// recognizes as string delimiters.
var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	`"`, "&quot;",
	"'", "&#039;",
	"<", "&lt;",
	">", "&gt;",
)

// Request carries the flat field mapping of one API call. GET values
// come from the query string, everything else from a JSON body. All
// string values are sanitized before any other component sees them,
// except on the email route which transports raw HTML bodies.
type Request struct {
	Method core.Action
	values map[string]any
}

func parseRequest(r *http.Request, sanitize bool) (*Request, error) {
	req := &Request{
		Method: core.Action(r.Method),
		values: map[string]any{},
	}
	if r.Method == http.MethodGet {
		for key, vals := range r.URL.Query() {
			if len(vals) > 0 {
				req.values[key] = vals[0]
			}
		}
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			decoder := json.NewDecoder(strings.NewReader(string(body)))
			decoder.UseNumber()
			if err := decoder.Decode(&req.values); err != nil {
				return nil, err
			}
		}
	}
	for key, value := range req.values {
		req.values[key] = normalizeValue(value, sanitize)
	}
	return req, nil
}

// normalizeValue resolves json.Number into int64 or float64, matching
// the typing the validator expects, and sanitizes strings. Nested
// arrays and objects are processed recursively.
func normalizeValue(value any, sanitize bool) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case string:
		if sanitize {
			return sanitizeString(v)
		}
		return v
	case []any:
		for i := range v {
			v[i] = normalizeValue(v[i], sanitize)
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = normalizeValue(v[k], sanitize)
		}
		return v
	default:
		return v
	}
}

// sanitizeString strips markup and escapes HTML special characters.
// The strip runs first and its entity escaping is undone so the final
// escape pass produces exactly one level of &quot;-style entities.
func sanitizeString(s string) string {
	clean := html.UnescapeString(stripPolicy.Sanitize(s))
	return htmlEscaper.Replace(clean)
}

// Has reports whether the request carries the field.
func (r *Request) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Get returns the raw value of the field.
func (r *Request) Get(key string) any {
	return r.values[key]
}

// String returns the field value rendered as a string.
func (r *Request) String(key string) string {
	return stringValue(r.values[key])
}

// Data returns the full mutable field mapping, engine directives
// included.
func (r *Request) Data() map[string]any {
	return r.values
}

// Token returns the access token of the request, empty if none.
func (r *Request) Token() string {
	return r.String(keyToken)
}

// SortBy returns the requested sort field, falling back to def.
func (r *Request) SortBy(def string) string {
	if r.Has(keySortBy) {
		return r.String(keySortBy)
	}
	return def
}

// SortDirection returns DESC when a truthy _reverse_sort is present,
// ASC otherwise.
func (r *Request) SortDirection() string {
	if truthy(r.values[keyReverseSort]) {
		return "DESC"
	}
	return "ASC"
}

// Limit returns the requested list limit bounded by max, or def when
// absent or not positive.
func (r *Request) Limit(def, max int64) int64 {
	limit := intValue(r.values[keyLimit])
	if !r.Has(keyLimit) || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Page returns the requested page, 0 when absent.
func (r *Request) Page() int64 {
	return intValue(r.values[keyPage])
}

func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func intValue(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return false
	}
}
