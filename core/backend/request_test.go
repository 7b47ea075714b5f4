package backend

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tinyapi/core"
)

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "&quot;Jane Doe&quot;", sanitizeString(`"Jane Doe"`))
	assert.Equal(t, "O&#039;Brien", sanitizeString("O'Brien"))
	// script content is dropped entirely, not just the tags
	assert.Equal(t, "", sanitizeString("<script>alert(1)</script>"))
	assert.Equal(t, "Jane", sanitizeString("<b>Jane</b>"))
	assert.Equal(t, "a &amp; b", sanitizeString("a & b"))
	// exactly one level of escaping, no double-escaped entities
	assert.Equal(t, "&quot;x&quot;", sanitizeString("&quot;x&quot;"))
}

func TestParseRequestGet(t *testing.T) {
	r := httptest.NewRequest("GET", `/employee?name=%22Jane+Doe%22&_limit=5&_token=TAPI-x`, nil)
	req, err := parseRequest(r, true)
	require.NoError(t, err)

	assert.Equal(t, core.ActionGet, req.Method)
	assert.Equal(t, "&quot;Jane Doe&quot;", req.String("name"))
	assert.Equal(t, "TAPI-x", req.Token())
	assert.True(t, req.Has("_limit"))
	assert.False(t, req.Has("age"))
}

func TestParseRequestBody(t *testing.T) {
	body := `{"name":"<b>Jane</b>","age":30,"salary":1234.5,"active":true,"tags":["<i>x</i>"]}`
	r := httptest.NewRequest("POST", "/employee", strings.NewReader(body))
	req, err := parseRequest(r, true)
	require.NoError(t, err)

	assert.Equal(t, core.ActionPost, req.Method)
	assert.Equal(t, "Jane", req.Get("name"))
	assert.Equal(t, int64(30), req.Get("age"))
	assert.Equal(t, 1234.5, req.Get("salary"))
	assert.Equal(t, true, req.Get("active"))
	assert.Equal(t, []any{"x"}, req.Get("tags"))
}

func TestParseRequestBodyRaw(t *testing.T) {
	body := `{"body":"<h1>Hello</h1>"}`
	r := httptest.NewRequest("POST", "/email", strings.NewReader(body))
	req, err := parseRequest(r, false)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hello</h1>", req.Get("body"))
}

func TestParseRequestBadBody(t *testing.T) {
	r := httptest.NewRequest("POST", "/employee", strings.NewReader("{not json"))
	_, err := parseRequest(r, true)
	assert.Error(t, err)
}

func TestRequestLimit(t *testing.T) {
	req := &Request{values: map[string]any{}}
	assert.Equal(t, int64(25), req.Limit(25, 250))

	req.values[keyLimit] = "5"
	assert.Equal(t, int64(5), req.Limit(25, 250))

	req.values[keyLimit] = "9999"
	assert.Equal(t, int64(250), req.Limit(25, 250))

	req.values[keyLimit] = "0"
	assert.Equal(t, int64(25), req.Limit(25, 250))

	req.values[keyLimit] = "-3"
	assert.Equal(t, int64(25), req.Limit(25, 250))
}

func TestRequestSort(t *testing.T) {
	req := &Request{values: map[string]any{}}
	assert.Equal(t, "employee_id", req.SortBy("employee_id"))
	assert.Equal(t, "ASC", req.SortDirection())

	req.values[keySortBy] = "name"
	req.values[keyReverseSort] = "true"
	assert.Equal(t, "name", req.SortBy("employee_id"))
	assert.Equal(t, "DESC", req.SortDirection())

	req.values[keyReverseSort] = "false"
	assert.Equal(t, "ASC", req.SortDirection())
}

func TestRequestPage(t *testing.T) {
	req := &Request{values: map[string]any{keyPage: "3"}}
	assert.Equal(t, int64(3), req.Page())
	assert.Equal(t, int64(0), (&Request{values: map[string]any{}}).Page())
}
