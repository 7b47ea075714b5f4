/*
Package client provides easy and fast access to a tinyapi backend.

The client either talks directly to the mux router in-process, which is
the tool of choice for unit tests and for request handlers that need to
call other handlers, or it talks to a remote backend over HTTP.

All requests carry the access token as the _token field the backend
expects; service credentials travel as a bearer header instead.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Error is a failed API call: the HTTP status and the envelope the
// backend returned.
type Error struct {
	Status   int
	Message  string
	Envelope map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Client provides access to the REST API.
type Client struct {
	router       *mux.Router
	httpClient   *http.Client
	url          string
	token        string
	serviceToken string
	ctx          context.Context
}

// NewWithRouter creates a client that makes pseudo-REST requests to the
// backend through the mux router, without any network in between.
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL creates a client that makes REST requests to a remote
// backend.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client that authorizes with the given access
// token.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithServiceToken returns a new client that authenticates as a backend
// service with a JWT bearer token.
func (c Client) WithServiceToken(jwt string) Client {
	c.serviceToken = jwt
	return c
}

// WithContext returns a new client with a specific request context.
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the client's request context.
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Get makes a GET request. Query parameters belong in the path; the
// access token is appended automatically.
func (c Client) Get(path string) (int, map[string]any, error) {
	if c.token != "" {
		separator := "?"
		if containsQuery(path) {
			separator = "&"
		}
		path += separator + "_token=" + url.QueryEscape(c.token)
	}
	return c.do(http.MethodGet, path, nil)
}

// Post makes a POST request with the given body fields.
func (c Client) Post(path string, body map[string]any) (int, map[string]any, error) {
	return c.do(http.MethodPost, path, c.withToken(body))
}

// Put makes a PUT request with the given body fields.
func (c Client) Put(path string, body map[string]any) (int, map[string]any, error) {
	return c.do(http.MethodPut, path, c.withToken(body))
}

// Delete makes a DELETE request with the given body fields.
func (c Client) Delete(path string, body map[string]any) (int, map[string]any, error) {
	return c.do(http.MethodDelete, path, c.withToken(body))
}

// ExchangeTempKey trades a temporary login key for an access token with
// the requested scopes. The returned client carries the new token.
func (c Client) ExchangeTempKey(userID, tempKey string, scopes []string) (Client, error) {
	_, envelope, err := c.do(http.MethodPost, "/auth/token", map[string]any{
		"user_id":  userID,
		"temp_key": tempKey,
		"scopes":   scopes,
	})
	if err != nil {
		return c, err
	}
	token, _ := envelope["token"].(string)
	return c.WithToken(token), nil
}

// withToken returns a copy of body with the access token added. The
// caller's map is never modified.
func (c Client) withToken(body map[string]any) map[string]any {
	withToken := map[string]any{}
	for k, v := range body {
		withToken[k] = v
	}
	if c.token != "" {
		withToken["_token"] = c.token
	}
	return withToken
}

func containsQuery(path string) bool {
	for _, r := range path {
		if r == '?' {
			return true
		}
	}
	return false
}

func (c Client) do(method, path string, body map[string]any) (int, map[string]any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if c.serviceToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}

	var status int
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		status = rec.Code
		resBody = rec.Body.Bytes()
	} else {
		res, err := c.httpClient.Do(r)
		if err != nil {
			return 0, nil, err
		}
		defer res.Body.Close()
		status = res.StatusCode
		resBody, _ = io.ReadAll(res.Body)
	}

	envelope := map[string]any{}
	if len(resBody) > 0 {
		if err := json.Unmarshal(resBody, &envelope); err != nil {
			return status, nil, fmt.Errorf("%s %s: cannot decode response: %w", method, path, err)
		}
	}
	if ok, _ := envelope["ok"].(bool); !ok {
		message, _ := envelope["error"].(string)
		return status, envelope, &Error{Status: status, Message: message, Envelope: envelope}
	}
	return status, envelope, nil
}

// Resource is a client for one exposed resource.
type Resource struct {
	client Client
	name   string
	plural string
}

// Resource returns a resource client. The plural payload key defaults
// to the name with a trailing s; use WithPlural for irregular names.
func (c Client) Resource(name string) Resource {
	return Resource{client: c, name: name, plural: name + "s"}
}

// WithPlural returns a new resource client with an irregular plural
// payload key.
func (r Resource) WithPlural(plural string) Resource {
	r.plural = plural
	return r
}

// Create posts a new item and returns the stored row.
func (r Resource) Create(item map[string]any) (map[string]any, error) {
	_, envelope, err := r.client.Post("/"+r.name, item)
	if err != nil {
		return nil, err
	}
	row, _ := envelope[r.name].(map[string]any)
	return row, nil
}

// Update puts changed fields of an item, which must contain the
// identifier, and returns the updated row.
func (r Resource) Update(item map[string]any) (map[string]any, error) {
	_, envelope, err := r.client.Put("/"+r.name, item)
	if err != nil {
		return nil, err
	}
	row, _ := envelope[r.name].(map[string]any)
	return row, nil
}

// Delete removes the item with the given identifier value.
func (r Resource) Delete(identifier string, id any) error {
	_, _, err := r.client.Delete("/"+r.name, map[string]any{identifier: id})
	return err
}

// Query starts a list query on the resource.
func (r Resource) Query() Query {
	return Query{resource: r, params: url.Values{}}
}

// Query accumulates list parameters for one GET request.
type Query struct {
	resource Resource
	params   url.Values
}

func (q Query) with(key, value string) Query {
	params := url.Values{}
	for k, v := range q.params {
		params[k] = v
	}
	params.Set(key, value)
	q.params = params
	return q
}

// WithLimit sets the page size.
func (q Query) WithLimit(limit int64) Query {
	return q.with("_limit", strconv.FormatInt(limit, 10))
}

// WithPage selects a page, counting from zero.
func (q Query) WithPage(page int64) Query {
	return q.with("_page", strconv.FormatInt(page, 10))
}

// SortedBy sets the sort field.
func (q Query) SortedBy(field string) Query {
	return q.with("_sort_by", field)
}

// Reversed flips the sort direction.
func (q Query) Reversed() Query {
	return q.with("_reverse_sort", "true")
}

// Where adds an equality filter on a schema field.
func (q Query) Where(field, value string) Query {
	return q.with(field, value)
}

// WithFilter sets the free-form filter expression.
func (q Query) WithFilter(expression string) Query {
	return q.with("_filter", expression)
}

// List runs the query and returns the rows of the requested page.
func (q Query) List() ([]map[string]any, error) {
	path := "/" + q.resource.name
	if len(q.params) > 0 {
		path += "?" + q.params.Encode()
	}
	_, envelope, err := q.resource.client.Get(path)
	if err != nil {
		return nil, err
	}
	raw, _ := envelope[q.resource.plural].([]any)
	rows := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if row, ok := item.(map[string]any); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
