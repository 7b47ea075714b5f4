package access_test

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tinyapi/core/access"
)

func exchangeRouter(t *testing.T) (*mux.Router, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := mockStore(t)
	router := mux.NewRouter()
	access.HandleExchangeRoute(router, store)
	return router, mock
}

func postExchange(t *testing.T, router *mux.Router, body string) (int, map[string]any) {
	t.Helper()
	r := httptest.NewRequest("POST", "/auth/token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	var response map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response), "body: %s", rec.Body.String())
	return rec.Code, response
}

func TestExchangeRequiresAllFields(t *testing.T) {
	router, mock := exchangeRouter(t)

	for _, body := range []string{
		`{}`,
		`{"user_id": "alice", "temp_key": "TEMP-k"}`,
		`{"user_id": "alice", "scopes": ["available"]}`,
		`{"temp_key": "TEMP-k", "scopes": ["available"]}`,
		`not json`,
	} {
		status, response := postExchange(t, router, body)
		assert.Equal(t, http.StatusBadRequest, status, "body %s", body)
		assert.Equal(t,
			"Missing required data: this request requires 'scopes', 'temp_key' and 'user_id'",
			response["error"])
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeMethodNotAllowed(t *testing.T) {
	router, _ := exchangeRouter(t)

	r := httptest.NewRequest("GET", "/auth/token", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"ok": false, "error": "The request type used is not permitted here. This page only accepts POST requests."}`, rec.Body.String())
}

func TestExchangeInvalidKey(t *testing.T) {
	router, mock := exchangeRouter(t)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-bad", "alice", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	status, response := postExchange(t, router,
		`{"user_id": "alice", "temp_key": "TEMP-bad", "scopes": ["available"]}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Login attempt failed! Either temp_key doesn't exist, is expired, or is validated to another user!", response["error"])
	assert.Equal(t, "alice", response["request_user_id"])
	assert.Equal(t, "TEMP-bad", response["request_temp_key"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

// the key is consumed even when the scope check fails afterwards
func TestExchangeConsumesKeyBeforeScopeCheck(t *testing.T) {
	router, mock := exchangeRouter(t)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-k", "alice", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "DELETE", "all").WillReturnError(sql.ErrNoRows)

	status, response := postExchange(t, router,
		`{"user_id": "alice", "temp_key": "TEMP-k", "scopes": ["Employee.DELETE.all"]}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "One of the requested scopes was not found.", response["error"])
	assert.Equal(t, "Employee.DELETE.all", response["request_scope"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeScopeNotAllowed(t *testing.T) {
	router, mock := exchangeRouter(t)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-k", "bob", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "DELETE", "all").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id", "req_auth"}).AddRow(int64(13), int64(3)))
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_user_scopes").
		WithArgs("bob", int64(13)).WillReturnError(sql.ErrNoRows)

	status, response := postExchange(t, router,
		`{"user_id": "bob", "temp_key": "TEMP-k", "scopes": ["Employee.DELETE.all"]}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "This user is not permitted access to one of the requested scopes.", response["error"])
	assert.Equal(t, "bob", response["request_user_id"])
	assert.Equal(t, "Employee.DELETE.all", response["request_scope"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeUnknownUser(t *testing.T) {
	router, mock := exchangeRouter(t)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-k", "ghost", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	status, response := postExchange(t, router,
		`{"user_id": "ghost", "temp_key": "TEMP-k", "scopes": ["available"]}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "User was not found", response["error"])
	assert.Equal(t, "ghost", response["request_user_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExchangeIssuesToken(t *testing.T) {
	router, mock := exchangeRouter(t)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-k", "alice", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// scope check
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "GET", "self").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id", "req_auth"}).AddRow(int64(10), int64(1)))
	// issuance
	mock.ExpectQuery("SELECT scope_id FROM tinyapi.api_scopes WHERE resource").
		WithArgs("Employee", "GET", "self").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id"}).AddRow(int64(10)))
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_tokens").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_temp_keys").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tinyapi.api_tokens WHERE user_id").
		WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO tinyapi.api_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO tinyapi.api_token_scopes").
		WithArgs(int64(42), int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status, response := postExchange(t, router,
		`{"user_id": "alice", "temp_key": "TEMP-k", "scopes": ["Employee.GET.self"]}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, response["ok"])
	token, ok := response["token"].(string)
	require.True(t, ok, "token payload: %v", response)
	assert.True(t, strings.HasPrefix(token, "TAPI-"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
