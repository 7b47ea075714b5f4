package access_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tinyapi/core/access"
	"github.com/relabs-tech/tinyapi/core/csql"
)

func mockStore(t *testing.T) (*access.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := access.NewStore(&csql.DB{DB: db, Schema: "tinyapi"})
	store.Clock = fixedClock{testNow}
	return store, mock
}

func TestGenerateToken(t *testing.T) {
	token, err := access.GenerateToken(48, access.TempKeyPrefix)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "TEMP-"))
	assert.Len(t, token, len("TEMP-")+48)
	for _, r := range token[len("TEMP-"):] {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			"unexpected character %q", r)
	}

	other, err := access.GenerateToken(48, access.AccessTokenPrefix)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(other, "TAPI-"))
	assert.NotEqual(t, token[len("TEMP-"):], other[len("TAPI-"):])
}

// every alphabet character must be equally likely; folding bytes with a
// plain modulo would over-represent the first eight characters by a quarter
func TestGenerateTokenDistribution(t *testing.T) {
	const perChar = 2000
	token, err := access.GenerateToken(62*perChar, access.TempKeyPrefix)
	require.NoError(t, err)

	counts := make(map[rune]int)
	for _, r := range token[len("TEMP-"):] {
		counts[r]++
	}
	assert.Len(t, counts, 62)
	for r, n := range counts {
		assert.InDelta(t, perChar, n, perChar*0.15, "character %q", r)
	}
}

func TestTokenByString(t *testing.T) {
	store, mock := mockStore(t)

	expiration := testNow.Add(time.Hour)
	mock.ExpectQuery("SELECT token_id, user_id, token, expiration FROM tinyapi.api_tokens").
		WithArgs("TAPI-x").
		WillReturnRows(sqlmock.NewRows([]string{"token_id", "user_id", "token", "expiration"}).
			AddRow(int64(7), "alice", "TAPI-x", expiration))

	token, err := store.TokenByString(context.Background(), "TAPI-x")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, int64(7), token.ID)
	assert.Equal(t, "alice", token.UserID)
	assert.Equal(t, expiration, token.Expiration)

	mock.ExpectQuery("SELECT token_id, user_id, token, expiration FROM tinyapi.api_tokens").
		WithArgs("TAPI-gone").
		WillReturnError(sql.ErrNoRows)
	token, err = store.TokenByString(context.Background(), "TAPI-gone")
	require.NoError(t, err)
	assert.Nil(t, token)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// the conditional delete makes consumption atomic: the key is valid
// exactly once
func TestConsumeTempKeyIsSingleUse(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-k", "alice", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.ConsumeTempKey(context.Background(), "TEMP-k", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("DELETE FROM tinyapi.api_temp_keys").
		WithArgs("TEMP-k", "alice", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.ConsumeTempKey(context.Background(), "TEMP-k", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckScopeAccess(t *testing.T) {
	store, mock := mockStore(t)
	ctx := context.Background()

	// unknown user
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	err := store.CheckScopeAccess(ctx, "ghost", []string{"Employee.GET.self"})
	var denial *access.Error
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, access.CodeUserNotFound, denial.Code)
	assert.Equal(t, "ghost", denial.Context)

	// unknown scope
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "GET", "nowhere").WillReturnError(sql.ErrNoRows)
	err = store.CheckScopeAccess(ctx, "alice", []string{"Employee.GET.nowhere"})
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, access.CodeScopeNotFound, denial.Code)
	assert.Equal(t, "Employee.GET.nowhere", denial.Context)

	// level meets the requirement
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "GET", "self").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id", "req_auth"}).AddRow(int64(10), int64(1)))
	assert.NoError(t, store.CheckScopeAccess(ctx, "alice", []string{"Employee.GET.self"}))

	// level too low and no per-user override
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "DELETE", "all").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id", "req_auth"}).AddRow(int64(13), int64(3)))
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_user_scopes").
		WithArgs("alice", int64(13)).WillReturnError(sql.ErrNoRows)
	err = store.CheckScopeAccess(ctx, "alice", []string{"Employee.DELETE.all"})
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, access.CodeScopeNotAllowed, denial.Code)
	assert.Equal(t, "Employee.DELETE.all", denial.Context)

	// level too low but with an explicit per-user override
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT scope_id, req_auth FROM tinyapi.api_scopes").
		WithArgs("Employee", "DELETE", "all").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id", "req_auth"}).AddRow(int64(13), int64(3)))
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_user_scopes").
		WithArgs("alice", int64(13)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.NoError(t, store.CheckScopeAccess(ctx, "alice", []string{"Employee.DELETE.all"}))

	// the * specifier checks against the maximum required level
	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT MAX\\(req_auth\\) FROM tinyapi.api_scopes").
		WithArgs("Employee", "GET").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(3)))
	err = store.CheckScopeAccess(ctx, "alice", []string{"Employee.GET.*"})
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, access.CodeScopeNotAllowed, denial.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// issuing deletes any prior token for the user, inserts the new one and
// grants the requested scopes, all in one transaction
func TestIssueAccessToken(t *testing.T) {
	store, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT scope_id FROM tinyapi.api_scopes WHERE resource").
		WithArgs("Employee", "GET", "self").
		WillReturnRows(sqlmock.NewRows([]string{"scope_id"}).AddRow(int64(10)))
	// uniqueness probe for the generated token
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_tokens").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_temp_keys").WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tinyapi.api_tokens WHERE user_id").
		WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO tinyapi.api_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO tinyapi.api_token_scopes").
		WithArgs(int64(42), int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	token, err := store.IssueAccessToken(ctx, "alice", []string{"Employee.GET.self"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "TAPI-"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// "available" grants exactly the scopes the user's level entitles
// them to
func TestIssueAccessTokenAvailable(t *testing.T) {
	store, mock := mockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT auth_level FROM tinyapi.users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"auth_level"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT scope_id FROM tinyapi.api_scopes WHERE req_auth").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"scope_id"}).
			AddRow(int64(10)).AddRow(int64(11)))
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_tokens").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_temp_keys").WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tinyapi.api_tokens WHERE user_id").
		WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO tinyapi.api_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow(int64(43)))
	mock.ExpectExec("INSERT INTO tinyapi.api_token_scopes").
		WithArgs(int64(43), int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tinyapi.api_token_scopes").
		WithArgs(int64(43), int64(11)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.IssueAccessToken(ctx, "alice", []string{"available"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueTempKey(t *testing.T) {
	store, mock := mockStore(t)

	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_tokens").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM tinyapi.api_temp_keys").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO tinyapi.api_temp_keys").
		WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := store.IssueTempKey(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "TEMP-"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
