package access

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/csql"
)

// Token is an issued access token or the row behind it.
type Token struct {
	ID         int64
	UserID     string
	Token      string
	Expiration time.Time
}

// Scope is a single grantable permission.
type Scope struct {
	ID        int64
	Resource  string
	Action    core.Action
	Specifier Specifier
	ReqAuth   int64
}

// Clock abstracts time for token expiration checks and issuance.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Store gives database-backed access to tokens, scopes and temporary
// keys. It implements TokenSource.
type Store struct {
	DB    *csql.DB
	Clock Clock
}

// NewStore creates a store on the given database.
func NewStore(db *csql.DB) *Store {
	return &Store{DB: db, Clock: SystemClock}
}

// TokenByString looks up an access token. It returns (nil, nil) when the
// token does not exist.
func (s *Store) TokenByString(ctx context.Context, token string) (*Token, error) {
	var t Token
	err := s.DB.QueryRowContext(ctx,
		"SELECT token_id, user_id, token, expiration FROM "+s.DB.Schema+".api_tokens WHERE token = $1;",
		token).Scan(&t.ID, &t.UserID, &t.Token, &t.Expiration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup: %w", err)
	}
	return &t, nil
}

// ScopeID resolves a scope to its id.
func (s *Store) ScopeID(ctx context.Context, res string, action core.Action, specifier Specifier) (int64, bool, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT scope_id FROM "+s.DB.Schema+".api_scopes WHERE resource = $1 AND action = $2 AND specifier = $3;",
		res, string(action), string(specifier)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("scope lookup: %w", err)
	}
	return id, true, nil
}

// ScopeByName resolves a scope with its required authorization level.
func (s *Store) ScopeByName(ctx context.Context, res string, action core.Action, specifier Specifier) (*Scope, error) {
	sc := Scope{Resource: res, Action: action, Specifier: specifier}
	err := s.DB.QueryRowContext(ctx,
		"SELECT scope_id, req_auth FROM "+s.DB.Schema+".api_scopes WHERE resource = $1 AND action = $2 AND specifier = $3;",
		res, string(action), string(specifier)).Scan(&sc.ID, &sc.ReqAuth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scope lookup: %w", err)
	}
	return &sc, nil
}

// ScopeIDsFor returns the ids of all specifier variants of a scope.
func (s *Store) ScopeIDsFor(ctx context.Context, res string, action core.Action) ([]int64, error) {
	return s.scopeIDs(ctx,
		"SELECT scope_id FROM "+s.DB.Schema+".api_scopes WHERE resource = $1 AND action = $2;",
		res, string(action))
}

// ScopeIDsForLevel returns the ids of all scopes a given authorization
// level is entitled to.
func (s *Store) ScopeIDsForLevel(ctx context.Context, level int64) ([]int64, error) {
	return s.scopeIDs(ctx,
		"SELECT scope_id FROM "+s.DB.Schema+".api_scopes WHERE req_auth <= $1;", level)
}

func (s *Store) scopeIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scope ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MaxReqAuth returns the highest authorization level any specifier
// variant of the scope requires.
func (s *Store) MaxReqAuth(ctx context.Context, res string, action core.Action) (int64, bool, error) {
	var max sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		"SELECT MAX(req_auth) FROM "+s.DB.Schema+".api_scopes WHERE resource = $1 AND action = $2;",
		res, string(action)).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("scope max req_auth: %w", err)
	}
	return max.Int64, max.Valid, nil
}

// HasTokenScope reports whether the scope has been granted to the token.
func (s *Store) HasTokenScope(ctx context.Context, tokenID, scopeID int64) (bool, error) {
	return s.exists(ctx,
		"SELECT 1 FROM "+s.DB.Schema+".api_token_scopes WHERE token_id = $1 AND scope_id = $2;",
		tokenID, scopeID)
}

// HasUserScope reports whether the user holds an individual override
// for the scope.
func (s *Store) HasUserScope(ctx context.Context, userID string, scopeID int64) (bool, error) {
	return s.exists(ctx,
		"SELECT 1 FROM "+s.DB.Schema+".api_user_scopes WHERE user_id = $1 AND scope_id = $2;",
		userID, scopeID)
}

// UserAuthLevel returns the user's authorization level.
func (s *Store) UserAuthLevel(ctx context.Context, userID string) (int64, bool, error) {
	var level int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT auth_level FROM "+s.DB.Schema+".users WHERE user_id = $1;", userID).Scan(&level)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("user lookup: %w", err)
	}
	return level, true, nil
}

func (s *Store) tokenStringExists(ctx context.Context, token string) (bool, error) {
	ok, err := s.exists(ctx,
		"SELECT 1 FROM "+s.DB.Schema+".api_tokens WHERE token = $1;", token)
	if err != nil || ok {
		return ok, err
	}
	return s.exists(ctx,
		"SELECT 1 FROM "+s.DB.Schema+".api_temp_keys WHERE temp_key = $1;", token)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return true, nil
}
