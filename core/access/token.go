package access

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"
)

const (
	// TempKeyPrefix marks single-use login keys.
	TempKeyPrefix = "TEMP"
	// AccessTokenPrefix marks long-lived access tokens.
	AccessTokenPrefix = "TAPI"

	// TempKeyLifetime is how long a temporary key can be exchanged.
	TempKeyLifetime = 60 * time.Second
	// AccessTokenLifetime is how long an access token stays valid.
	AccessTokenLifetime = 24 * time.Hour

	tokenLength   = 48
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// AvailableScopes requests every scope the user's authorization level
// entitles them to.
const AvailableScopes = "available"

// GenerateToken creates a random alphanumeric token of the given length,
// prefixed with prefix and a dash. Random bytes outside the largest
// multiple of the alphabet size are rejected so every character is
// equally likely.
func GenerateToken(length int, prefix string) (string, error) {
	const limit = byte(len(tokenAlphabet) * (256 / len(tokenAlphabet)))
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return prefix + "-" + string(out), nil
}

func (s *Store) generateUniqueToken(ctx context.Context, prefix string) (string, error) {
	for {
		token, err := GenerateToken(tokenLength, prefix)
		if err != nil {
			return "", err
		}
		exists, err := s.tokenStringExists(ctx, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
	}
}

// IssueTempKey creates a single-use temporary key for the user. The key
// expires after TempKeyLifetime and can be exchanged exactly once for an
// access token.
func (s *Store) IssueTempKey(ctx context.Context, userID string) (string, error) {
	key, err := s.generateUniqueToken(ctx, TempKeyPrefix)
	if err != nil {
		return "", err
	}
	_, err = s.DB.ExecContext(ctx,
		"INSERT INTO "+s.DB.Schema+".api_temp_keys (temp_key, user_id, expiration) VALUES ($1, $2, $3);",
		key, userID, s.Clock.Now().Add(TempKeyLifetime))
	if err != nil {
		return "", fmt.Errorf("temp key insert: %w", err)
	}
	return key, nil
}

// ConsumeTempKey atomically deletes the key if it belongs to the user
// and has not expired. It reports whether the key was valid. Concurrent
// exchanges of the same key succeed at most once.
func (s *Store) ConsumeTempKey(ctx context.Context, key, userID string) (bool, error) {
	result, err := s.DB.ExecContext(ctx,
		"DELETE FROM "+s.DB.Schema+".api_temp_keys WHERE temp_key = $1 AND user_id = $2 AND expiration > $3;",
		key, userID, s.Clock.Now())
	if err != nil {
		return false, fmt.Errorf("temp key consume: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CheckScopeAccess verifies that the user may be granted every scope in
// the request. It returns an *Error for denials and any other error for
// infrastructure failures.
func (s *Store) CheckScopeAccess(ctx context.Context, userID string, scopes []string) error {
	level, ok, err := s.UserAuthLevel(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Code: CodeUserNotFound, Context: userID}
	}
	for _, scope := range scopes {
		if scope == AvailableScopes {
			continue
		}
		res, action, specifier, err := ParseScope(scope)
		if err != nil {
			return &Error{Code: CodeScopeNotFound, Context: scope}
		}
		if specifier == "*" {
			max, ok, err := s.MaxReqAuth(ctx, res, action)
			if err != nil {
				return err
			}
			if !ok {
				return &Error{Code: CodeScopeNotFound, Context: scope}
			}
			if max > level {
				return &Error{Code: CodeScopeNotAllowed, Context: scope}
			}
			continue
		}
		sc, err := s.ScopeByName(ctx, res, action, Specifier(specifier))
		if err != nil {
			return err
		}
		if sc == nil {
			return &Error{Code: CodeScopeNotFound, Context: scope}
		}
		if sc.ReqAuth > level {
			granted, err := s.HasUserScope(ctx, userID, sc.ID)
			if err != nil {
				return err
			}
			if !granted {
				return &Error{Code: CodeScopeNotAllowed, Context: scope}
			}
		}
	}
	return nil
}

// IssueAccessToken creates a new access token for the user carrying the
// requested scopes and revokes all previously issued tokens. Scope names
// must already have passed CheckScopeAccess. The specifier "*" expands
// to every variant of the scope, and the single scope "available" to
// everything the user's level entitles them to.
func (s *Store) IssueAccessToken(ctx context.Context, userID string, scopes []string) (string, error) {
	scopeIDs, err := s.resolveGrantScopes(ctx, userID, scopes)
	if err != nil {
		return "", err
	}
	token, err := s.generateUniqueToken(ctx, AccessTokenPrefix)
	if err != nil {
		return "", err
	}
	expiration := s.Clock.Now().Add(AccessTokenLifetime)

	err = s.DB.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+s.DB.Schema+".api_tokens WHERE user_id = $1;", userID); err != nil {
			return err
		}
		var tokenID int64
		err := tx.QueryRowContext(ctx,
			"INSERT INTO "+s.DB.Schema+".api_tokens (user_id, token, expiration) VALUES ($1, $2, $3) RETURNING token_id;",
			userID, token, expiration).Scan(&tokenID)
		if err != nil {
			return err
		}
		for _, scopeID := range scopeIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+s.DB.Schema+".api_token_scopes (token_id, scope_id) VALUES ($1, $2) ON CONFLICT DO NOTHING;",
				tokenID, scopeID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("token issue: %w", err)
	}
	return token, nil
}

func (s *Store) resolveGrantScopes(ctx context.Context, userID string, scopes []string) ([]int64, error) {
	if len(scopes) == 1 && scopes[0] == AvailableScopes {
		level, ok, err := s.UserAuthLevel(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &Error{Code: CodeUserNotFound, Context: userID}
		}
		return s.ScopeIDsForLevel(ctx, level)
	}

	var ids []int64
	for _, scope := range scopes {
		if scope == AvailableScopes {
			continue
		}
		res, action, specifier, err := ParseScope(scope)
		if err != nil {
			return nil, &Error{Code: CodeScopeNotFound, Context: scope}
		}
		if specifier == "*" {
			expanded, err := s.ScopeIDsFor(ctx, res, action)
			if err != nil {
				return nil, err
			}
			ids = append(ids, expanded...)
			continue
		}
		id, ok, err := s.ScopeID(ctx, res, action, Specifier(specifier))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &Error{Code: CodeScopeNotFound, Context: scope}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
