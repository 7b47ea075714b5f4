// Package access implements token-based authorization: scopes bound to
// tokens, temporary login keys, and the request authorization algorithm.
package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/resource"
)

// Specifier narrows a scope to a subset of rows.
type Specifier string

const (
	// SpecifierSelf matches rows that belong to the requesting user.
	SpecifierSelf Specifier = "self"
	// SpecifierOthers matches rows that belong to somebody else.
	SpecifierOthers Specifier = "others"
	// SpecifierAll matches any row.
	SpecifierAll Specifier = "all"
)

// Denial codes returned to clients.
const (
	CodeNoToken         = "NOTOKEN"
	CodeExpired         = "EXPIRED"
	CodeNoScope         = "NOSCOPE"
	CodeNoPermission    = "NOPERM"
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeScopeNotFound   = "SCOPE_NOT_FOUND"
	CodeScopeNotAllowed = "SCOPE_NOT_ALLOWED"
)

// Error is an authorization denial. Context carries the scope or value
// the denial refers to, empty when there is none.
type Error struct {
	Code    string
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Code
	}
	return e.Code + ": " + e.Context
}

// TokenSource provides the token and scope lookups Authorize needs.
// *Store implements it against the database, tests use in-memory fakes.
type TokenSource interface {
	TokenByString(ctx context.Context, token string) (*Token, error)
	ScopeID(ctx context.Context, res string, action core.Action, specifier Specifier) (int64, bool, error)
	HasTokenScope(ctx context.Context, tokenID, scopeID int64) (bool, error)
}

// Authorize decides whether the token may perform action on the resource.
// It returns nil to allow, an *Error to deny, and any other error for
// infrastructure failures.
//
// When the resource has self-ownership semantics, the request values
// determine whether the "self" or the "others" scope applies. A token
// that lacks the narrowed scope but holds the "all" scope is still
// allowed, so the evaluation runs in two steps: first the computed
// specifier, then "all".
func Authorize(ctx context.Context, src TokenSource, clock Clock, token, res string, action core.Action, schema *resource.Schema, values map[string]any) error {
	if token == "" {
		return &Error{Code: CodeNoToken}
	}
	tok, err := src.TokenByString(ctx, token)
	if err != nil {
		return err
	}
	if tok == nil {
		return &Error{Code: CodeNoToken}
	}
	if clock.Now().After(tok.Expiration) {
		return &Error{Code: CodeExpired, Context: tok.Expiration.UTC().Format("2006-01-02 15:04:05")}
	}

	specifier := SpecifierAll
	if schema != nil && schema.HasSelf {
		specifier = computeSpecifier(schema, values, tok.UserID)
	}

	denial, err := evaluateScope(ctx, src, tok, res, action, specifier)
	if err != nil || denial == nil {
		return err
	}
	if specifier != SpecifierAll && denial.Code == CodeNoPermission {
		denial, err = evaluateScope(ctx, src, tok, res, action, SpecifierAll)
		if err != nil {
			return err
		}
	}
	if denial != nil {
		return denial
	}
	return nil
}

func evaluateScope(ctx context.Context, src TokenSource, tok *Token, res string, action core.Action, specifier Specifier) (*Error, error) {
	scopeName := res + "." + string(action) + "." + string(specifier)
	scopeID, ok, err := src.ScopeID(ctx, res, action, specifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Error{Code: CodeNoScope, Context: scopeName}, nil
	}
	has, err := src.HasTokenScope(ctx, tok.ID, scopeID)
	if err != nil {
		return nil, err
	}
	if !has {
		return &Error{Code: CodeNoPermission, Context: scopeName}, nil
	}
	return nil, nil
}

// computeSpecifier classifies the request as targeting the user's own
// rows or somebody else's. A request is "self" when it addresses the
// user's own identifier, filters on a self field equal to the user, or
// carries a self field with the user's value.
func computeSpecifier(schema *resource.Schema, values map[string]any, userID string) Specifier {
	if schema.Identifier == "user_id" {
		if v, ok := values["user_id"]; ok && valueString(v) == userID {
			return SpecifierSelf
		}
	}
	if filtersOnSelf(schema, values, userID) {
		return SpecifierSelf
	}
	for _, name := range schema.SelfFields {
		if v, ok := values[name]; ok && valueString(v) == userID {
			return SpecifierSelf
		}
	}
	return SpecifierOthers
}

func filtersOnSelf(schema *resource.Schema, values map[string]any, userID string) bool {
	for key, value := range values {
		if !strings.HasPrefix(key, "filter_") {
			continue
		}
		parts := strings.Fields(valueString(value))
		if len(parts) != 3 || parts[1] != "equal" || parts[2] != userID {
			continue
		}
		for _, name := range schema.SelfFields {
			if parts[0] == name {
				return true
			}
		}
	}
	return false
}

func valueString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ParseScope splits a "resource.action.specifier" scope name. The
// specifier may itself contain dots.
func ParseScope(scope string) (res string, action core.Action, specifier string, err error) {
	parts := strings.SplitN(scope, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed scope %q", scope)
	}
	return parts[0], core.Action(parts[1]), parts[2], nil
}
