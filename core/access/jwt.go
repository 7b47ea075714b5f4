package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/tinyapi/core/logger"
)

type contextKey int

const contextKeyService contextKey = 1

// ContextWithService marks the context as carrying an authenticated
// backend service. Service requests bypass user token authorization.
func ContextWithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, contextKeyService, service)
}

// ServiceFromContext returns the authenticated service name, if any.
func ServiceFromContext(ctx context.Context) (string, bool) {
	service, ok := ctx.Value(contextKeyService).(string)
	return service, ok
}

// ServiceTokenMiddlewareBuilder is a helper builder for the service
// token middleware.
type ServiceTokenMiddlewareBuilder struct {
	// Key is the shared HMAC secret service tokens are signed with.
	Key []byte
}

type serviceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// NewServiceToken signs a service token for the named backend service.
// The token is valid for expiresIn, or indefinitely when zero.
func NewServiceToken(key []byte, service string, expiresIn time.Duration) (string, error) {
	claims := serviceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if expiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(expiresIn))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// NewServiceTokenMiddleware returns a middleware handler that validates
// HS256-signed bearer token from trusted backend services.
//
// Service tokens are accepted as "Authorization: Bearer" header. A valid
// token marks the request context as a service request; an invalid token
// is rejected with http.StatusUnauthorized. Requests without a bearer
// header pass through untouched.
func NewServiceTokenMiddleware(smb *ServiceTokenMiddlewareBuilder) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := ServiceFromContext(r.Context()); ok {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
				tokenString = bearer[7:]
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r)
				return
			}
			rlog := logger.FromContext(r.Context())

			var claims serviceClaims
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return smb.Key, nil
			})
			if err != nil || !token.Valid || claims.Service == "" {
				rlog.WithError(err).Warningln("rejected service token")
				http.Error(w, "invalid service token", http.StatusUnauthorized)
				return
			}
			rlog.Debugln("authenticated service", claims.Service)
			ctx := ContextWithService(r.Context(), claims.Service)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, claims.Service)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
