// Package backend implements the generic REST engine: one family of
// routes serving CRUD operations over any table registered as a
// resource, gated by the scope-based authorization of core/access.
package backend

import (
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/access"
	"github.com/relabs-tech/tinyapi/core/csql"
	"github.com/relabs-tech/tinyapi/core/logger"
)

// Backend is the generic rest backend
type Backend struct {
	config   Configuration
	db       *csql.DB
	router   *mux.Router
	store    *access.Store
	executor *Executor
	notifier core.Notifier
	mailer   Mailer
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON configuration of the backend. This is mandatory.
	Config string
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Mailer delivers mail for the email resource. This is optional; without
	// it the email route reports a server error.
	Mailer Mailer
	// Notifier receives a notification after every successful mutation.
	// This is optional.
	Notifier core.Notifier
	// JWTKey is the shared secret for service tokens. This is optional;
	// without it the service token middleware is not installed.
	JWTKey []byte
}

// New realizes the actual backend. It validates the configuration and
// adds all routes to the router.
func New(bb *Builder) *Backend {
	config, err := parseConfiguration(bb.Config)
	if err != nil {
		panic(err)
	}
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	b := &Backend{
		config:   config,
		db:       bb.DB,
		router:   bb.Router,
		store:    access.NewStore(bb.DB),
		executor: &Executor{DB: bb.DB},
		notifier: bb.Notifier,
		mailer:   bb.Mailer,
	}

	logger.AddRequestID(b.router)
	b.handleCORS()
	if len(bb.JWTKey) > 0 {
		b.router.Use(access.NewServiceTokenMiddleware(&access.ServiceTokenMiddlewareBuilder{Key: bb.JWTKey}))
	}
	access.HandleExchangeRoute(b.router, b.store)
	b.handleRoutes(b.router)
	return b
}

// handleRoutes adds the resource handlers. The email action resource is
// registered before the generic resource route so the static path wins.
func (b *Backend) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("route: /email POST")
	rlog.Debugln("route: /{resource} GET POST PUT DELETE")

	router.Handle("/email", handlers.CompressHandler(http.HandlerFunc(b.emailHandler)))
	router.Handle("/{resource}", handlers.CompressHandler(http.HandlerFunc(b.resourceHandler)))
}

func parameterString(n int) string {
	result := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			result += ","
		}
		result += "$" + strconv.Itoa(i)
	}
	return result
}
