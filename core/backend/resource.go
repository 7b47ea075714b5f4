package backend

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/access"
	"github.com/relabs-tech/tinyapi/core/filter"
	"github.com/relabs-tech/tinyapi/core/logger"
	"github.com/relabs-tech/tinyapi/core/resource"
)

// resourceHandler serves all verbs of the generic /{resource} route:
// reflect the schema, validate types and formats, authorize, execute.
func (b *Backend) resourceHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rlog := logger.FromContext(ctx)
	name := mux.Vars(r)["resource"]
	rlog.Debugln("called route for", r.URL, r.Method)

	response := newResponse()
	defer func() { response.send(w) }()

	req, err := parseRequest(r, true)
	if err != nil {
		response.setStatus(http.StatusBadRequest)
		response.error("The request body could not be parsed as JSON.")
		return
	}

	if !b.config.exposes(name) {
		response.setStatus(http.StatusNotFound)
		response.error("Unknown Resource! Could not find Resource '" + name + "'")
		return
	}
	schema, err := resource.Load(ctx, b.db, b.db.Schema, name)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			response.setStatus(http.StatusNotFound)
			response.error("Unknown Resource! Could not find Resource '" + name + "'")
		} else {
			rlog.WithError(err).Errorln("cannot reflect resource", name)
			response.setStatus(http.StatusInternalServerError)
			response.error("Something went wrong while loading the resource definition.")
		}
		return
	}

	if req.Method == core.ActionGet {
		resource.FixTypes(schema, req.Data())
	}
	if typeErr := resource.CheckTypes(schema, req.Data()); typeErr != nil {
		response.errIncorrectType(schema.SnakeName, typeErr.Field, typeErr.Given, string(typeErr.Expected))
		return
	}
	if formatErr := resource.CheckFormats(schema, req.Data()); formatErr != nil {
		if formatErr.Oversize {
			response.errOversizeField(schema.SnakeName, formatErr.Field, formatErr.GivenSize, schema.Field(formatErr.Field).Size)
		} else {
			response.errIncorrectFormat(schema.SnakeName, formatErr.Field, req.Get(formatErr.Field))
		}
		return
	}

	if denied := b.authorize(r, req, schema, response); denied {
		return
	}

	switch req.Method {
	case core.ActionGet:
		b.getResource(r, req, schema, response)
	case core.ActionPost:
		b.postResource(r, req, schema, response)
	case core.ActionPut:
		b.putResource(r, req, schema, response)
	case core.ActionDelete:
		b.deleteResource(r, req, schema, response)
	default:
		response.setStatus(http.StatusNotImplemented)
		response.ok(false)
		response.addData("error", "Operation not yet implemented")
	}
}

// authorize runs the scope check for the request. Authenticated backend
// services bypass the token engine. It reports true when the request
// was denied and the response filled in.
func (b *Backend) authorize(r *http.Request, req *Request, schema *resource.Schema, response *response) bool {
	ctx := r.Context()
	if _, ok := access.ServiceFromContext(ctx); ok {
		return false
	}
	err := access.Authorize(ctx, b.store, b.store.Clock, req.Token(), schema.Resource, req.Method, schema, req.Data())
	if err == nil {
		return false
	}
	var denial *access.Error
	if errors.As(err, &denial) {
		response.authorizationError(denial, req.Token())
	} else {
		logger.FromContext(ctx).WithError(err).Errorln("authorization failed")
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong during the permission check.")
	}
	return true
}

func (b *Backend) getResource(r *http.Request, req *Request, schema *resource.Schema, response *response) {
	ctx := r.Context()

	sortField := req.SortBy(schema.Identifier)
	if !schema.HasField(sortField) {
		response.errUnknownField(schema.Resource, string(req.Method), sortField)
		return
	}
	limit := req.Limit(schema.DefaultListAmt, schema.MaxList)
	page := req.Page()

	fragment, filterErr := filter.Compile(schema, req.Data(), 0)
	if filterErr != nil {
		if filterErr.Code == filter.CodeUnknownField {
			response.errUnknownField(schema.Resource, string(req.Method), filterErr.Token)
		} else {
			response.errMalformedFilters(schema.Resource, string(req.Method))
		}
		return
	}

	rows, err := b.executor.List(ctx, schema, limit, page, sortField, req.SortDirection(), fragment)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("list failed for", schema.Resource)
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong while reading the requested resources.")
		return
	}
	response.ok(true)
	response.addData("_page", page)
	response.addData(schema.SnakeNamePlural, rows)
}

func (b *Backend) postResource(r *http.Request, req *Request, schema *resource.Schema, response *response) {
	ctx := r.Context()

	for _, required := range schema.PostRequired {
		if !req.Has(required) {
			response.errMissingField(required, string(req.Method), schema.SnakeName)
			return
		}
	}

	id, err := b.executor.Create(ctx, schema, req.Data())
	if err != nil {
		if errors.Is(err, ErrConflict) {
			response.errAlreadyExists(schema.SnakeName)
		} else {
			logger.FromContext(ctx).WithError(err).Errorln("create failed for", schema.Resource)
			response.setStatus(http.StatusInternalServerError)
			response.error("Something went wrong while attempting to create the resource.")
		}
		return
	}

	row, err := b.executor.Read(ctx, schema, id)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot read back created row for", schema.Resource)
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong while reading the created resource.")
		return
	}
	response.ok(true)
	response.addData(schema.SnakeName, row)
	b.notify(ctx, schema.SnakeName, core.ActionPost, row)
}

func (b *Backend) putResource(r *http.Request, req *Request, schema *resource.Schema, response *response) {
	ctx := r.Context()

	if !req.Has(schema.Identifier) {
		response.errMissingField(schema.Identifier, string(req.Method), schema.SnakeName)
		return
	}
	id := req.Get(schema.Identifier)
	if _, err := b.executor.Read(ctx, schema, id); err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			response.errNotFound(schema.Identifier, id, schema.SnakeName)
		} else {
			response.setStatus(http.StatusInternalServerError)
			response.error("Something went wrong while reading the requested resource.")
		}
		return
	}

	// per-field updates, earlier writes stay committed if a later one fails
	isOK := true
	for _, option := range schema.PutOptions {
		if !req.Has(option) || option == schema.Identifier {
			continue
		}
		if err := b.executor.EditField(ctx, schema, id, option, req.Get(option)); err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("update failed for", schema.Resource, "field", option)
			isOK = false
		}
	}
	if !isOK {
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong while attempting to update values")
		return
	}

	row, err := b.executor.Read(ctx, schema, id)
	if err != nil {
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong while reading the updated resource.")
		return
	}
	response.ok(true)
	response.addData(schema.SnakeName, row)
	b.notify(ctx, schema.SnakeName, core.ActionPut, row)
}

func (b *Backend) deleteResource(r *http.Request, req *Request, schema *resource.Schema, response *response) {
	ctx := r.Context()

	if !req.Has(schema.Identifier) {
		response.errMissingField(schema.Identifier, string(req.Method), schema.SnakeName)
		return
	}
	id := req.Get(schema.Identifier)
	if _, err := b.executor.Read(ctx, schema, id); err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			response.errNotFound(schema.Identifier, id, schema.SnakeName)
		} else {
			response.setStatus(http.StatusInternalServerError)
			response.error("Something went wrong while reading the requested resource.")
		}
		return
	}

	count, err := b.executor.Delete(ctx, schema, id)
	if err != nil || count == 0 {
		logger.FromContext(ctx).WithError(err).Errorln("delete failed for", schema.Resource)
		response.setStatus(http.StatusInternalServerError)
		response.error("Something went wrong while attempting to delete the requested resource of type '" +
			schema.SnakeName + "' with " + schema.Identifier + ": '" + req.String(schema.Identifier) + "'")
		return
	}
	response.ok(true)
	response.addData(schema.Identifier, id)
	b.notify(ctx, schema.SnakeName, core.ActionDelete, map[string]any{schema.Identifier: id})
}
