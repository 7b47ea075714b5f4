package backend

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tinyapi/core/access"
	"github.com/relabs-tech/tinyapi/core/logger"
)

// response collects the envelope of one API call. Every envelope
// carries "ok"; successes add the resource payload keyed by its
// singular or plural name, failures add "error" plus contextual fields.
type response struct {
	status int
	data   map[string]any
}

func newResponse() *response {
	return &response{status: http.StatusOK, data: map[string]any{}}
}

func (r *response) setStatus(status int) {
	r.status = status
}

func (r *response) addData(name string, data any) {
	r.data[name] = data
}

func (r *response) ok(value bool) {
	r.addData("ok", value)
}

func (r *response) error(message string) {
	r.ok(false)
	r.addData("error", message)
}

func (r *response) errMissingField(fieldName, requestType, resourceName string) {
	r.setStatus(http.StatusBadRequest)
	r.error("Missing required field - Field '" + fieldName + "' is required for Resource '" + resourceName + "' with request type " + requestType)
}

func (r *response) errMalformedFilters(resourceName, requestType string) {
	r.setStatus(http.StatusBadRequest)
	r.error("Malformed Filter Query! Provided filter query for Resource '" + resourceName + "' with request type " + requestType + " could not be interpreted.")
}

func (r *response) errUnknownField(resourceName, requestType, fieldName string) {
	r.setStatus(http.StatusBadRequest)
	r.error("Unknown Field! Could not recognize Field '" + fieldName + "' for Resource '" + resourceName + "' with request type " + requestType)
}

func (r *response) errNotFound(fieldName string, field any, resourceName string) {
	r.setStatus(http.StatusNotFound)
	r.error("Resource of type '" + resourceName + "' with given '" + fieldName + "' could not be found.")
	r.addData("request_"+fieldName, field)
}

func (r *response) errAlreadyExists(resourceName string) {
	r.setStatus(http.StatusBadRequest)
	r.error("A Resource of type '" + resourceName + "' with those defining values already exists!")
}

func (r *response) errIncorrectType(resourceName, mistypedField, mistypedType, correctType string) {
	r.setStatus(http.StatusBadRequest)
	r.error("Incorrect type! Field '" + mistypedField + "' for Resource '" + resourceName + "' requires type '" + correctType + "'. Type '" + mistypedType + "' was provided.")
}

func (r *response) errOversizeField(resourceName, oversizeField string, givenSize, maxSize int64) {
	r.setStatus(http.StatusBadRequest)
	r.error(fmt.Sprintf("One of the given fields was too large! Field '%s' for Resource '%s' has max size '%d'. Provided size was '%d'.",
		oversizeField, resourceName, maxSize, givenSize))
}

func (r *response) errIncorrectFormat(resourceName, incorrectField string, givenField any) {
	r.setStatus(http.StatusBadRequest)
	r.error("One of the given fields was formatted incorrectly! Field '" + incorrectField + "' for Resource '" + resourceName + "' had bad format!")
	r.addData("request_"+incorrectField, givenField)
}

// authorizationError fills the envelope for a denied request. Unknown
// infrastructure errors become a generic message.
func (r *response) authorizationError(err error, requestToken string) {
	r.setStatus(http.StatusUnauthorized)
	var denial *access.Error
	if !errors.As(err, &denial) {
		r.error("An unknown error took place during permission check!")
		return
	}
	switch denial.Code {
	case access.CodeNoToken:
		if requestToken == "" {
			r.error("No access token was provided!")
		} else {
			r.error("The given access token could not be found")
			r.addData("request_token", requestToken)
		}
	case access.CodeExpired:
		r.error("The provided token was expired! Please acquire a new token")
		r.addData("expired", denial.Context)
	case access.CodeNoScope:
		r.error("The permission scope associated with this action could not be found.")
		r.addData("scope", denial.Context)
	case access.CodeNoPermission:
		r.error("The token you provided does not include the requested action in its scope.")
		r.addData("scope", denial.Context)
	default:
		r.error("An unknown error took place during permission check!")
	}
}

// send writes the envelope. An empty envelope is itself a server error,
// every response must at least carry "ok".
func (r *response) send(w http.ResponseWriter) {
	if len(r.data) == 0 {
		r.setStatus(http.StatusInternalServerError)
		r.addData("ok", false)
		r.addData("error", "For some reason, the server did not build any response data!")
	}
	payload, err := json.Marshal(r.data)
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot encode response")
		http.Error(w, "cannot encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(r.status)
	w.Write(payload)
}
