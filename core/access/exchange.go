package access

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/tinyapi/core/logger"
)

type exchangeRequest struct {
	UserID  string   `json:"user_id"`
	TempKey string   `json:"temp_key"`
	Scopes  []string `json:"scopes"`
}

// HandleExchangeRoute mounts the temp-key exchange endpoint on the
// router. POST with a valid temporary key, the owning user and a scope
// list returns a fresh access token; the key is consumed even when the
// scope check fails afterwards.
func HandleExchangeRoute(router *mux.Router, store *Store) {
	logger.Default().Debugln("route: /auth/token POST")

	router.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		exchangeToken(w, r, store)
	}).Methods(http.MethodPost)

	router.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		writeExchangeJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"ok":    false,
			"error": "The request type used is not permitted here. This page only accepts POST requests.",
		})
	})
}

func exchangeToken(w http.ResponseWriter, r *http.Request, store *Store) {
	rlog := logger.FromContext(r.Context())

	var req exchangeRequest
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil || req.UserID == "" || req.TempKey == "" || len(req.Scopes) == 0 {
		writeExchangeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "Missing required data: this request requires 'scopes', 'temp_key' and 'user_id'",
		})
		return
	}

	ctx := r.Context()
	consumed, err := store.ConsumeTempKey(ctx, req.TempKey, req.UserID)
	if err != nil {
		rlog.WithError(err).Errorln("temp key exchange failed")
		writeExchangeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "Internal server error"})
		return
	}
	if !consumed {
		writeExchangeJSON(w, http.StatusUnauthorized, map[string]any{
			"ok":               false,
			"error":            "Login attempt failed! Either temp_key doesn't exist, is expired, or is validated to another user!",
			"request_user_id":  req.UserID,
			"request_temp_key": req.TempKey,
		})
		return
	}

	if err := store.CheckScopeAccess(ctx, req.UserID, req.Scopes); err != nil {
		var denial *Error
		if !errors.As(err, &denial) {
			rlog.WithError(err).Errorln("scope check failed")
			writeExchangeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "Internal server error"})
			return
		}
		response := map[string]any{"ok": false}
		status := http.StatusUnauthorized
		switch denial.Code {
		case CodeUserNotFound:
			status = http.StatusNotFound
			response["error"] = "User was not found"
			response["request_user_id"] = req.UserID
		case CodeScopeNotFound:
			status = http.StatusNotFound
			response["error"] = "One of the requested scopes was not found."
			response["request_scope"] = denial.Context
		case CodeScopeNotAllowed:
			response["error"] = "This user is not permitted access to one of the requested scopes."
			response["request_user_id"] = req.UserID
			response["request_scope"] = denial.Context
		default:
			response["error"] = denial.Code
		}
		writeExchangeJSON(w, status, response)
		return
	}

	token, err := store.IssueAccessToken(ctx, req.UserID, req.Scopes)
	if err != nil {
		rlog.WithError(err).Errorln("token issue failed")
		writeExchangeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "Internal server error"})
		return
	}
	rlog.Infoln("issued access token for user", req.UserID)
	writeExchangeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": token})
}

func writeExchangeJSON(w http.ResponseWriter, status int, body map[string]any) {
	payload, _ := json.Marshal(body)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(payload)
}
