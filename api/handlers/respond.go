package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"setu/core/auth"
	"setu/core/chat"
	"setu/core/lifecycle"
	"setu/core/media"
	"setu/core/reports"
	"setu/core/utils"
)

const jsonBodyMaxBytes = 64 * 1024

var validate = newValidator()

// newValidator reports the `msg` tag of a failing field as its name, so a
// validation failure carries the message key the client shows.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if key := f.Tag.Get("msg"); key != "" {
			return key
		}
		return f.Name
	})
	return v
}

func urlParam(r *http.Request, key string) string {
	return strings.TrimSpace(chi.URLParam(r, key))
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorKey writes {"error": key, "message": text}.
func WriteErrorKey(w http.ResponseWriter, status int, key string) {
	writeErrorKey(w, status, key)
}

func writeErrorKey(w http.ResponseWriter, status int, key string) {
	writeJSON(w, status, map[string]any{"error": key, "message": Message(key)})
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, jsonBodyMaxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
		return false
	}
	return validStruct(w, dst)
}

func validStruct(w http.ResponseWriter, v any) bool {
	err := validate.Struct(v)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		writeErrorKey(w, http.StatusBadRequest, fieldErrs[0].Field())
		return false
	}
	writeErrorKey(w, http.StatusBadRequest, "common.badRequest")
	return false
}

type errorMapping struct {
	target error
	status int
	key    string
}

var errorTable = []errorMapping{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "auth.invalidCredentials"},
	{auth.ErrSessionInvalid, http.StatusUnauthorized, "auth.sessionInvalid"},
	{auth.ErrEmailTaken, http.StatusConflict, "auth.emailTaken"},
	{auth.ErrInvalidRole, http.StatusBadRequest, "auth.roleInvalid"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "auth.passwordWeak"},
	{auth.ErrInvalidEmail, http.StatusBadRequest, "auth.emailInvalid"},
	{auth.ErrNameRequired, http.StatusBadRequest, "auth.nameRequired"},
	{auth.ErrCityInvalid, http.StatusBadRequest, "auth.cityInvalid"},
	{lifecycle.ErrNotFound, http.StatusNotFound, "reports.notFound"},
	{lifecycle.ErrInvalidTransition, http.StatusConflict, "reports.transitionNotAllowed"},
	{lifecycle.ErrRoleNotAllowed, http.StatusForbidden, "reports.roleNotAllowed"},
	{lifecycle.ErrNotAssignee, http.StatusForbidden, "reports.notAssignee"},
	{lifecycle.ErrPhotoRequired, http.StatusBadRequest, "reports.afterPhotoRequired"},
	{lifecycle.ErrConflict, http.StatusConflict, "reports.alreadyTaken"},
	{reports.ErrForbidden, http.StatusForbidden, "reports.notAuthor"},
	{chat.ErrEmptyMessage, http.StatusBadRequest, "chat.empty"},
	{chat.ErrTextTooLong, http.StatusBadRequest, "chat.textTooLong"},
	{media.ErrNotImage, http.StatusBadRequest, "media.notImage"},
	{media.ErrTooLarge, http.StatusRequestEntityTooLarge, "media.tooLarge"},
	{media.ErrEmpty, http.StatusBadRequest, "media.empty"},
}

// writeError maps a service error onto a status and message key. Anything
// unknown is logged and reported as a 500.
func writeError(w http.ResponseWriter, logger *utils.Logger, err error) {
	var verr *reports.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		if verr.Key == "media.tooLarge" {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]any{"error": verr.Key, "message": Message(verr.Key), "field": verr.Field})
		return
	}
	for _, m := range errorTable {
		if errors.Is(err, m.target) {
			writeErrorKey(w, m.status, m.key)
			return
		}
	}
	if utils.IsRetryable(err) {
		logger.Errorf("retryable: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "common.unavailable", "message": Message("common.unavailable"), "retryable": true})
		return
	}
	logger.Errorf("unhandled: %v", err)
	writeErrorKey(w, http.StatusInternalServerError, "common.internal")
}

func viewerOrReject(w http.ResponseWriter, r *http.Request) (auth.Viewer, bool) {
	v, ok := auth.ViewerFromContext(r.Context())
	if !ok {
		writeErrorKey(w, http.StatusUnauthorized, "auth.sessionInvalid")
	}
	return v, ok
}
