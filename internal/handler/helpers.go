package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/taskhub/internal/apperr"
	"github.com/taskhub/internal/logger"
	"github.com/taskhub/internal/middleware"
	"github.com/taskhub/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code apperr.Code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: string(code)})
}

// writeAppError отвечает по коду ошибки; внутренние ошибки логируются и не раскрываются.
func writeAppError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		logger.Ctx(r.Context()).Error().Err(err).Str("op", op).Msg("request failed")
	}
	writeError(w, apperr.HTTPStatus(err), code, apperr.MessageOf(err))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, apperr.CodeValidation, "invalid body")
		return nil, false
	}
	return body, true
}

// identity возвращает пользователя из BearerAuth; без него — 401.
func identity(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, apperr.CodeUnauthorized, "unauthorized")
	}
	return id, ok
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
