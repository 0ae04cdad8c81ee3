package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	response := errorResponse{Error: err.Error()}
	var coreErr *types.Error
	if errors.As(err, &coreErr) {
		response.Kind = string(coreErr.Kind)
		response.Code = coreErr.Code
	}
	writeJSON(w, statusFor(err), response)
}

// statusFor maps core error kinds and codes onto HTTP statuses. Anything not
// a core error is a 500.
func statusFor(err error) int {
	switch types.CodeOf(err) {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeDuplicateModel:
		return http.StatusConflict
	case types.CodeInvalidState:
		return http.StatusConflict
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	}

	var coreErr *types.Error
	if !errors.As(err, &coreErr) {
		return http.StatusInternalServerError
	}
	switch coreErr.Kind {
	case types.ErrorKindValidation:
		return http.StatusBadRequest
	case types.ErrorKindResource, types.ErrorKindPreemption, types.ErrorKindHealth:
		return http.StatusConflict
	case types.ErrorKindAdapter, types.ErrorKindTransport:
		return http.StatusBadGateway
	case types.ErrorKindProbe:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
