/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/realtime"
)

var (
	errBadRequest = errors.New("malformed request")
	errForbidden  = errors.New("not allowed for this player")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, game.ErrRoomNotFound), errors.Is(err, game.ErrPlayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, game.ErrNotYourTurn),
		errors.Is(err, game.ErrRoomChanged),
		errors.Is(err, game.ErrTransitionInProgress),
		errors.Is(err, game.ErrDeckExhausted),
		errors.Is(err, game.ErrNameTaken):
		return http.StatusConflict
	case errors.Is(err, game.ErrUnavailable), errors.Is(err, game.ErrLobbyCodeTaken):
		return http.StatusServiceUnavailable
	}

	if game.KindOf(err) == game.KindValidation {
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("SERVE: write response failed")
	}
}

func writeError(cfg *Config, w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	body := realtime.ErrorBody{
		Error: err.Error(),
		Code:  game.CodeOf(err),
		Kind:  game.KindOf(err).String(),
	}
	switch {
	case errors.Is(err, errBadRequest):
		body.Code = "bad_request"
		body.Kind = game.KindValidation.String()
	case errors.Is(err, errForbidden):
		body.Code = "forbidden"
		body.Kind = game.KindValidation.String()
	}

	event := log.Debug()
	if status >= http.StatusInternalServerError {
		event = log.Error()
		if status == http.StatusInternalServerError {
			body.Error = http.StatusText(status)
		}
	}
	event.Err(err).
		Int("status", status).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("ip", realIP(r)).
		Msg("SERVE: request failed")

	writeJSON(cfg, w, status, body)
}

func serverError(cfg *Config) func(http.ResponseWriter, *http.Request, any) {
	return func(w http.ResponseWriter, r *http.Request, i any) {
		log.Error().
			Interface("panic", i).
			Str("path", r.URL.Path).
			Msg("SERVE: handler panicked")

		writeJSON(cfg, w, http.StatusInternalServerError, realtime.ErrorBody{
			Error: "An error has occurred. Please try again.",
			Code:  "internal",
			Kind:  game.KindUnknown.String(),
		})
	}
}
