/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/songline/game"
	"github.com/Seednode/songline/realtime"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("decode: %w", errBadRequest), http.StatusBadRequest},
		{errForbidden, http.StatusForbidden},
		{game.ErrInvalidPlacement, http.StatusBadRequest},
		{game.ErrInvalidSongPool, http.StatusBadRequest},
		{game.ErrWrongPhase, http.StatusBadRequest},
		{game.ErrRoomNotFound, http.StatusNotFound},
		{game.ErrPlayerNotFound, http.StatusNotFound},
		{fmt.Errorf("turn 3: %w", game.ErrNotYourTurn), http.StatusConflict},
		{game.ErrTransitionInProgress, http.StatusConflict},
		{fmt.Errorf("depart: %w", game.ErrRoomChanged), http.StatusConflict},
		{game.ErrDeckExhausted, http.StatusConflict},
		{game.ErrNameTaken, http.StatusConflict},
		{fmt.Errorf("ping: %w: %w", game.ErrUnavailable, errors.New("refused")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWriteError(t *testing.T) {
	cfg := &Config{}
	r := httptest.NewRequest(http.MethodGet, "/api/rooms/x", nil)

	t.Run("known", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(cfg, w, r, fmt.Errorf("turn 4: %w", game.ErrNotYourTurn))

		assert.Equal(t, http.StatusConflict, w.Code)

		var body realtime.ErrorBody
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, realtime.ErrorBody{
			Error: "turn 4: not your turn",
			Code:  "not_your_turn",
			Kind:  "stale_turn",
		}, body)
	})

	t.Run("internal details stay private", func(t *testing.T) {
		w := httptest.NewRecorder()
		writeError(cfg, w, r, errors.New("connection string leaked"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)

		var body realtime.ErrorBody
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "internal", body.Code)
		assert.NotContains(t, body.Error, "leaked")
	})
}
