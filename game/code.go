/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"crypto/rand"
	"strings"
)

const lobbyLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewLobbyCode returns a crypto-random code of five letters and one digit.
// Uniqueness is enforced by the store.
func NewLobbyCode() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, 6)
	for i := range 5 {
		out[i] = lobbyLetters[int(buf[i])%len(lobbyLetters)]
	}
	out[5] = '0' + buf[5]%10

	return string(out)
}

func NormalizeLobbyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func ValidLobbyCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := range 5 {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}

	return code[5] >= '0' && code[5] <= '9'
}
