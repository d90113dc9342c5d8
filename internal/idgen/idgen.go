// Package idgen generates gating session identifiers backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// SessionPrefix is prepended to every session id.
const SessionPrefix = "gs-"

// Alphabet avoids ':' so ids embed safely in callback data.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters after the prefix. Telegram caps
// callback data at 64 bytes, so ids stay short.
const Length = 12

// Session returns a new session id.
func Session() (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return SessionPrefix + id, nil
}

// MustSession is Session for callers that cannot recover from entropy failure.
func MustSession() string {
	id, err := Session()
	if err != nil {
		panic(err)
	}
	return id
}
