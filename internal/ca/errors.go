package ca

import (
	"errors"

	"cabeat/internal/storage"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	// ErrKeyEncrypted is returned when a CA key is encrypted and no password is configured.
	ErrKeyEncrypted = errors.New("password was not given but private key is encrypted")
	// ErrAuthorityNotFound aliases the store's not-found error so callers can match either.
	ErrAuthorityNotFound = storage.ErrNotFound
)
