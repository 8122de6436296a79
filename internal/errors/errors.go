package errors

import "errors"

// Authentication errors.
var (
	ErrAuthFailure           = errors.New("authentication failed")
	ErrProviderNotConfigured = errors.New("sync provider not configured")
)

// Remote store errors.
var (
	ErrTransport = errors.New("remote request failed")
	ErrNotFound  = errors.New("remote object not found")
)

// Content errors.
var (
	ErrParse          = errors.New("malformed sync document")
	ErrContentMissing = errors.New("session content missing")
)
