package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInactiveUser       = errors.New("auth: user is inactive")

	// ErrCredentialExpired and ErrCredentialInvalid classify bearer token failures.
	ErrCredentialExpired = errors.New("auth: credential expired")
	ErrCredentialInvalid = errors.New("auth: credential invalid")

	ErrRefreshInvalid = errors.New("auth: refresh token invalid")

	// ErrEnrichment wraps failures while loading organization, roles or permissions.
	ErrEnrichment = errors.New("auth: enrichment failed")
)
