package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Adapters wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
)
