package http

import (
	"github.com/go-join-verify/internal/application/verification"
	jwtinfra "github.com/go-join-verify/internal/infrastructure/jwt"
	"github.com/go-join-verify/internal/pkg/logger"
)

// Deps holds everything the router needs. Without Tokens the operator
// listing is not mounted.
type Deps struct {
	Verification verification.Service
	Tokens       *jwtinfra.Provider
	Log          logger.Logger
}
