// Command tokengen mints an operator token for GET /v1/verifications.
//
//	JWT_PRIVATE_KEY_PATH=./private_key.pem tokengen -operator alice
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-join-verify/internal/config"
	jwtinfra "github.com/go-join-verify/internal/infrastructure/jwt"
	"github.com/go-join-verify/internal/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	operator := flag.String("operator", "", "name recorded in the token")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(logger.Options{Level: cfg.LogLevel, Format: "console", Service: "tokengen", Writer: os.Stderr})

	if *operator == "" {
		log.Fatal().Msg("-operator is required")
	}
	if cfg.JWTPrivateKeyPath == "" {
		log.Fatal().Msg("JWT_PRIVATE_KEY_PATH is not set")
	}
	p, err := jwtinfra.NewProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load keys")
	}
	token, err := p.Sign(*operator)
	if err != nil {
		log.Fatal().Err(err).Msg("sign token")
	}
	fmt.Fprintln(os.Stdout, token)
}
