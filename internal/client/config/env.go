package config

import (
	"errors"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name declared in Config tags,
// e.g. GYM_INACTIVITY_TIMEOUT or GYM_OIDC_ISSUER_URL.
const EnvPrefix = "GYM_"

// DotEnvFile is loaded into the environment before parseEnv when present.
const DotEnvFile = ".env"

// parseDotEnv loads variables from path without overriding ones already set.
// A missing file is not an error.
func parseDotEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			panic(err)
		}
	}
}

// parseEnv overlays cfg with variables that are present in the environment.
// Unset variables leave the current value untouched. Malformed values panic,
// matching the JSON loader.
func parseEnv(cfg *Config) {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}
