package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/gymportal/internal/flagx"
)

var knownFlags = []string{
	"-b", "-s", "-d", "-issuer", "-client-id", "-session-duration",
	"-inactivity", "-check-interval", "-log-level", "-migrate",
}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-b string             store backend: sqlite or bolt
//	-s string             path of the local store file
//	-d string             directory database DSN
//	-issuer string        OIDC issuer URL
//	-client-id string     OIDC client id
//	-session-duration d   absolute session duration (e.g. 24h)
//	-inactivity d         inactivity timeout (e.g. 30m)
//	-check-interval d     activity check interval (e.g. 60s)
//	-log-level string     debug, info, warn or error
//	-migrate              create the directory tables if missing
//
// os.Args is filtered through flagx.FilterArgs first so flags owned by other
// loaders (-c) do not cause parse errors.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.StringVar(&cfg.StoreBackend, "b", cfg.StoreBackend, "store backend (sqlite|bolt)")
	fs.StringVar(&cfg.StorePath, "s", cfg.StorePath, "path of the local store file")
	fs.StringVar(&cfg.DirectoryDSN, "d", cfg.DirectoryDSN, "directory database DSN")
	fs.StringVar(&cfg.OIDC.IssuerURL, "issuer", cfg.OIDC.IssuerURL, "OIDC issuer URL")
	fs.StringVar(&cfg.OIDC.ClientID, "client-id", cfg.OIDC.ClientID, "OIDC client id")
	fs.DurationVar(&cfg.AbsoluteSessionDuration, "session-duration", cfg.AbsoluteSessionDuration, "absolute session duration")
	fs.DurationVar(&cfg.InactivityTimeout, "inactivity", cfg.InactivityTimeout, "inactivity timeout")
	fs.DurationVar(&cfg.ActivityCheckInterval, "check-interval", cfg.ActivityCheckInterval, "activity check interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.MigrateDirectory, "migrate", cfg.MigrateDirectory, "create the directory tables if missing")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
