// Package config loads runtime configuration for the portal client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c/-config or $GYM_CONFIG.
//  3. Environment variables prefixed with GYM_ (see EnvPrefix). A .env file
//     in the working directory fills in variables that are not already set.
//  4. Command-line flags, which override everything else.
//
// (*Config).Sanitize runs last and restores defaults for values the session
// core cannot work with (non-positive durations, unknown store backend).
//
// # JSON schema
//
//	{
//	  "store_backend": "sqlite",
//	  "store_path": "portal.db",
//	  "directory_dsn": "postgres://...",
//	  "oidc_issuer_url": "https://id.example.com",
//	  "oidc_client_id": "gym-portal",
//	  "session_duration": "24h",
//	  "inactivity_timeout": "30m",
//	  "activity_check_interval": "60s"
//	}
package config
